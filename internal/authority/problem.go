package authority

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/rollcall/internal/remote"
	"github.com/hyperengineering/rollcall/internal/types"
	"github.com/hyperengineering/rollcall/internal/validation"
)

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://rollcall.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://rollcall.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://rollcall.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://rollcall.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://rollcall.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusConflict: {
		typeURI: "https://rollcall.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://rollcall.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt.typeURI = "https://rollcall.dev/errors/unknown"
		pt.title = http.StatusText(status)
	}
	writeProblem(w, status, remote.Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// WriteSoftConflict writes a 409 carrying the current record. problemType is
// remote.ProblemAlreadyApplied or remote.ProblemSuperseded.
func WriteSoftConflict(w http.ResponseWriter, r *http.Request, problemType, detail string, current types.Attendee) {
	title := "Already Applied"
	if problemType == remote.ProblemSuperseded {
		title = "Superseded"
	}
	writeProblem(w, http.StatusConflict, remote.Problem{
		Type:     problemType,
		Title:    title,
		Status:   http.StatusConflict,
		Detail:   detail,
		Instance: r.URL.Path,
		Attendee: &current,
	})
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	remote.Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]
	writeProblem(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: remote.Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	})
}

func writeProblem(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "authority", "error", err)
	}
}

// MapRosterError converts roster errors to Problem Details responses.
func MapRosterError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrEventNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Event not found")
	case errors.Is(err, ErrAttendeeNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Attendee not found")
	case errors.Is(err, ErrDuplicate):
		WriteProblem(w, r, http.StatusConflict, "Attendee already exists")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
