package authority

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/rollcall/internal/remote"
	"github.com/hyperengineering/rollcall/internal/types"
	"github.com/hyperengineering/rollcall/internal/validation"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Events      int    `json:"events"`
	Subscribers int    `json:"subscribers"`
}

// Handler implements the authority API handlers.
type Handler struct {
	roster  *Roster
	hub     *Hub
	apiKey  string
	version string
	now     func() time.Time
}

// NewHandler creates a Handler and wires roster changes into the hub.
func NewHandler(roster *Roster, hub *Hub, apiKey, version string) *Handler {
	roster.OnChange(hub.Broadcast)
	return &Handler{
		roster:  roster,
		hub:     hub,
		apiKey:  apiKey,
		version: version,
		now:     time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "authority", "error", err)
	}
}

// pathID reads and validates a path parameter. It writes the 422 response
// and returns false when invalid.
func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := chi.URLParam(r, name)
	if errs := validation.ValidateIdentifier(name, id); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Invalid path parameter", errs)
		return "", false
	}
	return id, true
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Events:      len(h.roster.Events()),
		Subscribers: h.hub.Count(),
	})
}

// ListAttendees handles GET /api/v1/events/{event_id}/attendees
func (h *Handler) ListAttendees(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "event_id")
	if !ok {
		return
	}
	list, err := h.roster.List(eventID)
	if err != nil {
		MapRosterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.AttendeeList{EventID: eventID, Attendees: list})
}

// SetCheckIn handles PUT /api/v1/attendees/{attendee_id}/check-in
func (h *Handler) SetCheckIn(w http.ResponseWriter, r *http.Request) {
	attendeeID, ok := pathID(w, r, "attendee_id")
	if !ok {
		return
	}

	var req remote.CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if errs := validation.ValidateCheckInRequest(req, h.now()); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	rec, outcome, err := h.roster.SetCheckIn(attendeeID, req.CheckedIn, req.RequestedAt)
	if err != nil {
		MapRosterError(w, r, err)
		return
	}

	slog.Info("check-in write",
		"component", "authority",
		"attendee_id", attendeeID,
		"checked_in", req.CheckedIn,
		"outcome", outcome,
		"client_op_id", req.ClientOpID,
	)

	switch outcome {
	case OutcomeAlreadyApplied:
		WriteSoftConflict(w, r, remote.ProblemAlreadyApplied, "Attendee is already in the requested state", rec)
	case OutcomeSuperseded:
		WriteSoftConflict(w, r, remote.ProblemSuperseded, "A later change already updated this attendee", rec)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// ResetEvent handles POST /api/v1/events/{event_id}/reset
func (h *Handler) ResetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "event_id")
	if !ok {
		return
	}
	list, err := h.roster.Reset(eventID)
	if err != nil {
		MapRosterError(w, r, err)
		return
	}
	slog.Info("event reset", "component", "authority", "event_id", eventID, "attendees", len(list))
	writeJSON(w, http.StatusOK, remote.AttendeeList{EventID: eventID, Attendees: list})
}

// AddAttendee handles POST /api/v1/events/{event_id}/attendees
func (h *Handler) AddAttendee(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "event_id")
	if !ok {
		return
	}

	var req remote.AttendeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if errs := validation.ValidateAttendeeRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	rec, err := h.roster.Add(eventID, types.Attendee{ID: req.ID, Name: req.Name, Email: req.Email})
	if err != nil {
		MapRosterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// DeleteAttendee handles DELETE /api/v1/attendees/{attendee_id}
func (h *Handler) DeleteAttendee(w http.ResponseWriter, r *http.Request) {
	attendeeID, ok := pathID(w, r, "attendee_id")
	if !ok {
		return
	}
	if _, err := h.roster.Delete(attendeeID); err != nil {
		MapRosterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Feed handles GET /api/v1/events/{event_id}/feed?resource=attendees
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathID(w, r, "event_id")
	if !ok {
		return
	}
	resource := r.URL.Query().Get("resource")
	if verr := validation.ValidateResource(resource); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid feed resource", []validation.ValidationError{*verr})
		return
	}
	if !h.roster.HasEvent(eventID) {
		WriteProblem(w, r, http.StatusNotFound, "Event not found")
		return
	}
	h.hub.Serve(w, r, types.ResourceType(resource), eventID)
}
