package remote

import (
	"time"

	"github.com/hyperengineering/rollcall/internal/types"
)

// Problem type URIs used by the remote API.
const (
	ProblemAlreadyApplied = "https://rollcall.dev/errors/already-applied"
	ProblemSuperseded     = "https://rollcall.dev/errors/superseded"
)

// CheckInRequest is the body of PUT /api/v1/attendees/{attendee_id}/check-in.
type CheckInRequest struct {
	CheckedIn   bool      `json:"checked_in"`
	RequestedAt time.Time `json:"requested_at"`
	ClientOpID  string    `json:"client_op_id,omitempty"`
}

// Problem is an RFC 7807 problem document. Soft conflicts carry the current
// remote record in Attendee.
type Problem struct {
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Status   int             `json:"status"`
	Detail   string          `json:"detail"`
	Instance string          `json:"instance,omitempty"`
	Attendee *types.Attendee `json:"attendee,omitempty"`
}

// AttendeeList is the body of list and reset responses.
type AttendeeList struct {
	EventID   string           `json:"event_id"`
	Attendees []types.Attendee `json:"attendees"`
}

// Outcome classifies an accepted write.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeSoftConflict Outcome = "soft_conflict"
)

// WriteResult is the result of a write the remote did not reject.
type WriteResult struct {
	Outcome  Outcome
	Attendee *types.Attendee
}

// Feed frame types beyond the change types.
const (
	FrameSubscribed = "subscribed"
	FrameError      = "error"
)

// FeedFrame is one message on the push feed.
type FeedFrame struct {
	Type     string             `json:"type"`
	Resource types.ResourceType `json:"resource,omitempty"`
	ScopeID  string             `json:"scope_id,omitempty"`
	Record   *types.Attendee    `json:"record,omitempty"`
	At       time.Time          `json:"at,omitempty"`
	Detail   string             `json:"detail,omitempty"`
}

// AttendeeRequest is the body of POST /api/v1/events/{event_id}/attendees.
type AttendeeRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}
