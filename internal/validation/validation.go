package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hyperengineering/rollcall/internal/remote"
	"github.com/hyperengineering/rollcall/internal/types"
)

// Field limits.
const (
	MaxIDLength    = 64
	MaxNameLength  = 200
	MaxEmailLength = 254
	// MaxClockSkew bounds how far in the future requested_at may be.
	MaxClockSkew = 5 * time.Minute
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{Field: field, Message: "must be a valid ULID (26 characters)"}
	}
	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range strings.ToUpper(value) {
		if !strings.ContainsRune(crockfordBase32, r) {
			return &ValidationError{Field: field, Message: "must be a valid ULID (invalid character)"}
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateIdentifier checks a path or body identifier.
func ValidateIdentifier(field, value string) []ValidationError {
	var c Collector
	if err := ValidateRequired(field, value); err != nil {
		c.Add(err)
		return c.Errors()
	}
	c.Add(ValidateUTF8(field, value))
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateMaxLength(field, value, MaxIDLength))
	if strings.ContainsAny(value, "/ ") {
		c.Add(&ValidationError{Field: field, Message: "must not contain slashes or spaces"})
	}
	return c.Errors()
}

// ValidateCheckInRequest checks a check-in write. now bounds requested_at.
func ValidateCheckInRequest(req remote.CheckInRequest, now time.Time) []ValidationError {
	var c Collector
	if req.RequestedAt.IsZero() {
		c.Add(&ValidationError{Field: "requested_at", Message: "is required"})
	} else if req.RequestedAt.After(now.Add(MaxClockSkew)) {
		c.Add(&ValidationError{Field: "requested_at", Message: "must not be in the future"})
	}
	if req.ClientOpID != "" {
		c.Add(ValidateULID("client_op_id", req.ClientOpID))
	}
	return c.Errors()
}

// ValidateAttendeeRequest checks a new roster entry.
func ValidateAttendeeRequest(req remote.AttendeeRequest) []ValidationError {
	var c Collector
	if req.ID != "" {
		for _, e := range ValidateIdentifier("id", req.ID) {
			c.Add(&e)
		}
	}
	if err := ValidateRequired("name", req.Name); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateUTF8("name", req.Name))
		c.Add(ValidateNoNullBytes("name", req.Name))
		c.Add(ValidateMaxLength("name", req.Name, MaxNameLength))
	}
	if req.Email != "" {
		c.Add(ValidateMaxLength("email", req.Email, MaxEmailLength))
		if !strings.Contains(req.Email, "@") {
			c.Add(&ValidationError{Field: "email", Message: "must be an email address"})
		}
	}
	return c.Errors()
}

// ValidateResource checks the feed resource query parameter.
func ValidateResource(value string) *ValidationError {
	return ValidateEnum("resource", value, []string{string(types.ResourceAttendees)})
}
