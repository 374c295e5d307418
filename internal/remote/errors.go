package remote

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnreachable marks a failure to reach the remote at all. Callers treat it
// as a connectivity problem and retry later.
var ErrUnreachable = errors.New("remote unreachable")

// ErrThrottled marks a request the remote refused for rate limiting. The
// operation itself was not judged and may be retried unchanged.
var ErrThrottled = errors.New("remote throttled")

// ThrottleError carries the remote's Retry-After hint, zero when absent.
type ThrottleError struct {
	RetryAfter time.Duration
	Detail     string
}

func (e *ThrottleError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %s", ErrThrottled, e.RetryAfter)
	}
	return ErrThrottled.Error()
}

func (e *ThrottleError) Unwrap() error { return ErrThrottled }

// Error is a definitive rejection returned by the remote.
type Error struct {
	Status int
	Type   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("remote rejected request: status %d", e.Status)
	}
	return fmt.Sprintf("remote rejected request: %s (status %d)", e.Detail, e.Status)
}

// IsUnreachable reports whether err is a connectivity failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsThrottled reports whether err is a rate-limit refusal.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// RetryAfter returns the delay requested by a throttled response.
func RetryAfter(err error) time.Duration {
	var te *ThrottleError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
