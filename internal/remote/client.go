// Package remote is the HTTP client for the authoritative check-in API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/rollcall/internal/types"
	"github.com/oklog/ulid/v2"
)

// Client talks to the remote API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client. timeout bounds every request (0 means 10s).
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks that the remote is reachable and healthy.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.sendRequest(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// SetCheckIn asks the remote to set an attendee's checked-in state.
// Soft conflicts are returned as a WriteResult, not an error. An empty opID
// is replaced with a fresh one.
func (c *Client) SetCheckIn(ctx context.Context, attendeeID string, desired bool, requestedAt time.Time, opID string) (WriteResult, error) {
	if opID == "" {
		opID = ulid.Make().String()
	}
	body := CheckInRequest{
		CheckedIn:   desired,
		RequestedAt: requestedAt.UTC(),
		ClientOpID:  opID,
	}

	path := "/api/v1/attendees/" + url.PathEscape(attendeeID) + "/check-in"
	resp, err := c.sendRequest(ctx, http.MethodPut, path, body)
	if err != nil {
		return WriteResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var a types.Attendee
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return WriteResult{}, fmt.Errorf("decode check-in response: %w", err)
		}
		return WriteResult{Outcome: OutcomeApplied, Attendee: &a}, nil
	case http.StatusConflict:
		p := readProblem(resp)
		if p.Type == ProblemAlreadyApplied || p.Type == ProblemSuperseded {
			return WriteResult{Outcome: OutcomeSoftConflict, Attendee: p.Attendee}, nil
		}
		return WriteResult{}, &Error{Status: resp.StatusCode, Type: p.Type, Detail: p.Detail}
	default:
		return WriteResult{}, statusError(resp)
	}
}

// ListAttendees fetches the full roster of an event.
func (c *Client) ListAttendees(ctx context.Context, eventID string) ([]types.Attendee, error) {
	return c.attendeeList(ctx, http.MethodGet, "/api/v1/events/"+url.PathEscape(eventID)+"/attendees")
}

// ResetEvent clears every check-in of an event and returns the new roster.
func (c *Client) ResetEvent(ctx context.Context, eventID string) ([]types.Attendee, error) {
	return c.attendeeList(ctx, http.MethodPost, "/api/v1/events/"+url.PathEscape(eventID)+"/reset")
}

func (c *Client) attendeeList(ctx context.Context, method, path string) ([]types.Attendee, error) {
	resp, err := c.sendRequest(ctx, method, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var list AttendeeList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode attendee list: %w", err)
	}
	if list.Attendees == nil {
		list.Attendees = []types.Attendee{}
	}
	return list.Attendees, nil
}

func (c *Client) sendRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: base URL not configured", ErrUnreachable)
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return resp, nil
}

// statusError maps a non-success response. Gateway failures mean the
// authority itself was not reached; 429 means it declined to look.
func statusError(resp *http.Response) error {
	p := readProblem(resp)
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	case http.StatusTooManyRequests:
		return &ThrottleError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Detail: p.Detail}
	}
	return &Error{Status: resp.StatusCode, Type: p.Type, Detail: p.Detail}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func readProblem(resp *http.Response) Problem {
	var p Problem
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return p
	}
	if jsonErr := json.Unmarshal(data, &p); jsonErr != nil {
		p.Detail = strings.TrimSpace(string(data))
	}
	return p
}

// AsError unwraps a remote rejection.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
