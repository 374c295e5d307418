package authority

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/rollcall/internal/types"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

// Roster errors.
var (
	ErrEventNotFound    = errors.New("event not found")
	ErrAttendeeNotFound = errors.New("attendee not found")
	ErrDuplicate        = errors.New("attendee already exists")
)

// WriteOutcome is how SetCheckIn resolved a request.
type WriteOutcome string

const (
	OutcomeApplied        WriteOutcome = "applied"
	OutcomeAlreadyApplied WriteOutcome = "already_applied"
	OutcomeSuperseded     WriteOutcome = "superseded"
)

// RosterFile is the YAML seed format.
type RosterFile struct {
	Events []RosterEvent `yaml:"events"`
}

// RosterEvent is one event of the seed file.
type RosterEvent struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	Attendees []RosterAttendee `yaml:"attendees"`
}

// RosterAttendee is one seeded attendee.
type RosterAttendee struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Email     string `yaml:"email"`
	CheckedIn bool   `yaml:"checked_in"`
}

// LoadRosterFile reads a YAML seed file.
func LoadRosterFile(path string) (*RosterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster file: %w", err)
	}
	var rf RosterFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse roster file: %w", err)
	}
	return &rf, nil
}

// Roster is the in-memory authoritative attendee store. Every mutation
// reports its change events to the observer set with OnChange.
type Roster struct {
	mu      sync.RWMutex
	events  map[string]map[string]*types.Attendee
	eventOf map[string]string
	// writtenAt holds the requested time of the last applied state write.
	writtenAt map[string]time.Time
	now       func() time.Time
	onChange  func(types.ChangeEvent)
	// emitMu is taken before mu is released, so events leave in the order
	// their mutations were applied.
	emitMu sync.Mutex
}

// NewRoster creates a Roster from a seed (nil for empty).
func NewRoster(seed *RosterFile) (*Roster, error) {
	r := &Roster{
		events:    make(map[string]map[string]*types.Attendee),
		eventOf:   make(map[string]string),
		writtenAt: make(map[string]time.Time),
		now:       time.Now,
	}
	if seed == nil {
		return r, nil
	}

	now := r.now().UTC()
	for _, ev := range seed.Events {
		if ev.ID == "" {
			return nil, errors.New("roster: event without id")
		}
		r.ensureEvent(ev.ID)
		for _, a := range ev.Attendees {
			if a.ID == "" {
				return nil, fmt.Errorf("roster: attendee without id in event %s", ev.ID)
			}
			if _, dup := r.eventOf[a.ID]; dup {
				return nil, fmt.Errorf("roster: attendee %s: %w", a.ID, ErrDuplicate)
			}
			rec := &types.Attendee{
				ID:        a.ID,
				EventID:   ev.ID,
				Name:      a.Name,
				Email:     a.Email,
				CheckedIn: a.CheckedIn,
				UpdatedAt: now,
			}
			if a.CheckedIn {
				rec.CheckedInAt = &now
			}
			r.events[ev.ID][a.ID] = rec
			r.eventOf[a.ID] = ev.ID
		}
	}
	return r, nil
}

// OnChange sets the observer for change events. It is called after the
// roster lock is released, one event at a time in mutation order. The
// observer must not call back into the roster.
func (r *Roster) OnChange(fn func(types.ChangeEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Roster) ensureEvent(eventID string) map[string]*types.Attendee {
	m, ok := r.events[eventID]
	if !ok {
		m = make(map[string]*types.Attendee)
		r.events[eventID] = m
	}
	return m
}

// unlockAndEmit releases mu and delivers events to the observer.
// The caller must hold mu for writing.
func (r *Roster) unlockAndEmit(events ...types.ChangeEvent) {
	fn := r.onChange
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Unlock()

	if fn == nil {
		return
	}
	for _, ev := range events {
		fn(ev)
	}
}

func (r *Roster) change(t types.ChangeType, a types.Attendee) types.ChangeEvent {
	return types.ChangeEvent{
		Type:     t,
		Resource: types.ResourceAttendees,
		ScopeID:  a.EventID,
		Record:   a,
		At:       a.UpdatedAt,
	}
}

// Events lists event IDs.
func (r *Roster) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasEvent reports whether an event exists.
func (r *Roster) HasEvent(eventID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.events[eventID]
	return ok
}

// List returns an event's attendees ordered by name.
func (r *Roster) List(eventID string) ([]types.Attendee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return sorted(m), nil
}

// Get returns one attendee.
func (r *Roster) Get(attendeeID string) (types.Attendee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eventID, ok := r.eventOf[attendeeID]
	if !ok {
		return types.Attendee{}, ErrAttendeeNotFound
	}
	return *r.events[eventID][attendeeID], nil
}

// SetCheckIn resolves a check-in write.
//
// The write is already applied when the state matches. It is superseded
// when the last applied state write was requested after requestedAt.
// Otherwise it is applied and an update event is emitted.
func (r *Roster) SetCheckIn(attendeeID string, desired bool, requestedAt time.Time) (types.Attendee, WriteOutcome, error) {
	r.mu.Lock()
	eventID, ok := r.eventOf[attendeeID]
	if !ok {
		r.mu.Unlock()
		return types.Attendee{}, "", ErrAttendeeNotFound
	}
	rec := r.events[eventID][attendeeID]

	switch {
	case rec.CheckedIn == desired:
		cur := *rec
		r.mu.Unlock()
		return cur, OutcomeAlreadyApplied, nil
	case r.writtenAt[attendeeID].After(requestedAt):
		cur := *rec
		r.mu.Unlock()
		return cur, OutcomeSuperseded, nil
	}

	now := r.now().UTC()
	r.writtenAt[attendeeID] = requestedAt
	rec.CheckedIn = desired
	rec.UpdatedAt = now
	if desired {
		at := requestedAt.UTC()
		rec.CheckedInAt = &at
	} else {
		rec.CheckedInAt = nil
	}
	cur := *rec
	r.unlockAndEmit(r.change(types.ChangeUpdate, cur))
	return cur, OutcomeApplied, nil
}

// Reset clears every check-in of an event.
func (r *Roster) Reset(eventID string) ([]types.Attendee, error) {
	r.mu.Lock()
	m, ok := r.events[eventID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrEventNotFound
	}
	now := r.now().UTC()
	var changed []types.ChangeEvent
	for _, rec := range m {
		if !rec.CheckedIn {
			continue
		}
		rec.CheckedIn = false
		rec.CheckedInAt = nil
		rec.UpdatedAt = now
		r.writtenAt[rec.ID] = now
		changed = append(changed, r.change(types.ChangeUpdate, *rec))
	}
	list := sorted(m)
	r.unlockAndEmit(changed...)
	return list, nil
}

// Add inserts an attendee. An empty ID is generated. The event is created
// when missing.
func (r *Roster) Add(eventID string, a types.Attendee) (types.Attendee, error) {
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}

	r.mu.Lock()
	if _, dup := r.eventOf[a.ID]; dup {
		r.mu.Unlock()
		return types.Attendee{}, ErrDuplicate
	}
	now := r.now().UTC()
	a.EventID = eventID
	a.UpdatedAt = now
	if a.CheckedIn && a.CheckedInAt == nil {
		a.CheckedInAt = &now
	}
	rec := a
	r.ensureEvent(eventID)[a.ID] = &rec
	r.eventOf[a.ID] = eventID
	r.unlockAndEmit(r.change(types.ChangeInsert, a))
	return a, nil
}

// Delete removes an attendee.
func (r *Roster) Delete(attendeeID string) (types.Attendee, error) {
	r.mu.Lock()
	eventID, ok := r.eventOf[attendeeID]
	if !ok {
		r.mu.Unlock()
		return types.Attendee{}, ErrAttendeeNotFound
	}
	rec := *r.events[eventID][attendeeID]
	delete(r.events[eventID], attendeeID)
	delete(r.eventOf, attendeeID)
	delete(r.writtenAt, attendeeID)
	rec.UpdatedAt = r.now().UTC()
	r.unlockAndEmit(r.change(types.ChangeDelete, rec))
	return rec, nil
}

func sorted(m map[string]*types.Attendee) []types.Attendee {
	list := make([]types.Attendee, 0, len(m))
	for _, a := range m {
		list = append(list, *a)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
	return list
}
