package authority

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/rollcall/internal/types"
)

func testSeed() *RosterFile {
	return &RosterFile{Events: []RosterEvent{{
		ID:   "E1",
		Name: "Launch",
		Attendees: []RosterAttendee{
			{ID: "A2", Name: "Grace"},
			{ID: "A1", Name: "Ada"},
			{ID: "A3", Name: "Linus", CheckedIn: true},
		},
	}}}
}

type changeRecorder struct {
	mu     sync.Mutex
	events []types.ChangeEvent
}

func (c *changeRecorder) record(ev types.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *changeRecorder) all() []types.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ChangeEvent(nil), c.events...)
}

func newTestRoster(t *testing.T) (*Roster, *changeRecorder) {
	t.Helper()
	r, err := NewRoster(testSeed())
	if err != nil {
		t.Fatalf("NewRoster() error = %v", err)
	}
	rec := &changeRecorder{}
	r.OnChange(rec.record)
	return r, rec
}

func TestNewRoster_RejectsDuplicateAttendee(t *testing.T) {
	seed := testSeed()
	seed.Events = append(seed.Events, RosterEvent{ID: "E2", Attendees: []RosterAttendee{{ID: "A1", Name: "Ada again"}}})

	_, err := NewRoster(seed)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("NewRoster() error = %v, want ErrDuplicate", err)
	}
}

func TestNewRoster_RejectsMissingIDs(t *testing.T) {
	if _, err := NewRoster(&RosterFile{Events: []RosterEvent{{Name: "x"}}}); err == nil {
		t.Error("expected error for event without id")
	}
	if _, err := NewRoster(&RosterFile{Events: []RosterEvent{{ID: "E1", Attendees: []RosterAttendee{{Name: "x"}}}}}); err == nil {
		t.Error("expected error for attendee without id")
	}
}

func TestLoadRosterFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	content := `events:
  - id: E1
    name: Launch
    attendees:
      - id: A1
        name: Ada
        email: ada@example.com
      - id: A2
        name: Grace
        checked_in: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rf, err := LoadRosterFile(path)
	if err != nil {
		t.Fatalf("LoadRosterFile() error = %v", err)
	}
	if len(rf.Events) != 1 || len(rf.Events[0].Attendees) != 2 {
		t.Fatalf("unexpected roster: %+v", rf)
	}
	if !rf.Events[0].Attendees[1].CheckedIn {
		t.Error("A2 should be checked in")
	}
	if rf.Events[0].Attendees[0].Email != "ada@example.com" {
		t.Errorf("email = %q", rf.Events[0].Attendees[0].Email)
	}
}

func TestLoadRosterFile_Missing(t *testing.T) {
	if _, err := LoadRosterFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRoster_ListSortedByName(t *testing.T) {
	r, _ := newTestRoster(t)

	list, err := r.List("E1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"A1", "A2", "A3"}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, id)
		}
	}
	if _, err := r.List("E9"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("List(E9) error = %v, want ErrEventNotFound", err)
	}
}

func TestRoster_SetCheckIn_Applied(t *testing.T) {
	r, rec := newTestRoster(t)
	requested := time.Now().Add(time.Second)

	got, outcome, err := r.SetCheckIn("A1", true, requested)
	if err != nil {
		t.Fatalf("SetCheckIn() error = %v", err)
	}
	if outcome != OutcomeApplied {
		t.Errorf("outcome = %s, want applied", outcome)
	}
	if !got.CheckedIn || got.CheckedInAt == nil {
		t.Errorf("record not checked in: %+v", got)
	}

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != types.ChangeUpdate || events[0].ScopeID != "E1" || events[0].Record.ID != "A1" {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if events[0].Resource != types.ResourceAttendees {
		t.Errorf("resource = %s", events[0].Resource)
	}
}

func TestRoster_SetCheckIn_AlreadyApplied(t *testing.T) {
	r, rec := newTestRoster(t)

	got, outcome, err := r.SetCheckIn("A3", true, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("SetCheckIn() error = %v", err)
	}
	if outcome != OutcomeAlreadyApplied {
		t.Errorf("outcome = %s, want already_applied", outcome)
	}
	if !got.CheckedIn {
		t.Error("current record should be returned")
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func TestRoster_SetCheckIn_Superseded(t *testing.T) {
	r, _ := newTestRoster(t)

	// Given a check-in applied now
	if _, _, err := r.SetCheckIn("A1", true, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	// When an undo requested an hour ago arrives late
	got, outcome, err := r.SetCheckIn("A1", false, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("SetCheckIn() error = %v", err)
	}

	// Then the later change wins
	if outcome != OutcomeSuperseded {
		t.Errorf("outcome = %s, want superseded", outcome)
	}
	if !got.CheckedIn {
		t.Error("record should remain checked in")
	}
}

func TestRoster_SetCheckIn_Unknown(t *testing.T) {
	r, _ := newTestRoster(t)
	if _, _, err := r.SetCheckIn("A9", true, time.Now()); !errors.Is(err, ErrAttendeeNotFound) {
		t.Errorf("error = %v, want ErrAttendeeNotFound", err)
	}
}

func TestRoster_Reset(t *testing.T) {
	r, rec := newTestRoster(t)

	list, err := r.Reset("E1")
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	for _, a := range list {
		if a.CheckedIn || a.CheckedInAt != nil {
			t.Errorf("%s still checked in", a.ID)
		}
	}
	// Only A3 was checked in
	events := rec.all()
	if len(events) != 1 || events[0].Record.ID != "A3" {
		t.Errorf("events = %+v, want one update for A3", events)
	}

	if _, err := r.Reset("E9"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Reset(E9) error = %v", err)
	}
}

func TestRoster_AddAndDelete(t *testing.T) {
	r, rec := newTestRoster(t)

	added, err := r.Add("E2", types.Attendee{Name: "Barbara"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if len(added.ID) != 26 {
		t.Errorf("generated ID = %q, want ULID", added.ID)
	}
	if !r.HasEvent("E2") {
		t.Error("E2 should be created")
	}
	if _, err := r.Add("E1", types.Attendee{ID: "A1", Name: "dup"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Add(dup) error = %v", err)
	}

	deleted, err := r.Delete("A2")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted.EventID != "E1" {
		t.Errorf("deleted.EventID = %s", deleted.EventID)
	}
	if _, err := r.Get("A2"); !errors.Is(err, ErrAttendeeNotFound) {
		t.Errorf("Get(A2) error = %v", err)
	}
	if _, err := r.Delete("A2"); !errors.Is(err, ErrAttendeeNotFound) {
		t.Errorf("second Delete error = %v", err)
	}

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != types.ChangeInsert || events[0].ScopeID != "E2" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != types.ChangeDelete || events[1].Record.ID != "A2" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestRoster_Events(t *testing.T) {
	r, _ := newTestRoster(t)
	r.Add("E0", types.Attendee{ID: "B1", Name: "Ken"})

	got := r.Events()
	if len(got) != 2 || got[0] != "E0" || got[1] != "E1" {
		t.Errorf("Events() = %v, want [E0 E1]", got)
	}
}

func TestRoster_ChangeEventsFollowMutationOrder(t *testing.T) {
	for round := 0; round < 20; round++ {
		r, rec := newTestRoster(t)
		base := time.Now()

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r.SetCheckIn("A1", i%2 == 0, base.Add(time.Duration(i)*time.Millisecond))
			}(i)
		}
		wg.Wait()

		events := rec.all()
		if len(events) == 0 {
			t.Fatal("expected at least one applied write")
		}
		final, _ := r.Get("A1")
		last := events[len(events)-1].Record
		if last.CheckedIn != final.CheckedIn {
			t.Fatalf("round %d: last event checked_in=%v, roster has %v", round, last.CheckedIn, final.CheckedIn)
		}
		for i := 1; i < len(events); i++ {
			if events[i].Record.CheckedIn == events[i-1].Record.CheckedIn {
				t.Fatalf("round %d: events %d and %d both report checked_in=%v", round, i-1, i, events[i].Record.CheckedIn)
			}
		}
	}
}
