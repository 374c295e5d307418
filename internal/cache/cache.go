// Package cache keeps the last known attendee list of every event on disk so
// the display layer can render while disconnected.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hyperengineering/rollcall/internal/types"
)

// ErrNotFound is returned when no snapshot exists for a scope.
var ErrNotFound = errors.New("snapshot not found")

// timeFormat is fixed width so updated_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Cache stores one JSON snapshot per scope in rollcall_snapshots.
type Cache struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Cache on an already-migrated database.
func New(db *sql.DB) *Cache {
	return &Cache{db: db, now: time.Now}
}

// Get returns the cached attendees of a scope, ordered by name.
func (c *Cache) Get(ctx context.Context, scopeID string) ([]types.Attendee, error) {
	var raw string
	err := c.db.QueryRowContext(ctx,
		`SELECT records FROM rollcall_snapshots WHERE scope_id = ?`, scopeID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", scopeID, err)
	}
	return decode(raw)
}

// UpdatedAt returns when a scope's snapshot was last written.
func (c *Cache) UpdatedAt(ctx context.Context, scopeID string) (time.Time, error) {
	var raw string
	err := c.db.QueryRowContext(ctx,
		`SELECT updated_at FROM rollcall_snapshots WHERE scope_id = ?`, scopeID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(timeFormat, raw)
}

// Replace overwrites a scope's snapshot with a full fetch.
func (c *Cache) Replace(ctx context.Context, scopeID string, attendees []types.Attendee) error {
	return c.write(ctx, c.db, scopeID, attendees)
}

// Upsert stores a single authoritative record, adding it when absent.
func (c *Cache) Upsert(ctx context.Context, scopeID string, a types.Attendee) error {
	return c.modify(ctx, scopeID, true, func(list []types.Attendee) []types.Attendee {
		for i := range list {
			if list[i].ID == a.ID {
				list[i] = a
				return list
			}
		}
		return append(list, a)
	})
}

// ApplyCheckIn optimistically sets one attendee's state. Unknown attendees
// and scopes are left alone; the next full fetch will bring them in.
func (c *Cache) ApplyCheckIn(ctx context.Context, scopeID, targetID string, desired bool, at time.Time) error {
	return c.modify(ctx, scopeID, false, func(list []types.Attendee) []types.Attendee {
		for i := range list {
			if list[i].ID != targetID {
				continue
			}
			list[i].CheckedIn = desired
			if desired {
				t := at.UTC()
				list[i].CheckedInAt = &t
			} else {
				list[i].CheckedInAt = nil
			}
			list[i].UpdatedAt = at.UTC()
		}
		return list
	})
}

// ApplyChange folds a push-feed change into the snapshot.
func (c *Cache) ApplyChange(ctx context.Context, ev types.ChangeEvent) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown change type %q", ev.Type)
	}
	if ev.Type != types.ChangeDelete {
		return c.Upsert(ctx, ev.ScopeID, ev.Record)
	}
	return c.modify(ctx, ev.ScopeID, false, func(list []types.Attendee) []types.Attendee {
		out := list[:0]
		for _, a := range list {
			if a.ID != ev.Record.ID {
				out = append(out, a)
			}
		}
		return out
	})
}

// FindScope returns the scope whose snapshot contains targetID.
func (c *Cache) FindScope(ctx context.Context, targetID string) (string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT scope_id, records FROM rollcall_snapshots ORDER BY updated_at DESC`)
	if err != nil {
		return "", fmt.Errorf("scan snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var scopeID, raw string
		if err := rows.Scan(&scopeID, &raw); err != nil {
			return "", err
		}
		list, err := decode(raw)
		if err != nil {
			return "", err
		}
		for _, a := range list {
			if a.ID == targetID {
				return scopeID, nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return "", ErrNotFound
}

// Scopes lists every scope with a snapshot.
func (c *Cache) Scopes(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT scope_id FROM rollcall_snapshots ORDER BY scope_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scopes := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// modify rewrites a snapshot inside a transaction. A missing snapshot is
// created only when create is set.
func (c *Cache) modify(ctx context.Context, scopeID string, create bool, fn func([]types.Attendee) []types.Attendee) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot update: %w", err)
	}
	defer tx.Rollback()

	var list []types.Attendee
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT records FROM rollcall_snapshots WHERE scope_id = ?`, scopeID).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !create {
			return nil
		}
	case err != nil:
		return fmt.Errorf("read snapshot %s: %w", scopeID, err)
	default:
		if list, err = decode(raw); err != nil {
			return err
		}
	}

	if err := c.write(ctx, tx, scopeID, fn(list)); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Cache) write(ctx context.Context, ex execer, scopeID string, attendees []types.Attendee) error {
	attendees = append([]types.Attendee{}, attendees...)
	sort.SliceStable(attendees, func(i, j int) bool {
		if attendees[i].Name != attendees[j].Name {
			return attendees[i].Name < attendees[j].Name
		}
		return attendees[i].ID < attendees[j].ID
	})

	data, err := json.Marshal(attendees)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO rollcall_snapshots (scope_id, records, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(scope_id) DO UPDATE SET records = excluded.records, updated_at = excluded.updated_at
	`, scopeID, string(data), c.now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", scopeID, err)
	}
	return nil
}

func decode(raw string) ([]types.Attendee, error) {
	var list []types.Attendee
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return list, nil
}
