// Package queue persists pending check-in operations so that intent recorded
// while offline survives a process restart and is replayed once connectivity
// returns.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/rollcall/internal/types"
	"github.com/oklog/ulid/v2"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Config bounds the queue.
type Config struct {
	MaxSize         int           // unsynced entries allowed per scope (default: 100)
	MaxAttempts     int           // attempts before an entry is exhausted (default: 3)
	Retention       time.Duration // how long synced entries are kept (default: 24h)
	ExhaustedExpiry time.Duration // how long exhausted entries are kept (default: 7 days)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:         100,
		MaxAttempts:     3,
		Retention:       24 * time.Hour,
		ExhaustedExpiry: 7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.ExhaustedExpiry <= 0 {
		c.ExhaustedExpiry = d.ExhaustedExpiry
	}
	return c
}

// Queue is the SQLite-backed operation queue.
// Every mutation is committed before the call returns.
type Queue struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a Queue on an already-migrated database.
func New(db *sql.DB, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		db:  db,
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// Enqueue records the intent to set target's state within scope.
// An existing unsynced operation for the same (target, scope) is replaced,
// so the queue only ever holds the latest requested value for a pair.
func (q *Queue) Enqueue(ctx context.Context, targetID, scopeID string, desired bool) (string, error) {
	if targetID == "" || scopeID == "" {
		return "", fmt.Errorf("%w: target and scope are required", ErrInvalidOperation)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM rollcall_queue
		WHERE target_id = ? AND scope_id = ? AND synced = 0
	`, targetID, scopeID).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var unsynced int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM rollcall_queue WHERE scope_id = ? AND synced = 0
		`, scopeID).Scan(&unsynced); err != nil {
			return "", fmt.Errorf("count scope %s: %w", scopeID, err)
		}
		if unsynced >= q.cfg.MaxSize {
			return "", fmt.Errorf("%w: scope %s holds %d of %d entries", ErrQueueFull, scopeID, unsynced, q.cfg.MaxSize)
		}
	case err != nil:
		return "", fmt.Errorf("find existing operation: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM rollcall_queue WHERE id = ?`, existingID); err != nil {
			return "", fmt.Errorf("replace operation %s: %w", existingID, err)
		}
	}

	id := ulid.Make().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rollcall_queue (id, target_id, scope_id, desired_state, queued_at, attempts, synced)
		VALUES (?, ?, ?, ?, ?, 0, 0)
	`, id, targetID, scopeID, boolToInt(desired), formatTime(q.now()))
	if err != nil {
		return "", fmt.Errorf("insert operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue: %w", err)
	}

	slog.Debug("operation enqueued",
		"component", "queue",
		"op_id", id,
		"target_id", targetID,
		"scope_id", scopeID,
		"desired_state", desired,
		"replaced", existingID,
	)

	return id, nil
}

// Get returns one operation by ID.
func (q *Queue) Get(ctx context.Context, opID string) (*types.QueuedOperation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+columns+` FROM rollcall_queue WHERE id = ?`, opID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ListPending returns unsynced operations that still have attempts left,
// oldest first. An empty scopeID lists every scope.
func (q *Queue) ListPending(ctx context.Context, scopeID string) ([]types.QueuedOperation, error) {
	return q.list(ctx, `synced = 0 AND attempts < ?`, scopeID, q.cfg.MaxAttempts)
}

// ListExhausted returns unsynced operations that ran out of attempts.
func (q *Queue) ListExhausted(ctx context.Context, scopeID string) ([]types.QueuedOperation, error) {
	return q.list(ctx, `synced = 0 AND attempts >= ?`, scopeID, q.cfg.MaxAttempts)
}

func (q *Queue) list(ctx context.Context, where, scopeID string, args ...any) ([]types.QueuedOperation, error) {
	query := `SELECT ` + columns + ` FROM rollcall_queue WHERE ` + where
	if scopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, scopeID)
	}
	query += ` ORDER BY queued_at, id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	ops := []types.QueuedOperation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// MarkSynced records a successful attempt: the remote accepted the operation
// or already reflected it.
func (q *Queue) MarkSynced(ctx context.Context, opID string) error {
	now := formatTime(q.now())
	res, err := q.db.ExecContext(ctx, `
		UPDATE rollcall_queue
		SET synced = 1, synced_at = ?, attempts = attempts + 1, last_attempt_at = ?, last_error = NULL
		WHERE id = ? AND synced = 0
	`, now, now, opID)
	if err != nil {
		return fmt.Errorf("mark synced %s: %w", opID, err)
	}
	return q.requireAffected(ctx, res, opID)
}

// MarkFailed records a failed attempt and its error message.
func (q *Queue) MarkFailed(ctx context.Context, opID, errMsg string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE rollcall_queue
		SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ? AND synced = 0
	`, formatTime(q.now()), errMsg, opID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", opID, err)
	}
	if err := q.requireAffected(ctx, res, opID); err != nil {
		return err
	}

	op, err := q.Get(ctx, opID)
	if err == nil && op.Exhausted(q.cfg.MaxAttempts) {
		slog.Warn("operation exhausted retries",
			"component", "queue",
			"op_id", opID,
			"target_id", op.TargetID,
			"scope_id", op.ScopeID,
			"attempts", op.Attempts,
			"error", errMsg,
		)
	}
	return nil
}

// requireAffected maps a zero-row update to ErrNotFound when the ID is unknown.
// An update that matched an already-synced row is not an error.
func (q *Queue) requireAffected(ctx context.Context, res sql.Result, opID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := q.Get(ctx, opID); err != nil {
		return err
	}
	return nil
}

// PruneSynced deletes synced entries older than olderThan (0 uses the
// configured retention). Returns the number of deleted rows.
func (q *Queue) PruneSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = q.cfg.Retention
	}
	cutoff := formatTime(q.now().Add(-olderThan))

	res, err := q.db.ExecContext(ctx, `
		DELETE FROM rollcall_queue WHERE synced = 1 AND synced_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune synced: %w", err)
	}
	return res.RowsAffected()
}

// ExpireExhausted deletes exhausted entries whose last attempt is older than
// olderThan (0 uses the configured expiry).
func (q *Queue) ExpireExhausted(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = q.cfg.ExhaustedExpiry
	}
	cutoff := formatTime(q.now().Add(-olderThan))

	res, err := q.db.ExecContext(ctx, `
		DELETE FROM rollcall_queue
		WHERE synced = 0 AND attempts >= ? AND last_attempt_at < ?
	`, q.cfg.MaxAttempts, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire exhausted: %w", err)
	}
	return res.RowsAffected()
}

// Discard deletes every unsynced entry for (target, scope), exhausted ones
// included. It is used once a newer write for the pair has reached the
// remote directly, so the stale intent is never replayed.
func (q *Queue) Discard(ctx context.Context, targetID, scopeID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM rollcall_queue WHERE target_id = ? AND scope_id = ? AND synced = 0
	`, targetID, scopeID)
	if err != nil {
		return 0, fmt.Errorf("discard %s/%s: %w", scopeID, targetID, err)
	}
	return res.RowsAffected()
}

// ClearExhausted deletes exhausted entries immediately. An empty scopeID
// clears every scope.
func (q *Queue) ClearExhausted(ctx context.Context, scopeID string) (int64, error) {
	query := `DELETE FROM rollcall_queue WHERE synced = 0 AND attempts >= ?`
	args := []any{q.cfg.MaxAttempts}
	if scopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, scopeID)
	}

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear exhausted: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts entries by state. An empty scopeID covers every scope.
func (q *Queue) Stats(ctx context.Context, scopeID string) (types.QueueStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND attempts < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND attempts >= ? THEN 1 ELSE 0 END), 0),
			MIN(CASE WHEN synced = 0 THEN queued_at END)
		FROM rollcall_queue`
	args := []any{q.cfg.MaxAttempts, q.cfg.MaxAttempts}
	if scopeID != "" {
		query += ` WHERE scope_id = ?`
		args = append(args, scopeID)
	}

	var stats types.QueueStats
	var oldest sql.NullString
	err := q.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Synced, &stats.Pending, &stats.Exhausted, &oldest,
	)
	if err != nil {
		return types.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestQueuedAt = parseTime(oldest.String)
	}
	return stats, nil
}

const columns = `id, target_id, scope_id, desired_state, queued_at, attempts, last_attempt_at, synced, synced_at, last_error`

func scanOperation(scanner interface{ Scan(...any) error }) (*types.QueuedOperation, error) {
	var op types.QueuedOperation
	var desired, synced int
	var queuedAt string
	var lastAttemptAt, syncedAt, lastError sql.NullString

	err := scanner.Scan(
		&op.ID,
		&op.TargetID,
		&op.ScopeID,
		&desired,
		&queuedAt,
		&op.Attempts,
		&lastAttemptAt,
		&synced,
		&syncedAt,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	op.DesiredState = desired != 0
	op.Synced = synced != 0
	if t := parseTime(queuedAt); t != nil {
		op.QueuedAt = *t
	}
	if lastAttemptAt.Valid {
		op.LastAttemptAt = parseTime(lastAttemptAt.String)
	}
	if syncedAt.Valid {
		op.SyncedAt = parseTime(syncedAt.String)
	}
	if lastError.Valid {
		op.LastError = lastError.String
	}
	return &op, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) *time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
