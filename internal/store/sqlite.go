package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// metaKeyDeviceID identifies this installation to the remote authority.
const metaKeyDeviceID = "device_id"

// SQLiteStore owns the local client database: the operation queue,
// the per-scope snapshots and installation metadata all live in one file.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	deviceID string
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// It applies pragmas, runs migrations and ensures a device ID exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: writes must be serialized anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}

	deviceID, err := s.ensureDeviceID(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure device id: %w", err)
	}
	s.deviceID = deviceID

	return s, nil
}

// enablePragmas sets SQLite pragmas for durability and concurrent readers.
// synchronous=FULL because a queued check-in must survive power loss.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// DB returns the underlying handle shared by the queue and snapshot cache.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// DeviceID returns the stable identifier generated on first open.
func (s *SQLiteStore) DeviceID() string {
	return s.deviceID
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetMeta returns a metadata value, or ErrNotFound.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM rollcall_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts a metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollcall_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) ensureDeviceID(ctx context.Context) (string, error) {
	id, err := s.GetMeta(ctx, metaKeyDeviceID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id = uuid.NewString()
	if err := s.SetMeta(ctx, metaKeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}
