// Package history persists completed transcript entries to a local SQLite
// database so conversations survive the bounded in-memory transcript log.
//
// The store is optional: opening with an empty path yields a disabled store
// whose methods are no-ops, so callers never need nil checks.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// s2sRole maps a stored role string back to its typed form, defaulting to
// the user side for unknown values.
func s2sRole(role string) s2s.Role {
	if role == string(s2s.RoleAgent) {
		return s2s.RoleAgent
	}
	return s2s.RoleUser
}

// Store wraps a SQLite-backed conversation archive.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initialises the archive at path, creating parent directories and the
// schema as needed. An empty path returns a disabled store.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if path == "" {
		return &Store{log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_utterances_session_created ON utterances(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("history: init schema: %w", err)
	}
	return nil
}

// Enabled reports whether the store actually persists anything.
func (s *Store) Enabled() bool { return s.db != nil }

// BeginSession records a new conversation session and returns its id.
// Disabled stores still return a usable id.
func (s *Store) BeginSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if s.db == nil {
		return id, nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at) VALUES(?, ?)`,
		id, s.clock().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("history: begin session: %w", err)
	}
	return id, nil
}

// Append archives one completed transcript entry under sessionID.
func (s *Store) Append(ctx context.Context, sessionID string, e transcript.Entry) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(session_id, role, text, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, string(e.Role), e.Text, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: append utterance: %w", err)
	}
	return nil
}

// Recent returns up to limit archived entries for sessionID, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]transcript.Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text, created_at FROM (
		     SELECT id, role, text, created_at FROM utterances
		     WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query utterances: %w", err)
	}
	defer rows.Close()

	var entries []transcript.Entry
	for rows.Next() {
		var e transcript.Entry
		var role string
		if err := rows.Scan(&role, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("history: scan utterance: %w", err)
		}
		e.Role = s2sRole(role)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate utterances: %w", err)
	}
	return entries, nil
}

// Close releases the underlying database. Safe on a disabled store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
