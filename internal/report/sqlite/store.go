// Package sqlite persists recording sessions in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/report"
)

// Store is a SQLite implementation of report.Store.
type Store struct {
	db *sql.DB
}

var _ report.Store = (*Store)(nil)

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			stopped_at TEXT NOT NULL,
			entry_count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			message TEXT NOT NULL,
			message_type TEXT NOT NULL,
			method TEXT,
			url TEXT,
			plugin_name TEXT,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession stores a stopped session and its entries atomically. Saving the
// same session id again replaces the previous rows rather than appending.
func (s *Store) SaveSession(ctx context.Context, sessionID string, entries []*domain.RequestLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, stopped_at, entry_count) VALUES (?, ?, ?)`,
		sessionID, time.Now().UTC().Format(time.RFC3339), len(entries)); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entries WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (session_id, message, message_type, method, url, plugin_name, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, e.Message, string(e.Type), e.Method, e.URL, e.PluginName,
			e.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
	}

	return tx.Commit()
}

// ListSessions returns all persisted sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]report.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stopped_at, entry_count FROM sessions ORDER BY stopped_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []report.Session
	for rows.Next() {
		var sess report.Session
		if err := rows.Scan(&sess.ID, &sess.StoppedAt, &sess.Entries); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionEntries returns the entries of one session in insertion order.
func (s *Store) SessionEntries(ctx context.Context, sessionID string) ([]*domain.RequestLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message, message_type, method, url, plugin_name, timestamp
		 FROM entries WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.RequestLog
	for rows.Next() {
		var e domain.RequestLog
		var msgType, ts string
		if err := rows.Scan(&e.Message, &msgType, &e.Method, &e.URL, &e.PluginName, &ts); err != nil {
			return nil, err
		}
		e.Type = domain.MessageType(msgType)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
