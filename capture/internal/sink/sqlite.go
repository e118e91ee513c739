package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/bluebox/capture/event"
)

// schema is the event store DDL. One row per record; the payload is the
// record's JSON as written to the JSONL files, so both outputs stay
// interchangeable.
const schema = `
CREATE TABLE IF NOT EXISTS events (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    category   TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session  ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_category ON events(category, created_at);
`

// SQLite persists records to a local event store. It is an optional sink
// for sessions that want queryable history alongside the file outputs.
// The caller must blank-import an SQLite driver registered as "sqlite"
// (modernc.org/sqlite).
type SQLite struct {
	db        *sql.DB
	insert    *sql.Stmt
	sessionID string
}

// NewSQLite opens (or creates) the event store at path and applies the
// schema and production pragmas.
func NewSQLite(path, sessionID string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sink: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: apply schema: %w", err)
	}
	insert, err := db.Prepare(
		"INSERT INTO events (id, session_id, category, created_at, payload) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: prepare insert: %w", err)
	}
	return &SQLite{db: db, insert: insert, sessionID: sessionID}, nil
}

func (s *SQLite) Send(ctx context.Context, category event.Category, rec any) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink: marshal %s record: %w", category, err)
	}
	_, err = s.insert.ExecContext(ctx,
		uuid.NewString(), s.sessionID, string(category), time.Now().UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("sink: insert %s record: %w", category, err)
	}
	return nil
}

// CountByCategory reports stored record counts for the session.
func (s *SQLite) CountByCategory(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT category, COUNT(*) FROM events WHERE session_id = ? GROUP BY category", s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("sink: count events: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[cat] = n
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	s.insert.Close()
	return s.db.Close()
}
