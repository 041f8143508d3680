package history

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wagate/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
  id      INTEGER PRIMARY KEY AUTOINCREMENT,
  number  TEXT NOT NULL,
  from_me INTEGER NOT NULL,
  text    TEXT NOT NULL,
  at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_number ON messages(number, id);
`

// Entry is one line of conversation history, oldest first in query results.
type Entry struct {
	FromMe    bool      `json:"fromMe"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps per-number conversation history in SQLite.
//
// History is a side record for the /history endpoint; it is intentionally
// separate from the dispatch queues and never consulted by the send path.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(path string, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordInbound stores a message received from number.
func (s *Store) RecordInbound(ctx context.Context, number, text string, at time.Time) error {
	return s.record(ctx, number, false, text, at)
}

// RecordOutbound stores a message we sent to number.
func (s *Store) RecordOutbound(ctx context.Context, number, text string, at time.Time) error {
	return s.record(ctx, number, true, text, at)
}

func (s *Store) record(ctx context.Context, number string, fromMe bool, text string, at time.Time) error {
	fm := 0
	if fromMe {
		fm = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(number, from_me, text, at) VALUES(?,?,?,?)`,
		number, fm, text, at.UTC().Format(time.RFC3339Nano))
	return err
}

// Recent returns the newest limit entries for number in chronological order.
func (s *Store) Recent(ctx context.Context, number string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_me, text, at FROM messages WHERE number = ? ORDER BY id DESC LIMIT ?`,
		number, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var fm int
		var text, raw string
		if err := rows.Scan(&fm, &text, &raw); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.log.Warn("skipping history row with bad timestamp", logx.String("raw", raw))
			continue
		}
		out = append(out, Entry{FromMe: fm != 0, Text: text, Timestamp: at})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; flip to chronological for callers.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
