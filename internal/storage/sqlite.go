package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wagate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Queue(name string) QueueStore {
	return &sqliteQueue{db: s.db, name: name}
}

func (s *sqliteStore) Ledger(name string) LedgerStore {
	return &sqliteLedger{db: s.db, name: name}
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- queue ----

type sqliteQueue struct {
	db   *sql.DB
	name string
}

func (q *sqliteQueue) Snapshot(ctx context.Context) ([][]byte, uint64, error) {
	rev, err := q.revision(ctx)
	if err != nil {
		return nil, 0, err
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT payload FROM queue_items WHERE queue = ? ORDER BY id`, q.name)
	if err != nil {
		return nil, rev, err
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return items, rev, err
		}
		items = append(items, p)
	}
	return items, rev, rows.Err()
}

func (q *sqliteQueue) Append(ctx context.Context, item []byte) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_items(queue, payload) VALUES(?, ?)`, q.name, item); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_meta(name, version, revision) VALUES(?, ?, 1)
		 ON CONFLICT(name) DO UPDATE SET revision = revision + 1`,
		q.name, SnapshotVersion); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *sqliteQueue) Replace(ctx context.Context, expectedRev uint64, items [][]byte) (uint64, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var rev uint64
	err = tx.QueryRowContext(ctx,
		`SELECT revision FROM queue_meta WHERE name = ?`, q.name).Scan(&rev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if rev != expectedRev {
		return rev, fmt.Errorf("%w: have %d, caller expected %d", ErrRevisionMismatch, rev, expectedRev)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE queue = ?`, q.name); err != nil {
		return rev, err
	}
	for _, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_items(queue, payload) VALUES(?, ?)`, q.name, it); err != nil {
			return rev, err
		}
	}
	newRev := rev + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_meta(name, version, revision) VALUES(?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET revision = ?`,
		q.name, SnapshotVersion, newRev, newRev); err != nil {
		return rev, err
	}
	if err := tx.Commit(); err != nil {
		return rev, err
	}
	return newRev, nil
}

func (q *sqliteQueue) revision(ctx context.Context) (uint64, error) {
	var rev uint64
	err := q.db.QueryRowContext(ctx,
		`SELECT revision FROM queue_meta WHERE name = ?`, q.name).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return rev, err
}

// ---- ledger ----

type sqliteLedger struct {
	db   *sql.DB
	name string
}

func (l *sqliteLedger) Append(ctx context.Context, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_entries(ledger, at) VALUES(?, ?)`,
		l.name, at.UTC().Format(time.RFC3339Nano))
	return err
}

func (l *sqliteLedger) Snapshot(ctx context.Context) ([]time.Time, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT at FROM ledger_entries WHERE ledger = ? ORDER BY id`, l.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return out, err
		}
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

func (l *sqliteLedger) Prune(ctx context.Context, olderThan time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM ledger_entries WHERE ledger = ? AND at < ?`,
		l.name, olderThan.UTC().Format(time.RFC3339Nano))
	return err
}
