package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "wagate/pkg/logx"
)

func openSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "wagate.db"),
		BusyTimeout: 2 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteQueueRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := openSQLiteStore(t).Queue("outgoing")

	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := q.Append(ctx, []byte(payload)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	items, rev, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(items) != 3 || string(items[0]) != `{"n":1}` || string(items[2]) != `{"n":3}` {
		t.Fatalf("unexpected items: %v", items)
	}

	newRev, err := q.Replace(ctx, rev, items[2:])
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if newRev <= rev {
		t.Fatalf("revision did not advance: %d -> %d", rev, newRev)
	}
	items, _, err = q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot after replace: %v", err)
	}
	if len(items) != 1 || string(items[0]) != `{"n":3}` {
		t.Fatalf("unexpected remainder: %v", items)
	}
}

func TestSQLiteQueueStaleRevision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := openSQLiteStore(t).Queue("outgoing")

	if err := q.Append(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, rev, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := q.Append(ctx, []byte(`{"n":2}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := q.Replace(ctx, rev, nil); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("expected ErrRevisionMismatch, got %v", err)
	}
	// The rejected replace must not have touched the rows.
	items, _, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected both items retained, got %d", len(items))
	}
}

func TestSQLiteQueuesAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openSQLiteStore(t)

	if err := s.Queue("outgoing").Append(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	items, _, err := s.Queue("inbound").Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("queues share rows: %v", items)
	}
}

func TestSQLiteLedger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openSQLiteStore(t).Ledger("sent")

	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := l.Append(ctx, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(entries) != 3 || !entries[0].Equal(base) {
		t.Fatalf("unexpected entries: %v", entries)
	}

	if err := l.Prune(ctx, base.Add(time.Minute)); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	entries, err = l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot after prune: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after prune, got %d", len(entries))
	}
}
