package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "wagate/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "wagate")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestQueueAppendSnapshotReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := openTestStore(t).Queue("outgoing")

	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := q.Append(ctx, []byte(payload)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	items, rev, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if string(items[0]) != `{"n":1}` || string(items[2]) != `{"n":3}` {
		t.Fatalf("unexpected order: %q ... %q", items[0], items[2])
	}

	newRev, err := q.Replace(ctx, rev, items[1:])
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
	if len(items) != 2 || string(items[0]) != `{"n":2}` {
		t.Fatalf("unexpected remainder: %v", items)
	}
}

func TestQueueReplaceStaleRevision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := openTestStore(t).Queue("outgoing")

	if err := q.Append(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, rev, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// A write after the snapshot invalidates the revision.
	if err := q.Append(ctx, []byte(`{"n":2}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := q.Replace(ctx, rev, nil); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("expected ErrRevisionMismatch, got %v", err)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "wagate")

	s1, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q1 := s1.Queue("outgoing")
	if err := q1.Append(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := q1.Append(ctx, []byte(`{"n":2}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = s1.Close()

	// A fresh store instance must reconstruct identical contents.
	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	items, _, err := s2.Queue("outgoing").Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(items) != 2 || string(items[0]) != `{"n":1}` || string(items[1]) != `{"n":2}` {
		t.Fatalf("unexpected contents after reopen: %v", items)
	}
}

func TestQueueCorruptFileFailsOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "wagate")

	if err := os.WriteFile(path+".outgoing.queue.json", []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q := s.Queue("outgoing")

	items, rev, err := q.Snapshot(ctx)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty fail-open snapshot, got %d items", len(items))
	}

	// The store must keep accepting work and self-heal on the next write.
	if err := q.Append(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append after corruption: %v", err)
	}
	items, _, err = q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot after heal: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	_ = rev
}

func TestQueueUnsupportedVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "wagate")

	if err := os.WriteFile(path+".outgoing.queue.json",
		[]byte(`{"version":99,"revision":5,"items":[]}`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _, err = s.Queue("outgoing").Snapshot(ctx)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for unknown version, got %v", err)
	}
}

func TestLedgerAppendSnapshotPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openTestStore(t).Ledger("sent")

	base := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := l.Append(ctx, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if !entries[0].Equal(base) {
		t.Fatalf("first entry = %v, want %v", entries[0], base)
	}

	if err := l.Prune(ctx, base.Add(2*time.Minute)); err != nil {
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

func TestLedgerSkipsTornLines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "wagate")

	content := `{"at":"2024-06-03T12:00:00Z"}` + "\n" + `{"at":` + "\n" + `{"at":"2024-06-03T12:01:00Z"}` + "\n"
	if err := os.WriteFile(path+".sent.ledger.jsonl", []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	entries, err := s.Ledger("sent").Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 parsable entries, got %d", len(entries))
	}
}
