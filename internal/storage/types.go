package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRevisionMismatch is returned by QueueStore.Replace when the caller's
	// expected revision no longer matches the stored one.
	ErrRevisionMismatch = errors.New("queue revision mismatch")

	// ErrCorrupt wraps read failures caused by unparsable on-disk state.
	// Callers are expected to fail open to an empty collection and log the
	// degraded condition rather than abort the dispatch path.
	ErrCorrupt = errors.New("corrupt store contents")
)

// SnapshotVersion is the schema version written into queue records.
const SnapshotVersion = 1

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (versioned JSON snapshot + JSONL ledger)
//   - "sqlite": SQLite database file
//
// If Driver is empty, "file" is assumed.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// QueueStore is a durable ordered log of opaque items with whole-queue
// snapshot/replace semantics.
//
// Replace is a compare-and-swap on the revision returned by Snapshot, so the
// single-writer discipline enforced by the dispatch scheduler can later be
// relaxed without corrupting the queue.
//
// Snapshot returns best-effort contents even on error: a corrupt file yields
// an empty snapshot, a usable revision, and an error wrapping ErrCorrupt.
type QueueStore interface {
	Snapshot(ctx context.Context) (items [][]byte, revision uint64, err error)
	Append(ctx context.Context, item []byte) error
	Replace(ctx context.Context, expectedRevision uint64, items [][]byte) (newRevision uint64, err error)
}

// LedgerStore is a durable append-only sequence of instants.
type LedgerStore interface {
	Append(ctx context.Context, at time.Time) error
	Snapshot(ctx context.Context) ([]time.Time, error)
	// Prune drops entries older than the cutoff. Storage hygiene only;
	// correctness never depends on pruning.
	Prune(ctx context.Context, olderThan time.Time) error
}

// Store vends named queues and ledgers backed by one durable medium.
type Store interface {
	Queue(name string) QueueStore
	Ledger(name string) LedgerStore
	Close() error
}
