package queue

import (
	"context"
	"encoding/json"

	"wagate/internal/storage"
	logx "wagate/pkg/logx"
)

// Queue is a typed durable FIFO over a storage.QueueStore.
//
// There is deliberately no item-level remove API: replay computes the
// remainder in memory and persists it with one Replace, so a crash can never
// leave a half-removed queue behind. All mutations on one Queue must go
// through a single owner (the dispatch scheduler's run loop).
type Queue[T any] struct {
	log   logx.Logger
	store storage.QueueStore
	name  string

	degradedLogged bool
}

func New[T any](name string, store storage.QueueStore, log logx.Logger) *Queue[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue[T]{
		log:   log.With(logx.String("queue", name)),
		store: store,
		name:  name,
	}
}

func (q *Queue[T]) Name() string { return q.name }

// Enqueue appends one item to the durable FIFO.
// A write failure is surfaced to the caller; the item is not retained.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.store.Append(ctx, data)
}

// Drain returns a snapshot of the current contents without removing them,
// together with the revision to hand back to Replace.
//
// Unreadable storage fails open to an empty snapshot (logged as degraded);
// individually unparsable items are skipped so one bad record cannot wedge
// the whole queue.
func (q *Queue[T]) Drain(ctx context.Context) ([]T, uint64) {
	raw, rev, err := q.store.Snapshot(ctx)
	if err != nil {
		if !q.degradedLogged {
			q.log.Warn("queue storage unreadable, proceeding with empty contents", logx.Err(err))
			q.degradedLogged = true
		}
	}

	items := make([]T, 0, len(raw))
	for _, b := range raw {
		var it T
		if err := json.Unmarshal(b, &it); err != nil {
			q.log.Warn("dropping unparsable queue item", logx.Err(err))
			continue
		}
		items = append(items, it)
	}
	return items, rev
}

// Replace atomically overwrites the durable queue with exactly remaining.
// revision must come from the Drain that produced the remainder.
func (q *Queue[T]) Replace(ctx context.Context, revision uint64, remaining []T) (uint64, error) {
	raw := make([][]byte, 0, len(remaining))
	for _, it := range remaining {
		b, err := json.Marshal(it)
		if err != nil {
			return revision, err
		}
		raw = append(raw, b)
	}
	return q.store.Replace(ctx, revision, raw)
}

// Clear is Replace with empty contents.
func (q *Queue[T]) Clear(ctx context.Context, revision uint64) (uint64, error) {
	return q.store.Replace(ctx, revision, nil)
}
