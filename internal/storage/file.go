package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "wagate/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files (per logical record set):
//   - <prefix>.<queue>.queue.json   (versioned whole-queue snapshot)
//   - <prefix>.<ledger>.ledger.jsonl (append-only JSON Lines)
//
// Queue snapshots are replaced atomically (tmp + rename) so a crash mid-write
// never leaves a half-written queue behind.
type fileStore struct {
	log    logx.Logger
	prefix string

	mu      sync.Mutex
	queues  map[string]*fileQueue
	ledgers map[string]*fileLedger
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &fileStore{
		log:     log,
		prefix:  prefix,
		queues:  map[string]*fileQueue{},
		ledgers: map[string]*fileLedger{},
	}, nil
}

func (s *fileStore) Queue(name string) QueueStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		q = &fileQueue{
			log:  s.log.With(logx.String("queue", name)),
			path: s.prefix + "." + name + ".queue.json",
		}
		s.queues[name] = q
	}
	return q
}

func (s *fileStore) Ledger(name string) LedgerStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[name]
	if !ok {
		l = &fileLedger{
			log:  s.log.With(logx.String("ledger", name)),
			path: s.prefix + "." + name + ".ledger.jsonl",
		}
		s.ledgers[name] = l
	}
	return l
}

func (s *fileStore) Close() error { return nil }

// ---- queue ----

type queueSnapshot struct {
	Version  int               `json:"version"`
	Revision uint64            `json:"revision"`
	Items    []json.RawMessage `json:"items"`
}

type fileQueue struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	loaded bool
	rev    uint64
	items  [][]byte
}

func (q *fileQueue) Snapshot(ctx context.Context) ([][]byte, uint64, error) {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.loadLocked()
	out := make([][]byte, len(q.items))
	copy(out, q.items)
	return out, q.rev, err
}

func (q *fileQueue) Append(ctx context.Context, item []byte) error {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(); err != nil {
		// Corrupt contents have already been dropped; keep accepting work.
		q.log.Warn("queue contents unreadable, starting from empty", logx.Err(err))
	}
	cp := make([]byte, len(item))
	copy(cp, item)
	q.items = append(q.items, cp)
	return q.writeLocked()
}

func (q *fileQueue) Replace(ctx context.Context, expectedRev uint64, items [][]byte) (uint64, error) {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.loadLocked(); err != nil {
		q.log.Warn("queue contents unreadable, starting from empty", logx.Err(err))
	}
	if q.rev != expectedRev {
		return q.rev, fmt.Errorf("%w: have %d, caller expected %d", ErrRevisionMismatch, q.rev, expectedRev)
	}
	next := make([][]byte, len(items))
	for i, it := range items {
		cp := make([]byte, len(it))
		copy(cp, it)
		next[i] = cp
	}
	q.items = next
	if err := q.writeLocked(); err != nil {
		return q.rev, err
	}
	return q.rev, nil
}

// loadLocked populates the in-memory state from disk on first use.
// A missing file is an empty queue; unparsable contents fail open to empty
// with an ErrCorrupt-wrapped error so callers can log the degraded state.
func (q *fileQueue) loadLocked() error {
	if q.loaded {
		return nil
	}
	q.loaded = true
	q.items = nil
	q.rev = 0

	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", ErrCorrupt, q.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap queueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrCorrupt, q.path, err)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: %s: unsupported snapshot version %d", ErrCorrupt, q.path, snap.Version)
	}
	q.rev = snap.Revision
	q.items = make([][]byte, len(snap.Items))
	for i, it := range snap.Items {
		q.items[i] = []byte(it)
	}
	return nil
}

func (q *fileQueue) writeLocked() error {
	q.rev++
	snap := queueSnapshot{
		Version:  SnapshotVersion,
		Revision: q.rev,
		Items:    make([]json.RawMessage, len(q.items)),
	}
	for i, it := range q.items {
		snap.Items[i] = json.RawMessage(it)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		q.rev--
		return err
	}

	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		q.rev--
		return err
	}
	if err := os.Rename(tmp, q.path); err != nil {
		q.rev--
		return err
	}
	return nil
}

// ---- ledger ----

type ledgerRecord struct {
	At time.Time `json:"at"`
}

type fileLedger struct {
	log  logx.Logger
	path string

	mu sync.Mutex
}

func (l *fileLedger) Append(ctx context.Context, at time.Time) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(ledgerRecord{At: at})
}

func (l *fileLedger) Snapshot(ctx context.Context) ([]time.Time, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked()
}

func (l *fileLedger) Prune(ctx context.Context, olderThan time.Time) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readLocked()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, at := range entries {
		if !at.Before(olderThan) {
			kept = append(kept, at)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, at := range kept {
		if err := enc.Encode(ledgerRecord{At: at}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func (l *fileLedger) readLocked() ([]time.Time, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, l.path, err)
	}
	defer f.Close()

	var out []time.Time
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r ledgerRecord
		if err := json.Unmarshal(line, &r); err != nil {
			// Skip torn/garbage lines (e.g. crash mid-append).
			l.log.Debug("skipping unparsable ledger line", logx.Err(err))
			continue
		}
		out = append(out, r.At)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("%w: scan %s: %v", ErrCorrupt, l.path, err)
	}
	return out, nil
}
