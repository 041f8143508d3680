package ledger

import (
	"context"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/storage"
	logx "wagate/pkg/logx"
)

// window is the trailing interval the rate cap is evaluated over.
const window = time.Hour

// Ledger is the durable log of send-completion instants.
//
// It answers one question: how many sends happened in the trailing hour.
// The cap itself is owned by the dispatch scheduler, not the ledger.
type Ledger struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.LedgerStore
}

func New(store storage.LedgerStore, log logx.Logger, bus eventbus.Bus) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{log: log, bus: bus, store: store}
}

// Record durably appends a send instant.
func (l *Ledger) Record(ctx context.Context, now time.Time) error {
	return l.store.Append(ctx, now)
}

// CountLastHour returns the number of sends strictly within the trailing hour.
//
// An unreadable ledger fails open to zero: sending stays available at the cost
// of transiently inaccurate rate accounting. The degraded state is logged and
// published so operators can see the cap is not being enforced exactly.
func (l *Ledger) CountLastHour(ctx context.Context, now time.Time) int {
	entries, err := l.store.Snapshot(ctx)
	if err != nil {
		l.log.Warn("rate ledger unreadable, assuming no recent sends", logx.Err(err))
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{
				Type: eventbus.EventStorageDegraded,
				Data: "rate ledger unreadable",
			})
		}
		return 0
	}

	cutoff := now.Add(-window)
	n := 0
	for _, at := range entries {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}

// Prune drops entries older than the retention horizon. Hygiene only; the
// trailing-hour count never depends on pruning having happened.
func (l *Ledger) Prune(ctx context.Context, now time.Time, retention time.Duration) {
	if retention <= 0 {
		return
	}
	if err := l.store.Prune(ctx, now.Add(-retention)); err != nil {
		l.log.Warn("ledger prune failed", logx.Err(err))
	}
}
