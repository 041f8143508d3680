package dispatch

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/gate"
	"wagate/internal/history"
	"wagate/internal/ledger"
	"wagate/internal/queue"
	"wagate/internal/transport"
	"wagate/internal/webhook"
	logx "wagate/pkg/logx"
)

// Queued-response reasons surfaced to callers.
const (
	ReasonOutsideWindow = "Outside working hours"
	ReasonHourlyLimit   = "Hourly limit reached"
)

// QueueItem is an outbound send that was blocked by the gate or the cap.
type QueueItem struct {
	Number     string    `json:"number"`
	Message    string    `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RelayItem is an inbound payload waiting for the window to open before it is
// forwarded to the automation webhook. ReceivedAt is pre-formatted for display
// because that is the shape the webhook consumer expects.
type RelayItem struct {
	Number     string `json:"number"`
	Message    string `json:"message"`
	ReceivedAt string `json:"timestamp"`
}

// SendResult is the structured outcome of a direct send request.
type SendResult struct {
	Sent       bool
	Queued     bool
	Reason     string
	DeliveryID string
}

// Config holds the scheduler knobs that can change at runtime.
type Config struct {
	HourlyCap int

	SubscribeMin time.Duration
	SubscribeMax time.Duration
	ComposeMin   time.Duration
	ComposeMax   time.Duration

	// RelayPause spaces out webhook posts while draining the relay queue.
	RelayPause time.Duration

	// LedgerRetention bounds on-disk ledger growth (0 disables pruning).
	LedgerRetention time.Duration
}

// Scheduler owns the durable queues and the rate ledger.
//
// All mutations are serialized through the single Run goroutine: direct send
// requests, inbound events, replay passes, and ledger pruning all execute on
// that one loop, so a constraint check can never be stale relative to a
// concurrent enqueue. Collaborators talk to the loop via commands.
type Scheduler struct {
	log logx.Logger
	bus eventbus.Bus

	outbound *queue.Queue[QueueItem]
	relay    *queue.Queue[RelayItem]
	ledger   *ledger.Ledger
	hooks    *webhook.Client
	history  *history.Store // optional; best-effort side record

	mu   sync.Mutex
	cfg  Config
	gate *gate.Gate

	cmds chan command

	// session is owned by the run loop; handed over on every Connected event
	// so a stale reference captured before a reconnect is never used.
	session   transport.Session
	connected atomic.Bool

	// Injectable for tests.
	now   func() time.Time
	pause func(ctx context.Context, d time.Duration)
	rng   *rand.Rand
}

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdReplay
	cmdPrune
)

type command struct {
	kind   cmdKind
	send   *sendRequest
	reason string // replay trigger description
}

type sendRequest struct {
	number  string
	message string
	reply   chan sendReply
}

type sendReply struct {
	res SendResult
	err error
}

func New(
	cfg Config,
	g *gate.Gate,
	outbound *queue.Queue[QueueItem],
	relay *queue.Queue[RelayItem],
	led *ledger.Ledger,
	hooks *webhook.Client,
	hist *history.Store,
	log logx.Logger,
	bus eventbus.Bus,
) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:      log,
		bus:      bus,
		outbound: outbound,
		relay:    relay,
		ledger:   led,
		hooks:    hooks,
		history:  hist,
		cfg:      cfg,
		gate:     g,
		cmds:     make(chan command, 16),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.pause = func(ctx context.Context, d time.Duration) {
		if d <= 0 {
			return
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	return s
}

// Apply swaps the runtime knobs (hot reload).
func (s *Scheduler) Apply(cfg Config, g *gate.Gate) {
	s.mu.Lock()
	s.cfg = cfg
	if g != nil {
		s.gate = g
	}
	s.mu.Unlock()
}

func (s *Scheduler) snapshot() (Config, *gate.Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.gate
}

// Connected reports whether a live transport session is currently held.
func (s *Scheduler) Connected() bool { return s.connected.Load() }

// RequestSend submits a direct send request and waits for its outcome.
func (s *Scheduler) RequestSend(ctx context.Context, number, message string) (SendResult, error) {
	req := &sendRequest{number: number, message: message, reply: make(chan sendReply, 1)}
	select {
	case s.cmds <- command{kind: cmdSend, send: req}:
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.res, rep.err
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}
}

// TriggerReplay schedules a replay pass (used by the window-open cron).
// Non-blocking: if the loop is already busy with queued work, the trigger is
// dropped rather than stacking up.
func (s *Scheduler) TriggerReplay(reason string) {
	select {
	case s.cmds <- command{kind: cmdReplay, reason: reason}:
	default:
		s.log.Debug("replay trigger dropped, scheduler busy", logx.String("reason", reason))
	}
}

// TriggerPrune schedules a ledger retention prune.
func (s *Scheduler) TriggerPrune() {
	select {
	case s.cmds <- command{kind: cmdPrune}:
	default:
	}
}

// Run processes transport events and commands until ctx is cancelled.
// It is the single writer for both queues and the ledger.
func (s *Scheduler) Run(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdSend:
				res, err := s.handleSend(ctx, cmd.send.number, cmd.send.message)
				cmd.send.reply <- sendReply{res: res, err: err}
			case cmdReplay:
				s.replay(ctx, cmd.reason)
			case cmdPrune:
				cfg, _ := s.snapshot()
				s.ledger.Prune(ctx, s.now(), cfg.LedgerRetention)
			}
		}
	}
}

func (s *Scheduler) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		s.session = ev.Session
		s.connected.Store(true)
		s.log.Info("transport connected")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventTransportConnected})
		}
		// Replay runs once per connected transition, inbound relay first.
		s.replay(ctx, "reconnect")
	case transport.EventDisconnected:
		s.session = nil
		s.connected.Store(false)
		s.log.Warn("transport disconnected", logx.String("reason", ev.Reason))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventTransportDisconnected, Data: ev.Reason})
		}
	case transport.EventInbound:
		if ev.Inbound != nil {
			s.handleInbound(ctx, *ev.Inbound)
		}
	}
}

// ---- direct send path ----

func (s *Scheduler) handleSend(ctx context.Context, number, message string) (SendResult, error) {
	if strings.TrimSpace(number) == "" {
		return SendResult{}, &ValidationError{Reason: "missing number"}
	}
	if strings.TrimSpace(message) == "" {
		return SendResult{}, &ValidationError{Reason: "missing message"}
	}

	cfg, g := s.snapshot()
	now := s.now()

	if !g.IsOpen(now) {
		if err := s.outbound.Enqueue(ctx, QueueItem{Number: number, Message: message, EnqueuedAt: now}); err != nil {
			return SendResult{}, &StorageError{Op: "enqueue", Err: err}
		}
		s.log.Info("send queued, window closed", logx.String("number", number))
		return SendResult{Queued: true, Reason: ReasonOutsideWindow}, nil
	}

	if s.ledger.CountLastHour(ctx, now) >= cfg.HourlyCap {
		if err := s.outbound.Enqueue(ctx, QueueItem{Number: number, Message: message, EnqueuedAt: now}); err != nil {
			return SendResult{}, &StorageError{Op: "enqueue", Err: err}
		}
		s.log.Info("send queued, hourly limit reached", logx.String("number", number))
		return SendResult{Queued: true, Reason: ReasonHourlyLimit}, nil
	}

	if s.session == nil {
		return SendResult{}, &TransportError{Err: transport.ErrNotConnected}
	}

	deliveryID, err := s.deliver(ctx, number, message, cfg)
	if err != nil {
		s.log.Error("direct send failed", logx.String("number", number), logx.Err(err))
		return SendResult{}, &TransportError{Err: err}
	}

	if err := s.ledger.Record(ctx, s.now()); err != nil {
		// The send already happened; degrade rate accounting rather than fail it.
		s.log.Warn("ledger record failed after send", logx.Err(err))
	}
	s.recordHistoryOutbound(ctx, number, message)

	s.log.Info("sent", logx.String("number", number), logx.String("delivery_id", deliveryID))
	return SendResult{Sent: true, DeliveryID: deliveryID}, nil
}

// deliver performs the human-typing simulation and the actual transport send.
// Presence failures are ignored; they are a bot-detection countermeasure, not
// a correctness mechanism.
func (s *Scheduler) deliver(ctx context.Context, number, message string, cfg Config) (string, error) {
	sess := s.session
	_ = sess.PresenceSubscribe(ctx, number)
	s.pause(ctx, s.jitter(cfg.SubscribeMin, cfg.SubscribeMax))
	_ = sess.Composing(ctx, number)
	s.pause(ctx, s.jitter(cfg.ComposeMin, cfg.ComposeMax))
	return sess.Send(ctx, number, message)
}

func (s *Scheduler) jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(s.rng.Int63n(int64(max-min)+1))
}

// ---- inbound path ----

func (s *Scheduler) handleInbound(ctx context.Context, in transport.Inbound) {
	_, g := s.snapshot()
	item := RelayItem{
		Number:     in.Recipient,
		Message:    in.Body,
		ReceivedAt: in.ReceivedAt.In(g.Location()).Format("2 Jan 3:04 PM"),
	}
	s.recordHistoryInbound(ctx, in.Recipient, in.Body, in.ReceivedAt)

	if g.IsOpen(s.now()) {
		if err := s.hooks.PostInbound(ctx, inboundPayload(item)); err != nil {
			s.log.Error("inbound webhook post failed", logx.String("number", item.Number), logx.Err(err))
		}
		return
	}

	if err := s.relay.Enqueue(ctx, item); err != nil {
		s.log.Error("failed to queue inbound payload", logx.String("number", item.Number), logx.Err(err))
		return
	}
	s.log.Info("inbound payload queued, window closed", logx.String("number", item.Number))
}

// ---- replay path ----

// replay drains the inbound relay queue, then the outbound queue, re-checking
// the gate and the cap per item. Only a contiguous prefix of each queue is
// ever removed: a gate/cap stop ends the pass, while an individual transport
// failure consumes its slot and the pass continues (best-effort prefix drain).
func (s *Scheduler) replay(ctx context.Context, reason string) {
	s.drainRelay(ctx)
	s.drainOutbound(ctx)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventReplayCompleted, Data: reason})
	}
}

func (s *Scheduler) drainRelay(ctx context.Context) {
	items, rev := s.relay.Drain(ctx)
	if len(items) == 0 {
		s.log.Debug("no queued inbound payloads to replay")
		return
	}

	cfg, g := s.snapshot()
	s.log.Info("replaying queued inbound payloads", logx.Int("count", len(items)))

	processed := 0
	for _, it := range items {
		if !g.IsOpen(s.now()) {
			s.log.Info("window closed, stopping inbound replay", logx.Int("remaining", len(items)-processed))
			break
		}
		if err := s.hooks.PostInbound(ctx, inboundPayload(it)); err != nil {
			// Slot is consumed; the payload is not retried within this pass.
			s.log.Error("queued inbound post failed", logx.String("number", it.Number), logx.Err(err))
		}
		processed++
		s.pause(ctx, cfg.RelayPause)
	}

	if processed == 0 {
		return
	}
	if _, err := s.relay.Replace(ctx, rev, items[processed:]); err != nil {
		s.log.Error("failed to persist relay queue remainder", logx.Err(err))
	}
}

func (s *Scheduler) drainOutbound(ctx context.Context) {
	items, rev := s.outbound.Drain(ctx)
	if len(items) == 0 {
		return
	}
	if s.session == nil {
		s.log.Warn("transport not connected, leaving outbound queue untouched",
			logx.Int("count", len(items)))
		return
	}

	cfg, g := s.snapshot()
	s.log.Info("replaying queued outbound messages", logx.Int("count", len(items)))

	processed, sent := 0, 0
	for _, it := range items {
		now := s.now()
		if !g.IsOpen(now) {
			s.log.Info("window closed, stopping outbound replay", logx.Int("remaining", len(items)-processed))
			break
		}
		// Fresh count each item: this pass's own sends and entries aging out
		// of the window both move the number.
		if s.ledger.CountLastHour(ctx, now) >= cfg.HourlyCap {
			s.log.Info("hourly limit reached, stopping outbound replay", logx.Int("remaining", len(items)-processed))
			break
		}

		deliveryID, err := s.deliver(ctx, it.Number, it.Message, cfg)
		if err != nil {
			// Slot is consumed; not re-queued ahead of later items.
			s.log.Error("queued send failed", logx.String("number", it.Number), logx.Err(err))
			processed++
			continue
		}

		if err := s.hooks.PostReceipt(ctx, webhook.ReceiptPayload{
			Number:    it.Number,
			Timestamp: s.now().UTC().Format(time.RFC3339),
		}); err != nil {
			s.log.Warn("outbound receipt post failed", logx.String("number", it.Number), logx.Err(err))
		}
		if err := s.ledger.Record(ctx, s.now()); err != nil {
			s.log.Warn("ledger record failed during replay", logx.Err(err))
		}
		s.recordHistoryOutbound(ctx, it.Number, it.Message)

		s.log.Info("queued send delivered",
			logx.String("number", it.Number), logx.String("delivery_id", deliveryID))
		processed++
		sent++
	}

	if processed == 0 {
		return
	}
	if _, err := s.outbound.Replace(ctx, rev, items[processed:]); err != nil {
		s.log.Error("failed to persist outbound queue remainder", logx.Err(err))
		return
	}
	s.log.Info("outbound replay finished",
		logx.Int("sent", sent), logx.Int("remaining", len(items)-processed))
}

func inboundPayload(it RelayItem) webhook.InboundPayload {
	return webhook.InboundPayload{
		Number:    it.Number,
		Message:   it.Message,
		Timestamp: it.ReceivedAt,
	}
}

func (s *Scheduler) recordHistoryOutbound(ctx context.Context, number, message string) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordOutbound(ctx, number, message, s.now()); err != nil {
		s.log.Debug("history record failed", logx.Err(err))
	}
}

func (s *Scheduler) recordHistoryInbound(ctx context.Context, number, message string, at time.Time) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordInbound(ctx, number, message, at); err != nil {
		s.log.Debug("history record failed", logx.Err(err))
	}
}
