package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wagate/internal/gate"
	"wagate/internal/ledger"
	"wagate/internal/queue"
	"wagate/internal/storage"
	"wagate/internal/transport"
	"wagate/internal/webhook"
	logx "wagate/pkg/logx"
)

// fakeSession records transport calls and can fail selected attempts.
type fakeSession struct {
	mu       sync.Mutex
	attempts int
	sends    []string // recipients, in send order
	failOn   map[int]error
	onSend   func(attempt int)
}

func (f *fakeSession) Send(ctx context.Context, recipient, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.onSend != nil {
		f.onSend(f.attempts)
	}
	if err := f.failOn[f.attempts]; err != nil {
		return "", err
	}
	f.sends = append(f.sends, recipient)
	return fmt.Sprintf("chat-%d", f.attempts), nil
}

func (f *fakeSession) PresenceSubscribe(ctx context.Context, recipient string) error { return nil }
func (f *fakeSession) Composing(ctx context.Context, recipient string) error         { return nil }

func (f *fakeSession) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func (f *fakeSession) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type fixture struct {
	s        *Scheduler
	sess     *fakeSession
	outbound *queue.Queue[QueueItem]
	relay    *queue.Queue[RelayItem]
	ledger   *ledger.Ledger
	dataDir  string
	now      time.Time
	nowMu    sync.Mutex
}

func (fx *fixture) setNow(t time.Time) {
	fx.nowMu.Lock()
	fx.now = t
	fx.nowMu.Unlock()
}

// london window 07:00-22:00, like the production default.
func newFixture(t *testing.T, cfg Config, hooks *webhook.Client) *fixture {
	t.Helper()

	g, err := gate.New("Europe/London", 7, 22)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}

	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "wagate")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}

	if cfg.HourlyCap <= 0 {
		cfg.HourlyCap = 15
	}
	if hooks == nil {
		hooks = webhook.New(webhook.Config{RatePerSec: 1000}, logx.Nop())
	}

	led := ledger.New(st.Ledger("sent"), logx.Nop(), nil)
	outbound := queue.New[QueueItem]("outgoing", st.Queue("outgoing"), logx.Nop())
	relay := queue.New[RelayItem]("inbound", st.Queue("inbound"), logx.Nop())

	s := New(cfg, g, outbound, relay, led, hooks, nil, logx.Nop(), nil)

	fx := &fixture{
		s:        s,
		sess:     &fakeSession{},
		outbound: outbound,
		relay:    relay,
		ledger:   led,
		dataDir:  dir,
	}
	// Deterministic clock, no typing pauses.
	fx.setNow(mustLondon(t, 2024, 6, 3, 12, 0))
	s.now = func() time.Time {
		fx.nowMu.Lock()
		defer fx.nowMu.Unlock()
		return fx.now
	}
	s.pause = func(ctx context.Context, d time.Duration) {}
	return fx
}

func mustLondon(t *testing.T, year int, month time.Month, day, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return time.Date(year, month, day, hour, min, 0, 0, loc)
}

func connect(fx *fixture) {
	fx.s.handleEvent(context.Background(), transport.Event{
		Kind:    transport.EventConnected,
		Session: fx.sess,
	})
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		number  string
		message string
	}{
		{name: "missing number", number: "", message: "hi"},
		{name: "missing message", number: "44700000000", message: ""},
		{name: "whitespace number", number: "   ", message: "hi"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.s.handleSend(ctx, tt.number, tt.message)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	// Invalid requests are terminal, never queued.
	items, _ := fx.outbound.Drain(ctx)
	if len(items) != 0 {
		t.Fatalf("invalid requests were queued: %d items", len(items))
	}
}

func TestSendOutsideWindowQueues(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)
	ctx := context.Background()
	connect(fx)
	fx.setNow(mustLondon(t, 2024, 6, 3, 23, 0))

	res, err := fx.s.handleSend(ctx, "44700000000", "hi")
	if err != nil {
		t.Fatalf("handleSend: %v", err)
	}
	if !res.Queued || res.Sent || res.Reason != ReasonOutsideWindow {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fx.sess.attemptCount() != 0 {
		t.Fatal("transport must not be called outside the window")
	}

	items, _ := fx.outbound.Drain(ctx)
	if len(items) != 1 || items[0].Number != "44700000000" || items[0].Message != "hi" {
		t.Fatalf("unexpected queue contents: %+v", items)
	}
}

func TestSendRateLimitedQueues(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{HourlyCap: 15}, nil)
	ctx := context.Background()
	connect(fx)

	// 15 sends, all within the last 45 minutes.
	now := mustLondon(t, 2024, 6, 3, 12, 0)
	fx.setNow(now)
	for i := 0; i < 15; i++ {
		if err := fx.ledger.Record(ctx, now.Add(-45*time.Minute).Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	res, err := fx.s.handleSend(ctx, "44700000000", "hi")
	if err != nil {
		t.Fatalf("handleSend: %v", err)
	}
	if !res.Queued || res.Reason != ReasonHourlyLimit {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fx.sess.attemptCount() != 0 {
		t.Fatal("transport must not be called once the cap is hit")
	}
}

func TestSendDelivers(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)
	ctx := context.Background()
	connect(fx)

	res, err := fx.s.handleSend(ctx, "44700000000", "hi")
	if err != nil {
		t.Fatalf("handleSend: %v", err)
	}
	if !res.Sent || res.DeliveryID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := fx.ledger.CountLastHour(ctx, fx.s.now()); got != 1 {
		t.Fatalf("ledger count = %d, want 1", got)
	}
	items, _ := fx.outbound.Drain(ctx)
	if len(items) != 0 {
		t.Fatalf("successful direct send must not queue: %+v", items)
	}
}

func TestSendNotConnected(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)
	ctx := context.Background()

	_, err := fx.s.handleSend(ctx, "44700000000", "hi")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	// Deliberate asymmetry: direct transport failures surface, they don't queue.
	items, _ := fx.outbound.Drain(ctx)
	if len(items) != 0 {
		t.Fatalf("transport failure must not auto-queue: %+v", items)
	}
}

func TestSendTransportFailureSurfaces(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)
	ctx := context.Background()
	connect(fx)
	fx.sess.failOn = map[int]error{1: errors.New("socket reset")}

	_, err := fx.s.handleSend(ctx, "44700000000", "hi")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	items, _ := fx.outbound.Drain(ctx)
	if len(items) != 0 {
		t.Fatalf("transport failure must not auto-queue: %+v", items)
	}
	if got := fx.ledger.CountLastHour(ctx, fx.s.now()); got != 0 {
		t.Fatalf("failed send must not be recorded, ledger count = %d", got)
	}
}

func TestReplaySendsAllInOrder(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)
	ctx := context.Background()

	numbers := []string{"111", "222", "333"}
	for _, n := range numbers {
		if err := fx.outbound.Enqueue(ctx, QueueItem{Number: n, Message: "hi " + n, EnqueuedAt: fx.s.now()}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	connect(fx)

	got := fx.sess.sentTo()
	if len(got) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(got))
	}
	for i, want := range numbers {
		if got[i] != want {
			t.Fatalf("send %d went to %q, want %q (order broken)", i, got[i], want)
		}
	}
	items, _ := fx.outbound.Drain(ctx)
	if len(items) != 0 {
		t.Fatalf("queue should be empty after full replay, has %d", len(items))
	}
	if got := fx.ledger.CountLastHour(ctx, fx.s.now()); got != 3 {
		t.Fatalf("ledger count = %d, want 3", got)
	}
}

func TestReplayStopsWhenWindowCloses(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)
	ctx := context.Background()

	numbers := []string{"111", "222", "333", "444", "555"}
	for _, n := range numbers {
		if err := fx.outbound.Enqueue(ctx, QueueItem{Number: n, Message: "m", EnqueuedAt: fx.s.now()}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	// The window slams shut after the second successful send.
	fx.sess.onSend = func(attempt int) {
		if attempt == 2 {
			fx.setNow(mustLondon(t, 2024, 6, 3, 22, 5))
		}
	}

	connect(fx)

	if got := fx.sess.attemptCount(); got != 2 {
		t.Fatalf("expected 2 sends before the gate closed, got %d", got)
	}
	items, _ := fx.outbound.Drain(ctx)
	if len(items) != 3 {
		t.Fatalf("expected 3 retained items, got %d", len(items))
	}
	for i, want := range numbers[2:] {
		if items[i].Number != want {
			t.Fatalf("retained item %d = %q, want %q (order must be preserved)", i, items[i].Number, want)
		}
	}
}

func TestReplayStopsAtCap(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{HourlyCap: 2}, nil)
	ctx := context.Background()

	for _, n := range []string{"111", "222", "333"} {
		if err := fx.outbound.Enqueue(ctx, QueueItem{Number: n, Message: "m", EnqueuedAt: fx.s.now()}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	connect(fx)

	if got := fx.sess.attemptCount(); got != 2 {
		t.Fatalf("expected 2 sends under cap, got %d", got)
	}
	items, _ := fx.outbound.Drain(ctx)
	if len(items) != 1 || items[0].Number != "333" {
		t.Fatalf("unexpected remainder: %+v", items)
	}
}

func TestReplayTransportFailureConsumesSlot(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)
	ctx := context.Background()

	for _, n := range []string{"111", "222", "333"} {
		if err := fx.outbound.Enqueue(ctx, QueueItem{Number: n, Message: "m", EnqueuedAt: fx.s.now()}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	fx.sess.failOn = map[int]error{2: errors.New("socket reset")}

	connect(fx)

	// All three slots consumed: the failed item is skipped, not retried or
	// re-queued ahead of later items.
	if got := fx.sess.attemptCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	items, _ := fx.outbound.Drain(ctx)
	if len(items) != 0 {
		t.Fatalf("expected empty queue, got %+v", items)
	}
	if got := fx.ledger.CountLastHour(ctx, fx.s.now()); got != 2 {
		t.Fatalf("ledger count = %d, want 2 (only successes recorded)", got)
	}
}

func TestReplayEmptyQueueIsNoop(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)

	connect(fx)

	if fx.sess.attemptCount() != 0 {
		t.Fatal("empty replay must not touch the transport")
	}
	// No storage writes: the queue files were never created.
	for _, name := range []string{"wagate.outgoing.queue.json", "wagate.inbound.queue.json"} {
		if _, err := os.Stat(filepath.Join(fx.dataDir, name)); !os.IsNotExist(err) {
			t.Fatalf("replay of empty queue wrote %s", name)
		}
	}
}

func TestInboundRelayedWhenOpen(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var posts []webhook.InboundPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.InboundPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		posts = append(posts, p)
		mu.Unlock()
	}))
	defer srv.Close()

	hooks := webhook.New(webhook.Config{InboundURL: srv.URL, RatePerSec: 1000}, logx.Nop())
	fx := newFixture(t, Config{}, hooks)
	ctx := context.Background()

	fx.s.handleInbound(ctx, transport.Inbound{
		Recipient:  "44700000000",
		Body:       "hello there",
		ReceivedAt: fx.s.now(),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(posts) != 1 {
		t.Fatalf("expected 1 webhook post, got %d", len(posts))
	}
	if posts[0].Number != "44700000000" || posts[0].Message != "hello there" {
		t.Fatalf("unexpected payload: %+v", posts[0])
	}
	items, _ := fx.relay.Drain(ctx)
	if len(items) != 0 {
		t.Fatalf("open-window inbound must not queue: %+v", items)
	}
}

func TestInboundQueuedWhenClosedThenReplayed(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var posts []webhook.InboundPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.InboundPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		posts = append(posts, p)
		mu.Unlock()
	}))
	defer srv.Close()

	hooks := webhook.New(webhook.Config{InboundURL: srv.URL, RatePerSec: 1000}, logx.Nop())
	fx := newFixture(t, Config{}, hooks)
	ctx := context.Background()

	fx.setNow(mustLondon(t, 2024, 6, 3, 23, 30))
	fx.s.handleInbound(ctx, transport.Inbound{Recipient: "111", Body: "first", ReceivedAt: fx.s.now()})
	fx.s.handleInbound(ctx, transport.Inbound{Recipient: "222", Body: "second", ReceivedAt: fx.s.now()})

	mu.Lock()
	if len(posts) != 0 {
		mu.Unlock()
		t.Fatal("closed-window inbound must not post immediately")
	}
	mu.Unlock()
	items, _ := fx.relay.Drain(ctx)
	if len(items) != 2 {
		t.Fatalf("expected 2 queued payloads, got %d", len(items))
	}

	// Window opens, transport reconnects: relay queue drains first, in order.
	fx.setNow(mustLondon(t, 2024, 6, 4, 9, 0))
	connect(fx)

	mu.Lock()
	defer mu.Unlock()
	if len(posts) != 2 || posts[0].Message != "first" || posts[1].Message != "second" {
		t.Fatalf("unexpected replayed posts: %+v", posts)
	}
	items, _ = fx.relay.Drain(ctx)
	if len(items) != 0 {
		t.Fatalf("relay queue should be empty, has %d", len(items))
	}
}

func TestReceiptPostedOnReplayOnly(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	receipts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		receipts++
		mu.Unlock()
	}))
	defer srv.Close()

	hooks := webhook.New(webhook.Config{ReceiptURL: srv.URL, RatePerSec: 1000}, logx.Nop())
	fx := newFixture(t, Config{}, hooks)
	ctx := context.Background()
	connect(fx)

	// Direct sends don't post receipts.
	if _, err := fx.s.handleSend(ctx, "111", "hi"); err != nil {
		t.Fatalf("handleSend: %v", err)
	}
	mu.Lock()
	if receipts != 0 {
		mu.Unlock()
		t.Fatal("direct send must not post a receipt")
	}
	mu.Unlock()

	// Replayed sends do.
	if err := fx.outbound.Enqueue(ctx, QueueItem{Number: "222", Message: "m", EnqueuedAt: fx.s.now()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	connect(fx)

	mu.Lock()
	defer mu.Unlock()
	if receipts != 1 {
		t.Fatalf("expected 1 receipt after replay, got %d", receipts)
	}
}

func TestRequestSendThroughRunLoop(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan transport.Event, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fx.s.Run(ctx, events)
	}()

	events <- transport.Event{Kind: transport.EventConnected, Session: fx.sess}
	for i := 0; !fx.s.Connected(); i++ {
		if i > 200 {
			t.Fatal("scheduler never saw the connected event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := fx.s.RequestSend(ctx, "44700000000", "hi")
	if err != nil {
		t.Fatalf("RequestSend: %v", err)
	}
	if !res.Sent {
		t.Fatalf("unexpected result: %+v", res)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}

func TestDisconnectDropsSession(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, Config{}, nil)
	ctx := context.Background()

	connect(fx)
	if !fx.s.Connected() {
		t.Fatal("expected connected after Connected event")
	}
	fx.s.handleEvent(ctx, transport.Event{Kind: transport.EventDisconnected, Reason: "stream error"})
	if fx.s.Connected() {
		t.Fatal("expected disconnected after Disconnected event")
	}

	_, err := fx.s.handleSend(ctx, "44700000000", "hi")
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError after disconnect, got %v", err)
	}
}
