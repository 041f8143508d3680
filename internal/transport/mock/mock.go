package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

// Adapter is an in-memory loopback transport used by the default config and
// for local development. It "connects" shortly after Start, accepts every
// send, and lets callers script inbound traffic and connection drops.
type Adapter struct {
	log logx.Logger

	connectDelay time.Duration

	mu      sync.Mutex
	out     chan<- transport.Event
	running bool
	cancel  context.CancelFunc
}

type Config struct {
	ConnectDelay time.Duration
}

func New(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log.With(logx.String("transport", "mock"))}
	a.connectDelay = cfg.ConnectDelay
	return a
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	a.out = out
	a.cancel = cancel
	a.running = true

	delay := a.connectDelay
	go func() {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		a.Reconnect()
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	_ = ctx
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

// Reconnect emits a Connected event with a fresh session.
func (a *Adapter) Reconnect() {
	a.emit(transport.Event{
		Kind:    transport.EventConnected,
		Session: &session{log: a.log},
	})
}

// Drop emits a Disconnected event, as if the link bounced.
func (a *Adapter) Drop(reason string) {
	a.emit(transport.Event{Kind: transport.EventDisconnected, Reason: reason})
}

// InjectInbound delivers a scripted inbound message.
func (a *Adapter) InjectInbound(recipient, body string) {
	a.emit(transport.Event{
		Kind: transport.EventInbound,
		Inbound: &transport.Inbound{
			Recipient:  recipient,
			Body:       body,
			ReceivedAt: time.Now(),
		},
	})
}

func (a *Adapter) emit(e transport.Event) {
	a.mu.Lock()
	out := a.out
	running := a.running
	a.mu.Unlock()
	if !running || out == nil {
		return
	}
	out <- e
}

type session struct {
	log logx.Logger
}

func (s *session) Send(ctx context.Context, recipient, body string) (string, error) {
	_ = ctx
	s.log.Info("mock send", logx.String("recipient", recipient), logx.Int("bytes", len(body)))
	return "mock:" + uuid.NewString(), nil
}

func (s *session) PresenceSubscribe(ctx context.Context, recipient string) error {
	_ = ctx
	_ = recipient
	return nil
}

func (s *session) Composing(ctx context.Context, recipient string) error {
	_ = ctx
	_ = recipient
	return nil
}
