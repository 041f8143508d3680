package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned when a send is attempted without a live session.
var ErrNotConnected = errors.New("transport not connected")

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventInbound      EventKind = "inbound"
)

// Event is a transport lifecycle or inbound-message signal.
//
// Connected events carry the live Session; consumers must use that session
// and never a reference captured before a reconnect, since the adapter builds
// a fresh session on every reconnect.
type Event struct {
	Kind    EventKind
	Session Session  // connected only
	Reason  string   // disconnected only
	Inbound *Inbound // inbound only
}

// Inbound is a message received from the far side.
type Inbound struct {
	Recipient  string // sender's opaque identifier (phone-derived in practice)
	Body       string
	ReceivedAt time.Time
}

// Session is a live connection to the messaging transport.
//
// Send returns a transport-assigned delivery (conversation) identifier.
// PresenceSubscribe and Composing are best-effort presence signals used for
// human-typing simulation; callers ignore their errors.
type Session interface {
	Send(ctx context.Context, recipient, body string) (deliveryID string, err error)
	PresenceSubscribe(ctx context.Context, recipient string) error
	Composing(ctx context.Context, recipient string) error
}

// Adapter owns the connection lifecycle of a messaging transport.
//
// Start begins delivering events on out until ctx is cancelled or Stop is
// called. The adapter reconnects on its own; every (re)connect produces a
// fresh Connected event with a fresh Session.
type Adapter interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error
}
