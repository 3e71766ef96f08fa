package connmgr

import (
	"context"

	"github.com/gluk-w/sshdeck/internal/inventory"
)

// EventType identifies a server-to-client frame on a session stream.
type EventType int

const (
	// EventData carries terminal output bytes.
	EventData EventType = iota
	// EventDisconnected is a normal close, e.g. the remote shell exited.
	EventDisconnected
	// EventError is an abnormal close; Err describes it.
	EventError
)

// Event is one inbound frame. A stream emits any number of EventData frames
// followed by exactly one EventDisconnected or EventError, then closes its
// channel.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// Stream is one live, ordered, binary-safe session stream to a target.
type Stream interface {
	// Send forwards keystroke input.
	Send(p []byte) error
	// Resize forwards a terminal size change.
	Resize(cols, rows uint16) error
	// Events yields inbound frames in arrival order.
	Events() <-chan Event
	// Close tears the stream down. The final event after a local Close is
	// EventDisconnected.
	Close() error
}

// Dialer establishes streams. A nil error means the handshake completed and
// the stream is connected.
type Dialer interface {
	Dial(ctx context.Context, target inventory.Target, cols, rows uint16) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target inventory.Target, cols, rows uint16) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, target inventory.Target, cols, rows uint16) (Stream, error) {
	return f(ctx, target, cols, rows)
}
