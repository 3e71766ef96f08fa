package connmgr

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session's connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for st := StatusDisconnected; st <= StatusError; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection status %q", text)
}

// ErrIllegalTransition is returned when a status change is not in the
// transition table.
var ErrIllegalTransition = errors.New("illegal status transition")

// transitions is the complete table of legal status changes. Anything not
// listed is rejected; in particular error and disconnected can only reach
// connected by passing through connecting.
var transitions = map[Status][]Status{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusConnected, StatusError, StatusDisconnected},
	StatusConnected:    {StatusReconnecting, StatusError, StatusDisconnected},
	StatusReconnecting: {StatusConnected, StatusError, StatusDisconnected},
	StatusError:        {StatusConnecting, StatusDisconnected},
}

// CanTransition reports whether from -> to is a legal change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// historySize is the number of transitions kept per connection for debugging.
const historySize = 50

// Transition records a single status change.
type Transition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// history is a fixed-size ring buffer of transitions.
type history struct {
	entries [historySize]Transition
	head    int
	count   int
}

func (h *history) record(t Transition) {
	h.entries[h.head] = t
	h.head = (h.head + 1) % historySize
	if h.count < historySize {
		h.count++
	}
}

// list returns the transitions oldest first.
func (h *history) list() []Transition {
	if h.count == 0 {
		return nil
	}
	result := make([]Transition, h.count)
	if h.count < historySize {
		copy(result, h.entries[:h.count])
	} else {
		n := copy(result, h.entries[h.head:])
		copy(result[n:], h.entries[:h.head])
	}
	return result
}

// Change is delivered to status listeners. Seq increases monotonically per
// manager, so consumers receiving changes from several goroutines can
// discard stale ones.
type Change struct {
	SessionID string `json:"session_id"`
	TargetID  string `json:"target_id"`
	From      Status `json:"from"`
	To        Status `json:"to"`
	Reason    string `json:"reason"`
	Seq       uint64 `json:"seq"`
}

func illegal(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
