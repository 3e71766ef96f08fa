package sessions

import (
	"errors"
	"fmt"
	"time"

	"github.com/gluk-w/sshdeck/internal/connmgr"
	"github.com/gluk-w/sshdeck/internal/inventory"
)

// ErrSessionNotFound is returned for ids not in the session list.
var ErrSessionNotFound = errors.New("session not found")

// ErrNotBound is returned for connection operations on unbound sessions.
var ErrNotBound = errors.New("session is not bound to a target")

// CapacityError is returned when the open-session count is at the limit.
// The session list is left unchanged.
type CapacityError struct {
	Max int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session limit reached (max %d)", e.Max)
}

// Binding is the target identity of a bound session.
type Binding struct {
	TargetID string `json:"target_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

func bindingOf(t inventory.Target) *Binding {
	return &Binding{TargetID: t.ID, Host: t.Host, Port: t.Port, Username: t.Username}
}

// Session is a point-in-time view of one open session.
type Session struct {
	ID           string         `json:"id"`
	Label        string         `json:"label"`
	Binding      *Binding       `json:"binding"`
	Bound        bool           `json:"bound"`
	Status       connmgr.Status `json:"status"`
	Mounted      bool           `json:"mounted"`
	Pinned       bool           `json:"pinned"`
	Position     int            `json:"position"`
	Active       bool           `json:"active"`
	IdleAdvised  bool           `json:"idle_advised"`
	LastActivity time.Time      `json:"last_activity"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Workspace is the whole session list as the rendering layer sees it.
type Workspace struct {
	Sessions    []Session `json:"sessions"`
	ActiveID    string    `json:"active_id"`
	ViewOpen    bool      `json:"view_open"`
	MaxSessions int       `json:"max_sessions"`
}

// EventKind classifies orchestrator notifications.
type EventKind string

const (
	// EventListChanged fires after any change to the session list or its
	// order, pins or active session. Action says which.
	EventListChanged EventKind = "list_changed"
	// EventStatusChanged fires when a session's connection status changes.
	EventStatusChanged EventKind = "status_changed"
	// EventAdvisory fires once per idle period per session.
	EventAdvisory EventKind = "advisory"
	// EventViewExited fires when the last session is closed.
	EventViewExited EventKind = "view_exited"
)

// List change actions.
const (
	ActionCreated    = "created"
	ActionBound      = "bound"
	ActionDuplicated = "duplicated"
	ActionClosed     = "closed"
	ActionMoved      = "moved"
	ActionPinned     = "pinned"
	ActionUnpinned   = "unpinned"
	ActionActivated  = "activated"
)

// Event is delivered to subscribers.
type Event struct {
	Kind      EventKind `json:"kind"`
	Action    string    `json:"action,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	ActiveID  string    `json:"active_id,omitempty"`
	Time      time.Time `json:"time"`
}
