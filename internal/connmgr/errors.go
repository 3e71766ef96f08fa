package connmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConnection is returned for sessions without an attached connection.
	ErrNoConnection = errors.New("no connection for session")
	// ErrNotConnected is returned when input is sent to a connection that is
	// not currently connected.
	ErrNotConnected = errors.New("session is not connected")
	// ErrRetryCooldown is returned when a manual reconnect follows the
	// previous one too closely.
	ErrRetryCooldown = errors.New("reconnect attempted too soon")
	// ErrReconnectNotAllowed is returned when a manual reconnect is requested
	// while the connection is still live or already connecting.
	ErrReconnectNotAllowed = errors.New("reconnect is only allowed from disconnected or error")
	// ErrInputTooLarge is returned for input frames above MaxInputSize.
	ErrInputTooLarge = errors.New("input frame too large")
)

// ConnectionError reports a handshake failure or an abnormal close. It is
// scoped to one session and never affects others.
type ConnectionError struct {
	SessionID string
	TargetID  string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (session %s, target %s): %v", e.SessionID, e.TargetID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
