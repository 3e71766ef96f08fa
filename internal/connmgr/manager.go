// Package connmgr owns at most one live stream per session. It writes
// inbound output into the session's terminal instance, forwards input and
// resizes outbound, and drives the connection status machine with a single
// automatic reconnect after an abnormal close.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/sshdeck/internal/inventory"
	"github.com/gluk-w/sshdeck/internal/logutil"
	"github.com/gluk-w/sshdeck/internal/termregistry"
)

const (
	// MaxInputSize caps a single input frame.
	MaxInputSize = 64 * 1024

	// MaxResizeCols and MaxResizeRows clamp resize requests.
	MaxResizeCols = 500
	MaxResizeRows = 500
)

// Options configures a Manager.
type Options struct {
	// ReconnectCooldown is the minimum spacing between manual reconnects.
	ReconnectCooldown time.Duration
	// DialTimeout bounds each connection attempt. Zero means 30s.
	DialTimeout time.Duration
}

// StatusListener receives every status change. Listeners run synchronously
// on the goroutine that caused the change and must not call back into the
// Manager while holding a lock the Manager's caller might hold.
type StatusListener func(Change)

// Connection is the per-session connection record.
type Connection struct {
	SessionID string
	Target    inventory.Target

	mu         sync.Mutex
	status     Status
	history    history
	stream     Stream
	cancelDial context.CancelFunc
	enabled    bool
	retried    bool
	lastManual time.Time
	gen        uint64
}

// Manager maps session ids to connections.
type Manager struct {
	reg    *termregistry.Registry
	dialer Dialer
	opts   Options
	nowFn  func() time.Time
	seq    atomic.Uint64

	mu        sync.Mutex
	conns     map[string]*Connection
	listeners []StatusListener
}

// New creates a Manager writing into reg. Destroying a registry instance
// tears down that session's connection.
func New(reg *termregistry.Registry, dialer Dialer, opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	m := &Manager{
		reg:    reg,
		dialer: dialer,
		opts:   opts,
		nowFn:  time.Now,
		conns:  make(map[string]*Connection),
	}
	reg.OnDestroy(m.Teardown)
	return m
}

// SetNowFunc overrides the clock. Intended for tests.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFn = fn
}

// OnStatusChange registers a listener for status changes of every connection.
func (m *Manager) OnStatusChange(l StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Attach creates the connection for a bound session and starts dialing.
// Any prior connection for the session is torn down first. The status is
// connecting when Attach returns.
func (m *Manager) Attach(sessionID string, target inventory.Target) error {
	if !m.reg.Has(sessionID) {
		return termregistry.ErrUnknownSession
	}
	m.Teardown(sessionID)

	c := &Connection{
		SessionID: sessionID,
		Target:    target,
		status:    StatusDisconnected,
		enabled:   true,
	}
	m.mu.Lock()
	m.conns[sessionID] = c
	m.mu.Unlock()

	log.Printf("[connmgr] attaching session %s to %s@%s", sessionID,
		logutil.SanitizeForLog(target.Username), logutil.SanitizeForLog(target.Addr()))

	c.mu.Lock()
	ch, err := m.transition(c, StatusConnecting, "attach")
	gen := c.gen
	c.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ch)

	go m.dial(c, gen)
	return nil
}

// transition moves c to the given status and returns the change to publish.
// Callers hold c.mu.
func (m *Manager) transition(c *Connection, to Status, reason string) (Change, error) {
	from := c.status
	if !CanTransition(from, to) {
		log.Printf("[connmgr] rejected transition for session %s: %s -> %s (%s)", c.SessionID, from, to, reason)
		return Change{}, illegal(from, to)
	}
	c.status = to
	c.history.record(Transition{From: from, To: to, Timestamp: m.nowFn(), Reason: reason})
	return Change{
		SessionID: c.SessionID,
		TargetID:  c.Target.ID,
		From:      from,
		To:        to,
		Reason:    reason,
		Seq:       m.seq.Add(1),
	}, nil
}

// notify invokes listeners outside every Manager lock.
func (m *Manager) notify(ch Change) {
	m.mu.Lock()
	ls := make([]StatusListener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.Unlock()

	for _, l := range ls {
		l(ch)
	}
}

func (m *Manager) lookup(sessionID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[sessionID]
	return c, ok
}

// dial runs one connection attempt for generation gen.
func (m *Manager) dial(c *Connection, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	defer cancel()

	c.mu.Lock()
	if c.gen != gen || !c.enabled {
		c.mu.Unlock()
		return
	}
	c.cancelDial = cancel
	c.mu.Unlock()

	cols, rows := 80, 24
	if in, ok := m.reg.Get(c.SessionID); ok {
		cols, rows = in.Dimensions()
	}
	cols = clamp(cols, 1, MaxResizeCols)
	rows = clamp(rows, 1, MaxResizeRows)

	stream, err := m.dialer.Dial(ctx, c.Target, uint16(cols), uint16(rows))

	c.mu.Lock()
	c.cancelDial = nil
	if c.gen != gen || !c.enabled {
		c.mu.Unlock()
		if stream != nil {
			stream.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		m.fail(c, gen, err)
		return
	}
	c.stream = stream
	ch, terr := m.transition(c, StatusConnected, "handshake complete")
	c.mu.Unlock()
	if terr != nil {
		stream.Close()
		return
	}
	log.Printf("[connmgr] session %s connected", c.SessionID)
	m.notify(ch)

	go m.pump(c, gen, stream)
}

// pump applies inbound frames to the emulator in arrival order until the
// stream ends.
func (m *Manager) pump(c *Connection, gen uint64, stream Stream) {
	for ev := range stream.Events() {
		switch ev.Type {
		case EventData:
			if !m.current(c, gen) {
				continue
			}
			if in, ok := m.reg.Get(c.SessionID); ok {
				in.Write(ev.Data)
			}
		case EventDisconnected:
			m.closed(c, gen)
			return
		case EventError:
			err := ev.Err
			if err == nil {
				err = errors.New("stream error")
			}
			m.fail(c, gen, err)
			return
		}
	}
	m.fail(c, gen, errors.New("stream ended without close event"))
}

func (m *Manager) current(c *Connection, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.enabled
}

// closed handles a normal remote close: the session settles in disconnected
// without a reconnect.
func (m *Manager) closed(c *Connection, gen uint64) {
	c.mu.Lock()
	if c.gen != gen || !c.enabled {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	ch, err := m.transition(c, StatusDisconnected, "remote closed")
	c.mu.Unlock()
	if err != nil {
		return
	}
	m.writeNotice(c.SessionID, "\r\n\x1b[33m[sshdeck] connection closed\x1b[0m\r\n")
	log.Printf("[connmgr] session %s closed by remote", c.SessionID)
	m.notify(ch)
}

// fail handles a handshake failure or an abnormal close. The first abnormal
// close of a connected session earns one reconnect attempt; anything else
// settles in error.
func (m *Manager) fail(c *Connection, gen uint64, cause error) {
	cerr := &ConnectionError{SessionID: c.SessionID, TargetID: c.Target.ID, Err: cause}

	c.mu.Lock()
	if c.gen != gen || !c.enabled {
		c.mu.Unlock()
		return
	}
	stream := c.stream
	c.stream = nil

	var (
		ch     Change
		err    error
		retry  bool
		newGen uint64
	)
	if c.status == StatusConnected && !c.retried {
		c.retried = true
		c.gen++
		newGen = c.gen
		retry = true
		ch, err = m.transition(c, StatusReconnecting, cause.Error())
	} else {
		ch, err = m.transition(c, StatusError, cause.Error())
	}
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	m.writeNotice(c.SessionID, fmt.Sprintf("\r\n\x1b[31m[sshdeck] %v\x1b[0m\r\n", cerr))
	log.Printf("[connmgr] %v", cerr)
	if err != nil {
		return
	}
	m.notify(ch)

	if retry {
		log.Printf("[connmgr] session %s: attempting single reconnect", c.SessionID)
		go m.dial(c, newGen)
	}
}

func (m *Manager) writeNotice(sessionID, text string) {
	if in, ok := m.reg.Get(sessionID); ok {
		in.Write([]byte(text))
	}
}

// stop disables c, cancels any in-flight dial and closes its stream, then
// moves it to disconnected. Callers must not hold c.mu.
func (m *Manager) stop(c *Connection, reason string) {
	c.mu.Lock()
	c.enabled = false
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	stream := c.stream
	c.stream = nil
	var (
		ch      Change
		changed bool
	)
	if c.status != StatusDisconnected {
		var err error
		ch, err = m.transition(c, StatusDisconnected, reason)
		changed = err == nil
	}
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if changed {
		m.notify(ch)
	}
}

// Disconnect is a user-initiated disconnect. The connection goes straight
// to disconnected without a reconnect and stays attached for a later
// manual Reconnect.
func (m *Manager) Disconnect(sessionID string) error {
	c, ok := m.lookup(sessionID)
	if !ok {
		return ErrNoConnection
	}
	m.stop(c, "user disconnect")
	log.Printf("[connmgr] session %s disconnected by user", sessionID)
	return nil
}

// Reconnect is a manual retry. It is allowed only from disconnected or
// error, at most once per ReconnectCooldown, and re-arms the automatic
// reconnect.
func (m *Manager) Reconnect(sessionID string) error {
	c, ok := m.lookup(sessionID)
	if !ok {
		return ErrNoConnection
	}

	now := m.nowFn()
	c.mu.Lock()
	if c.status != StatusDisconnected && c.status != StatusError {
		c.mu.Unlock()
		return fmt.Errorf("%w (status %s)", ErrReconnectNotAllowed, c.status)
	}
	if !c.lastManual.IsZero() && now.Sub(c.lastManual) < m.opts.ReconnectCooldown {
		wait := m.opts.ReconnectCooldown - now.Sub(c.lastManual)
		c.mu.Unlock()
		return fmt.Errorf("%w: retry in %s", ErrRetryCooldown, wait.Round(time.Millisecond))
	}
	c.lastManual = now
	c.retried = false
	c.enabled = true
	c.gen++
	gen := c.gen
	ch, err := m.transition(c, StatusConnecting, "manual reconnect")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ch)

	log.Printf("[connmgr] session %s: manual reconnect", sessionID)
	go m.dial(c, gen)
	return nil
}

// Teardown removes and stops the session's connection, if any. It is
// registered as a registry destroy hook.
func (m *Manager) Teardown(sessionID string) {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	if ok {
		delete(m.conns, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.stop(c, "torn down")
	log.Printf("[connmgr] session %s connection torn down", sessionID)
}

// CloseAll tears down every connection. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Teardown(id)
	}
}

// Input forwards keystrokes to the session's stream.
func (m *Manager) Input(sessionID string, p []byte) error {
	if len(p) > MaxInputSize {
		return ErrInputTooLarge
	}
	c, ok := m.lookup(sessionID)
	if !ok {
		return ErrNoConnection
	}
	c.mu.Lock()
	stream := c.stream
	status := c.status
	c.mu.Unlock()
	if status != StatusConnected || stream == nil {
		return ErrNotConnected
	}
	if err := stream.Send(p); err != nil {
		return &ConnectionError{SessionID: sessionID, TargetID: c.Target.ID, Err: err}
	}
	return nil
}

// Resize clamps the size, resizes the emulator and forwards the change to
// a live stream. Sessions without a connection only resize the emulator.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	cols = clamp(cols, 1, MaxResizeCols)
	rows = clamp(rows, 1, MaxResizeRows)

	in, ok := m.reg.Get(sessionID)
	if !ok {
		return termregistry.ErrUnknownSession
	}
	in.Resize(cols, rows)

	c, ok := m.lookup(sessionID)
	if !ok {
		return nil
	}
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return nil
	}
	return stream.Resize(uint16(cols), uint16(rows))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Status returns the session's connection status. Sessions without a
// connection report disconnected and false.
func (m *Manager) Status(sessionID string) (Status, bool) {
	c, ok := m.lookup(sessionID)
	if !ok {
		return StatusDisconnected, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, true
}

// Target returns the target the session's connection is bound to.
func (m *Manager) Target(sessionID string) (inventory.Target, bool) {
	c, ok := m.lookup(sessionID)
	if !ok {
		return inventory.Target{}, false
	}
	return c.Target, true
}

// Transitions returns the recent status history, oldest first.
func (m *Manager) Transitions(sessionID string) ([]Transition, error) {
	c, ok := m.lookup(sessionID)
	if !ok {
		return nil, ErrNoConnection
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.list(), nil
}

// Len returns the number of attached connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
