// Package sessions keeps the ordered list of open terminal sessions. It
// enforces the session limit, binds quick sessions to targets without
// losing their terminal, closes with neighbour selection, and raises one
// idle advisory per idle period.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/connmgr"
	"github.com/gluk-w/sshdeck/internal/inventory"
	"github.com/gluk-w/sshdeck/internal/logutil"
	"github.com/gluk-w/sshdeck/internal/tabstate"
	"github.com/gluk-w/sshdeck/internal/termregistry"
	"github.com/google/uuid"
)

// Connections is the part of the connection manager the orchestrator drives.
type Connections interface {
	Attach(sessionID string, target inventory.Target) error
	Disconnect(sessionID string) error
	Reconnect(sessionID string) error
	Input(sessionID string, p []byte) error
	Resize(sessionID string, cols, rows int) error
	Status(sessionID string) (connmgr.Status, bool)
	OnStatusChange(l connmgr.StatusListener)
}

// Config holds the limits read once at startup.
type Config struct {
	MaxSessions int
	// InactiveThreshold is the idle time after which an advisory fires.
	// Zero disables advisories.
	InactiveThreshold time.Duration
}

type session struct {
	id           string
	label        string
	target       *inventory.Target
	pinned       bool
	advised      bool
	lastActivity time.Time
	createdAt    time.Time
}

// Orchestrator owns the session list. Its lock is never held while calling
// the registry's Destroy or the connection manager, both of which may call
// back into the orchestrator through status listeners.
type Orchestrator struct {
	cfg      Config
	reg      *termregistry.Registry
	conns    Connections
	resolver inventory.Resolver
	ui       *tabstate.Store
	nowFn    func() time.Time

	mu       sync.Mutex
	order    []*session
	byID     map[string]*session
	active   string
	viewOpen bool
	counter  int
	lastSeq  map[string]uint64

	subMu     sync.Mutex
	listeners map[uint64]func(Event)
	nextSub   uint64
}

// New creates an orchestrator and subscribes it to connection status changes.
func New(cfg Config, reg *termregistry.Registry, conns Connections, resolver inventory.Resolver, ui *tabstate.Store) *Orchestrator {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	o := &Orchestrator{
		cfg:       cfg,
		reg:       reg,
		conns:     conns,
		resolver:  resolver,
		ui:        ui,
		nowFn:     time.Now,
		byID:      make(map[string]*session),
		lastSeq:   make(map[string]uint64),
		listeners: make(map[uint64]func(Event)),
	}
	conns.OnStatusChange(o.onStatusChange)
	return o
}

// SetNowFunc overrides the clock. Intended for tests.
func (o *Orchestrator) SetNowFunc(fn func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nowFn = fn
}

// Subscribe registers fn for every event. Listeners run synchronously on
// the goroutine that caused the event and must not block.
func (o *Orchestrator) Subscribe(fn func(Event)) (cancel func()) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.nextSub++
	id := o.nextSub
	o.listeners[id] = fn
	return func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		delete(o.listeners, id)
	}
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	o.subMu.Lock()
	fns := make([]func(Event), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (o *Orchestrator) onStatusChange(ch connmgr.Change) {
	o.mu.Lock()
	if _, ok := o.byID[ch.SessionID]; !ok {
		o.mu.Unlock()
		return
	}
	if ch.Seq <= o.lastSeq[ch.SessionID] {
		o.mu.Unlock()
		return
	}
	o.lastSeq[ch.SessionID] = ch.Seq
	o.mu.Unlock()

	o.emit(Event{
		Kind:      EventStatusChanged,
		SessionID: ch.SessionID,
		TargetID:  ch.TargetID,
		Status:    ch.To.String(),
		Detail:    ch.Reason,
	})
}

// insertLocked creates a session after position at (or at the end when at
// is negative) and makes it active. Callers have checked capacity.
func (o *Orchestrator) insertLocked(label string, target *inventory.Target, at int) *session {
	now := o.nowFn()
	o.counter++
	if label == "" {
		if target != nil {
			label = target.Name
			if label == "" {
				label = target.Host
			}
		} else {
			label = fmt.Sprintf("Quick connect %d", o.counter)
		}
	}
	s := &session{
		id:           uuid.New().String(),
		label:        label,
		target:       target,
		lastActivity: now,
		createdAt:    now,
	}
	o.reg.GetOrCreate(s.id)

	if at < 0 || at >= len(o.order) {
		o.order = append(o.order, s)
	} else {
		o.order = append(o.order, nil)
		copy(o.order[at+1:], o.order[at:])
		o.order[at] = s
	}
	o.byID[s.id] = s
	o.active = s.id
	o.viewOpen = true
	return s
}

func (o *Orchestrator) capacityLocked() error {
	if len(o.order) >= o.cfg.MaxSessions {
		return &CapacityError{Max: o.cfg.MaxSessions}
	}
	return nil
}

// Create opens an unbound session with status disconnected.
func (o *Orchestrator) Create(label string) (Session, error) {
	o.mu.Lock()
	if err := o.capacityLocked(); err != nil {
		o.mu.Unlock()
		return Session{}, err
	}
	s := o.insertLocked(label, nil, -1)
	view := o.viewLocked(s)
	o.mu.Unlock()

	log.Printf("[sessions] created quick session %s", s.id)
	o.emit(Event{Kind: EventListChanged, Action: ActionCreated, SessionID: s.id, ActiveID: s.id})
	return view, nil
}

// CreateBound opens a session bound to targetID and starts connecting. A
// missing or offline target yields a BindingError and creates nothing.
func (o *Orchestrator) CreateBound(ctx context.Context, targetID, label string) (Session, error) {
	o.mu.Lock()
	err := o.capacityLocked()
	o.mu.Unlock()
	if err != nil {
		return Session{}, err
	}

	target, err := o.resolver.Resolve(ctx, targetID)
	if err != nil {
		return Session{}, err
	}

	o.mu.Lock()
	if err := o.capacityLocked(); err != nil {
		o.mu.Unlock()
		return Session{}, err
	}
	s := o.insertLocked(label, &target, -1)
	o.mu.Unlock()

	// Announce the session before Attach publishes its first status.
	log.Printf("[sessions] created session %s bound to %s", s.id, logutil.SanitizeForLog(target.ID))
	o.emit(Event{Kind: EventListChanged, Action: ActionCreated, SessionID: s.id, TargetID: target.ID, ActiveID: s.id})

	if err := o.conns.Attach(s.id, target); err != nil {
		o.abandon(s.id)
		return Session{}, err
	}
	return o.Get(s.id)
}

// abandon closes a session whose connection could not be attached. The
// session may already be gone if it was closed concurrently.
func (o *Orchestrator) abandon(id string) {
	if err := o.Close(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.Printf("[sessions] abandon session %s: %v", id, err)
	}
}

// Bind attaches a connection to targetID while keeping the session's id
// and terminal contents. Binding an already bound session rebinds it.
func (o *Orchestrator) Bind(ctx context.Context, id, targetID string) (Session, error) {
	o.mu.Lock()
	_, ok := o.byID[id]
	o.mu.Unlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	target, err := o.resolver.Resolve(ctx, targetID)
	if err != nil {
		return Session{}, err
	}

	o.mu.Lock()
	s, ok := o.byID[id]
	if !ok {
		o.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	prev := s.target
	s.target = &target
	if prev == nil && s.label != "" && isQuickLabel(s.label) {
		s.label = target.Name
		if s.label == "" {
			s.label = target.Host
		}
	}
	o.mu.Unlock()

	if err := o.conns.Attach(id, target); err != nil {
		o.mu.Lock()
		s.target = prev
		o.mu.Unlock()
		if errors.Is(err, termregistry.ErrUnknownSession) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}

	log.Printf("[sessions] bound session %s to %s", id, logutil.SanitizeForLog(target.ID))
	o.emit(Event{Kind: EventListChanged, Action: ActionBound, SessionID: id, TargetID: target.ID})
	return o.Get(id)
}

func isQuickLabel(label string) bool {
	var n int
	_, err := fmt.Sscanf(label, "Quick connect %d", &n)
	return err == nil
}

// Duplicate opens a new session next to id with the same label and
// binding. The new session gets its own terminal and connection.
func (o *Orchestrator) Duplicate(ctx context.Context, id string) (Session, error) {
	o.mu.Lock()
	src, ok := o.byID[id]
	if !ok {
		o.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	if err := o.capacityLocked(); err != nil {
		o.mu.Unlock()
		return Session{}, err
	}
	label := src.label
	var targetID string
	if src.target != nil {
		targetID = src.target.ID
	}
	o.mu.Unlock()

	var target *inventory.Target
	if targetID != "" {
		t, err := o.resolver.Resolve(ctx, targetID)
		if err != nil {
			return Session{}, err
		}
		target = &t
	}

	o.mu.Lock()
	if err := o.capacityLocked(); err != nil {
		o.mu.Unlock()
		return Session{}, err
	}
	at := o.indexLocked(id) + 1
	if at == 0 {
		at = -1
	}
	s := o.insertLocked(label, target, at)
	o.mu.Unlock()

	log.Printf("[sessions] duplicated session %s as %s", id, s.id)
	o.emit(Event{Kind: EventListChanged, Action: ActionDuplicated, SessionID: s.id, TargetID: targetID, Detail: id, ActiveID: s.id})

	if target != nil {
		if err := o.conns.Attach(s.id, *target); err != nil {
			o.abandon(s.id)
			return Session{}, err
		}
	}
	return o.Get(s.id)
}

func (o *Orchestrator) indexLocked(id string) int {
	for i, s := range o.order {
		if s.id == id {
			return i
		}
	}
	return -1
}

// removeLocked deletes id from the list. If it is active, the neighbour to
// the right (else the left) becomes active first. It reports whether the
// list became empty.
func (o *Orchestrator) removeLocked(id string) (emptied bool) {
	idx := o.indexLocked(id)
	if idx < 0 {
		return false
	}
	if o.active == id {
		switch {
		case idx+1 < len(o.order):
			o.active = o.order[idx+1].id
		case idx > 0:
			o.active = o.order[idx-1].id
		default:
			o.active = ""
		}
	}
	o.order = append(o.order[:idx], o.order[idx+1:]...)
	delete(o.byID, id)
	delete(o.lastSeq, id)
	if len(o.order) == 0 {
		o.viewOpen = false
		return true
	}
	return false
}

// release destroys the terminal (and with it the connection) and UI state
// of sessions already removed from the list.
func (o *Orchestrator) release(ids []string) {
	for _, id := range ids {
		o.reg.Destroy(id)
		if o.ui != nil {
			if err := o.ui.Delete(id); err != nil {
				log.Printf("[sessions] failed to delete ui state for %s: %v", id, err)
			}
		}
	}
}

// Close removes a session and destroys its terminal. Closing the last
// session exits the terminal view.
func (o *Orchestrator) Close(id string) error {
	o.mu.Lock()
	s, ok := o.byID[id]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	targetID := ""
	if s.target != nil {
		targetID = s.target.ID
	}
	emptied := o.removeLocked(id)
	active := o.active
	o.mu.Unlock()

	o.release([]string{id})
	log.Printf("[sessions] closed session %s", id)

	o.emit(Event{Kind: EventListChanged, Action: ActionClosed, SessionID: id, TargetID: targetID, ActiveID: active})
	if emptied {
		o.emit(Event{Kind: EventViewExited})
	}
	return nil
}

// CloseOthers closes every unpinned session except keepID and activates it.
func (o *Orchestrator) CloseOthers(keepID string) ([]string, error) {
	o.mu.Lock()
	if _, ok := o.byID[keepID]; !ok {
		o.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	o.active = keepID
	closed := o.closeWhereLocked(func(s *session) bool { return s.id != keepID && !s.pinned })
	o.mu.Unlock()

	o.finishBulkClose(closed, keepID, false)
	return closed, nil
}

// CloseAll closes every unpinned session. If nothing is pinned the view exits.
func (o *Orchestrator) CloseAll() []string {
	o.mu.Lock()
	closed := o.closeWhereLocked(func(s *session) bool { return !s.pinned })
	emptied := len(o.order) == 0
	if emptied {
		o.viewOpen = false
	}
	active := o.active
	o.mu.Unlock()

	o.finishBulkClose(closed, active, emptied)
	return closed
}

// closeWhereLocked removes matching sessions. An active session that is
// removed hands over to the first survivor.
func (o *Orchestrator) closeWhereLocked(match func(*session) bool) []string {
	var closed []string
	kept := o.order[:0]
	for _, s := range o.order {
		if match(s) {
			closed = append(closed, s.id)
			delete(o.byID, s.id)
			delete(o.lastSeq, s.id)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(o.order); i++ {
		o.order[i] = nil
	}
	o.order = kept

	if _, ok := o.byID[o.active]; !ok {
		o.active = ""
		if len(o.order) > 0 {
			o.active = o.order[0].id
		}
	}
	return closed
}

func (o *Orchestrator) finishBulkClose(closed []string, active string, emptied bool) {
	o.release(closed)
	for _, id := range closed {
		o.emit(Event{Kind: EventListChanged, Action: ActionClosed, SessionID: id, ActiveID: active})
	}
	if len(closed) > 0 {
		log.Printf("[sessions] closed %d sessions", len(closed))
	}
	if emptied {
		o.emit(Event{Kind: EventViewExited})
	}
}

// Move places id at index to, clamped to the list bounds.
func (o *Orchestrator) Move(id string, to int) error {
	o.mu.Lock()
	from := o.indexLocked(id)
	if from < 0 {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	if to < 0 {
		to = 0
	}
	if to >= len(o.order) {
		to = len(o.order) - 1
	}
	s := o.order[from]
	o.order = append(o.order[:from], o.order[from+1:]...)
	o.order = append(o.order[:to], append([]*session{s}, o.order[to:]...)...)
	o.mu.Unlock()

	o.emit(Event{Kind: EventListChanged, Action: ActionMoved, SessionID: id, Detail: fmt.Sprintf("%d->%d", from, to)})
	return nil
}

// Pin sets whether id survives close-others and close-all.
func (o *Orchestrator) Pin(id string, pinned bool) error {
	o.mu.Lock()
	s, ok := o.byID[id]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	s.pinned = pinned
	o.mu.Unlock()

	action := ActionUnpinned
	if pinned {
		action = ActionPinned
	}
	o.emit(Event{Kind: EventListChanged, Action: action, SessionID: id})
	return nil
}

// Activate makes id the active session.
func (o *Orchestrator) Activate(id string) error {
	o.mu.Lock()
	if _, ok := o.byID[id]; !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	changed := o.active != id
	o.active = id
	o.mu.Unlock()

	if changed {
		o.emit(Event{Kind: EventListChanged, Action: ActionActivated, SessionID: id, ActiveID: id})
	}
	return nil
}

// Input sends keystrokes and resets the idle timer. Unbound sessions echo
// input into their own terminal so it survives a later bind.
func (o *Orchestrator) Input(id string, p []byte) error {
	o.mu.Lock()
	s, ok := o.byID[id]
	if !ok {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	bound := s.target != nil
	o.mu.Unlock()

	if bound {
		if err := o.conns.Input(id, p); err != nil {
			return err
		}
	} else if in, ok := o.reg.Get(id); ok {
		in.Write(p)
	}

	o.mu.Lock()
	if s, ok := o.byID[id]; ok {
		s.lastActivity = o.nowFn()
		s.advised = false
	}
	o.mu.Unlock()
	return nil
}

// Resize resizes the session's terminal and, if connected, the remote PTY.
func (o *Orchestrator) Resize(id string, cols, rows int) error {
	if !o.exists(id) {
		return ErrSessionNotFound
	}
	return o.conns.Resize(id, cols, rows)
}

// Disconnect drops the session's connection without closing the session.
func (o *Orchestrator) Disconnect(id string) error {
	if err := o.requireBound(id); err != nil {
		return err
	}
	return o.conns.Disconnect(id)
}

// Reconnect manually retries the session's connection.
func (o *Orchestrator) Reconnect(id string) error {
	if err := o.requireBound(id); err != nil {
		return err
	}
	return o.conns.Reconnect(id)
}

func (o *Orchestrator) requireBound(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.byID[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.target == nil {
		return ErrNotBound
	}
	return nil
}

func (o *Orchestrator) exists(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.byID[id]
	return ok
}

// Mount attaches a display surface to the session's terminal.
func (o *Orchestrator) Mount(id string, surface termregistry.Surface) error {
	if !o.exists(id) {
		return ErrSessionNotFound
	}
	if err := o.reg.Mount(id, surface); err != nil {
		if errors.Is(err, termregistry.ErrUnknownSession) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// Unmount detaches surface if it is still the session's display. The
// terminal and its connection are unaffected.
func (o *Orchestrator) Unmount(id string, surface termregistry.Surface) {
	o.reg.UnmountSurface(id, surface)
}

// Target returns the target a session is bound to.
func (o *Orchestrator) Target(id string) (inventory.Target, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.byID[id]
	if !ok {
		return inventory.Target{}, ErrSessionNotFound
	}
	if s.target == nil {
		return inventory.Target{}, ErrNotBound
	}
	return *s.target, nil
}

// ScanIdle raises an advisory for every session idle longer than the
// threshold that has not been advised in its current idle period. It
// returns the ids advised.
func (o *Orchestrator) ScanIdle(now time.Time) []string {
	if o.cfg.InactiveThreshold <= 0 {
		return nil
	}

	type advisory struct {
		id, targetID string
		idle         time.Duration
	}
	var due []advisory

	o.mu.Lock()
	for _, s := range o.order {
		if s.advised {
			continue
		}
		idle := now.Sub(s.lastActivity)
		if idle > o.cfg.InactiveThreshold {
			s.advised = true
			a := advisory{id: s.id, idle: idle}
			if s.target != nil {
				a.targetID = s.target.ID
			}
			due = append(due, a)
		}
	}
	o.mu.Unlock()

	ids := make([]string, 0, len(due))
	for _, a := range due {
		ids = append(ids, a.id)
		log.Printf("[sessions] session %s idle for %s", a.id, a.idle.Truncate(time.Second))
		o.emit(Event{
			Kind:      EventAdvisory,
			SessionID: a.id,
			TargetID:  a.targetID,
			Detail:    fmt.Sprintf("idle for %s", a.idle.Truncate(time.Minute)),
			Time:      now,
		})
	}
	return ids
}

// ScanIdleNow runs ScanIdle with the orchestrator's clock.
func (o *Orchestrator) ScanIdleNow() []string {
	o.mu.Lock()
	now := o.nowFn()
	o.mu.Unlock()
	return o.ScanIdle(now)
}

func (o *Orchestrator) viewLocked(s *session) Session {
	v := Session{
		ID:           s.id,
		Label:        s.label,
		Pinned:       s.pinned,
		Position:     o.indexLocked(s.id),
		Active:       o.active == s.id,
		IdleAdvised:  s.advised,
		LastActivity: s.lastActivity,
		CreatedAt:    s.createdAt,
		Status:       connmgr.StatusDisconnected,
	}
	if s.target != nil {
		v.Bound = true
		v.Binding = bindingOf(*s.target)
	}
	return v
}

// fill adds the live fields owned by other components. Called without o.mu.
func (o *Orchestrator) fill(v *Session) {
	if v.Bound {
		if st, ok := o.conns.Status(v.ID); ok {
			v.Status = st
		}
	}
	if in, ok := o.reg.Get(v.ID); ok {
		v.Mounted = in.Mounted()
	}
}

// Get returns one session.
func (o *Orchestrator) Get(id string) (Session, error) {
	o.mu.Lock()
	s, ok := o.byID[id]
	if !ok {
		o.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	v := o.viewLocked(s)
	o.mu.Unlock()

	o.fill(&v)
	return v, nil
}

// List returns the sessions in display order.
func (o *Orchestrator) List() []Session {
	return o.Snapshot().Sessions
}

// Snapshot returns the session list, the active id and the view state
// taken atomically.
func (o *Orchestrator) Snapshot() Workspace {
	o.mu.Lock()
	ws := Workspace{
		Sessions:    make([]Session, 0, len(o.order)),
		ActiveID:    o.active,
		ViewOpen:    o.viewOpen,
		MaxSessions: o.cfg.MaxSessions,
	}
	for _, s := range o.order {
		ws.Sessions = append(ws.Sessions, o.viewLocked(s))
	}
	o.mu.Unlock()

	for i := range ws.Sessions {
		o.fill(&ws.Sessions[i])
	}
	return ws
}

// Live reports whether id is an open session. Used to prune UI state.
func (o *Orchestrator) Live(id string) bool {
	return o.exists(id)
}

// Shutdown closes every session, pinned or not, without emitting events.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.order))
	for _, s := range o.order {
		ids = append(ids, s.id)
	}
	o.order = nil
	o.byID = make(map[string]*session)
	o.lastSeq = make(map[string]uint64)
	o.active = ""
	o.viewOpen = false
	o.mu.Unlock()

	for _, id := range ids {
		o.reg.Destroy(id)
	}
	log.Printf("[sessions] shut down %d sessions", len(ids))
}
