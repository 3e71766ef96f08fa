package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/inventory"
	"github.com/gluk-w/sshdeck/internal/logutil"
)

// State is the lifecycle state of a target's subscription.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateError      State = "error"
)

// SubscriptionError reports a metrics feed failure for one target. It only
// stops metrics delivery; terminal sessions to the target are unaffected.
type SubscriptionError struct {
	TargetID string
	Err      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("metrics subscription for target %q failed: %v", e.TargetID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Callback receives snapshots for a subscribed target.
type Callback func(Snapshot)

// Stats counts feed lifecycles for one target.
type Stats struct {
	Created   int `json:"created"`
	Destroyed int `json:"destroyed"`
}

// Info describes a live subscription.
type Info struct {
	TargetID string    `json:"target_id"`
	State    State     `json:"state"`
	Refs     int       `json:"refs"`
	Error    string    `json:"error,omitempty"`
	Last     *Snapshot `json:"last,omitempty"`
}

type subscription struct {
	targetID string
	ctx      context.Context
	cancel   context.CancelFunc
	feed     Feed

	// deliverMu serialises callback invocation so every subscriber sees
	// snapshots in order, including the replay on subscribe.
	deliverMu sync.Mutex

	// Guarded by Pool.mu.
	refs        int
	callbacks   map[uint64]Callback
	last        *Snapshot
	state       State
	err         error
	closed      bool
	teardown    *time.Timer
	teardownGen uint64
}

// Pool shares one feed per target across any number of subscribers.
// Reference counts, the subscriber set and the deferred teardown check
// are all guarded by a single mutex.
type Pool struct {
	resolver  inventory.Resolver
	collector Collector
	delay     time.Duration

	mu     sync.Mutex
	subs   map[string]*subscription
	stats  map[string]*Stats
	nextID uint64
}

// NewPool creates a pool. When the last subscriber leaves, the feed is
// kept for delay so an immediate re-subscribe reuses it.
func NewPool(resolver inventory.Resolver, collector Collector, delay time.Duration) *Pool {
	return &Pool{
		resolver:  resolver,
		collector: collector,
		delay:     delay,
		subs:      make(map[string]*subscription),
		stats:     make(map[string]*Stats),
	}
}

// Subscribe registers cb for targetID's snapshots. The first subscriber
// creates the feed; later ones share it and immediately receive the last
// snapshot if there is one. The returned function unsubscribes and is
// safe to call more than once.
func (p *Pool) Subscribe(ctx context.Context, targetID string, cb Callback) (func(), error) {
	if cb == nil {
		return nil, fmt.Errorf("nil callback")
	}

	sub, err := p.acquire(ctx, targetID)
	if err != nil {
		return nil, err
	}

	sub.deliverMu.Lock()
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	sub.callbacks[id] = cb
	last := sub.last
	p.mu.Unlock()
	if last != nil {
		cb(*last)
	}
	sub.deliverMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.release(sub, id) })
	}, nil
}

// acquire returns the live subscription for targetID with a reference
// taken, creating it if needed. A pending teardown is cancelled.
func (p *Pool) acquire(ctx context.Context, targetID string) (*subscription, error) {
	p.mu.Lock()
	if sub, ok := p.subs[targetID]; ok {
		p.retainLocked(sub)
		p.mu.Unlock()
		return sub, nil
	}
	p.mu.Unlock()

	target, err := p.resolver.Resolve(ctx, targetID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another subscriber may have created it while we resolved.
	if sub, ok := p.subs[targetID]; ok {
		p.retainLocked(sub)
		return sub, nil
	}

	fctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		targetID:  targetID,
		ctx:       fctx,
		cancel:    cancel,
		callbacks: make(map[uint64]Callback),
		state:     StateConnecting,
		refs:      1,
	}
	p.subs[targetID] = sub
	p.statsLocked(targetID).Created++
	log.Printf("[monitor] created feed for target %s", logutil.SanitizeForLog(targetID))

	go p.run(sub, target)
	return sub, nil
}

func (p *Pool) retainLocked(sub *subscription) {
	sub.refs++
	if sub.teardown != nil {
		sub.teardown.Stop()
		sub.teardown = nil
		sub.teardownGen++
	}
}

// release drops one reference. At zero the teardown is scheduled, not run.
func (p *Pool) release(sub *subscription, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := sub.callbacks[id]; !ok {
		return
	}
	delete(sub.callbacks, id)
	sub.refs--
	if sub.refs > 0 || sub.closed {
		return
	}

	sub.teardownGen++
	gen := sub.teardownGen
	if p.delay <= 0 {
		p.destroyLocked(sub)
		return
	}
	sub.teardown = time.AfterFunc(p.delay, func() { p.reap(sub, gen) })
}

// reap runs the deferred teardown unless a subscriber arrived meanwhile.
func (p *Pool) reap(sub *subscription, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.closed || sub.refs > 0 || sub.teardownGen != gen {
		return
	}
	p.destroyLocked(sub)
}

func (p *Pool) destroyLocked(sub *subscription) {
	sub.closed = true
	sub.teardown = nil
	if p.subs[sub.targetID] == sub {
		delete(p.subs, sub.targetID)
	}
	p.statsLocked(sub.targetID).Destroyed++
	sub.cancel()
	if sub.feed != nil {
		sub.feed.Close()
	}
	log.Printf("[monitor] destroyed feed for target %s", logutil.SanitizeForLog(sub.targetID))
}

func (p *Pool) statsLocked(targetID string) *Stats {
	st, ok := p.stats[targetID]
	if !ok {
		st = &Stats{}
		p.stats[targetID] = st
	}
	return st
}

// run opens the feed and fans snapshots out until it ends.
func (p *Pool) run(sub *subscription, target inventory.Target) {
	feed, err := p.collector.Open(sub.ctx, target)
	if err != nil {
		p.markError(sub, err)
		return
	}

	p.mu.Lock()
	if sub.closed {
		p.mu.Unlock()
		feed.Close()
		return
	}
	sub.feed = feed
	sub.state = StateActive
	p.mu.Unlock()

	for snap := range feed.Snapshots() {
		snap.TargetID = sub.targetID

		sub.deliverMu.Lock()
		p.mu.Lock()
		if sub.closed {
			p.mu.Unlock()
			sub.deliverMu.Unlock()
			continue
		}
		s := snap
		sub.last = &s
		ids := make([]uint64, 0, len(sub.callbacks))
		for id := range sub.callbacks {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		cbs := make([]Callback, len(ids))
		for i, id := range ids {
			cbs[i] = sub.callbacks[id]
		}
		p.mu.Unlock()

		for _, cb := range cbs {
			cb(snap)
		}
		sub.deliverMu.Unlock()
	}

	if err := feed.Err(); err != nil {
		p.markError(sub, err)
	}
}

func (p *Pool) markError(sub *subscription, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub.closed {
		return
	}
	sub.state = StateError
	sub.err = &SubscriptionError{TargetID: sub.targetID, Err: err}
	log.Printf("[monitor] %v", sub.err)
}

// Status reports the state of targetID's subscription, with the
// SubscriptionError when the state is StateError. The state is empty when
// no subscription exists.
func (p *Pool) Status(targetID string) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[targetID]
	if !ok {
		return "", nil
	}
	return sub.state, sub.err
}

// Refs returns the number of subscribers for targetID.
func (p *Pool) Refs(targetID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subs[targetID]; ok {
		return sub.refs
	}
	return 0
}

// Stats returns the feed lifecycle counters for targetID.
func (p *Pool) Stats(targetID string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.stats[targetID]; ok {
		return *st
	}
	return Stats{}
}

// List describes every live subscription, sorted by target id.
func (p *Pool) List() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.subs))
	for id, sub := range p.subs {
		info := Info{TargetID: id, State: sub.state, Refs: sub.refs}
		if sub.err != nil {
			info.Error = sub.err.Error()
		}
		if sub.last != nil {
			last := *sub.last
			info.Last = &last
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// Close tears down every feed immediately. Used during shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		if sub.teardown != nil {
			sub.teardown.Stop()
		}
		p.destroyLocked(sub)
	}
}
