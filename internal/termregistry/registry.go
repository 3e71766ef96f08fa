// Package termregistry owns one terminal instance per session id. Instances
// are created once, survive mount/unmount cycles of their display surface,
// and are released only by an explicit Destroy.
package termregistry

import (
	"errors"
	"log"
	"sort"
	"sync"
)

// ErrUnknownSession is returned for operations on ids that were never
// created or were already destroyed.
var ErrUnknownSession = errors.New("unknown terminal session")

// Options configures new instances.
type Options struct {
	Cols           int
	Rows           int
	ScrollbackSize int
}

// DestroyHook runs after an instance is removed.
type DestroyHook func(sessionID string)

// Registry maps session ids to terminal instances.
type Registry struct {
	opts Options

	mu        sync.RWMutex
	instances map[string]*Instance
	hooks     []DestroyHook
}

// New creates an empty registry. Zero option values fall back to 80x24
// and the default scrollback size.
func New(opts Options) *Registry {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	return &Registry{
		opts:      opts,
		instances: make(map[string]*Instance),
	}
}

// GetOrCreate returns the instance for id, constructing it on first use.
func (r *Registry) GetOrCreate(id string) *Instance {
	r.mu.RLock()
	in, ok := r.instances[id]
	r.mu.RUnlock()
	if ok {
		return in
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.instances[id]; ok {
		return in
	}
	in = newInstance(id, r.opts.Rows, r.opts.Cols, r.opts.ScrollbackSize)
	r.instances[id] = in
	log.Printf("[registry] created instance %s (%dx%d)", id, r.opts.Cols, r.opts.Rows)
	return in
}

// Get returns the instance for id without creating it.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instances[id]
	return in, ok
}

// Has reports whether id has a live instance.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Mount attaches the instance's output to s. Calling it again with the
// same surface is a no-op; a different surface replaces the current one
// and receives the full buffer.
func (r *Registry) Mount(id string, s Surface) error {
	if s == nil {
		return errors.New("nil surface")
	}
	in, ok := r.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	return in.mount(s)
}

// Unmount detaches whatever surface is attached, keeping the instance and
// its scrollback.
func (r *Registry) Unmount(id string) error {
	in, ok := r.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	in.unmount(nil)
	return nil
}

// UnmountSurface detaches s only if it is still the mounted surface, so a
// stale display closing late cannot detach its replacement.
func (r *Registry) UnmountSurface(id string, s Surface) {
	if in, ok := r.Get(id); ok {
		in.unmount(s)
	}
}

// OnDestroy registers a hook run after every Destroy, outside the registry lock.
func (r *Registry) OnDestroy(h DestroyHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Destroy disposes the instance for id and runs destroy hooks. It reports
// whether an instance existed. Destroy is irreversible; a later GetOrCreate
// with the same id starts from an empty buffer.
func (r *Registry) Destroy(id string) bool {
	r.mu.Lock()
	in, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	hooks := make([]DestroyHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	if !ok {
		return false
	}
	in.destroy()
	for _, h := range hooks {
		h(id)
	}
	log.Printf("[registry] destroyed instance %s", id)
	return true
}

// DestroyAll disposes every instance. Used during shutdown.
func (r *Registry) DestroyAll() int {
	ids := r.IDs()
	for _, id := range ids {
		r.Destroy(id)
	}
	return len(ids)
}

// IDs returns the ids of all live instances, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
