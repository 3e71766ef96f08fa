package termregistry

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/vito/midterm"
)

// Surface is a display target for a session's output, typically a browser
// WebSocket. Surfaces are compared by identity, so implementations must be
// comparable (pointer types).
type Surface interface {
	Write(p []byte) (int, error)
}

// ErrDestroyed is returned by writes to an instance after Destroy.
var ErrDestroyed = errors.New("terminal instance destroyed")

// surfaceQueueSize is how many output chunks may wait for a slow surface
// before it is detached.
const surfaceQueueSize = 256

// surfaceWriter delivers queued output to one mounted surface on its own
// goroutine, so a slow display never blocks the emulator.
type surfaceWriter struct {
	surface Surface
	queue   chan []byte
}

// Instance is the long-lived terminal state of one session: the emulator
// screen plus the raw output history. It outlives any number of
// mount/unmount cycles and is released only by Registry.Destroy.
//
// All writes are serialised on mu, so output reaches the emulator, the
// scrollback and the mounted surface's queue in exactly the order it was
// written.
type Instance struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	term       *midterm.Terminal
	cols, rows int
	scrollback *ScrollbackBuffer
	writer     *surfaceWriter
	destroyed  bool
}

func newInstance(id string, rows, cols, scrollback int) *Instance {
	return &Instance{
		ID:         id,
		CreatedAt:  time.Now(),
		term:       midterm.NewTerminal(rows, cols),
		cols:       cols,
		rows:       rows,
		scrollback: NewScrollbackBuffer(scrollback),
	}
}

// Write feeds output into the emulator and queues it for the mounted
// surface, if any. A surface that fails a write or falls too far behind is
// detached.
func (in *Instance) Write(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.destroyed {
		return 0, ErrDestroyed
	}
	if len(p) == 0 {
		return 0, nil
	}

	in.term.Write(p)
	in.scrollback.Write(p)

	if in.writer != nil {
		select {
		case in.writer.queue <- append([]byte(nil), p...):
		default:
			log.Printf("[registry] session %s: surface too slow, unmounting", in.ID)
			in.detachLocked()
		}
	}
	return len(p), nil
}

// detachLocked closes the current writer's queue. The writer drains what
// was already queued and exits. Callers must hold in.mu.
func (in *Instance) detachLocked() {
	if in.writer == nil {
		return
	}
	close(in.writer.queue)
	in.writer = nil
}

func (in *Instance) runWriter(w *surfaceWriter) {
	for p := range w.queue {
		if _, err := w.surface.Write(p); err != nil {
			in.mu.Lock()
			if in.writer == w {
				log.Printf("[registry] session %s: surface write failed, unmounting: %v", in.ID, err)
				in.detachLocked()
			}
			in.mu.Unlock()
			for range w.queue {
			}
			return
		}
	}
}

// mount attaches s. Re-mounting the current surface is a no-op; a new
// surface first receives the full scrollback so it renders the complete
// buffer, not just output produced from now on.
func (in *Instance) mount(s Surface) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.destroyed {
		return ErrDestroyed
	}
	if in.writer != nil && in.writer.surface == s {
		return nil
	}

	in.detachLocked()
	w := &surfaceWriter{surface: s, queue: make(chan []byte, surfaceQueueSize)}
	if history := in.scrollback.Snapshot(); len(history) > 0 {
		w.queue <- history
	}
	in.writer = w
	go in.runWriter(w)
	return nil
}

// unmount detaches the surface. When only is non-nil, the surface is
// detached only if it is still the mounted one.
func (in *Instance) unmount(only Surface) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.writer == nil || (only != nil && in.writer.surface != only) {
		return
	}
	in.detachLocked()
}

func (in *Instance) destroy() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.destroyed = true
	in.detachLocked()
	in.scrollback.Close()
}

// Mounted reports whether a surface is attached.
func (in *Instance) Mounted() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.writer != nil
}

// Destroyed reports whether the instance has been released.
func (in *Instance) Destroyed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.destroyed
}

// Scrollback returns a copy of the retained raw output.
func (in *Instance) Scrollback() []byte {
	return in.scrollback.Snapshot()
}

// Resize changes the emulator dimensions. midterm's in-place Resize lets
// the row count drift (growing overshoots, shrinking leaves the cursor
// below the screen), so the screen is rebuilt at the new size and the
// retained output is replayed into it.
func (in *Instance) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.destroyed || (cols == in.cols && rows == in.rows) {
		return
	}
	term := midterm.NewTerminal(rows, cols)
	if history := in.scrollback.Snapshot(); len(history) > 0 {
		term.Write(history)
	}
	in.term = term
	in.cols, in.rows = cols, rows
}

// Dimensions returns the size last set on the emulator.
func (in *Instance) Dimensions() (cols, rows int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cols, in.rows
}

// Screen renders the current emulator screen, used for session previews.
func (in *Instance) Screen() (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.destroyed {
		return "", ErrDestroyed
	}
	var b strings.Builder
	if in.term.Height <= 0 || in.term.Width <= 0 {
		return "", nil
	}
	if err := in.term.Render(&b); err != nil {
		return "", fmt.Errorf("render screen: %w", err)
	}
	return b.String(), nil
}
