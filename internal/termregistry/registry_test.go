package termregistry

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingSurface captures everything written to it.
type recordingSurface struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	fail bool
}

func (s *recordingSurface) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("surface gone")
	}
	return s.buf.Write(p)
}

// blockingSurface stalls every write until release is closed.
type blockingSurface struct {
	release chan struct{}
}

func (s *blockingSurface) Write(p []byte) (int, error) {
	<-s.release
	return len(p), nil
}

func (s *recordingSurface) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// waitOutput waits until s has received exactly want.
func waitOutput(t *testing.T, s *recordingSurface, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.String() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected surface output %q, got %q", want, s.String())
}

func waitUnmounted(t *testing.T, in *Instance) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !in.Mounted() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected surface to be unmounted")
}

func newTestRegistry() *Registry {
	return New(Options{Cols: 80, Rows: 24, ScrollbackSize: 4096})
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	reg := newTestRegistry()

	a := reg.GetOrCreate("s1")
	b := reg.GetOrCreate("s1")
	if a != b {
		t.Fatal("expected the same instance on repeated GetOrCreate")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 instance, got %d", reg.Len())
	}
}

func TestMountUnmountMountPreservesScrollback(t *testing.T) {
	reg := newTestRegistry()
	in := reg.GetOrCreate("s1")

	first := &recordingSurface{}
	if err := reg.Mount("s1", first); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	in.Write([]byte("$ ls\r\n"))
	in.Write([]byte("README.md  main.go\r\n"))

	if err := reg.Unmount("s1"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if in.Mounted() {
		t.Error("expected instance to be unmounted")
	}

	// Output produced while hidden must not be lost
	in.Write([]byte("background output\r\n"))

	second := &recordingSurface{}
	if err := reg.Mount("s1", second); err != nil {
		t.Fatalf("re-Mount: %v", err)
	}

	want := "$ ls\r\nREADME.md  main.go\r\nbackground output\r\n"
	waitOutput(t, second, want)
	if !bytes.Equal(in.Scrollback(), []byte(want)) {
		t.Errorf("scrollback changed across mount cycle: %q", in.Scrollback())
	}
	waitOutput(t, first, "$ ls\r\nREADME.md  main.go\r\n")
}

func TestMountSameSurfaceIsNoop(t *testing.T) {
	reg := newTestRegistry()
	in := reg.GetOrCreate("s1")
	in.Write([]byte("hello"))

	s := &recordingSurface{}
	reg.Mount("s1", s)
	reg.Mount("s1", s)
	reg.Mount("s1", s)

	waitOutput(t, s, "hello")
	time.Sleep(20 * time.Millisecond)
	if got := s.String(); got != "hello" {
		t.Errorf("expected a single replay, got %q", got)
	}
}

func TestMountDifferentSurfaceReplaysFullBuffer(t *testing.T) {
	reg := newTestRegistry()
	in := reg.GetOrCreate("s1")

	a := &recordingSurface{}
	reg.Mount("s1", a)
	in.Write([]byte("one "))
	in.Write([]byte("two"))

	b := &recordingSurface{}
	if err := reg.Mount("s1", b); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	in.Write([]byte(" three"))

	waitOutput(t, b, "one two three")
	waitOutput(t, a, "one two")
}

func TestMountUnknownSession(t *testing.T) {
	reg := newTestRegistry()
	if err := reg.Mount("nope", &recordingSurface{}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
	if err := reg.Unmount("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession from Unmount, got %v", err)
	}
}

func TestUnmountSurfaceIgnoresStaleSurface(t *testing.T) {
	reg := newTestRegistry()
	reg.GetOrCreate("s1")

	old := &recordingSurface{}
	current := &recordingSurface{}
	reg.Mount("s1", old)
	reg.Mount("s1", current)

	reg.UnmountSurface("s1", old)
	in, _ := reg.Get("s1")
	if !in.Mounted() {
		t.Error("stale unmount detached the current surface")
	}

	reg.UnmountSurface("s1", current)
	if in.Mounted() {
		t.Error("expected current surface to be detached")
	}
}

func TestFailingSurfaceIsDetached(t *testing.T) {
	reg := newTestRegistry()
	in := reg.GetOrCreate("s1")

	s := &recordingSurface{}
	reg.Mount("s1", s)
	s.mu.Lock()
	s.fail = true
	s.mu.Unlock()

	if _, err := in.Write([]byte("data")); err != nil {
		t.Fatalf("instance write should succeed even if surface fails: %v", err)
	}
	waitUnmounted(t, in)
	if string(in.Scrollback()) != "data" {
		t.Errorf("expected data retained in scrollback, got %q", in.Scrollback())
	}
}

func TestDestroyRemovesInstanceAndRunsHooks(t *testing.T) {
	reg := newTestRegistry()
	in := reg.GetOrCreate("s1")
	in.Write([]byte("secret"))

	var destroyed []string
	reg.OnDestroy(func(id string) { destroyed = append(destroyed, id) })

	if !reg.Destroy("s1") {
		t.Fatal("expected Destroy to report an existing instance")
	}
	if reg.Has("s1") {
		t.Error("expected no registry entry after Destroy")
	}
	if !in.Destroyed() {
		t.Error("expected instance marked destroyed")
	}
	if _, err := in.Write([]byte("x")); !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}
	if len(destroyed) != 1 || destroyed[0] != "s1" {
		t.Errorf("expected hook called once for s1, got %v", destroyed)
	}

	if reg.Destroy("s1") {
		t.Error("second Destroy should report nothing removed")
	}
	if len(destroyed) != 1 {
		t.Errorf("hook should not run for missing ids, got %v", destroyed)
	}

	fresh := reg.GetOrCreate("s1")
	if fresh == in || len(fresh.Scrollback()) != 0 {
		t.Error("expected a fresh instance after destroy")
	}
}

func TestWritesAreOrdered(t *testing.T) {
	reg := newTestRegistry()
	in := reg.GetOrCreate("s1")
	s := &recordingSurface{}
	reg.Mount("s1", s)

	var want strings.Builder
	for i := 0; i < 200; i++ {
		chunk := []byte{byte('a' + i%26)}
		in.Write(chunk)
		want.Write(chunk)
	}
	waitOutput(t, s, want.String())
}

func TestIDsAndDestroyAll(t *testing.T) {
	reg := newTestRegistry()
	reg.GetOrCreate("b")
	reg.GetOrCreate("a")

	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("expected sorted ids [a b], got %v", ids)
	}
	if n := reg.DestroyAll(); n != 2 {
		t.Errorf("expected 2 destroyed, got %d", n)
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestScreenRendersEmulatorState(t *testing.T) {
	reg := newTestRegistry()
	in := reg.GetOrCreate("s1")
	in.Write([]byte("hello emulator"))

	screen, err := in.Screen()
	if err != nil {
		t.Fatalf("Screen: %v", err)
	}
	if !strings.Contains(screen, "hello emulator") {
		t.Errorf("expected rendered screen to contain output, got %q", screen)
	}

	in.Resize(120, 40)
	cols, rows := in.Dimensions()
	if cols != 120 || rows != 40 {
		t.Errorf("expected 120x40 after resize, got %dx%d", cols, rows)
	}
	if h := in.term.Height; h != 40 {
		t.Errorf("expected emulator height 40 after growing, got %d", h)
	}
	screen, err = in.Screen()
	if err != nil {
		t.Fatalf("Screen after resize: %v", err)
	}
	if !strings.Contains(screen, "hello emulator") {
		t.Errorf("expected output to survive resize, got %q", screen)
	}

	in.Resize(40, 10)
	if cols, rows := in.Dimensions(); cols != 40 || rows != 10 {
		t.Errorf("expected 40x10 after shrinking, got %dx%d", cols, rows)
	}
	if in.term.Height != 10 || in.term.Width != 40 {
		t.Errorf("emulator is %dx%d, want 40x10", in.term.Width, in.term.Height)
	}
}

func TestSlowSurfaceDoesNotBlockWrites(t *testing.T) {
	reg := newTestRegistry()
	in := reg.GetOrCreate("s1")

	release := make(chan struct{})
	s := &blockingSurface{release: release}
	reg.Mount("s1", s)

	done := make(chan struct{})
	go func() {
		for i := 0; i < surfaceQueueSize+10; i++ {
			in.Write([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writes blocked on a stalled surface")
	}
	if in.Mounted() {
		t.Error("expected the stalled surface to be detached once its queue filled")
	}
	close(release)
	if got := len(in.Scrollback()); got != surfaceQueueSize+10 {
		t.Errorf("expected all output retained, got %d bytes", got)
	}
}
