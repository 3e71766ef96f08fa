package termregistry

import (
	"sync"
)

// defaultScrollbackSize is the default maximum scrollback buffer size (1 MB).
const defaultScrollbackSize = 1024 * 1024

// ScrollbackBuffer is a thread-safe byte buffer holding the raw output stream
// of a session so a newly mounted surface can be brought up to date. When
// the buffer exceeds maxLen, older data is trimmed from the front.
type ScrollbackBuffer struct {
	mu      sync.Mutex
	data    []byte
	maxLen  int
	written int64
	closed  bool
}

// NewScrollbackBuffer creates a new scrollback buffer with the given maximum size.
// If maxLen <= 0, defaultScrollbackSize is used.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends data, trimming from the front if the total exceeds maxLen.
// Writes after Close are dropped.
func (s *ScrollbackBuffer) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.data = append(s.data, p...)
	s.written += int64(len(p))
	if len(s.data) > s.maxLen {
		// Copy so the trimmed prefix can be collected.
		trimmed := make([]byte, s.maxLen)
		copy(trimmed, s.data[len(s.data)-s.maxLen:])
		s.data = trimmed
	}
}

// Close releases the buffer contents and rejects further writes.
func (s *ScrollbackBuffer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
}

// Snapshot returns a copy of the current buffer contents.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Len returns the current buffer length.
func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Written returns the total number of bytes ever written, including trimmed data.
func (s *ScrollbackBuffer) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// IsClosed returns whether the buffer has been closed.
func (s *ScrollbackBuffer) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
