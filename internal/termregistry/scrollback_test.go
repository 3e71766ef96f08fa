package termregistry

import (
	"bytes"
	"sync"
	"testing"
)

func TestScrollbackBuffer_Write(t *testing.T) {
	sb := NewScrollbackBuffer(100)
	sb.Write([]byte("hello "))
	sb.Write([]byte("world"))

	if got := string(sb.Snapshot()); got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
	if sb.Len() != 11 {
		t.Errorf("expected len 11, got %d", sb.Len())
	}
}

func TestScrollbackBuffer_Trim(t *testing.T) {
	sb := NewScrollbackBuffer(10)
	sb.Write([]byte("0123456789"))
	sb.Write([]byte("abcde"))

	if got := string(sb.Snapshot()); got != "56789abcde" {
		t.Errorf("expected trimmed %q, got %q", "56789abcde", got)
	}
	if sb.Written() != 15 {
		t.Errorf("expected 15 bytes written, got %d", sb.Written())
	}
}

func TestScrollbackBuffer_DefaultSize(t *testing.T) {
	sb := NewScrollbackBuffer(0)
	if sb.maxLen != defaultScrollbackSize {
		t.Errorf("expected default size %d, got %d", defaultScrollbackSize, sb.maxLen)
	}
}

func TestScrollbackBuffer_SnapshotIsCopy(t *testing.T) {
	sb := NewScrollbackBuffer(100)
	sb.Write([]byte("abc"))
	snap := sb.Snapshot()
	snap[0] = 'X'
	if got := string(sb.Snapshot()); got != "abc" {
		t.Errorf("snapshot mutation leaked into buffer: %q", got)
	}
}

func TestScrollbackBuffer_Close(t *testing.T) {
	sb := NewScrollbackBuffer(100)
	sb.Write([]byte("abc"))
	sb.Close()

	if !sb.IsClosed() {
		t.Error("expected buffer closed")
	}
	sb.Write([]byte("more"))
	if sb.Len() != 0 {
		t.Errorf("expected closed buffer to be empty, got %d bytes", sb.Len())
	}
}

func TestScrollbackBuffer_ConcurrentWrites(t *testing.T) {
	sb := NewScrollbackBuffer(1 << 20)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sb.Write([]byte("x"))
			}
		}()
	}
	wg.Wait()

	if !bytes.Equal(sb.Snapshot(), bytes.Repeat([]byte("x"), 1000)) {
		t.Errorf("expected 1000 bytes, got %d", sb.Len())
	}
}
