package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestPollingFeedDeliversSamples(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) (Snapshot, error) {
		n := calls.Add(1)
		return Snapshot{LatencyMS: float64(n)}, nil
	}

	cleaned := make(chan struct{})
	f := startPolling(context.Background(), 10*time.Millisecond, probe, func() { close(cleaned) })

	var last float64
	for i := 0; i < 3; i++ {
		select {
		case s := <-f.Snapshots():
			if s.LatencyMS <= last {
				t.Fatalf("samples out of order: %v after %v", s.LatencyMS, last)
			}
			last = s.LatencyMS
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for sample")
		}
	}

	f.Close()
	for range f.Snapshots() {
	}
	select {
	case <-cleaned:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run")
	}
	if f.Err() != nil {
		t.Errorf("expected nil Err after local close, got %v", f.Err())
	}
}

func TestPollingFeedSupersedesSlowProbe(t *testing.T) {
	var (
		calls     atomic.Int32
		cancelled atomic.Int32
	)
	// The first probe never finishes on its own; later probes are instant.
	probe := func(ctx context.Context) (Snapshot, error) {
		n := calls.Add(1)
		if n == 1 {
			<-ctx.Done()
			cancelled.Add(1)
			return Snapshot{LatencyMS: -1}, ctx.Err()
		}
		return Snapshot{LatencyMS: float64(n)}, nil
	}

	f := startPolling(context.Background(), 20*time.Millisecond, probe, nil)
	defer f.Close()

	select {
	case s := <-f.Snapshots():
		if s.LatencyMS < 2 {
			t.Errorf("expected a sample from a later probe, got %v", s.LatencyMS)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: slow probe blocked later ones")
	}
	deadline := time.Now().Add(time.Second)
	for cancelled.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cancelled.Load() != 1 {
		t.Errorf("expected the slow probe to be cancelled, got %d", cancelled.Load())
	}
}

func TestPollingFeedSkipsTransientErrors(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) (Snapshot, error) {
		if calls.Add(1) == 1 {
			return Snapshot{}, errors.New("parse error")
		}
		return Snapshot{LatencyMS: 5}, nil
	}

	f := startPolling(context.Background(), 10*time.Millisecond, probe, nil)
	defer f.Close()

	select {
	case s := <-f.Snapshots():
		if s.LatencyMS != 5 {
			t.Errorf("unexpected sample %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sample after transient error")
	}
}

func TestPollingFeedStopsOnLostTransport(t *testing.T) {
	probe := func(ctx context.Context) (Snapshot, error) {
		return Snapshot{}, fmt.Errorf("%w: session refused", ErrFeedLost)
	}

	f := startPolling(context.Background(), 10*time.Millisecond, probe, nil)

	select {
	case _, ok := <-f.Snapshots():
		if ok {
			t.Fatal("expected no samples")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
	if !errors.Is(f.Err(), ErrFeedLost) {
		t.Errorf("expected ErrFeedLost, got %v", f.Err())
	}
}

func TestPollingFeedStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	probe := func(ctx context.Context) (Snapshot, error) {
		return Snapshot{}, nil
	}
	f := startPolling(ctx, time.Hour, probe, nil)
	<-f.Snapshots()
	cancel()

	select {
	case _, ok := <-f.Snapshots():
		if ok {
			t.Fatal("unexpected sample after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop on context cancel")
	}
}
