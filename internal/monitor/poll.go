package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ProbeFunc takes one sample. It must return promptly once ctx is done.
type ProbeFunc func(ctx context.Context) (Snapshot, error)

// pollingFeed runs a probe on a fixed interval. A probe still running when
// the next tick fires is cancelled and its result discarded, so samples are
// never queued behind a slow probe.
type pollingFeed struct {
	out     chan Snapshot
	done    chan struct{}
	cleanup func()

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	err      error
	lastSent uint64
}

// startPolling probes immediately and then every interval until ctx is
// done, the feed is closed or the probe reports ErrFeedLost. cleanup runs
// once after the last probe has finished.
func startPolling(ctx context.Context, interval time.Duration, probe ProbeFunc, cleanup func()) *pollingFeed {
	f := &pollingFeed{
		out:     make(chan Snapshot, 1),
		done:    make(chan struct{}),
		cleanup: cleanup,
	}
	go f.loop(ctx, interval, probe)
	return f
}

func (f *pollingFeed) Snapshots() <-chan Snapshot { return f.out }

func (f *pollingFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *pollingFeed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *pollingFeed) fail(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
	f.Close()
}

func (f *pollingFeed) loop(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	defer func() {
		f.wg.Wait()
		if f.cleanup != nil {
			f.cleanup()
		}
		close(f.out)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		seq      uint64
		inflight context.CancelFunc
	)
	defer func() {
		if inflight != nil {
			inflight()
		}
	}()

	fire := func() {
		if inflight != nil {
			inflight()
		}
		seq++
		pctx, cancel := context.WithCancel(ctx)
		inflight = cancel
		f.wg.Add(1)
		go f.run(pctx, seq, probe)
	}

	fire()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			fire()
		}
	}
}

func (f *pollingFeed) run(ctx context.Context, seq uint64, probe ProbeFunc) {
	defer f.wg.Done()

	snap, err := probe(ctx)
	if ctx.Err() != nil {
		// Superseded by a newer probe or the feed is stopping.
		return
	}
	if err != nil {
		if errors.Is(err, ErrFeedLost) {
			f.fail(err)
			return
		}
		log.Printf("[monitor] probe failed: %v", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if seq <= f.lastSent {
		return
	}
	f.lastSent = seq
	select {
	case f.out <- snap:
	case <-f.done:
	case <-ctx.Done():
	}
}
