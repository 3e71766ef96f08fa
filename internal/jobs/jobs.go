// Package jobs runs the service's periodic background work on a cron
// scheduler, independent of any connected client.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron instance. A panicking job is recovered and logged
// without stopping later runs.
type Scheduler struct {
	c *cron.Cron
}

func New() *Scheduler {
	logger := cron.PrintfLogger(log.New(log.Writer(), "[jobs] ", log.Flags()))
	return &Scheduler{
		// Recover must run inside SkipIfStillRunning so a panic still
		// releases the running slot.
		c: cron.New(cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger))),
	}
}

// Every schedules fn to run once per interval. Intervals below one second
// are rounded up to one second.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	_, err := s.c.AddFunc("@every "+interval.String(), fn)
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	log.Printf("[jobs] scheduled %s every %s", name, interval)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.c.Entries())
}

func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Printf("[jobs] stop timed out with jobs still running")
	}
}
