package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsJob(t *testing.T) {
	s := New()
	var runs atomic.Int32
	if err := s.Every("tick", time.Second, func() { runs.Add(1) }); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 job, got %d", s.Len())
	}

	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
}

func TestEveryRejectsNonPositiveInterval(t *testing.T) {
	s := New()
	if err := s.Every("never", 0, func() {}); err == nil {
		t.Error("expected error for zero interval")
	}
	if s.Len() != 0 {
		t.Errorf("expected no jobs, got %d", s.Len())
	}
}

func TestPanickingJobIsRecovered(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Every("boom", time.Second, func() {
		runs.Add(1)
		panic("boom")
	})
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("expected the job to keep running after a panic, ran %d times", runs.Load())
	}
}
