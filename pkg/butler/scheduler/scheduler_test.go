package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddValidatesJobs(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		job  *Job
	}{
		{"missing id", &Job{Schedule: "@hourly", Run: noop}},
		{"missing schedule", &Job{ID: "a", Run: noop}},
		{"missing run", &Job{ID: "a", Schedule: "@hourly"}},
		{"bad schedule", &Job{ID: "a", Schedule: "not a cron", Run: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.job); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if err := s.Add(&Job{ID: "prune", Schedule: "0 3 * * *", Run: noop}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(&Job{ID: "prune", Schedule: "@hourly", Run: noop}); err == nil {
		t.Fatal("expected duplicate id error")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if err := s.Remove("prune"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove("prune"); err == nil {
		t.Fatal("expected not found")
	}
}

func TestRunNowRecordsResult(t *testing.T) {
	s := New(nil)
	fail := true
	job := &Job{ID: "sweep", Schedule: "@every 1h", Run: func(context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow("sweep"); err != nil {
		t.Fatal(err)
	}
	if job.LastError != "boom" || job.RunCount != 1 || job.LastRunAt == nil {
		t.Errorf("after failure: %+v", job)
	}

	fail = false
	_ = s.RunNow("sweep")
	if job.LastError != "" || job.RunCount != 2 {
		t.Errorf("after success: %+v", job)
	}
}

func TestRunNowRecoversPanic(t *testing.T) {
	s := New(nil)
	job := &Job{ID: "p", Schedule: "@hourly", Run: func(context.Context) error { panic("bad") }}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	_ = s.RunNow("p")
	if job.LastError != "panic: bad" {
		t.Errorf("LastError = %q", job.LastError)
	}
	// The running guard must be released after a panic.
	_ = s.RunNow("p")
	if job.RunCount != 2 {
		t.Errorf("RunCount = %d, want 2", job.RunCount)
	}
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	job := &Job{ID: "slow", Schedule: "@hourly", Run: func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.RunNow("slow")
	}()
	<-started

	_ = s.RunNow("slow") // returns immediately: already running
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestJobTimeoutCancelsContext(t *testing.T) {
	s := New(nil)
	s.SetJobTimeout(20 * time.Millisecond)
	job := &Job{ID: "t", Schedule: "@hourly", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	_ = s.RunNow("t")
	if job.LastError != context.DeadlineExceeded.Error() {
		t.Errorf("LastError = %q", job.LastError)
	}
}

func TestStartStop(t *testing.T) {
	s := New(nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()
}
