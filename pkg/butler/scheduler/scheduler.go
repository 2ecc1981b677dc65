// Package scheduler runs the butler's periodic maintenance jobs (audit
// pruning, limiter sweeps) on cron schedules using robfig/cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work a job performs on each firing.
type JobFunc func(ctx context.Context) error

// Job is a registered maintenance job.
type Job struct {
	// ID is the unique job identifier.
	ID string

	// Schedule is a five-field cron expression or a descriptor such as
	// "@hourly" or "@every 5m".
	Schedule string

	// Run performs the work.
	Run JobFunc

	LastRunAt *time.Time
	LastError string
	RunCount  int
}

// Scheduler fires jobs on their schedules. A job that is still running when
// its next firing comes due is skipped for that firing.
type Scheduler struct {
	jobs        map[string]*Job
	cron        *cron.Cron
	cronIDs     map[string]cron.EntryID
	runningJobs map[string]bool

	// jobTimeout bounds a single execution.
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:        make(map[string]*Job),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		jobTimeout:  5 * time.Minute,
		logger:      logger.With("component", "scheduler"),
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
	}
}

// SetJobTimeout changes the per-execution timeout.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	s.mu.Lock()
	s.jobTimeout = d
	s.mu.Unlock()
}

// Add registers a job. The schedule is validated immediately.
func (s *Scheduler) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	if job.Schedule == "" {
		return fmt.Errorf("job schedule is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() { s.executeJob(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	s.cronIDs[job.ID] = entryID
	s.jobs[job.ID] = job

	s.logger.Info("job added", "id", job.ID, "schedule", job.Schedule)
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return fmt.Errorf("job %q not found", jobID)
	}
	if entryID, ok := s.cronIDs[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, jobID)
	}
	delete(s.jobs, jobID)
	s.logger.Info("job removed", "id", jobID)
	return nil
}

// Get returns a job by ID.
func (s *Scheduler) Get(jobID string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Start begins firing jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.Len())
	return nil
}

// Stop halts firing and waits up to ten seconds for running jobs.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job synchronously, honoring the running guard.
func (s *Scheduler) RunNow(jobID string) error {
	job, ok := s.Get(jobID)
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	s.executeJob(job)
	return nil
}

func (s *Scheduler) executeJob(job *Job) {
	s.mu.Lock()
	if s.runningJobs[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", job.ID)
		return
	}
	s.runningJobs[job.ID] = true
	now := time.Now()
	job.LastRunAt = &now
	job.RunCount++
	parent := s.ctx
	timeout := s.jobTimeout
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.runningJobs, job.ID)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.mu.Lock()
			job.LastError = fmt.Sprintf("panic: %v", r)
			s.mu.Unlock()
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
		}
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := job.Run(ctx)

	s.mu.Lock()
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "id", job.ID, "error", err,
			"duration_ms", time.Since(now).Milliseconds())
		return
	}
	s.logger.Debug("scheduled job done", "id", job.ID,
		"duration_ms", time.Since(now).Milliseconds())
}
