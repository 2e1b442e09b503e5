// Package scheduler runs the periodic maintenance jobs of the engine:
// safety sweeps, variant proposals, log compaction and transfer seeding.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Scheduler manages all scheduled jobs
type Scheduler struct {
	jobs     map[string]*Job
	runners  map[string]*JobRunner
	executor Executor
	logger   *slog.Logger
	mu       sync.RWMutex
	stateMu  sync.RWMutex // guards Job.State across runners
	ctx      context.Context
	cancel   context.CancelFunc
}

// Config holds scheduler configuration
type Config struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Jobs    []*Job `json:"jobs" toml:"jobs"`
}

// DefaultConfig enables the standard jobs.
func DefaultConfig() Config {
	return Config{Enabled: true, Jobs: DefaultJobs()}
}

// Validate checks every job and rejects duplicate IDs.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Jobs))
	for _, j := range c.Jobs {
		if err := j.Validate(); err != nil {
			return fmt.Errorf("job %q: %w", j.ID, err)
		}
		if seen[j.ID] {
			return fmt.Errorf("duplicate job ID %q", j.ID)
		}
		seen[j.ID] = true
	}
	return nil
}

// NewScheduler creates a new scheduler
func NewScheduler(executor Executor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:     make(map[string]*Job),
		runners:  make(map[string]*JobRunner),
		executor: executor,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start initializes and starts all enabled jobs
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("starting scheduler", "jobs", len(s.jobs))

	for id, job := range s.jobs {
		if !job.Enabled {
			s.logger.Debug("skipping disabled job", "job", id)
			continue
		}
		s.startRunner(job)
	}

	s.logger.Info("scheduler started", "active_jobs", len(s.runners))
	return nil
}

// startRunner launches a runner for job. Caller holds mu.
func (s *Scheduler) startRunner(job *Job) {
	runner := NewJobRunner(job, s.executor, &s.stateMu, s.logger)
	s.runners[job.ID] = runner
	go runner.Start(s.ctx)
}

// Stop stops all job runners
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	if s.cancel != nil {
		s.cancel()
	}
	for id, runner := range s.runners {
		runner.Stop()
		s.logger.Debug("stopped job runner", "job", id)
	}
	s.runners = make(map[string]*JobRunner)
	s.ctx, s.cancel = nil, nil
	s.logger.Info("scheduler stopped")
}

// AddJob adds a new job to the scheduler
func (s *Scheduler) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}
	s.jobs[job.ID] = job

	if s.ctx != nil && job.Enabled {
		s.startRunner(job)
		s.logger.Info("job added and started", "job", job.ID)
	} else {
		s.logger.Info("job added", "job", job.ID, "enabled", job.Enabled)
	}
	return nil
}

// RemoveJob removes a job from the scheduler
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if runner, exists := s.runners[id]; exists {
		runner.Stop()
		delete(s.runners, id)
	}
	delete(s.jobs, id)
	s.logger.Info("job removed", "job", id)
	return nil
}

// GetJob retrieves a copy of a job by ID
func (s *Scheduler) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return job.Clone(), nil
}

// ListJobs returns copies of all jobs ordered by ID
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// RunJobNow triggers a job immediately, bypassing its schedule, and
// returns the job's error.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	runner := NewJobRunner(job, s.executor, &s.stateMu, s.logger)
	return runner.executeJob(ctx)
}

// LoadJobs loads jobs from configuration. Invalid jobs are skipped.
func (s *Scheduler) LoadJobs(jobs []*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			s.logger.Warn("invalid job in config, skipping",
				"job", job.ID,
				"error", err)
			continue
		}
		s.jobs[job.ID] = job
		s.logger.Debug("loaded job from config", "job", job.ID)
	}

	s.logger.Info("jobs loaded", "count", len(s.jobs))
	return nil
}

// Stats summarises the scheduler.
type Stats struct {
	TotalJobs   int   `json:"total_jobs"`
	ActiveJobs  int   `json:"active_jobs"`
	RunningJobs int   `json:"running_jobs"`
	TotalRuns   int64 `json:"total_runs"`
	TotalErrors int64 `json:"total_errors"`
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	st := Stats{TotalJobs: len(s.jobs), RunningJobs: len(s.runners)}
	for _, job := range s.jobs {
		st.TotalRuns += job.State.RunCount
		st.TotalErrors += job.State.ErrorCount
		if job.Enabled {
			st.ActiveJobs++
		}
	}
	return st
}
