package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/evovariant/internal/types"
	"github.com/clawinfra/evovariant/internal/wal"
)

// Executor is the set of core operations jobs can trigger.
type Executor interface {
	SafetySweep(ctx context.Context) ([]types.SafetyDecision, error)
	ProposeVariants(ctx context.Context, minSamples uint64) ([]types.VariantProposal, error)
	Compact() (wal.Snapshot, error)
	SeedTransfer(ctx context.Context) (int, error)
}

// JobRunner executes a single job on schedule
type JobRunner struct {
	job      *Job
	stateMu  *sync.RWMutex
	logger   *slog.Logger
	executor Executor
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJobRunner creates a new job runner. stateMu guards job.State and may
// be shared with readers of the job; nil allocates a private one.
func NewJobRunner(job *Job, executor Executor, stateMu *sync.RWMutex, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	if stateMu == nil {
		stateMu = &sync.RWMutex{}
	}
	return &JobRunner{
		job:      job,
		stateMu:  stateMu,
		executor: executor,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins executing the job on schedule. It blocks until the runner
// is stopped or ctx is cancelled.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.setNextRun(nextRun)
	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	tick := time.Minute // cron and at schedules are checked once a minute
	if r.job.Schedule.Kind == ScheduleInterval {
		tick = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-ticker.C:
			if r.job.Schedule.Kind != ScheduleInterval && now.Before(r.nextRun()) {
				continue
			}
			r.executeJob(ctx)

			next, err := r.job.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
				continue
			}
			r.setNextRun(next)
			r.logger.Debug("next run scheduled", "next_run", next.Format(time.RFC3339))
		}
	}
}

// Stop stops the job runner and waits for it to exit. Safe to call twice.
func (r *JobRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *JobRunner) nextRun() time.Time {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.job.State.NextRunAt
}

func (r *JobRunner) setNextRun(t time.Time) {
	r.stateMu.Lock()
	r.job.State.NextRunAt = t
	r.stateMu.Unlock()
}

// executeJob runs the job once and records the result in its state.
func (r *JobRunner) executeJob(ctx context.Context) error {
	start := time.Now()
	r.logger.Debug("executing job", "action", r.job.Action.Kind)

	result, err := r.run(ctx)
	duration := time.Since(start)

	r.stateMu.Lock()
	st := &r.job.State
	st.LastRunAt = time.Now()
	st.LastDuration = duration
	st.RunCount++
	if err != nil {
		st.ErrorCount++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
		st.LastResult = result
	}
	runs, errs := st.RunCount, st.ErrorCount
	r.stateMu.Unlock()

	if err != nil {
		r.logger.Error("job failed",
			"error", err,
			"duration", duration,
			"run_count", runs,
			"error_count", errs)
		return err
	}
	r.logger.Info("job completed",
		"result", result,
		"duration", duration,
		"run_count", runs)
	return nil
}

func (r *JobRunner) run(ctx context.Context) (string, error) {
	if r.executor == nil {
		return "", fmt.Errorf("executor not set (cannot run %s)", r.job.Action.Kind)
	}
	switch r.job.Action.Kind {
	case ActionSafetySweep:
		return r.safetySweep(ctx)
	case ActionPropose:
		proposals, err := r.executor.ProposeVariants(ctx, r.job.Action.MinSamples)
		if err != nil {
			return "", fmt.Errorf("propose: %w", err)
		}
		return fmt.Sprintf("%d new proposals", len(proposals)), nil
	case ActionCompact:
		snap, err := r.executor.Compact()
		if err != nil {
			return "", fmt.Errorf("compact: %w", err)
		}
		return fmt.Sprintf("snapshot through segment %d", snap.Segment), nil
	case ActionTransferSeed:
		n, err := r.executor.SeedTransfer(ctx)
		if err != nil {
			return "", fmt.Errorf("transfer seed: %w", err)
		}
		return fmt.Sprintf("%d keys seeded", n), nil
	default:
		return "", fmt.Errorf("unknown action kind: %s", r.job.Action.Kind)
	}
}

func (r *JobRunner) safetySweep(ctx context.Context) (string, error) {
	decisions, err := r.executor.SafetySweep(ctx)
	if err != nil {
		return "", fmt.Errorf("safety sweep: %w", err)
	}
	counts := make(map[types.Decision]int)
	degraded := 0
	for _, d := range decisions {
		counts[d.Decision]++
		if d.Degraded {
			degraded++
			r.logger.Warn("degraded key", "key", d.Key.String(), "decision", d.Decision, "reasoning", d.Reasoning)
		}
	}
	return fmt.Sprintf("%d keys: %d auto_apply, %d human_approval, %d no_action, %d degraded",
		len(decisions),
		counts[types.DecisionAutoApply],
		counts[types.DecisionHumanApproval],
		counts[types.DecisionNoAction],
		degraded), nil
}
