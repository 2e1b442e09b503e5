// Package engine is the continual-learning core: it classifies requests,
// selects a variant through the active policy, turns outcomes into rewards,
// persists them, and applies the safety and rollback rules.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawinfra/evovariant/internal/classifier"
	"github.com/clawinfra/evovariant/internal/policy"
	"github.com/clawinfra/evovariant/internal/reward"
	"github.com/clawinfra/evovariant/internal/rsi"
	"github.com/clawinfra/evovariant/internal/safety"
	"github.com/clawinfra/evovariant/internal/telemetry"
	"github.com/clawinfra/evovariant/internal/transfer"
	"github.com/clawinfra/evovariant/internal/types"
	"github.com/clawinfra/evovariant/internal/variants"
	"github.com/clawinfra/evovariant/internal/wal"
)

// ErrNoData is returned by Execute when the attempt was cancelled or timed
// out. No reward is recorded for it.
var ErrNoData = errors.New("no outcome data")

// Config groups the tunables of the engine's components.
type Config struct {
	Policy   policy.Config
	Reward   reward.Config
	Safety   safety.Config
	Proposer rsi.Config
	Transfer transfer.Config
	// AuditDir holds the rollback audit log.
	AuditDir string
	// CompactEvery triggers a background compaction after that many
	// appends. Zero disables it.
	CompactEvery int
}

// Deps are the collaborators the engine does not own.
type Deps struct {
	Classifier *classifier.Classifier
	Variants   *variants.Repository
	Log        *wal.Log
	// Sink receives telemetry. Nil means log-only telemetry.
	Sink telemetry.Sink
}

type pairKey struct {
	agent    string
	taskType string
}

// promotion is the active variant of a pair and when it was promoted.
type promotion struct {
	variant string
	at      time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	classifier *classifier.Classifier
	repo       *variants.Repository
	calc       *reward.Calculator
	policy     policy.Policy
	log        *wal.Log
	monitor    *safety.Monitor
	rollback   *safety.RollbackManager
	proposer   *rsi.Proposer
	planner    *transfer.Planner
	sink       telemetry.Sink

	activeMu sync.RWMutex
	active   map[pairKey]promotion

	compacting atomic.Bool
	bg         sync.WaitGroup
}

// New wires the engine. It does not read persisted state; call Recover.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Classifier == nil || deps.Variants == nil || deps.Log == nil {
		return nil, fmt.Errorf("engine: classifier, variants and log are required")
	}
	if err := cfg.Safety.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Transfer.Validate(); err != nil {
		return nil, err
	}

	calc, err := reward.NewCalculator(cfg.Reward)
	if err != nil {
		return nil, err
	}
	lo, hi := calc.Bounds()
	pol, err := policy.New(cfg.Policy, policy.Bounds{Min: lo, Max: hi})
	if err != nil {
		return nil, err
	}

	auditDir := cfg.AuditDir
	if auditDir == "" {
		auditDir = deps.Log.Dir()
	}
	rb, err := safety.NewRollbackManager(cfg.Safety, auditDir, logger)
	if err != nil {
		return nil, err
	}
	proposer, err := rsi.NewProposer(cfg.Proposer, pol, deps.Variants, logger)
	if err != nil {
		return nil, err
	}

	sink := deps.Sink
	if sink == nil {
		sink = telemetry.NewLogSink(logger)
	}

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		classifier: deps.Classifier,
		repo:       deps.Variants,
		calc:       calc,
		policy:     pol,
		log:        deps.Log,
		monitor:    safety.NewMonitor(cfg.Safety),
		rollback:   rb,
		proposer:   proposer,
		planner:    transfer.NewPlanner(cfg.Transfer, deps.Classifier, deps.Variants, logger),
		sink:       sink,
		active:     make(map[pairKey]promotion),
	}, nil
}

// Recover rebuilds the policy from the snapshot and log tail, then the
// safety state: degradation windows, promotions and rollback pins. Windows
// and promotions stored with the snapshot are restored first; the tail is
// then run through the same checks the record path applies.
func (e *Engine) Recover(ctx context.Context) error {
	rec, err := e.log.Recover(e.policy.Name())
	if err != nil {
		return fmt.Errorf("engine: recover: %w", err)
	}
	if rec.State != nil {
		if err := e.policy.Restore(*rec.State); err != nil {
			return fmt.Errorf("engine: restore snapshot: %w", err)
		}
		if err := e.restoreState(rec.Aux); err != nil {
			e.logger.Warn("safety state not restored from snapshot", "error", err)
		}
	}

	entries := make([]types.QEntry, len(rec.Samples))
	var seeds, rewards int
	for i, s := range rec.Samples {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		switch s.Kind {
		case types.SampleSeed:
			e.policy.Seed(s.Key, s.Reward)
			seeds++
		default:
			entries[i] = e.policy.Update(s)
			rewards++
		}
	}

	det := e.monitor.Detector()
	promoted := 0
	for _, i := range replayOrder(rec.Samples) {
		s := rec.Samples[i]
		if s.Kind == types.SampleSeed || s.Outcome == nil || s.Seq <= det.LastSeq(s.Key) {
			continue
		}
		det.Observe(s.Key, observation(*s.Outcome, s.Reward, s.Seq))
		if e.monitor.Evaluate(s.Key, entries[i], true).Decision == types.DecisionAutoApply && e.promote(s.Key, s.Timestamp) {
			promoted++
		}
	}

	if err := e.rollback.RestorePins(); err != nil {
		e.logger.Warn("rollback pins not restored", "error", err)
	}
	if err := e.dropRolledBack(); err != nil {
		e.logger.Warn("rolled back promotions not cleared", "error", err)
	}

	e.logger.Info("engine recovered",
		"policy", e.policy.Name(),
		"snapshot", rec.State != nil,
		"full_replay", rec.FullReplay,
		"rewards", rewards,
		"seeds", seeds,
		"promotions", promoted,
		"malformed", rec.Malformed,
		"entries", len(e.policy.Entries()),
	)
	return nil
}

// Close waits for background work and flushes the log.
func (e *Engine) Close() error {
	e.bg.Wait()
	var errs []error
	if err := e.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy returns the active selection policy.
func (e *Engine) Policy() policy.Policy { return e.policy }

// Variants returns the variant repository.
func (e *Engine) Variants() *variants.Repository { return e.repo }

// Classifier returns the task classifier.
func (e *Engine) Classifier() *classifier.Classifier { return e.classifier }

// Rollbacks returns the rollback manager.
func (e *Engine) Rollbacks() *safety.RollbackManager { return e.rollback }

// Proposals returns the proposal store.
func (e *Engine) Proposals() *rsi.Store { return e.proposer.Store() }

// Keys returns every learned entry sorted by key.
func (e *Engine) Keys() []types.QEntry { return e.policy.Entries() }

// History returns every logged sample, archived segments included, in log
// order.
func (e *Engine) History() ([]types.RewardSample, error) { return e.log.History() }

func (e *Engine) emit(ctx context.Context, rec types.TelemetryRecord) {
	if err := e.sink.Emit(ctx, rec); err != nil {
		e.logger.Warn("telemetry emit failed", "event", rec.Event, "error", err)
	}
}

func observation(o types.Outcome, r float64, seq uint64) safety.Observation {
	return safety.Observation{Success: o.Success, Reward: r, Errors: o.ErrorCount, Seq: seq}
}
