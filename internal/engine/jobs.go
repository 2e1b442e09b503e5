package engine

import (
	"context"
	"time"

	"github.com/clawinfra/evovariant/internal/types"
	"github.com/clawinfra/evovariant/internal/wal"
)

// GetSafetyDecision evaluates a key. It has no side effects.
func (e *Engine) GetSafetyDecision(agent, taskType, variantID string) types.SafetyDecision {
	key := e.key(agent, taskType, variantID)
	entry, ok := e.policy.Entry(key)
	return e.monitor.Evaluate(key, entry, ok)
}

// SafetySweep evaluates every learned key.
func (e *Engine) SafetySweep(ctx context.Context) ([]types.SafetyDecision, error) {
	entries := e.policy.Entries()
	out := make([]types.SafetyDecision, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if entry.Key.TaskType == "*" {
			continue
		}
		out = append(out, e.monitor.Evaluate(entry.Key, entry, true))
	}
	return out, nil
}

// ProposeVariants runs the proposer over current statistics. Proposals are
// written for review and never applied.
func (e *Engine) ProposeVariants(ctx context.Context, minSamples uint64) ([]types.VariantProposal, error) {
	return e.proposer.Propose(ctx, minSamples)
}

// Compact snapshots the policy and safety state and archives the active
// log segment.
func (e *Engine) Compact() (wal.Snapshot, error) {
	return e.log.CompactWith(e.policy.Snapshot, e.captureState)
}

func (e *Engine) maybeCompact() {
	every := e.cfg.CompactEvery
	if every <= 0 || e.log.Appended() < uint64(every) {
		return
	}
	if !e.compacting.CompareAndSwap(false, true) {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer e.compacting.Store(false)
		if _, err := e.Compact(); err != nil {
			e.logger.Error("background compaction failed", "error", err)
		}
	}()
}

// SeedTransfer initialises sparse task types from related ones and logs a
// seed record for every applied seed so that replay reproduces it. It
// returns the number of keys seeded.
func (e *Engine) SeedTransfer(ctx context.Context) (int, error) {
	seeds := e.planner.Plan(e.repo.Agents(), e.policy)
	applied := 0
	for _, s := range seeds {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if !e.policy.Seed(s.Key, s.Q) {
			continue
		}
		entry, _ := e.policy.Entry(s.Key)
		sample := types.RewardSample{
			ID:        "seed-" + s.Key.String(),
			Kind:      types.SampleSeed,
			Key:       s.Key,
			Reward:    entry.Q,
			Seq:       0,
			Timestamp: time.Now().UTC(),
		}
		if err := e.log.Append(context.WithoutCancel(ctx), sample); err != nil {
			e.logger.Warn("seed record not persisted", "key", s.Key.String(), "error", err)
		}
		applied++
		e.logger.Info("transfer seed applied", "key", s.Key.String(), "q_value", entry.Q, "sources", len(s.Sources))
	}
	return applied, nil
}

// Status summarises the engine for operators.
type Status struct {
	Policy         string `json:"policy"`
	Agents         int    `json:"agents"`
	Entries        int    `json:"entries"`
	Samples        uint64 `json:"samples"`
	PendingWrites  int    `json:"pending_writes"`
	SinceCompacted uint64 `json:"appended_since_compaction"`
}

// Status returns current counters.
func (e *Engine) Status() Status {
	entries := e.policy.Entries()
	var samples uint64
	for _, en := range entries {
		if en.Key.TaskType != "*" {
			samples += en.N
		}
	}
	return Status{
		Policy:         e.policy.Name(),
		Agents:         len(e.repo.Agents()),
		Entries:        len(entries),
		Samples:        samples,
		PendingWrites:  e.log.Pending(),
		SinceCompacted: e.log.Appended(),
	}
}
