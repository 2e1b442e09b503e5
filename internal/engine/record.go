package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/evovariant/internal/classifier"
	"github.com/clawinfra/evovariant/internal/policy"
	"github.com/clawinfra/evovariant/internal/safety"
	"github.com/clawinfra/evovariant/internal/types"
	"github.com/clawinfra/evovariant/internal/variants"
)

// RecordOption adjusts how an outcome is interpreted.
type RecordOption func(*recordOptions)

type recordOptions struct {
	complexity  types.Complexity
	fileCount   int
	exploration bool
	now         time.Time
}

// WithComplexity sets the complexity tier used to normalise duration.
// The default is medium.
func WithComplexity(c types.Complexity) RecordOption {
	return func(o *recordOptions) { o.complexity = c }
}

// WithFileCount sets the file count of the request, used by contextual
// policies.
func WithFileCount(n int) RecordOption {
	return func(o *recordOptions) { o.fileCount = n }
}

// WithExploration marks the outcome as coming from an exploratory
// selection. It only affects telemetry.
func WithExploration(explored bool) RecordOption {
	return func(o *recordOptions) { o.exploration = explored }
}

func withNow(t time.Time) RecordOption {
	return func(o *recordOptions) { o.now = t }
}

// RecordResult reports what recording an outcome did.
type RecordResult struct {
	Reward      float64                 `json:"reward"`
	Entry       types.QEntry            `json:"entry"`
	Decision    types.SafetyDecision    `json:"safety"`
	Degradation types.DegradationReport `json:"degradation"`
	Promoted    bool                    `json:"promoted,omitempty"`
	Rollback    *types.RollbackEvent    `json:"rollback,omitempty"`
	Persisted   bool                    `json:"persisted"`
	Status      types.Status            `json:"status"`
	Reason      string                  `json:"reason,omitempty"`
}

// RecordOutcome turns an executor outcome into a reward, updates the
// policy, persists the sample and runs the safety checks. The update
// completes even if ctx is cancelled. The only error is an unknown agent or
// variant; persistence failures are reported through the result.
func (e *Engine) RecordOutcome(ctx context.Context, agent, taskType, variantID string, outcome types.Outcome, opts ...RecordOption) (RecordResult, error) {
	o := recordOptions{complexity: types.ComplexityMedium}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now.IsZero() {
		o.now = time.Now().UTC()
	}
	if taskType == "" {
		taskType = types.GenericTaskType
	}
	if err := classifier.CheckTaskTypeName(taskType); err != nil {
		return RecordResult{Status: types.StatusFatal}, fmt.Errorf("record outcome: %w", err)
	}
	if !e.repo.Exists(agent, variantID) {
		return RecordResult{Status: types.StatusFatal}, fmt.Errorf("record outcome: %w",
			&variants.NotFoundError{Agent: agent, VariantID: variantID})
	}
	ctx = context.WithoutCancel(ctx)

	key := e.key(agent, taskType, variantID)
	r := e.calc.Compute(outcome, o.complexity)
	sample := types.RewardSample{
		ID:        uuid.New().String(),
		Kind:      types.SampleReward,
		Key:       key,
		Reward:    r,
		Features:  policy.Features(taskType, o.complexity, o.fileCount),
		Outcome:   &outcome,
		Timestamp: o.now,
	}

	entry := e.policy.Update(sample)
	sample.Seq = entry.N

	res := RecordResult{Reward: r, Entry: entry, Persisted: true, Status: types.StatusOK}
	if err := e.log.Append(ctx, sample); err != nil {
		res.Persisted = false
		res.Status = types.StatusFallback
		res.Reason = "reward kept in memory; persistence failed"
	} else {
		e.maybeCompact()
	}

	if err := e.repo.UpdateMetrics(agent, variantID, taskType, outcome); err != nil {
		e.logger.Warn("variant metrics not updated", "key", key.String(), "error", err)
	}

	res.Degradation = e.monitor.Detector().Observe(key, observation(outcome, r, sample.Seq))
	res.Decision = e.monitor.Evaluate(key, entry, true)

	if res.Decision.Decision == types.DecisionAutoApply && e.promote(key, o.now) {
		res.Promoted = true
		e.logger.Info("variant promoted", "agent", agent, "task_type", taskType, "variant", variantID)
	}
	if res.Degradation.Degraded && e.cfg.Safety.AutoRollback && e.Current(agent, taskType) == variantID {
		if ev, ok := e.rollbackKey(ctx, key, res.Degradation); ok {
			res.Rollback = &ev
		}
	}

	e.logger.Debug("outcome recorded",
		"key", key.String(),
		"reward", r,
		"q_value", entry.Q,
		"n_visits", entry.N,
		"decision", res.Decision.Decision,
	)
	e.emit(ctx, types.TelemetryRecord{
		Event:       types.EventOutcome,
		Agent:       agent,
		TaskType:    taskType,
		VariantID:   variantID,
		QValue:      entry.Q,
		Exploration: o.exploration,
		Reward:      r,
		Status:      res.Status,
		Timestamp:   o.now,
	})
	return res, nil
}

// promote makes key's variant the active one of its (agent, task type)
// and freezes its trailing window as the degradation baseline. It reports
// whether the active variant changed.
func (e *Engine) promote(key types.StateActionKey, at time.Time) bool {
	pk := pairKey{key.Agent, key.TaskType}
	e.activeMu.Lock()
	if e.active[pk].variant == key.VariantID {
		e.activeMu.Unlock()
		return false
	}
	e.active[pk] = promotion{variant: key.VariantID, at: at}
	e.activeMu.Unlock()

	e.monitor.Detector().Promote(key)
	return true
}

// Current returns the variant considered live for (agent, task type): the
// rollback pin, else the promoted variant, else the greedy choice by Q.
func (e *Engine) Current(agent, taskType string) string {
	if pinned, ok := e.rollback.Pinned(agent, taskType); ok {
		return pinned
	}
	e.activeMu.RLock()
	active, ok := e.active[pairKey{agent, taskType}]
	e.activeMu.RUnlock()
	if ok {
		return active.variant
	}

	best := types.DefaultVariantID
	var bestEntry types.QEntry
	found := false
	for _, id := range e.repo.Candidates(agent) {
		entry, ok := e.policy.Entry(e.key(agent, taskType, id))
		if !ok || entry.N == 0 {
			continue
		}
		if !found || entry.Q > bestEntry.Q {
			best, bestEntry, found = id, entry, true
		}
	}
	return best
}

// Rollback moves (agent, task type) off variant from. It is what the record
// path does on a degradation flag, exposed for operators.
func (e *Engine) Rollback(ctx context.Context, agent, taskType, from, reason string) (types.RollbackEvent, bool) {
	key := e.key(agent, taskType, from)
	report := e.monitor.Detector().Report(key)
	if reason != "" {
		report.Reasons = append(report.Reasons, reason)
	}
	return e.rollbackKey(ctx, key, report)
}

func (e *Engine) rollbackKey(ctx context.Context, key types.StateActionKey, report types.DegradationReport) (types.RollbackEvent, bool) {
	reason := "degradation detected"
	if len(report.Reasons) > 0 {
		reason = strings.Join(report.Reasons, "; ")
	}
	ev, ok := e.rollback.Rollback(safety.RollbackRequest{
		Agent:       key.Agent,
		TaskType:    key.TaskType,
		From:        key.VariantID,
		Reason:      reason,
		Degradation: report,
		Candidates:  e.repo.Candidates(key.Agent),
	}, e.policy)
	if !ok {
		return ev, false
	}

	pk := pairKey{key.Agent, key.TaskType}
	e.activeMu.Lock()
	if e.active[pk].variant == key.VariantID {
		delete(e.active, pk)
	}
	e.activeMu.Unlock()

	e.emit(ctx, types.TelemetryRecord{
		Event:     types.EventRollback,
		Agent:     key.Agent,
		TaskType:  key.TaskType,
		VariantID: ev.ToVariant,
		QValue:    ev.After.Q,
		Status:    types.StatusOK,
		Timestamp: ev.Timestamp,
	})
	return ev, true
}
