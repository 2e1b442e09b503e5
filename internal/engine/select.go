package engine

import (
	"context"
	"slices"
	"time"

	"github.com/clawinfra/evovariant/internal/classifier"
	"github.com/clawinfra/evovariant/internal/policy"
	"github.com/clawinfra/evovariant/internal/types"
)

// SelectVariant classifies the request and picks a variant of agent. It
// never fails: unknown agents and empty candidate sets yield the default
// variant with StatusFallback and a reason.
func (e *Engine) SelectVariant(ctx context.Context, agent, text string, files []string) types.Selection {
	start := time.Now()

	res := e.classifier.Classify(text, files)
	complexity := classifier.EstimateComplexity(text, files)
	sel := e.choose(agent, res.TaskType, complexity, len(files))
	sel.Confidence = res.Confidence

	e.logger.Debug("variant selected",
		"agent", agent,
		"task_type", sel.TaskType,
		"variant", sel.VariantID,
		"q_value", sel.QValue,
		"exploration", sel.Exploration,
		"status", sel.Status,
		"elapsed", time.Since(start),
	)
	e.emit(ctx, types.TelemetryRecord{
		Event:       types.EventSelection,
		Agent:       agent,
		TaskType:    sel.TaskType,
		VariantID:   sel.VariantID,
		QValue:      sel.QValue,
		Exploration: sel.Exploration,
		Status:      sel.Status,
		Timestamp:   time.Now().UTC(),
	})
	return sel
}

// SelectForTaskType picks a variant when the task type is already known.
func (e *Engine) SelectForTaskType(agent, taskType string, complexity types.Complexity, fileCount int) types.Selection {
	sel := e.choose(agent, taskType, complexity, fileCount)
	sel.Confidence = 1
	return sel
}

func (e *Engine) choose(agent, taskType string, complexity types.Complexity, fileCount int) types.Selection {
	sel := types.Selection{
		Agent:      agent,
		TaskType:   taskType,
		Complexity: complexity,
		VariantID:  types.DefaultVariantID,
		Policy:     e.policy.Name(),
		Status:     types.StatusOK,
	}

	if !e.repo.HasAgent(agent) {
		sel.Status = types.StatusFallback
		sel.Reason = "unknown agent; no learned preference exists yet"
		return sel
	}
	candidates := e.repo.Candidates(agent)
	if len(candidates) == 0 {
		sel.Status = types.StatusFallback
		sel.Reason = "agent has no selectable variants"
		return sel
	}

	if pinned, ok := e.rollback.Pinned(agent, taskType); ok && slices.Contains(candidates, pinned) {
		sel.VariantID = pinned
		if entry, ok := e.policy.Entry(e.key(agent, taskType, pinned)); ok {
			sel.QValue = entry.Q
		}
		sel.Reason = "pinned after rollback"
		return sel
	}

	choice := e.policy.Choose(agent, taskType, candidates, policy.Features(taskType, complexity, fileCount))
	sel.VariantID = choice.VariantID
	sel.QValue = choice.QValue
	sel.Exploration = choice.Exploration
	if !e.hasSamples(agent, taskType, candidates) {
		sel.Reason = "no learned preference exists yet"
	}
	return sel
}

func (e *Engine) key(agent, taskType, variant string) types.StateActionKey {
	return types.StateActionKey{Agent: agent, TaskType: taskType, VariantID: variant}
}

func (e *Engine) hasSamples(agent, taskType string, candidates []string) bool {
	for _, id := range candidates {
		if entry, ok := e.policy.Entry(e.key(agent, taskType, id)); ok && entry.N > 0 {
			return true
		}
	}
	return false
}
