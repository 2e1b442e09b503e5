package engine

import (
	"context"
	"errors"

	"github.com/clawinfra/evovariant/internal/types"
)

// Executor runs a request with a variant's configuration.
type Executor interface {
	Execute(ctx context.Context, agent string, variant types.Variant, request string) (types.Outcome, error)
}

// ExecuteResult is the selection plus what recording its outcome did.
type ExecuteResult struct {
	Selection types.Selection `json:"selection"`
	Outcome   types.Outcome   `json:"outcome"`
	Record    RecordResult    `json:"record"`
}

// Execute selects a variant, runs the request and records the outcome. A
// cancelled or timed-out attempt records nothing and returns ErrNoData. Any
// other executor error is recorded as a failed attempt.
func (e *Engine) Execute(ctx context.Context, exec Executor, agent, text string, files []string) (ExecuteResult, error) {
	sel := e.SelectVariant(ctx, agent, text, files)
	res := ExecuteResult{Selection: sel}

	variant, err := e.repo.Load(agent, sel.VariantID)
	if err != nil {
		return res, err
	}

	outcome, err := exec.Execute(ctx, agent, variant, text)
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.logger.Info("attempt cancelled; no reward recorded",
			"agent", agent, "task_type", sel.TaskType, "variant", sel.VariantID)
		return res, ErrNoData
	}
	if err != nil {
		e.logger.Warn("executor failed", "agent", agent, "variant", sel.VariantID, "error", err)
		outcome = types.Outcome{Success: false, ErrorCount: max(outcome.ErrorCount, 1), DurationSeconds: outcome.DurationSeconds}
	}
	res.Outcome = outcome

	rec, err := e.RecordOutcome(ctx, agent, sel.TaskType, sel.VariantID, outcome,
		WithComplexity(sel.Complexity),
		WithFileCount(len(files)),
		WithExploration(sel.Exploration),
	)
	res.Record = rec
	return res, err
}
