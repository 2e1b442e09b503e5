package engine

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/clawinfra/evovariant/internal/safety"
	"github.com/clawinfra/evovariant/internal/types"
)

// safetyState is stored with each snapshot so that degradation windows and
// promotions survive compaction of the samples they were built from.
type safetyState struct {
	Windows  []safety.WindowState `json:"windows,omitempty"`
	Promoted []promotedVariant    `json:"promoted,omitempty"`
}

type promotedVariant struct {
	Key        types.StateActionKey `json:"state_action_key"`
	PromotedAt time.Time            `json:"promoted_at"`
}

func (e *Engine) captureState() (json.RawMessage, error) {
	st := safetyState{Windows: e.monitor.Detector().Export()}

	e.activeMu.RLock()
	for pk, p := range e.active {
		st.Promoted = append(st.Promoted, promotedVariant{
			Key:        types.StateActionKey{Agent: pk.agent, TaskType: pk.taskType, VariantID: p.variant},
			PromotedAt: p.at,
		})
	}
	e.activeMu.RUnlock()
	sort.Slice(st.Promoted, func(i, j int) bool {
		return st.Promoted[i].Key.String() < st.Promoted[j].Key.String()
	})

	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("engine: encode safety state: %w", err)
	}
	return data, nil
}

func (e *Engine) restoreState(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var st safetyState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("engine: decode safety state: %w", err)
	}
	e.monitor.Detector().Import(st.Windows)

	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	for _, p := range st.Promoted {
		e.active[pairKey{p.Key.Agent, p.Key.TaskType}] = promotion{variant: p.Key.VariantID, at: p.PromotedAt}
	}
	return nil
}

// dropRolledBack removes promotions that a later rollback in the audit log
// moved away from.
func (e *Engine) dropRolledBack() error {
	events, err := e.rollback.Events()
	if err != nil {
		return err
	}
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	for _, ev := range events {
		pk := pairKey{ev.Key.Agent, ev.Key.TaskType}
		if p, ok := e.active[pk]; ok && p.variant == ev.FromVariant && !ev.Timestamp.Before(p.at) {
			delete(e.active, pk)
		}
	}
	return nil
}

// replayOrder returns sample indexes in the order they were recorded.
// Samples arrive grouped by key in sequence order; a timestamp that runs
// backwards within a key is raised to its predecessor's so that the
// per-key order is kept.
func replayOrder(samples []types.RewardSample) []int {
	at := make([]time.Time, len(samples))
	idx := make([]int, len(samples))
	for i, s := range samples {
		idx[i] = i
		at[i] = s.Timestamp
		if i > 0 && samples[i-1].Key == s.Key && at[i].Before(at[i-1]) {
			at[i] = at[i-1]
		}
	}
	slices.SortStableFunc(idx, func(a, b int) int { return at[a].Compare(at[b]) })
	return idx
}
