// Package safety decides whether learned preferences may be applied
// automatically, detects degradation of served variants and rolls back to a
// previously good variant.
package safety

import (
	"fmt"

	"github.com/clawinfra/evovariant/internal/types"
)

// Decide is the pure safety classification of a key's statistics.
func Decide(cfg Config, q float64, n uint64, degraded bool) (types.Decision, string) {
	switch {
	case q >= cfg.AutoApplyQ && n >= cfg.AutoApplyMinSamples && !degraded:
		return types.DecisionAutoApply, fmt.Sprintf(
			"q=%.3f >= %.2f with %d samples and no recent degradation", q, cfg.AutoApplyQ, n)
	case q >= cfg.HumanApprovalQ && n >= cfg.HumanApprovalMinSamples:
		reason := fmt.Sprintf("q=%.3f >= %.2f with %d samples", q, cfg.HumanApprovalQ, n)
		switch {
		case degraded:
			reason += "; degradation flagged in the recent window"
		case q >= cfg.AutoApplyQ:
			reason += fmt.Sprintf("; auto-apply needs %d samples", cfg.AutoApplyMinSamples)
		}
		return types.DecisionHumanApproval, reason
	case n < cfg.HumanApprovalMinSamples:
		return types.DecisionNoAction, fmt.Sprintf(
			"insufficient samples: %d < %d", n, cfg.HumanApprovalMinSamples)
	default:
		return types.DecisionNoAction, fmt.Sprintf(
			"q=%.3f below approval threshold %.2f", q, cfg.HumanApprovalQ)
	}
}

// Monitor evaluates keys against the thresholds and the degradation
// detector. Evaluate has no side effects.
type Monitor struct {
	cfg      Config
	detector *Detector
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg, detector: NewDetector(cfg)}
}

// Config returns the thresholds in use.
func (m *Monitor) Config() Config { return m.cfg }

// Detector returns the degradation detector.
func (m *Monitor) Detector() *Detector { return m.detector }

// Evaluate derives the safety decision for entry. A key without an entry
// has no samples and yields no_action.
func (m *Monitor) Evaluate(key types.StateActionKey, entry types.QEntry, ok bool) types.SafetyDecision {
	if !ok {
		entry = types.QEntry{Key: key}
	}
	degraded := m.detector.Report(key).Degraded
	d, reason := Decide(m.cfg, entry.Q, entry.N, degraded)
	return types.SafetyDecision{
		Key:       key,
		Decision:  d,
		Reasoning: reason,
		QValue:    entry.Q,
		NVisits:   entry.N,
		Degraded:  degraded,
	}
}
