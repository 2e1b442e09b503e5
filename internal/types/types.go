// Package types provides the shared data model used across the variant
// selection packages to avoid import cycles between the engine, the
// policies and the persistence layer.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenericTaskType is the reserved label returned when no task type scores
// above the classifier threshold.
const GenericTaskType = "generic"

// DefaultVariantID names the variant every agent must provide.
const DefaultVariantID = "default"

// Task is a classified inbound request. Immutable once classified.
type Task struct {
	RawText    string     `json:"raw_text"`
	FilePaths  []string   `json:"file_paths,omitempty"`
	TaskType   string     `json:"task_type"`
	Confidence float64    `json:"classification_confidence"`
	Complexity Complexity `json:"complexity"`
}

// Complexity is the coarse size tier of a task, used to normalise duration.
type Complexity int

const (
	ComplexityLow    Complexity = iota // short, single-step requests
	ComplexityMedium                   // typical feature work
	ComplexityHigh                     // multi-step or multi-file work
)

var complexityNames = [...]string{"low", "medium", "high"}

func (c Complexity) String() string {
	if c >= 0 && int(c) < len(complexityNames) {
		return complexityNames[c]
	}
	return "unknown"
}

// ParseComplexity maps a tier name to a Complexity. Unknown names map to medium.
func ParseComplexity(s string) Complexity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ComplexityLow
	case "high":
		return ComplexityHigh
	default:
		return ComplexityMedium
	}
}

// MarshalJSON implements json.Marshaler.
func (c Complexity) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Complexity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var i int
		if err2 := json.Unmarshal(data, &i); err2 != nil {
			return err
		}
		*c = Complexity(i)
		return nil
	}
	*c = ParseComplexity(s)
	return nil
}

// Metrics is a set of running averages over completed invocations.
type Metrics struct {
	Invocations int64   `json:"invocations" yaml:"invocations"`
	SuccessRate float64 `json:"success_rate" yaml:"success_rate"`
	AvgQuality  float64 `json:"avg_quality" yaml:"avg_quality"`
	AvgDuration float64 `json:"avg_duration_seconds" yaml:"avg_duration_seconds"`
	AvgErrors   float64 `json:"avg_errors" yaml:"avg_errors"`
}

// Observe folds one outcome into the running averages.
func (m *Metrics) Observe(o Outcome) {
	n := float64(m.Invocations)
	success := 0.0
	if o.Success {
		success = 1
	}
	m.SuccessRate += (success - m.SuccessRate) / (n + 1)
	m.AvgQuality += (o.QualityScore - m.AvgQuality) / (n + 1)
	m.AvgDuration += (o.DurationSeconds - m.AvgDuration) / (n + 1)
	m.AvgErrors += (float64(o.ErrorCount) - m.AvgErrors) / (n + 1)
	m.Invocations++
}

// PerformanceMetrics holds overall metrics plus a per-task-type breakdown.
type PerformanceMetrics struct {
	Overall    Metrics            `json:"overall" yaml:"overall"`
	ByTaskType map[string]Metrics `json:"by_task_type,omitempty" yaml:"by_task_type,omitempty"`
}

// Variant is a named configuration of an agent.
type Variant struct {
	ID                  string             `json:"variant_id" yaml:"variant_id"`
	Agent               string             `json:"agent_name" yaml:"agent_name"`
	Description         string             `json:"description,omitempty" yaml:"description,omitempty"`
	Specialization      []string           `json:"specialization,omitempty" yaml:"specialization,omitempty"`
	ModelTier           string             `json:"model_tier,omitempty" yaml:"model_tier,omitempty"`
	Temperature         float64            `json:"temperature" yaml:"temperature"`
	PromptModifications []string           `json:"prompt_modifications,omitempty" yaml:"prompt_modifications,omitempty"`
	Params              map[string]string  `json:"params,omitempty" yaml:"params,omitempty"`
	Retired             bool               `json:"retired,omitempty" yaml:"retired,omitempty"`
	Metrics             PerformanceMetrics `json:"performance_metrics" yaml:"performance_metrics"`
}

// Validate checks the fields required for a variant to be usable.
func (v *Variant) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("variant_id is required")
	}
	if v.Agent == "" {
		return fmt.Errorf("agent_name is required")
	}
	if strings.ContainsAny(v.ID, "/ ") || strings.ContainsAny(v.Agent, "/ ") {
		return fmt.Errorf("variant_id and agent_name must not contain '/' or spaces")
	}
	if v.Temperature < 0 || v.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0,2]", v.Temperature)
	}
	return nil
}

// StateActionKey is the unit of learning.
type StateActionKey struct {
	Agent     string `json:"agent_name"`
	TaskType  string `json:"task_type"`
	VariantID string `json:"variant_id"`
}

func (k StateActionKey) String() string {
	return k.Agent + "/" + k.TaskType + "/" + k.VariantID
}

// ParseKey is the inverse of StateActionKey.String.
func ParseKey(s string) (StateActionKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return StateActionKey{}, fmt.Errorf("invalid state-action key %q", s)
	}
	return StateActionKey{Agent: parts[0], TaskType: parts[1], VariantID: parts[2]}, nil
}

// QEntry is the learned estimate for one key.
type QEntry struct {
	Key         StateActionKey `json:"state_action_key"`
	Q           float64        `json:"q_value"`
	N           uint64         `json:"n_visits"`
	LastUpdated time.Time      `json:"last_updated"`
}

// SampleKind distinguishes observed rewards from transfer-learning seeds.
type SampleKind string

const (
	SampleReward SampleKind = "reward"
	SampleSeed   SampleKind = "seed"
)

// RewardSample is one append-only record of the reward log.
// Seq is the visit count of Key after this sample was applied, which orders
// samples per key exactly as they were applied live.
type RewardSample struct {
	ID        string         `json:"id"`
	Kind      SampleKind     `json:"kind"`
	Key       StateActionKey `json:"state_action_key"`
	Reward    float64        `json:"reward"`
	Seq       uint64         `json:"seq"`
	Features  []float64      `json:"features,omitempty"`
	Outcome   *Outcome       `json:"outcome,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Outcome is what the external executor reports for one attempt.
// Zero values are the pessimistic defaults.
type Outcome struct {
	Success         bool    `json:"success"`
	QualityScore    float64 `json:"quality_score"`
	DurationSeconds float64 `json:"duration_seconds"`
	ErrorCount      uint32  `json:"error_count"`
}

// Decision is the safety classification of a key.
type Decision string

const (
	DecisionAutoApply     Decision = "auto_apply"
	DecisionHumanApproval Decision = "human_approval"
	DecisionNoAction      Decision = "no_action"
)

// SafetyDecision is derived on demand and never persisted.
type SafetyDecision struct {
	Key       StateActionKey `json:"state_action_key"`
	Decision  Decision       `json:"decision"`
	Reasoning string         `json:"reasoning"`
	QValue    float64        `json:"q_value"`
	NVisits   uint64         `json:"n_visits"`
	Degraded  bool           `json:"degraded"`
}

// WindowStats summarises a window of recent outcomes.
type WindowStats struct {
	Samples     int     `json:"samples"`
	SuccessRate float64 `json:"success_rate"`
	AvgReward   float64 `json:"avg_reward"`
	ErrorRate   float64 `json:"error_rate"`
}

// DegradationReport compares a current window against the stored baseline.
type DegradationReport struct {
	Degraded    bool        `json:"degraded"`
	Baseline    WindowStats `json:"baseline"`
	Current     WindowStats `json:"current"`
	SuccessDrop float64     `json:"success_drop"`
	RewardDrop  float64     `json:"reward_drop"`
	ErrorRise   float64     `json:"error_rise"`
	Reasons     []string    `json:"reasons,omitempty"`
}

// RollbackEvent is one append-only audit record.
type RollbackEvent struct {
	ID          string            `json:"rollback_id"`
	Key         StateActionKey    `json:"state_action_key"`
	FromVariant string            `json:"from_variant"`
	ToVariant   string            `json:"to_variant"`
	Reason      string            `json:"reason"`
	Degradation DegradationReport `json:"degradation_metrics"`
	Before      QEntry            `json:"before"`
	After       QEntry            `json:"after"`
	PinnedUntil time.Time         `json:"pinned_until"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ProposalType names what a proposal asks a reviewer to do.
type ProposalType string

const (
	ProposalNewSpecialized ProposalType = "new_specialized_variant"
	ProposalPromote        ProposalType = "promote_specialized_variant"
	ProposalImproveDefault ProposalType = "improve_default_variant"
	ProposalRetire         ProposalType = "retire_variant"
)

// ProposalStatus is only changed by external review.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// VariantProposal is a human-reviewable suggestion.
type VariantProposal struct {
	ID             string             `json:"proposal_id"`
	Agent          string             `json:"agent_name"`
	TaskType       string             `json:"task_type"`
	VariantID      string             `json:"variant_id,omitempty"`
	Type           ProposalType       `json:"proposal_type"`
	Confidence     float64            `json:"confidence"`
	Reasoning      string             `json:"reasoning"`
	SupportingData map[string]float64 `json:"supporting_data"`
	Status         ProposalStatus     `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Status distinguishes clean results from degraded-but-successful ones.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFallback Status = "fallback"
	StatusFatal    Status = "fatal"
)

// Selection is the result of select_variant.
type Selection struct {
	Agent       string     `json:"agent_name"`
	TaskType    string     `json:"task_type"`
	Confidence  float64    `json:"classification_confidence"`
	Complexity  Complexity `json:"complexity"`
	VariantID   string     `json:"variant_id"`
	QValue      float64    `json:"q_value"`
	Exploration bool       `json:"exploration"`
	Policy      string     `json:"policy"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
}

// TelemetryEvent names the point in the flow a record was emitted from.
type TelemetryEvent string

const (
	EventSelection TelemetryEvent = "selection"
	EventOutcome   TelemetryEvent = "outcome"
	EventRollback  TelemetryEvent = "rollback"
)

// TelemetryRecord is one invocation-level record sent to telemetry sinks.
type TelemetryRecord struct {
	Event       TelemetryEvent `json:"event"`
	Agent       string         `json:"agent_name"`
	TaskType    string         `json:"task_type"`
	VariantID   string         `json:"variant_id"`
	QValue      float64        `json:"q_value"`
	Exploration bool           `json:"exploration"`
	Reward      float64        `json:"reward"`
	Status      Status         `json:"status,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
