// Package policy implements the selection policies that choose a variant
// for a (agent, task type) pair and learn from observed rewards.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clawinfra/evovariant/internal/types"
)

// Policy tags accepted in configuration.
const (
	KindQLearning = "qlearning"
	KindUCB1      = "ucb1"
	KindThompson  = "thompson"
	KindLinUCB    = "linucb"
)

// Choice is the outcome of a selection.
type Choice struct {
	VariantID   string  `json:"variant_id"`
	QValue      float64 `json:"q_value"`
	Visits      uint64  `json:"n_visits"`
	Exploration bool    `json:"exploration"`
}

// State is the serialisable form of a policy's derived statistics.
type State struct {
	Policy  string          `json:"policy"`
	Entries []types.QEntry  `json:"entries"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// Policy chooses variants and learns from rewards. Implementations are
// safe for concurrent use: Choose never blocks on writers of other keys and
// concurrent Updates of one key are serialized.
type Policy interface {
	Name() string

	// Choose picks one of candidates, which must be non-empty and sorted.
	// features is the context vector; non-contextual policies ignore it.
	Choose(agent, taskType string, candidates []string, features []float64) Choice

	// Update applies one reward sample and returns the updated entry.
	Update(sample types.RewardSample) types.QEntry

	// Seed sets the initial estimate of a key that has no real samples.
	// It reports false and changes nothing if the key already has samples.
	Seed(key types.StateActionKey, q float64) bool

	Entry(key types.StateActionKey) (types.QEntry, bool)

	// Entries returns all entries sorted by key.
	Entries() []types.QEntry

	Snapshot() (State, error)
	Restore(State) error
}

// Bounds is the reward range every policy keeps its estimates within.
type Bounds struct {
	Min float64
	Max float64
}

// Mid is the midpoint of the range.
func (b Bounds) Mid() float64 { return (b.Min + b.Max) / 2 }

func (b Bounds) clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// normalize maps v from the reward range onto [0,1].
func (b Bounds) normalize(v float64) float64 {
	return (b.clamp(v) - b.Min) / (b.Max - b.Min)
}

// UCBConfig configures UCB1.
type UCBConfig struct {
	// C scales the exploration bonus.
	C float64 `json:"c" toml:"c"`
}

// ThompsonConfig configures Thompson sampling.
type ThompsonConfig struct {
	// Posterior is "beta" for success-style rewards or "normal" for
	// continuous rewards (Normal-Inverse-Gamma).
	Posterior  string  `json:"posterior" toml:"posterior"`
	PriorAlpha float64 `json:"priorAlpha" toml:"priorAlpha"`
	PriorBeta  float64 `json:"priorBeta" toml:"priorBeta"`
	PriorMean  float64 `json:"priorMean" toml:"priorMean"`
	PriorKappa float64 `json:"priorKappa" toml:"priorKappa"`
	PriorShape float64 `json:"priorShape" toml:"priorShape"`
	PriorRate  float64 `json:"priorRate" toml:"priorRate"`
	// SeedWeight is the number of pseudo-observations a transfer seed adds.
	SeedWeight float64 `json:"seedWeight" toml:"seedWeight"`
}

// LinUCBConfig configures LinUCB.
type LinUCBConfig struct {
	// Alpha scales the confidence bound.
	Alpha float64 `json:"alpha" toml:"alpha"`
}

// Config selects and tunes the active policy.
type Config struct {
	Policy string `json:"policy" toml:"policy"`

	// Alpha is the constant TD(0) step size. Deliberately not annealed.
	Alpha float64 `json:"alpha" toml:"alpha"`
	// Epsilon is the exploration probability of ε-greedy.
	Epsilon float64 `json:"epsilon" toml:"epsilon"`
	// OptimisticInit is the estimate of unvisited entries.
	OptimisticInit float64 `json:"optimisticInit" toml:"optimisticInit"`
	// Seed fixes the random source. Zero means a random seed.
	Seed uint64 `json:"seed" toml:"seed"`

	UCB      UCBConfig      `json:"ucb" toml:"ucb"`
	Thompson ThompsonConfig `json:"thompson" toml:"thompson"`
	LinUCB   LinUCBConfig   `json:"linucb" toml:"linucb"`
}

// DefaultConfig returns the Q-learning defaults.
func DefaultConfig() Config {
	return Config{
		Policy:         KindQLearning,
		Alpha:          0.1,
		Epsilon:        0.1,
		OptimisticInit: 0.75,
		UCB:            UCBConfig{C: 1.414},
		Thompson: ThompsonConfig{
			Posterior:  "beta",
			PriorAlpha: 1,
			PriorBeta:  1,
			PriorMean:  0,
			PriorKappa: 1,
			PriorShape: 1,
			PriorRate:  1,
			SeedWeight: 2,
		},
		LinUCB: LinUCBConfig{Alpha: 1.0},
	}
}

// Validate checks the configuration against the reward range.
func (c Config) Validate(b Bounds) error {
	if !(b.Min < b.Max) {
		return fmt.Errorf("policy: invalid reward bounds [%g, %g]", b.Min, b.Max)
	}
	switch strings.ToLower(c.Policy) {
	case KindQLearning:
		if c.Alpha <= 0 || c.Alpha > 1 {
			return fmt.Errorf("policy: alpha %g must be in (0,1]", c.Alpha)
		}
		if c.Epsilon < 0 || c.Epsilon > 1 {
			return fmt.Errorf("policy: epsilon %g must be in [0,1]", c.Epsilon)
		}
		if c.OptimisticInit < b.Min || c.OptimisticInit > b.Max {
			return fmt.Errorf("policy: optimisticInit %g outside reward bounds", c.OptimisticInit)
		}
	case KindUCB1:
		if c.UCB.C < 0 {
			return fmt.Errorf("policy: ucb.c must not be negative")
		}
	case KindThompson:
		switch c.Thompson.Posterior {
		case "beta":
			if c.Thompson.PriorAlpha <= 0 || c.Thompson.PriorBeta <= 0 {
				return fmt.Errorf("policy: beta priors must be positive")
			}
		case "normal":
			if c.Thompson.PriorKappa <= 0 || c.Thompson.PriorShape <= 0 || c.Thompson.PriorRate <= 0 {
				return fmt.Errorf("policy: normal-inverse-gamma priors must be positive")
			}
		default:
			return fmt.Errorf("policy: unknown thompson posterior %q", c.Thompson.Posterior)
		}
	case KindLinUCB:
		if c.LinUCB.Alpha < 0 {
			return fmt.Errorf("policy: linucb.alpha must not be negative")
		}
	default:
		return fmt.Errorf("policy: unknown policy %q", c.Policy)
	}
	return nil
}

// New constructs the policy named by cfg.Policy. The choice is made once.
func New(cfg Config, b Bounds) (Policy, error) {
	if err := cfg.Validate(b); err != nil {
		return nil, err
	}
	src := newSource(cfg.Seed)
	switch strings.ToLower(cfg.Policy) {
	case KindQLearning:
		return NewQLearning(cfg, b, src), nil
	case KindUCB1:
		return NewUCB1(cfg.UCB, b), nil
	case KindThompson:
		return NewThompson(cfg.Thompson, b, src), nil
	default:
		return NewLinUCB(cfg.LinUCB, b), nil
	}
}
