// Package reward converts execution outcomes into bounded scalar rewards.
package reward

import (
	"fmt"
	"math"

	"github.com/clawinfra/evovariant/internal/types"
)

// Weights are the coefficients of the reward terms. Time and error weights
// are subtracted.
type Weights struct {
	Success float64 `json:"success" toml:"success"`
	Quality float64 `json:"quality" toml:"quality"`
	Time    float64 `json:"time" toml:"time"`
	Error   float64 `json:"error" toml:"error"`
}

// Config holds the reward configuration.
type Config struct {
	Weights Weights `json:"weights" toml:"weights"`
	Min     float64 `json:"min" toml:"min"`
	Max     float64 `json:"max" toml:"max"`

	// Baselines are the expected durations in seconds per complexity tier,
	// keyed by tier name ("low", "medium", "high").
	Baselines map[string]float64 `json:"baselines" toml:"baselines"`
}

// DefaultConfig returns the canonical weighting.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{Success: 1.0, Quality: 0.5, Time: 0.3, Error: 0.5},
		Min:     -1,
		Max:     1,
		Baselines: map[string]float64{
			"low":    30,
			"medium": 120,
			"high":   300,
		},
	}
}

// Validate checks the bounds and baselines.
func (c Config) Validate() error {
	if !(c.Min < c.Max) {
		return fmt.Errorf("reward bounds: min %.3f must be below max %.3f", c.Min, c.Max)
	}
	for name, b := range c.Baselines {
		if b <= 0 {
			return fmt.Errorf("reward baseline %q must be positive", name)
		}
	}
	return nil
}

// Calculator computes rewards. It is immutable and safe for concurrent use.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a Calculator, filling missing baselines from defaults.
func NewCalculator(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baselines := make(map[string]float64, 3)
	for k, v := range DefaultConfig().Baselines {
		baselines[k] = v
	}
	for k, v := range cfg.Baselines {
		baselines[k] = v
	}
	cfg.Baselines = baselines
	return &Calculator{cfg: cfg}, nil
}

// Bounds returns the configured reward range.
func (c *Calculator) Bounds() (lo, hi float64) {
	return c.cfg.Min, c.cfg.Max
}

// Compute returns the clamped reward for an outcome. Malformed fields are
// treated as their pessimistic neutral value rather than rejected.
func (c *Calculator) Compute(o types.Outcome, complexity types.Complexity) float64 {
	w := c.cfg.Weights

	success := 0.0
	if o.Success {
		success = 1
	}
	quality := finiteOr(o.QualityScore, 0)
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	duration := finiteOr(o.DurationSeconds, 0)
	if duration < 0 {
		duration = 0
	}

	normalized := duration / c.Baseline(complexity)

	r := w.Success*success + w.Quality*quality - w.Time*normalized - w.Error*float64(o.ErrorCount)
	return c.Clamp(r)
}

// Clamp bounds v to the reward range. NaN maps to the lower bound.
func (c *Calculator) Clamp(v float64) float64 {
	if math.IsNaN(v) || v < c.cfg.Min {
		return c.cfg.Min
	}
	if v > c.cfg.Max {
		return c.cfg.Max
	}
	return v
}

// Baseline returns the expected duration for a complexity tier.
func (c *Calculator) Baseline(complexity types.Complexity) float64 {
	if b, ok := c.cfg.Baselines[complexity.String()]; ok && b > 0 {
		return b
	}
	return c.cfg.Baselines["medium"]
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
