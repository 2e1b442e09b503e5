package reward

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/evovariant/internal/types"
)

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(DefaultConfig())
	require.NoError(t, err)
	return c
}

func TestComputeCanonicalWeights(t *testing.T) {
	c := newTestCalculator(t)

	// 1.0 + 0.5*0.8 - 0.3*(60/120) - 0 = 1.25, clamped to 1.
	r := c.Compute(types.Outcome{Success: true, QualityScore: 0.8, DurationSeconds: 60}, types.ComplexityMedium)
	assert.Equal(t, 1.0, r)

	// 0 + 0.5*0.6 - 0.3*(30/30) - 0 = 0.
	r = c.Compute(types.Outcome{QualityScore: 0.6, DurationSeconds: 30}, types.ComplexityLow)
	assert.InDelta(t, 0.0, r, 1e-12)

	// 1.0 + 0 - 0.3*(150/300) - 0.5*1 = 0.35.
	r = c.Compute(types.Outcome{Success: true, DurationSeconds: 150, ErrorCount: 1}, types.ComplexityHigh)
	assert.InDelta(t, 0.35, r, 1e-12)
}

func TestComputeClampsToBounds(t *testing.T) {
	c := newTestCalculator(t)

	r := c.Compute(types.Outcome{ErrorCount: 40, DurationSeconds: 10000}, types.ComplexityLow)
	assert.Equal(t, -1.0, r)
}

func TestComputeMissingFieldsArePessimistic(t *testing.T) {
	c := newTestCalculator(t)

	assert.Equal(t, 0.0, c.Compute(types.Outcome{}, types.ComplexityMedium))

	r := c.Compute(types.Outcome{QualityScore: math.NaN(), DurationSeconds: math.Inf(1)}, types.ComplexityMedium)
	assert.Equal(t, 0.0, r)

	r = c.Compute(types.Outcome{QualityScore: -3, DurationSeconds: -5}, types.ComplexityMedium)
	assert.Equal(t, 0.0, r)
}

func TestAlternativeWeightingIsConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{Success: 0.4, Quality: 0.3, Time: 0.2, Error: 0.1}
	cfg.Min, cfg.Max = 0, 1
	c, err := NewCalculator(cfg)
	require.NoError(t, err)

	r := c.Compute(types.Outcome{Success: true, QualityScore: 1}, types.ComplexityMedium)
	assert.InDelta(t, 0.7, r, 1e-12)
	lo, hi := c.Bounds()
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 1.0, hi)
}

func TestInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Min, cfg.Max = 1, 1
	_, err := NewCalculator(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Baselines = map[string]float64{"low": 0}
	_, err = NewCalculator(cfg)
	assert.Error(t, err)
}

func TestPartialBaselinesFilledFromDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Baselines = map[string]float64{"low": 10}
	c, err := NewCalculator(cfg)
	require.NoError(t, err)

	assert.Equal(t, 10.0, c.Baseline(types.ComplexityLow))
	assert.Equal(t, 300.0, c.Baseline(types.ComplexityHigh))
	assert.Equal(t, 120.0, c.Baseline(types.Complexity(42)))
}
