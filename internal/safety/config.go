package safety

import (
	"fmt"
	"time"
)

// Config holds the safety thresholds.
type Config struct {
	AutoApplyQ              float64 `json:"autoApplyQ" toml:"autoApplyQ"`
	AutoApplyMinSamples     uint64  `json:"autoApplyMinSamples" toml:"autoApplyMinSamples"`
	HumanApprovalQ          float64 `json:"humanApprovalQ" toml:"humanApprovalQ"`
	HumanApprovalMinSamples uint64  `json:"humanApprovalMinSamples" toml:"humanApprovalMinSamples"`

	// Window is the number of recent outcomes compared against the baseline.
	Window int `json:"window" toml:"window"`
	// MinRollbackSamples is both the smallest window that may flag
	// degradation and the visits a rollback target needs.
	MinRollbackSamples uint64 `json:"minRollbackSamples" toml:"minRollbackSamples"`

	SuccessDropThreshold float64 `json:"successDropThreshold" toml:"successDropThreshold"` // relative, 0.10 = 10%
	RewardDropThreshold  float64 `json:"rewardDropThreshold" toml:"rewardDropThreshold"`
	ErrorRiseThreshold   float64 `json:"errorRiseThreshold" toml:"errorRiseThreshold"`

	// AutoRollback executes rollbacks on the record path when degradation
	// of the active variant is flagged.
	AutoRollback bool `json:"autoRollback" toml:"autoRollback"`
	// PinCooldownSec is how long a rollback target stays pinned.
	PinCooldownSec int `json:"pinCooldownSec" toml:"pinCooldownSec"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AutoApplyQ:              0.9,
		AutoApplyMinSamples:     10,
		HumanApprovalQ:          0.7,
		HumanApprovalMinSamples: 5,
		Window:                  20,
		MinRollbackSamples:      10,
		SuccessDropThreshold:    0.10,
		RewardDropThreshold:     0.15,
		ErrorRiseThreshold:      0.20,
		AutoRollback:            true,
		PinCooldownSec:          3600,
	}
}

// PinCooldown returns the pin duration.
func (c Config) PinCooldown() time.Duration {
	return time.Duration(c.PinCooldownSec) * time.Second
}

// Validate checks threshold consistency.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("safety: window must be positive")
	}
	if c.MinRollbackSamples == 0 {
		return fmt.Errorf("safety: minRollbackSamples must be positive")
	}
	if c.HumanApprovalQ > c.AutoApplyQ {
		return fmt.Errorf("safety: humanApprovalQ %.2f above autoApplyQ %.2f", c.HumanApprovalQ, c.AutoApplyQ)
	}
	if c.PinCooldownSec < 0 {
		return fmt.Errorf("safety: pinCooldownSec must not be negative")
	}
	return nil
}
