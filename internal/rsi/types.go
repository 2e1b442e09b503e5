// Package rsi implements the variant proposer: a batch job that scans the
// learned statistics for recurring weaknesses and writes proposals for
// human review. It never changes the variant repository itself.
package rsi

import (
	"fmt"

	"github.com/clawinfra/evovariant/internal/types"
)

// Trigger names the pattern that produced a proposal.
type Trigger string

const (
	// TriggerLowFloor fires for task types served only by default whose
	// Q-value sits below the floor.
	TriggerLowFloor Trigger = "default_below_floor"
	// TriggerGap fires when a specialized variant beats default by more
	// than the gap ratio.
	TriggerGap Trigger = "specialized_gap"
	// TriggerUnderperform fires on sustained default underperformance.
	TriggerUnderperform Trigger = "default_underperforming"
	// TriggerRetire fires for well-sampled variants that stay poor.
	TriggerRetire Trigger = "variant_underperforming"
)

var triggerTypes = map[Trigger]types.ProposalType{
	TriggerLowFloor:     types.ProposalNewSpecialized,
	TriggerGap:          types.ProposalPromote,
	TriggerUnderperform: types.ProposalImproveDefault,
	TriggerRetire:       types.ProposalRetire,
}

// Config controls proposal thresholds.
type Config struct {
	// Floor is the Q-value below which a default-only task type asks for
	// a specialized variant.
	Floor float64 `json:"floor" toml:"floor"`
	// GapRatio is the relative Q advantage a specialized variant needs
	// over default, 0.2 = 20%.
	GapRatio float64 `json:"gapRatio" toml:"gapRatio"`

	UnderperformQ       float64 `json:"underperformQ" toml:"underperformQ"`
	UnderperformSamples uint64  `json:"underperformSamples" toml:"underperformSamples"`

	// RetireQ is the Q-value below which a non-default variant is proposed
	// for retirement. Zero disables retire proposals.
	RetireQ float64 `json:"retireQ" toml:"retireQ"`

	// DefaultMinSamples applies when Propose is called with zero.
	DefaultMinSamples uint64 `json:"defaultMinSamples" toml:"defaultMinSamples"`

	// OutputDir receives one JSON file per proposal.
	OutputDir string `json:"outputDir" toml:"outputDir"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Floor:               0.5,
		GapRatio:            0.2,
		UnderperformQ:       0.6,
		UnderperformSamples: 50,
		RetireQ:             0.2,
		DefaultMinSamples:   10,
		OutputDir:           "data/proposals",
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.GapRatio <= 0 {
		return fmt.Errorf("proposer: gapRatio must be positive")
	}
	if c.UnderperformSamples == 0 {
		return fmt.Errorf("proposer: underperformSamples must be positive")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("proposer: outputDir is required")
	}
	return nil
}
