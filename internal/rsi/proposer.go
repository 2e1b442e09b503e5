package rsi

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/evovariant/internal/types"
)

// Proposer runs the analyzer over current statistics and persists new
// proposals as pending.
type Proposer struct {
	cfg      Config
	logger   *slog.Logger
	entries  EntrySource
	variants VariantSource
	analyzer *Analyzer
	store    *Store

	now func() time.Time
}

// NewProposer creates a Proposer writing to cfg.OutputDir.
func NewProposer(cfg Config, entries EntrySource, vars VariantSource, logger *slog.Logger) (*Proposer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := NewStore(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	return &Proposer{
		cfg:      cfg,
		logger:   logger.With("component", "proposer"),
		entries:  entries,
		variants: vars,
		analyzer: NewAnalyzer(cfg),
		store:    store,
		now:      time.Now,
	}, nil
}

// Store returns the proposal store.
func (p *Proposer) Store() *Store { return p.store }

// Propose scans the statistics and returns the newly written proposals.
// A trigger that already has a pending proposal is not proposed again.
func (p *Proposer) Propose(ctx context.Context, minSamples uint64) ([]types.VariantProposal, error) {
	start := time.Now()

	candidates := p.analyzer.Analyze(p.entries.Entries(), p.variants, minSamples)
	out, err := p.store.addPending(ctx, candidates, func(prop *types.VariantProposal) {
		prop.ID = uuid.New().String()
		prop.Status = types.ProposalPending
		prop.CreatedAt = p.now().UTC()
	})
	for _, prop := range out {
		p.logger.Info("variant proposal written for review",
			"proposal_id", prop.ID,
			"agent", prop.Agent,
			"task_type", prop.TaskType,
			"type", prop.Type,
			"confidence", prop.Confidence,
		)
	}
	if err != nil {
		return out, err
	}

	p.logger.Info("proposal scan complete",
		"candidates", len(candidates),
		"written", len(out),
		"elapsed", time.Since(start),
	)
	return out, nil
}
