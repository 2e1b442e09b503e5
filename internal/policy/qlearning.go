package policy

import (
	"fmt"
	"math/rand/v2"

	"github.com/clawinfra/evovariant/internal/types"
)

// QLearning is TD(0) with a constant step size and ε-greedy selection.
// Unvisited entries start at an optimistic estimate so every variant gets
// tried early even with ε = 0.
type QLearning struct {
	stats
	alpha   float64
	epsilon float64
	init    float64
	rng     *rand.Rand
}

// NewQLearning creates a Q-learning policy.
func NewQLearning(cfg Config, b Bounds, src rand.Source) *QLearning {
	return &QLearning{
		stats:   newStats(b),
		alpha:   cfg.Alpha,
		epsilon: cfg.Epsilon,
		init:    b.clamp(cfg.OptimisticInit),
		rng:     rand.New(src),
	}
}

func (p *QLearning) Name() string { return KindQLearning }

func (p *QLearning) value(c candidate) float64 {
	if c.n > 0 || c.seeded {
		return c.q
	}
	return p.init
}

func (p *QLearning) Choose(agent, taskType string, candidates []string, _ []float64) Choice {
	cands := p.candidates(agent, taskType, candidates)

	explore := len(cands) > 1 && p.epsilon > 0 && p.rng.Float64() < p.epsilon
	var i int
	if explore {
		i = p.rng.IntN(len(cands))
	} else {
		i = argmax(cands, p.value)
	}
	c := cands[i]
	return Choice{VariantID: c.id, QValue: p.value(c), Visits: c.n, Exploration: explore}
}

// Update applies Q ← Q + α·(r − Q).
func (p *QLearning) Update(sample types.RewardSample) types.QEntry {
	r := p.bounds.clamp(sample.Reward)
	return p.table.Update(sample.Key, func(cur types.QEntry, exists bool) types.QEntry {
		q := cur.Q
		if !exists {
			q = p.init
		}
		cur.Key = sample.Key
		cur.N++
		cur.Q = p.bounds.clamp(q + p.alpha*(r-q))
		cur.LastUpdated = sample.Timestamp
		return cur
	})
}

func (p *QLearning) Seed(key types.StateActionKey, q float64) bool {
	return p.seed(key, q)
}

func (p *QLearning) Snapshot() (State, error) {
	return State{Policy: p.Name(), Entries: p.Entries()}, nil
}

func (p *QLearning) Restore(st State) error {
	if st.Policy != p.Name() {
		return fmt.Errorf("policy: cannot restore %q state into %q", st.Policy, p.Name())
	}
	p.restoreEntries(st.Entries)
	return nil
}
