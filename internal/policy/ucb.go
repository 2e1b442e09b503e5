package policy

import (
	"fmt"
	"math"

	"github.com/clawinfra/evovariant/internal/types"
)

// UCB1 picks argmax Q + c·sqrt(ln(total)/n). Unvisited variants score +Inf,
// so selection is deterministic given the visit history.
type UCB1 struct {
	stats
	c float64
}

// NewUCB1 creates a UCB1 policy.
func NewUCB1(cfg UCBConfig, b Bounds) *UCB1 {
	return &UCB1{stats: newStats(b), c: cfg.C}
}

func (p *UCB1) Name() string { return KindUCB1 }

func (p *UCB1) Choose(agent, taskType string, candidates []string, _ []float64) Choice {
	cands := p.candidates(agent, taskType, candidates)

	var total uint64
	for _, c := range cands {
		total += c.n
	}
	lnTotal := math.Log(float64(max(total, 1)))

	i := argmax(cands, func(c candidate) float64 {
		if c.n == 0 {
			return math.Inf(1)
		}
		return c.q + p.c*math.Sqrt(lnTotal/float64(c.n))
	})
	greedy := argmax(cands, func(c candidate) float64 { return c.q })

	c := cands[i]
	return Choice{VariantID: c.id, QValue: c.q, Visits: c.n, Exploration: i != greedy}
}

func (p *UCB1) Update(sample types.RewardSample) types.QEntry {
	return p.observeMean(sample)
}

func (p *UCB1) Seed(key types.StateActionKey, q float64) bool {
	return p.seed(key, q)
}

func (p *UCB1) Snapshot() (State, error) {
	return State{Policy: p.Name(), Entries: p.Entries()}, nil
}

func (p *UCB1) Restore(st State) error {
	if st.Policy != p.Name() {
		return fmt.Errorf("policy: cannot restore %q state into %q", st.Policy, p.Name())
	}
	p.restoreEntries(st.Entries)
	return nil
}
