package policy

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/clawinfra/evovariant/internal/qtable"
	"github.com/clawinfra/evovariant/internal/types"
)

// linModel is the ridge-regression state of one (agent, variant) arm. It is
// never mutated after publication; updates build a new model.
//
// applied maps each task type to the visit count of its key when its last
// sample was folded in. Replay skips samples the model already holds.
type linModel struct {
	aInv    *mat.SymDense
	b       *mat.VecDense
	applied map[string]uint64
}

// fold returns the model with one more observation: the Sherman–Morrison
// rank-1 update A⁻¹ ← A⁻¹ − (A⁻¹x)(A⁻¹x)ᵀ / (1 + xᵀA⁻¹x) and b ← b + r·x.
func (m linModel) fold(x *mat.VecDense, r float64, taskType string, n uint64) linModel {
	var u mat.VecDense
	u.MulVec(m.aInv, x)
	denom := 1 + mat.Dot(x, &u)

	next := linModel{
		aInv:    mat.NewSymDense(FeatureDim, nil),
		b:       mat.NewVecDense(FeatureDim, nil),
		applied: make(map[string]uint64, len(m.applied)+1),
	}
	next.aInv.SymRankOne(m.aInv, -1/denom, &u)
	next.b.AddScaledVec(m.b, r, x)
	for t, c := range m.applied {
		next.applied[t] = c
	}
	next.applied[taskType] = n
	return next
}

func newLinModel() linModel {
	ident := make([]float64, FeatureDim*FeatureDim)
	for i := 0; i < FeatureDim; i++ {
		ident[i*FeatureDim+i] = 1
	}
	return linModel{
		aInv: mat.NewSymDense(FeatureDim, ident),
		b:    mat.NewVecDense(FeatureDim, nil),
	}
}

// LinUCB is the disjoint linear UCB bandit. Each arm is one variant of an
// agent; the task type enters through the context vector. Per-key QEntries
// track the sample mean so safety decisions work as for the other policies.
type LinUCB struct {
	stats
	alpha  float64
	models *qtable.Table[linModel]
}

// NewLinUCB creates a LinUCB policy.
func NewLinUCB(cfg LinUCBConfig, b Bounds) *LinUCB {
	return &LinUCB{stats: newStats(b), alpha: cfg.Alpha, models: qtable.New[linModel]()}
}

func (p *LinUCB) Name() string { return KindLinUCB }

func modelKey(agent, variant string) types.StateActionKey {
	return types.StateActionKey{Agent: agent, TaskType: "*", VariantID: variant}
}

func (p *LinUCB) model(agent, variant string) linModel {
	if m, ok := p.models.Get(modelKey(agent, variant)); ok {
		return m
	}
	return newLinModel()
}

func contextVec(taskType string, features []float64) *mat.VecDense {
	if len(features) != FeatureDim {
		features = Features(taskType, types.ComplexityMedium, 0)
	}
	return mat.NewVecDense(FeatureDim, append([]float64(nil), features...))
}

func (p *LinUCB) Choose(agent, taskType string, candidates []string, features []float64) Choice {
	x := contextVec(taskType, features)
	cands := p.candidates(agent, taskType, candidates)

	ucb := make([]float64, len(cands))
	est := make([]float64, len(cands))
	for i, c := range cands {
		m := p.model(agent, c.id)
		var theta mat.VecDense
		theta.MulVec(m.aInv, m.b)
		est[i] = mat.Dot(&theta, x)
		ucb[i] = est[i] + p.alpha*math.Sqrt(math.Max(mat.Inner(x, m.aInv, x), 0))
	}

	idx := make(map[string]int, len(cands))
	for i, c := range cands {
		idx[c.id] = i
	}
	i := argmax(cands, func(c candidate) float64 { return ucb[idx[c.id]] })
	greedy := argmax(cands, func(c candidate) float64 { return est[idx[c.id]] })

	c := cands[i]
	return Choice{VariantID: c.id, QValue: c.q, Visits: c.n, Exploration: i != greedy}
}

// Update folds the sample into its arm's model while holding the key's
// entry, so the model never lags the visit count a snapshot records.
func (p *LinUCB) Update(sample types.RewardSample) types.QEntry {
	r := p.bounds.clamp(sample.Reward)
	x := contextVec(sample.Key.TaskType, sample.Features)
	mk := modelKey(sample.Key.Agent, sample.Key.VariantID)

	return p.table.Update(sample.Key, func(cur types.QEntry, _ bool) types.QEntry {
		cur.Key = sample.Key
		cur.N++
		cur.Q += (r - cur.Q) / float64(cur.N)
		cur.LastUpdated = sample.Timestamp

		p.models.Update(mk, func(m linModel, exists bool) linModel {
			if !exists {
				m = newLinModel()
			}
			if cur.N <= m.applied[sample.Key.TaskType] {
				return m
			}
			return m.fold(x, r, sample.Key.TaskType, cur.N)
		})
		return cur
	})
}

func (p *LinUCB) Seed(key types.StateActionKey, q float64) bool {
	return p.seed(key, q)
}

type linModelState struct {
	AInv    []float64         `json:"a_inv"`
	B       []float64         `json:"b"`
	Applied map[string]uint64 `json:"applied,omitempty"`
}

// Snapshot reads the entries before the models. A model may then hold a
// sample its entry does not count yet; replay skips it for the model.
func (p *LinUCB) Snapshot() (State, error) {
	entries := p.Entries()
	models := make(map[string]linModelState)
	p.models.Range(func(k types.StateActionKey, m linModel) {
		st := linModelState{
			AInv:    make([]float64, 0, FeatureDim*FeatureDim),
			B:       make([]float64, FeatureDim),
			Applied: m.applied,
		}
		for i := 0; i < FeatureDim; i++ {
			for j := 0; j < FeatureDim; j++ {
				st.AInv = append(st.AInv, m.aInv.At(i, j))
			}
			st.B[i] = m.b.AtVec(i)
		}
		models[k.String()] = st
	})
	extra, err := json.Marshal(models)
	if err != nil {
		return State{}, fmt.Errorf("policy: encode linucb models: %w", err)
	}
	return State{Policy: p.Name(), Entries: entries, Extra: extra}, nil
}

func (p *LinUCB) Restore(st State) error {
	if st.Policy != p.Name() {
		return fmt.Errorf("policy: cannot restore %q state into %q", st.Policy, p.Name())
	}
	models := make(map[string]linModelState)
	if len(st.Extra) > 0 {
		if err := json.Unmarshal(st.Extra, &models); err != nil {
			return fmt.Errorf("policy: decode linucb models: %w", err)
		}
	}

	p.models.Reset()
	for ks, ms := range models {
		k, err := types.ParseKey(ks)
		if err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		if len(ms.AInv) != FeatureDim*FeatureDim || len(ms.B) != FeatureDim {
			return fmt.Errorf("policy: linucb model %s has wrong dimension", ks)
		}
		p.models.Set(k, linModel{
			aInv:    mat.NewSymDense(FeatureDim, ms.AInv),
			b:       mat.NewVecDense(FeatureDim, ms.B),
			applied: ms.Applied,
		})
	}
	p.restoreEntries(st.Entries)
	return nil
}
