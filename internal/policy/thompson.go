package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/clawinfra/evovariant/internal/qtable"
	"github.com/clawinfra/evovariant/internal/types"
)

// posterior holds the sufficient statistics of one key. For the Beta model
// Alpha/Beta are the usual shape parameters. For Normal-Inverse-Gamma, Mean
// and Kappa describe the mean and Alpha/Beta the shape and rate of the
// precision.
type posterior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Mean  float64 `json:"mean,omitempty"`
	Kappa float64 `json:"kappa,omitempty"`
}

type tsEntry struct {
	entry types.QEntry
	post  posterior
}

// Thompson samples each candidate's posterior once per selection and picks
// the largest draw.
type Thompson struct {
	cfg    ThompsonConfig
	bounds Bounds
	table  *qtable.Table[tsEntry]
	src    rand.Source
}

// NewThompson creates a Thompson sampling policy.
func NewThompson(cfg ThompsonConfig, b Bounds, src rand.Source) *Thompson {
	return &Thompson{cfg: cfg, bounds: b, table: qtable.New[tsEntry](), src: src}
}

func (p *Thompson) Name() string { return KindThompson }

func (p *Thompson) normal() bool { return p.cfg.Posterior == "normal" }

func (p *Thompson) prior() posterior {
	if p.normal() {
		return posterior{Alpha: p.cfg.PriorShape, Beta: p.cfg.PriorRate, Mean: p.cfg.PriorMean, Kappa: p.cfg.PriorKappa}
	}
	return posterior{Alpha: p.cfg.PriorAlpha, Beta: p.cfg.PriorBeta}
}

func (p *Thompson) lookup(k types.StateActionKey) tsEntry {
	if e, ok := p.table.Get(k); ok {
		return e
	}
	return tsEntry{entry: types.QEntry{Key: k}, post: p.prior()}
}

// mean is the posterior mean on the scale the samples are drawn on.
func (p *Thompson) mean(post posterior) float64 {
	if p.normal() {
		return post.Mean
	}
	return post.Alpha / (post.Alpha + post.Beta)
}

func (p *Thompson) sample(post posterior) float64 {
	if p.normal() {
		// σ² ~ InvGamma(shape, rate), μ ~ N(mean, σ²/κ).
		precision := distuv.Gamma{Alpha: post.Alpha, Beta: post.Beta, Src: p.src}.Rand()
		if precision <= 0 || math.IsNaN(precision) {
			return post.Mean
		}
		sigma := math.Sqrt(1 / (precision * post.Kappa))
		return distuv.Normal{Mu: post.Mean, Sigma: sigma, Src: p.src}.Rand()
	}
	return distuv.Beta{Alpha: post.Alpha, Beta: post.Beta, Src: p.src}.Rand()
}

func (p *Thompson) Choose(agent, taskType string, candidates []string, _ []float64) Choice {
	cands := make([]candidate, len(candidates))
	draws := make(map[string]float64, len(candidates))
	means := make(map[string]float64, len(candidates))
	for i, id := range candidates {
		e := p.lookup(types.StateActionKey{Agent: agent, TaskType: taskType, VariantID: id})
		cands[i] = candidate{id: id, q: e.entry.Q, n: e.entry.N}
		draws[id] = p.sample(e.post)
		means[id] = p.mean(e.post)
	}

	i := argmax(cands, func(c candidate) float64 { return draws[c.id] })
	greedy := argmax(cands, func(c candidate) float64 { return means[c.id] })

	c := cands[i]
	return Choice{VariantID: c.id, QValue: c.q, Visits: c.n, Exploration: i != greedy}
}

func (p *Thompson) Update(sample types.RewardSample) types.QEntry {
	r := p.bounds.clamp(sample.Reward)
	prior := p.prior()
	next := p.table.Update(sample.Key, func(cur tsEntry, exists bool) tsEntry {
		if !exists {
			cur = tsEntry{post: prior}
		}
		cur.post = p.observe(cur.post, r)
		cur.entry.Key = sample.Key
		cur.entry.N++
		cur.entry.Q += (r - cur.entry.Q) / float64(cur.entry.N)
		cur.entry.LastUpdated = sample.Timestamp
		return cur
	})
	return next.entry
}

func (p *Thompson) observe(post posterior, r float64) posterior {
	if p.normal() {
		k := post.Kappa
		post.Beta += k * (r - post.Mean) * (r - post.Mean) / (2 * (k + 1))
		post.Mean = (k*post.Mean + r) / (k + 1)
		post.Kappa = k + 1
		post.Alpha += 0.5
		return post
	}
	// Fractional Bernoulli: a reward at the top of the range is one success.
	x := p.bounds.normalize(r)
	post.Alpha += x
	post.Beta += 1 - x
	return post
}

// Seed adds SeedWeight pseudo-observations at q to the prior.
func (p *Thompson) Seed(key types.StateActionKey, q float64) bool {
	q = p.bounds.clamp(q)
	w := p.cfg.SeedWeight
	prior := p.prior()
	applied := false
	p.table.Update(key, func(cur tsEntry, exists bool) tsEntry {
		if exists && cur.entry.N > 0 {
			return cur
		}
		applied = true
		post := prior
		if p.normal() {
			post.Mean = q
			post.Kappa += w
		} else {
			x := p.bounds.normalize(q)
			post.Alpha += w * x
			post.Beta += w * (1 - x)
		}
		return tsEntry{entry: types.QEntry{Key: key, Q: q, LastUpdated: time.Now().UTC()}, post: post}
	})
	return applied
}

func (p *Thompson) Entry(key types.StateActionKey) (types.QEntry, bool) {
	e, ok := p.table.Get(key)
	return e.entry, ok
}

func (p *Thompson) Entries() []types.QEntry {
	keys := p.table.Keys()
	out := make([]types.QEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := p.table.Get(k); ok {
			out = append(out, e.entry)
		}
	}
	return out
}

// Snapshot reads each entry and its posterior from the same cell so the
// two always describe the same samples.
func (p *Thompson) Snapshot() (State, error) {
	posts := make(map[string]posterior)
	entries := make([]types.QEntry, 0)
	p.table.Range(func(k types.StateActionKey, e tsEntry) {
		posts[k.String()] = e.post
		entries = append(entries, e.entry)
	})
	sort.Slice(entries, func(i, j int) bool { return qtable.Less(entries[i].Key, entries[j].Key) })
	extra, err := json.Marshal(posts)
	if err != nil {
		return State{}, fmt.Errorf("policy: encode posteriors: %w", err)
	}
	return State{Policy: p.Name(), Entries: entries, Extra: extra}, nil
}

func (p *Thompson) Restore(st State) error {
	if st.Policy != p.Name() {
		return fmt.Errorf("policy: cannot restore %q state into %q", st.Policy, p.Name())
	}
	posts := make(map[string]posterior)
	if len(st.Extra) > 0 {
		if err := json.Unmarshal(st.Extra, &posts); err != nil {
			return fmt.Errorf("policy: decode posteriors: %w", err)
		}
	}
	p.table.Reset()
	for _, e := range st.Entries {
		post, ok := posts[e.Key.String()]
		if !ok {
			post = p.prior()
		}
		p.table.Set(e.Key, tsEntry{entry: e, post: post})
	}
	return nil
}
