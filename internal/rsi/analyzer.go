package rsi

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/clawinfra/evovariant/internal/types"
)

// EntrySource exposes the learned statistics.
type EntrySource interface {
	Entries() []types.QEntry
}

// VariantSource exposes the variant repository read-only.
type VariantSource interface {
	Agents() []string
	Candidates(agent string) []string
	Load(agent, id string) (types.Variant, error)
}

type group struct {
	agent    string
	taskType string
	def      *types.QEntry
	others   []types.QEntry
}

// Analyzer applies the proposal triggers to a snapshot of the statistics.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze returns candidate proposals ordered by confidence, highest first.
// IDs, status and creation time are left for the caller to assign.
func (a *Analyzer) Analyze(entries []types.QEntry, vars VariantSource, minSamples uint64) []types.VariantProposal {
	if minSamples == 0 {
		minSamples = a.cfg.DefaultMinSamples
	}

	live := make(map[string]map[string]types.Variant)
	for _, agent := range vars.Agents() {
		live[agent] = make(map[string]types.Variant)
		for _, id := range vars.Candidates(agent) {
			if v, err := vars.Load(agent, id); err == nil {
				live[agent][id] = v
			}
		}
	}

	groups := make(map[[2]string]*group)
	byVariant := make(map[[2]string][]types.QEntry)
	for _, e := range entries {
		if e.Key.TaskType == "*" {
			continue
		}
		if _, ok := live[e.Key.Agent][e.Key.VariantID]; !ok {
			continue
		}
		gk := [2]string{e.Key.Agent, e.Key.TaskType}
		g, ok := groups[gk]
		if !ok {
			g = &group{agent: e.Key.Agent, taskType: e.Key.TaskType}
			groups[gk] = g
		}
		if e.Key.VariantID == types.DefaultVariantID {
			g.def = &e
			continue
		}
		g.others = append(g.others, e)
		byVariant[[2]string{e.Key.Agent, e.Key.VariantID}] = append(byVariant[[2]string{e.Key.Agent, e.Key.VariantID}], e)
	}

	var out []types.VariantProposal
	for _, g := range groups {
		out = append(out, a.analyzeGroup(g, live[g.agent], minSamples)...)
	}
	if a.cfg.RetireQ > 0 {
		for vk, es := range byVariant {
			if p, ok := a.retire(vk[0], vk[1], es, minSamples); ok {
				out = append(out, p)
			}
		}
	}

	slices.SortFunc(out, func(x, y types.VariantProposal) int {
		if c := cmp.Compare(y.Confidence, x.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(proposalKey(x), proposalKey(y))
	})
	return out
}

func (a *Analyzer) analyzeGroup(g *group, live map[string]types.Variant, m uint64) []types.VariantProposal {
	if g.def == nil || g.def.N < m {
		return nil
	}
	def := *g.def
	var out []types.VariantProposal

	var best *types.QEntry
	for i := range g.others {
		e := g.others[i]
		if e.N < m {
			continue
		}
		if best == nil || e.Q > best.Q || (e.Q == best.Q && e.Key.VariantID < best.Key.VariantID) {
			best = &g.others[i]
		}
	}

	// (a) default-only task type below the floor.
	if best == nil && !specializedFor(live, g.taskType) && def.Q < a.cfg.Floor {
		effect := a.cfg.Floor - def.Q
		out = append(out, types.VariantProposal{
			Agent:      g.agent,
			TaskType:   g.taskType,
			VariantID:  g.taskType + "-specialist",
			Type:       triggerTypes[TriggerLowFloor],
			Confidence: confidence(def.N, m, effect),
			Reasoning: fmt.Sprintf(
				"task type %q is served only by default with q=%.3f over %d samples, below the floor %.2f; a specialized variant is likely to help",
				g.taskType, def.Q, def.N, a.cfg.Floor),
			SupportingData: map[string]float64{
				"default_q":       def.Q,
				"default_samples": float64(def.N),
				"floor":           a.cfg.Floor,
			},
		})
	}

	// (b) a specialized variant clearly ahead of default.
	if best != nil {
		gap := relativeGap(best.Q, def.Q)
		if gap > a.cfg.GapRatio {
			n := min(best.N, def.N)
			out = append(out, types.VariantProposal{
				Agent:      g.agent,
				TaskType:   g.taskType,
				VariantID:  best.Key.VariantID,
				Type:       triggerTypes[TriggerGap],
				Confidence: confidence(n, m, gap-a.cfg.GapRatio),
				Reasoning: fmt.Sprintf(
					"variant %q reaches q=%.3f (%d samples) against default q=%.3f (%d samples) on %q, a %.0f%% advantage",
					best.Key.VariantID, best.Q, best.N, def.Q, def.N, g.taskType, gap*100),
				SupportingData: map[string]float64{
					"variant_q":       best.Q,
					"variant_samples": float64(best.N),
					"default_q":       def.Q,
					"default_samples": float64(def.N),
					"gap_ratio":       gap,
				},
			})
		}
	}

	// (c) sustained underperformance of default.
	need := max(m, a.cfg.UnderperformSamples)
	if def.N >= need && def.Q < a.cfg.UnderperformQ {
		out = append(out, types.VariantProposal{
			Agent:      g.agent,
			TaskType:   g.taskType,
			VariantID:  types.DefaultVariantID,
			Type:       triggerTypes[TriggerUnderperform],
			Confidence: confidence(def.N, need, a.cfg.UnderperformQ-def.Q),
			Reasoning: fmt.Sprintf(
				"default stays at q=%.3f after %d samples on %q, below %.2f; its configuration should be revisited",
				def.Q, def.N, g.taskType, a.cfg.UnderperformQ),
			SupportingData: map[string]float64{
				"default_q":       def.Q,
				"default_samples": float64(def.N),
				"threshold_q":     a.cfg.UnderperformQ,
			},
		})
	}
	return out
}

// retire proposes retiring a variant whose every well-sampled task type
// stays below RetireQ.
func (a *Analyzer) retire(agent, id string, entries []types.QEntry, m uint64) (types.VariantProposal, bool) {
	var (
		sampled  []string
		total    uint64
		weighted float64
	)
	for _, e := range entries {
		if e.N < m {
			continue
		}
		if e.Q >= a.cfg.RetireQ {
			return types.VariantProposal{}, false
		}
		sampled = append(sampled, e.Key.TaskType)
		total += e.N
		weighted += e.Q * float64(e.N)
	}
	if len(sampled) == 0 {
		return types.VariantProposal{}, false
	}
	slices.Sort(sampled)
	avg := weighted / float64(total)
	return types.VariantProposal{
		Agent:      agent,
		TaskType:   "*",
		VariantID:  id,
		Type:       triggerTypes[TriggerRetire],
		Confidence: confidence(total, m, a.cfg.RetireQ-avg),
		Reasoning: fmt.Sprintf(
			"variant %q averages q=%.3f over %d samples on %s, below %.2f everywhere it was tried",
			id, avg, total, strings.Join(sampled, ", "), a.cfg.RetireQ),
		SupportingData: map[string]float64{
			"avg_q":      avg,
			"samples":    float64(total),
			"task_types": float64(len(sampled)),
			"retire_q":   a.cfg.RetireQ,
		},
	}, true
}

func specializedFor(live map[string]types.Variant, taskType string) bool {
	for id, v := range live {
		if id == types.DefaultVariantID {
			continue
		}
		if slices.Contains(v.Specialization, taskType) {
			return true
		}
	}
	return false
}

// relativeGap is (best-base)/|base|, or the absolute difference when the
// base is zero.
func relativeGap(best, base float64) float64 {
	if math.Abs(base) < 1e-9 {
		return best - base
	}
	return (best - base) / math.Abs(base)
}

// confidence grows with samples relative to the trigger minimum and with
// the size of the effect.
func confidence(n, minSamples uint64, effect float64) float64 {
	if minSamples == 0 {
		minSamples = 1
	}
	sample := 1 - math.Exp(-float64(n)/float64(2*minSamples))
	c := sample * (0.5 + math.Max(0, effect))
	return math.Max(0, math.Min(1, c))
}

func proposalKey(p types.VariantProposal) string {
	return p.Agent + "/" + p.TaskType + "/" + p.VariantID + "/" + string(p.Type)
}
