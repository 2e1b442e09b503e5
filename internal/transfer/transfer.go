// Package transfer initialises sparse task types from related ones.
//
// When a task type has few samples for an agent, each variant's starting
// estimate is the similarity-weighted average of that variant's Q-values on
// related task types instead of the optimistic default. Keys that already
// have an entry are never touched.
package transfer

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/clawinfra/evovariant/internal/classifier"
	"github.com/clawinfra/evovariant/internal/types"
)

// Config controls when and from where seeds are drawn.
type Config struct {
	// SparseVisits is the total visits below which a task type is seeded.
	SparseVisits uint64 `json:"sparseVisits" toml:"sparseVisits"`
	// MinSimilarity is the smallest similarity a source task type needs.
	MinSimilarity float64 `json:"minSimilarity" toml:"minSimilarity"`
	// MinSourceVisits is the visits a source key needs to contribute.
	MinSourceVisits uint64 `json:"minSourceVisits" toml:"minSourceVisits"`
	// SpecializationBonus is added to the similarity of two task types
	// that some variant of the agent is specialized for together.
	SpecializationBonus float64 `json:"specializationBonus" toml:"specializationBonus"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SparseVisits:        5,
		MinSimilarity:       0.1,
		MinSourceVisits:     5,
		SpecializationBonus: 0.5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinSimilarity <= 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("transfer: minSimilarity must be in (0,1]")
	}
	if c.SpecializationBonus < 0 {
		return fmt.Errorf("transfer: specializationBonus must not be negative")
	}
	return nil
}

// TaskTypeSource lists the known task-type definitions.
type TaskTypeSource interface {
	TaskTypes() []classifier.TaskTypeDef
}

// VariantSource lists an agent's selectable variants.
type VariantSource interface {
	Candidates(agent string) []string
	Load(agent, id string) (types.Variant, error)
}

// EntrySource exposes the learned statistics.
type EntrySource interface {
	Entries() []types.QEntry
}

// Source is one related key contributing to a seed.
type Source struct {
	TaskType   string  `json:"task_type"`
	Similarity float64 `json:"similarity"`
	Q          float64 `json:"q_value"`
	Visits     uint64  `json:"n_visits"`
}

// Seed is a planned initial estimate for a key without samples.
type Seed struct {
	Key     types.StateActionKey `json:"state_action_key"`
	Q       float64              `json:"q_value"`
	Sources []Source             `json:"sources"`
}

// Planner computes seeds. It only reads state.
type Planner struct {
	cfg      Config
	tasks    TaskTypeSource
	variants VariantSource
	logger   *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(cfg Config, tasks TaskTypeSource, variants VariantSource, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		cfg:      cfg,
		tasks:    tasks,
		variants: variants,
		logger:   logger.With("component", "transfer"),
	}
}

// Plan returns seeds for every sparse (agent, task type) of the given
// agents. Task types come from the classifier definitions.
func (p *Planner) Plan(agents []string, entries EntrySource) []Seed {
	all := entries.Entries()
	defs := p.tasks.TaskTypes()

	var out []Seed
	for _, agent := range agents {
		for _, def := range defs {
			out = append(out, p.plan(agent, def.Name, defs, all)...)
		}
	}
	return out
}

// PlanTaskType returns seeds for a single (agent, task type).
func (p *Planner) PlanTaskType(agent, taskType string, entries EntrySource) []Seed {
	return p.plan(agent, taskType, p.tasks.TaskTypes(), entries.Entries())
}

func (p *Planner) plan(agent, taskType string, defs []classifier.TaskTypeDef, all []types.QEntry) []Seed {
	existing := make(map[types.StateActionKey]types.QEntry)
	var visits uint64
	for _, e := range all {
		if e.Key.Agent != agent {
			continue
		}
		existing[e.Key] = e
		if e.Key.TaskType == taskType {
			visits += e.N
		}
	}
	if visits >= p.cfg.SparseVisits {
		return nil
	}

	target, ok := findDef(defs, taskType)
	if !ok {
		return nil
	}
	candidates := p.variants.Candidates(agent)
	specs := p.specializations(agent, candidates)

	var out []Seed
	for _, id := range candidates {
		key := types.StateActionKey{Agent: agent, TaskType: taskType, VariantID: id}
		if _, ok := existing[key]; ok {
			continue
		}

		var sources []Source
		var num, den float64
		for _, other := range defs {
			if other.Name == taskType {
				continue
			}
			src, ok := existing[types.StateActionKey{Agent: agent, TaskType: other.Name, VariantID: id}]
			if !ok || src.N < p.cfg.MinSourceVisits {
				continue
			}
			sim := p.similarity(target, other, specs)
			if sim < p.cfg.MinSimilarity {
				continue
			}
			sources = append(sources, Source{TaskType: other.Name, Similarity: sim, Q: src.Q, Visits: src.N})
			num += sim * src.Q
			den += sim
		}
		if den == 0 {
			continue
		}
		out = append(out, Seed{Key: key, Q: num / den, Sources: sources})
	}
	if len(out) > 0 {
		p.logger.Debug("transfer seeds planned", "agent", agent, "task_type", taskType, "seeds", len(out))
	}
	return out
}

func (p *Planner) specializations(agent string, ids []string) [][]string {
	var out [][]string
	for _, id := range ids {
		v, err := p.variants.Load(agent, id)
		if err != nil || len(v.Specialization) == 0 {
			continue
		}
		out = append(out, v.Specialization)
	}
	return out
}

// similarity is the Jaccard index of the two types' keyword and tech-hint
// vocabularies, plus the bonus when a variant specializes in both.
func (p *Planner) similarity(a, b classifier.TaskTypeDef, specs [][]string) float64 {
	sim := Jaccard(vocabulary(a), vocabulary(b))
	for _, s := range specs {
		if slices.Contains(s, a.Name) && slices.Contains(s, b.Name) {
			sim += p.cfg.SpecializationBonus
			break
		}
	}
	return min(sim, 1)
}

func vocabulary(def classifier.TaskTypeDef) map[string]struct{} {
	out := make(map[string]struct{}, len(def.Keywords)+len(def.TechHints))
	for _, w := range def.Keywords {
		out[strings.ToLower(w)] = struct{}{}
	}
	for _, w := range def.TechHints {
		out[strings.ToLower(w)] = struct{}{}
	}
	return out
}

// Jaccard returns |a∩b| / |a∪b|, zero for two empty sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func findDef(defs []classifier.TaskTypeDef, name string) (classifier.TaskTypeDef, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return classifier.TaskTypeDef{}, false
}
