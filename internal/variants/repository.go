// Package variants stores agent variant configurations and their rolling
// performance metrics.
package variants

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/clawinfra/evovariant/internal/types"
)

// Store persists variants and their metrics. Implementations must be safe
// for concurrent use.
type Store interface {
	SaveVariant(ctx context.Context, v types.Variant) error
	LoadVariants(ctx context.Context) ([]types.Variant, error)
}

// Repository is the in-memory authority for variants. Writes go through to
// the optional Store; store failures are logged and never returned.
type Repository struct {
	mu       sync.RWMutex
	variants map[string]map[string]*types.Variant // agent -> id -> variant
	store    Store
	logger   *slog.Logger

	// writes holds one *sync.Mutex per "agent/id".
	writes sync.Map
}

// NewRepository creates an empty repository. store may be nil.
func NewRepository(store Store, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		variants: make(map[string]map[string]*types.Variant),
		store:    store,
		logger:   logger.With("component", "variants"),
	}
}

// Save validates and stores a copy of v, replacing any existing variant
// with the same id.
func (r *Repository) Save(v types.Variant) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("save variant: %w", err)
	}
	cp := clone(v)

	r.mu.Lock()
	agent, ok := r.variants[v.Agent]
	if !ok {
		agent = make(map[string]*types.Variant)
		r.variants[v.Agent] = agent
	}
	agent[v.ID] = &cp
	r.mu.Unlock()

	r.persist(cp.Agent, cp.ID)
	return nil
}

// Load returns a copy of the variant or a *NotFoundError.
func (r *Repository) Load(agent, id string) (types.Variant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.variants[agent][id]
	if !ok {
		return types.Variant{}, &NotFoundError{Agent: agent, VariantID: id}
	}
	return clone(*v), nil
}

// Exists reports whether the variant is known, retired or not.
func (r *Repository) Exists(agent, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.variants[agent][id]
	return ok
}

// List returns every variant id of agent, retired ones included, sorted.
func (r *Repository) List(agent string) []string {
	return r.ids(agent, true)
}

// Candidates returns the non-retired variant ids of agent, sorted.
func (r *Repository) Candidates(agent string) []string {
	return r.ids(agent, false)
}

func (r *Repository) ids(agent string, withRetired bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.variants[agent]))
	for id, v := range r.variants[agent] {
		if v.Retired && !withRetired {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Agents returns all agent names, sorted.
func (r *Repository) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.variants))
	for a := range r.variants {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// HasAgent reports whether any variant is registered for agent.
func (r *Repository) HasAgent(agent string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.variants[agent]
	return ok
}

// UpdateMetrics folds outcome into the variant's overall running averages
// and into its per-task-type breakdown.
func (r *Repository) UpdateMetrics(agent, id, taskType string, outcome types.Outcome) error {
	r.mu.Lock()
	v, ok := r.variants[agent][id]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{Agent: agent, VariantID: id}
	}
	v.Metrics.Overall.Observe(outcome)
	if taskType != "" {
		if v.Metrics.ByTaskType == nil {
			v.Metrics.ByTaskType = make(map[string]types.Metrics)
		}
		m := v.Metrics.ByTaskType[taskType]
		m.Observe(outcome)
		v.Metrics.ByTaskType[taskType] = m
	}
	r.mu.Unlock()

	r.persist(agent, id)
	return nil
}

// Retire marks a variant retired. Retired variants stay loadable but are no
// longer selection candidates. The default variant cannot be retired.
func (r *Repository) Retire(agent, id string) error {
	if id == types.DefaultVariantID {
		return fmt.Errorf("retire %s/%s: the default variant cannot be retired", agent, id)
	}

	r.mu.Lock()
	v, ok := r.variants[agent][id]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{Agent: agent, VariantID: id}
	}
	v.Retired = true
	r.mu.Unlock()

	r.logger.Info("variant retired", "agent", agent, "variant", id)
	r.persist(agent, id)
	return nil
}

// CheckDefaults verifies that every agent has a default variant.
func (r *Repository) CheckDefaults() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for agent, vs := range r.variants {
		if _, ok := vs[types.DefaultVariantID]; !ok {
			return fmt.Errorf("agent %s: %w", agent, ErrDefaultMissing)
		}
	}
	return nil
}

// RestoreMetrics overlays persisted metrics and retirement flags onto the
// variants already in the repository. Variants unknown to the repository
// are ignored.
func (r *Repository) RestoreMetrics(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	persisted, err := r.store.LoadVariants(ctx)
	if err != nil {
		return fmt.Errorf("restore metrics: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, p := range persisted {
		v, ok := r.variants[p.Agent][p.ID]
		if !ok {
			continue
		}
		v.Metrics = p.Metrics
		v.Retired = v.Retired || p.Retired
		restored++
	}
	r.logger.Info("variant metrics restored", "count", restored)
	return nil
}

// persist writes the current state of a variant. Writes of one variant are
// serialized and each reads the state under the write lock, so the last
// write always carries the newest metrics.
func (r *Repository) persist(agent, id string) {
	if r.store == nil {
		return
	}
	l, _ := r.writes.LoadOrStore(agent+"/"+id, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	cur, ok := r.variants[agent][id]
	var v types.Variant
	if ok {
		v = clone(*cur)
	}
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := r.store.SaveVariant(context.Background(), v); err != nil {
		r.logger.Error("failed to persist variant", "agent", v.Agent, "variant", v.ID, "error", err)
	}
}

func clone(v types.Variant) types.Variant {
	cp := v
	cp.Specialization = slices.Clone(v.Specialization)
	cp.PromptModifications = slices.Clone(v.PromptModifications)
	cp.Params = maps.Clone(v.Params)
	cp.Metrics.ByTaskType = maps.Clone(v.Metrics.ByTaskType)
	return cp
}
