// Package classifier maps a free-text request and its file paths to a
// discrete task-type label.
package classifier

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/clawinfra/evovariant/internal/types"
)

// Result is the outcome of a classification.
type Result struct {
	TaskType   string             `json:"task_type"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"all_scores"`
}

// Classifier scores requests against a table of task types. Safe for
// concurrent use; AddTaskType may run while Classify is serving.
type Classifier struct {
	mu       sync.RWMutex
	types    map[string]TaskTypeDef
	weights  map[string]float64
	minScore float64
	logger   *slog.Logger
}

// New creates a Classifier with the built-in task types plus cfg.TaskTypes.
// Invalid custom types are skipped with a warning.
func New(cfg Config, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	w := make(map[string]float64, len(defaultWeights))
	for k, v := range defaultWeights {
		w[k] = v
	}
	for k, v := range cfg.Weights {
		if _, ok := w[k]; ok {
			w[k] = v
		}
	}

	c := &Classifier{
		types:    make(map[string]TaskTypeDef),
		weights:  w,
		minScore: cfg.MinScore,
		logger:   logger.With("component", "classifier"),
	}
	for _, def := range builtinTypes() {
		c.types[def.Name] = normalize(def)
	}
	for _, def := range cfg.TaskTypes {
		if err := c.AddTaskType(def); err != nil {
			c.logger.Warn("skipping invalid task type", "name", def.Name, "error", err)
		}
	}
	return c
}

// ErrInvalidTaskType is returned for a task type name that cannot be used
// in a state-action key.
var ErrInvalidTaskType = errors.New("invalid task type")

// CheckTaskTypeName rejects names that collide with the cross-task wildcard
// "*" or would break the agent/task/variant key format.
func CheckTaskTypeName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidTaskType)
	case name == "*":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidTaskType, name)
	case strings.ContainsAny(name, "/ "):
		return fmt.Errorf("%w: %q must not contain '/' or spaces", ErrInvalidTaskType, name)
	}
	return nil
}

// AddTaskType registers or replaces a task type at runtime.
func (c *Classifier) AddTaskType(def TaskTypeDef) error {
	def = normalize(def)
	if err := CheckTaskTypeName(def.Name); err != nil {
		return err
	}
	if def.Name == types.GenericTaskType {
		return fmt.Errorf("task type %q is reserved", types.GenericTaskType)
	}
	if len(def.Keywords) == 0 && len(def.FilePatterns) == 0 && len(def.TechHints) == 0 {
		return fmt.Errorf("task type %q has no keywords, file patterns or tech hints", def.Name)
	}
	if def.Weight < 0 {
		return fmt.Errorf("task type %q has negative weight", def.Name)
	}
	for _, p := range def.FilePatterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("task type %q: invalid file pattern %q", def.Name, p)
		}
	}

	c.mu.Lock()
	c.types[def.Name] = def
	c.mu.Unlock()

	c.logger.Debug("task type registered", "name", def.Name, "keywords", len(def.Keywords))
	return nil
}

// TaskType returns the definition of a registered task type.
func (c *Classifier) TaskType(name string) (TaskTypeDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.types[name]
	return def, ok
}

// TaskTypes returns all registered definitions sorted by name.
func (c *Classifier) TaskTypes() []TaskTypeDef {
	c.mu.RLock()
	out := make([]TaskTypeDef, 0, len(c.types))
	for _, def := range c.types {
		out = append(out, def)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Classify never fails: input that matches nothing strongly enough yields
// the generic type with confidence 0.
func (c *Classifier) Classify(text string, filePaths []string) Result {
	lower := strings.ToLower(text)
	paths := make([]string, 0, len(filePaths))
	for _, p := range filePaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, filepath.ToSlash(p))
		}
	}

	c.mu.RLock()
	scores := make(map[string]float64, len(c.types))
	for name, def := range c.types {
		scores[name] = c.score(def, lower, paths)
	}
	c.mu.RUnlock()

	best, bestScore, total := "", 0.0, 0.0
	for name, s := range scores {
		total += s
		if s > bestScore || (s == bestScore && s > 0 && name < best) {
			best, bestScore = name, s
		}
	}

	if best == "" || bestScore < c.minScore {
		return Result{TaskType: types.GenericTaskType, Confidence: 0, Scores: scores}
	}

	// Share of the total evidence, damped when the absolute evidence is thin.
	confidence := clamp01((bestScore / total) * (1 - math.Exp(-bestScore)))
	return Result{TaskType: best, Confidence: confidence, Scores: scores}
}

func (c *Classifier) score(def TaskTypeDef, lower string, paths []string) float64 {
	var kw, files, tech float64
	for _, k := range def.Keywords {
		if strings.Contains(lower, k) {
			kw++
		}
	}
	for _, p := range paths {
		if matchAny(def.FilePatterns, p) {
			files++
		}
	}
	for _, h := range def.TechHints {
		if strings.Contains(lower, h) || pathsContain(paths, h) {
			tech++
		}
	}
	raw := c.weights[DimKeyword]*kw + c.weights[DimFilePattern]*files + c.weights[DimTechHint]*tech
	return def.Weight * raw
}

// matchAny matches p against patterns. Patterns without a slash match the
// base name so "*.sql" matches "db/schema.sql".
func matchAny(patterns []string, p string) bool {
	base := path.Base(p)
	for _, pat := range patterns {
		target := p
		if !strings.Contains(pat, "/") {
			target = base
		}
		if ok, err := doublestar.Match(pat, target); err == nil && ok {
			return true
		}
	}
	return false
}

func pathsContain(paths []string, hint string) bool {
	for _, p := range paths {
		if strings.Contains(strings.ToLower(p), hint) {
			return true
		}
	}
	return false
}

func normalize(def TaskTypeDef) TaskTypeDef {
	def.Name = strings.TrimSpace(def.Name)
	def.Keywords = lowerAll(def.Keywords)
	def.TechHints = lowerAll(def.TechHints)
	if def.Weight == 0 {
		def.Weight = 1
	}
	return def
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
