package variants

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/clawinfra/evovariant/internal/types"
)

// Marshal encodes a variant in its persisted YAML form.
func Marshal(v types.Variant) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("marshal variant: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal variant: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes and validates a persisted variant. Unknown fields are
// rejected.
func Unmarshal(data []byte) (types.Variant, error) {
	var v types.Variant
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&v); err != nil {
		return types.Variant{}, fmt.Errorf("decode: %w", err)
	}
	if err := v.Validate(); err != nil {
		return types.Variant{}, err
	}
	return v, nil
}

// WriteFile writes v to <dir>/<agent>/<variant_id>.yaml.
func WriteFile(dir string, v types.Variant) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	agentDir := filepath.Join(dir, v.Agent)
	if err := os.MkdirAll(agentDir, 0750); err != nil {
		return "", fmt.Errorf("create agent dir: %w", err)
	}
	path := filepath.Join(agentDir, v.ID+".yaml")
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write variant: %w", err)
	}
	return path, nil
}

// LoadDir parses every *.yaml / *.yml file under dir. Invalid files are
// excluded and reported as *ConfigError values in the second result. A
// file named default.yaml that fails to parse is returned as a fatal error
// wrapping ErrDefaultMissing.
func LoadDir(ctx context.Context, dir string, logger *slog.Logger) ([]types.Variant, []error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan variant dir %s: %w", dir, err)
	}

	loaded := make([]types.Variant, len(paths))
	errs := make([]error, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err == nil {
				loaded[i], err = Unmarshal(data)
			}
			if err != nil {
				errs[i] = &ConfigError{Path: path, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		out     []types.Variant
		invalid []error
	)
	for i, path := range paths {
		if errs[i] == nil {
			out = append(out, loaded[i])
			continue
		}
		if isDefaultFile(path) {
			return nil, nil, fmt.Errorf("%w: %w", ErrDefaultMissing, errs[i])
		}
		logger.Warn("excluding invalid variant file", "path", path, "error", errs[i])
		invalid = append(invalid, errs[i])
	}
	return out, invalid, nil
}

// LoadRepository builds a Repository from the variant files in dir, overlays
// persisted metrics from store and verifies every agent has a default.
func LoadRepository(ctx context.Context, dir string, store Store, logger *slog.Logger) (*Repository, error) {
	repo := NewRepository(store, logger)

	vs, _, err := LoadDir(ctx, dir, logger)
	if err != nil {
		return nil, err
	}
	for _, v := range vs {
		if err := repo.put(v); err != nil {
			repo.logger.Warn("excluding variant", "agent", v.Agent, "variant", v.ID, "error", err)
		}
	}
	if err := repo.CheckDefaults(); err != nil {
		return nil, err
	}
	if err := repo.RestoreMetrics(ctx); err != nil {
		repo.logger.Warn("continuing without persisted metrics", "error", err)
	}
	repo.logger.Info("variants loaded", "dir", dir, "agents", len(repo.Agents()), "variants", len(vs))
	return repo, nil
}

// put inserts without writing through to the store.
func (r *Repository) put(v types.Variant) error {
	if err := v.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.variants[v.Agent]
	if !ok {
		agent = make(map[string]*types.Variant)
		r.variants[v.Agent] = agent
	}
	if _, dup := agent[v.ID]; dup {
		return fmt.Errorf("%w: duplicate variant %s/%s", ErrConfigInvalid, v.Agent, v.ID)
	}
	cp := clone(v)
	agent[v.ID] = &cp
	return nil
}

func isDefaultFile(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return base == types.DefaultVariantID
}

// IsConfigError reports whether err marks an excluded variant file.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
