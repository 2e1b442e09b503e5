package rsi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/clawinfra/evovariant/internal/types"
)

// ErrProposalNotFound is returned for an unknown proposal id.
var ErrProposalNotFound = errors.New("proposal not found")

// Store keeps proposals as one JSON file each, for human/agent review.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create proposals dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the proposals directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Write stores p, replacing any proposal with the same id.
func (s *Store) Write(p types.VariantProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(p)
}

func (s *Store) write(p types.VariantProposal) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	tmp := s.path(p.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write proposal: %w", err)
	}
	return os.Rename(tmp, s.path(p.ID))
}

// List returns all stored proposals, oldest first. Unreadable files are
// skipped.
func (s *Store) List() ([]types.VariantProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() ([]types.VariantProposal, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read proposals dir: %w", err)
	}
	var out []types.VariantProposal
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var p types.VariantProposal
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b types.VariantProposal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// pendingKeys returns the keys of proposals still awaiting review.
func (s *Store) pendingKeys() (map[string]bool, error) {
	all, err := s.list()
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool)
	for _, p := range all {
		if p.Status == types.ProposalPending {
			keys[proposalKey(p)] = true
		}
	}
	return keys, nil
}

// addPending stamps and writes each proposal whose trigger has no pending
// proposal yet and returns the ones written. The pending check and the
// writes share one critical section, so concurrent scans cannot both
// propose the same trigger.
func (s *Store) addPending(ctx context.Context, props []types.VariantProposal, stamp func(*types.VariantProposal)) ([]types.VariantProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.pendingKeys()
	if err != nil {
		return nil, err
	}
	var out []types.VariantProposal
	for _, prop := range props {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		key := proposalKey(prop)
		if pending[key] {
			continue
		}
		stamp(&prop)
		if err := s.write(prop); err != nil {
			return out, fmt.Errorf("write proposal: %w", err)
		}
		pending[key] = true
		out = append(out, prop)
	}
	return out, nil
}

// SetStatus records a review decision.
func (s *Store) SetStatus(id string, status types.ProposalStatus) (types.VariantProposal, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return types.VariantProposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return types.VariantProposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
		}
		return types.VariantProposal{}, fmt.Errorf("read proposal: %w", err)
	}
	var p types.VariantProposal
	if err := json.Unmarshal(data, &p); err != nil {
		return types.VariantProposal{}, fmt.Errorf("decode proposal %s: %w", id, err)
	}
	p.Status = status
	if err := s.write(p); err != nil {
		return types.VariantProposal{}, err
	}
	return p, nil
}
