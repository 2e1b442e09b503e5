package safety

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/evovariant/internal/types"
)

// EntrySource reads the learned estimate of a key.
type EntrySource interface {
	Entry(key types.StateActionKey) (types.QEntry, bool)
}

type pinKey struct {
	agent    string
	taskType string
}

type pin struct {
	variant string
	until   time.Time
}

// RollbackRequest describes a flagged key.
type RollbackRequest struct {
	Agent       string
	TaskType    string
	From        string
	Reason      string
	Degradation types.DegradationReport
	// Candidates are the non-retired variants of Agent.
	Candidates []string
}

// RollbackManager selects rollback targets, pins them for a cooldown and
// keeps an append-only JSONL audit log of every rollback.
type RollbackManager struct {
	cfg       Config
	auditPath string
	logger    *slog.Logger

	mu   sync.Mutex
	pins map[pinKey]pin

	now func() time.Time
}

// NewRollbackManager creates a manager whose audit log lives in dir.
func NewRollbackManager(cfg Config, dir string, logger *slog.Logger) (*RollbackManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create rollback dir: %w", err)
	}
	return &RollbackManager{
		cfg:       cfg,
		auditPath: filepath.Join(dir, "rollbacks.jsonl"),
		logger:    logger.With("component", "rollback"),
		pins:      make(map[pinKey]pin),
		now:       time.Now,
	}, nil
}

// SelectTarget returns the best alternative to from: the highest Q among
// candidates with at least MinRollbackSamples visits and a Q strictly above
// from's. When none qualifies the default variant is returned and fallback
// is true.
func (m *RollbackManager) SelectTarget(agent, taskType, from string, candidates []string, src EntrySource) (target string, fallback bool) {
	fromEntry, _ := src.Entry(types.StateActionKey{Agent: agent, TaskType: taskType, VariantID: from})

	var best types.QEntry
	found := false
	for _, id := range candidates {
		if id == from {
			continue
		}
		e, ok := src.Entry(types.StateActionKey{Agent: agent, TaskType: taskType, VariantID: id})
		if !ok || e.N < m.cfg.MinRollbackSamples || e.Q <= fromEntry.Q {
			continue
		}
		if !found || e.Q > best.Q || (e.Q == best.Q && (e.N > best.N || (e.N == best.N && id < best.Key.VariantID))) {
			best, found = e, true
		}
	}
	if found {
		return best.Key.VariantID, false
	}
	return types.DefaultVariantID, true
}

// Rollback pins the selected target for (agent, task type) and records the
// event. It reports false when the only possible target is the variant
// being rolled back from. Audit write failures are logged, not returned.
func (m *RollbackManager) Rollback(req RollbackRequest, src EntrySource) (types.RollbackEvent, bool) {
	target, fallback := m.SelectTarget(req.Agent, req.TaskType, req.From, req.Candidates, src)
	if target == req.From {
		m.logger.Warn("no rollback target better than current variant",
			"agent", req.Agent, "task_type", req.TaskType, "variant", req.From)
		return types.RollbackEvent{}, false
	}

	fromKey := types.StateActionKey{Agent: req.Agent, TaskType: req.TaskType, VariantID: req.From}
	toKey := types.StateActionKey{Agent: req.Agent, TaskType: req.TaskType, VariantID: target}
	before, _ := src.Entry(fromKey)
	after, ok := src.Entry(toKey)
	if !ok {
		after = types.QEntry{Key: toKey}
	}

	now := m.now().UTC()
	reason := req.Reason
	if fallback {
		reason += "; no qualified alternative, using default"
	}
	ev := types.RollbackEvent{
		ID:          fmt.Sprintf("rb_%s_%s", now.Format("20060102T150405"), uuid.New().String()[:8]),
		Key:         fromKey,
		FromVariant: req.From,
		ToVariant:   target,
		Reason:      reason,
		Degradation: req.Degradation,
		Before:      before,
		After:       after,
		PinnedUntil: now.Add(m.cfg.PinCooldown()),
		Timestamp:   now,
	}

	m.mu.Lock()
	m.pins[pinKey{req.Agent, req.TaskType}] = pin{variant: target, until: ev.PinnedUntil}
	err := m.appendAudit(ev)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("failed to write rollback audit", "id", ev.ID, "error", err)
	}

	m.logger.Info("rolled back variant",
		"id", ev.ID,
		"agent", req.Agent,
		"task_type", req.TaskType,
		"from", req.From,
		"to", target,
		"fallback", fallback,
		"pinned_until", ev.PinnedUntil,
	)
	return ev, true
}

// Pinned returns the pinned variant for (agent, task type) while its
// cooldown lasts. Expired pins are dropped.
func (m *RollbackManager) Pinned(agent, taskType string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pinKey{agent, taskType}
	p, ok := m.pins[k]
	if !ok {
		return "", false
	}
	if !m.now().Before(p.until) {
		delete(m.pins, k)
		return "", false
	}
	return p.variant, true
}

// Unpin removes a pin before its cooldown ends.
func (m *RollbackManager) Unpin(agent, taskType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, pinKey{agent, taskType})
}

func (m *RollbackManager) appendAudit(ev types.RollbackEvent) error {
	f, err := os.OpenFile(m.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal rollback event: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// Events returns the audit log, oldest first. Malformed lines are skipped.
func (m *RollbackManager) Events() ([]types.RollbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.auditPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []types.RollbackEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev types.RollbackEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

// RestorePins re-establishes unexpired pins from the audit log, so a
// restart within a cooldown keeps serving the rollback target.
func (m *RollbackManager) RestorePins() error {
	events, err := m.Events()
	if err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, ev := range events {
		if now.Before(ev.PinnedUntil) {
			m.pins[pinKey{ev.Key.Agent, ev.Key.TaskType}] = pin{variant: ev.ToVariant, until: ev.PinnedUntil}
			restored++
		}
	}
	if restored > 0 {
		m.logger.Info("rollback pins restored", "count", restored)
	}
	return nil
}
