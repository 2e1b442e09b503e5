// Package wal is the durable store of the learning state: an append-only
// JSONL reward log split into segments, plus a compacted snapshot from which
// the log tail is replayed on startup.
//
// Layout under the store directory:
//
//	rewards.jsonl                 active segment
//	segments/rewards-000001.jsonl archived segments, never deleted
//	snapshot.json                 compacted policy state with checksum
package wal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/clawinfra/evovariant/internal/types"
)

// ErrPersistence wraps every I/O failure of the store.
var ErrPersistence = errors.New("persistence failure")

const (
	activeName   = "rewards.jsonl"
	segmentsDir  = "segments"
	snapshotName = "snapshot.json"
)

var reSegment = regexp.MustCompile(`^rewards-(\d{6})\.jsonl$`)

// RetryConfig bounds the retries of a failed append.
type RetryConfig struct {
	InitialIntervalMs int  `json:"initialIntervalMs" toml:"initialIntervalMs"`
	MaxIntervalMs     int  `json:"maxIntervalMs" toml:"maxIntervalMs"`
	MaxTries          uint `json:"maxTries" toml:"maxTries"`
}

// Config holds the store configuration.
type Config struct {
	// Dir is the store directory. Empty means <dataDir>/state.
	Dir string `json:"dir" toml:"dir"`
	// CompactEvery triggers a compaction after that many appends. Zero
	// disables count-based compaction.
	CompactEvery int `json:"compactEvery" toml:"compactEvery"`
	// Fsync forces an fsync after every append.
	Fsync bool        `json:"fsync" toml:"fsync"`
	Retry RetryConfig `json:"retry" toml:"retry"`
	// MaxPending caps the samples kept in memory while the log is failing.
	MaxPending int `json:"maxPending" toml:"maxPending"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CompactEvery: 1000,
		Retry:        RetryConfig{InitialIntervalMs: 10, MaxIntervalMs: 200, MaxTries: 4},
		MaxPending:   10000,
	}
}

// Log is the append-only reward log. Safe for concurrent use.
type Log struct {
	dir    string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	f       *os.File
	torn    bool
	pending *pendingBuffer

	compactMu sync.Mutex
	appended  atomic.Uint64

	// openFile is swapped in tests to inject I/O failures.
	openFile func(name string, flag int, perm os.FileMode) (*os.File, error)
}

// Open creates or opens the store in cfg.Dir.
func Open(cfg Config, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal: store dir is required")
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, segmentsDir), 0750); err != nil {
		return nil, fmt.Errorf("%w: create store dir: %v", ErrPersistence, err)
	}
	l := &Log{
		dir:      cfg.Dir,
		cfg:      cfg,
		logger:   logger.With("component", "wal"),
		pending:  newPendingBuffer(cfg.MaxPending),
		openFile: os.OpenFile,
	}
	if err := l.reopen(); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the store directory.
func (l *Log) Dir() string { return l.dir }

func (l *Log) activePath() string   { return filepath.Join(l.dir, activeName) }
func (l *Log) snapshotPath() string { return filepath.Join(l.dir, snapshotName) }

func (l *Log) segmentPath(n int) string {
	return filepath.Join(l.dir, segmentsDir, fmt.Sprintf("rewards-%06d.jsonl", n))
}

// reopen (re)opens the active segment. Caller holds mu or is Open.
func (l *Log) reopen() error {
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	f, err := l.openFile(l.activePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("%w: open active segment: %v", ErrPersistence, err)
	}
	l.f = f
	return nil
}

// Append durably records one sample. Failed writes are retried with
// exponential backoff; if they still fail the sample is kept in memory and
// written ahead of the next successful append. The returned error is for
// logging only: the in-memory state stays authoritative.
func (l *Log) Append(ctx context.Context, s types.RewardSample) error {
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("wal: marshal sample: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	lines := append(l.pending.lines(), line)
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.writeLines(lines)
	}, l.retryOptions()...)
	if err != nil {
		dropped := l.pending.add(line)
		l.logger.Error("reward sample not persisted",
			"key", s.Key.String(),
			"seq", s.Seq,
			"pending", l.pending.len(),
			"dropped", dropped,
			"error", err,
		)
		return fmt.Errorf("%w: append: %v", ErrPersistence, err)
	}
	if n := l.pending.len(); n > 0 {
		l.logger.Info("pending reward samples flushed", "count", n)
		l.pending.reset()
	}
	l.appended.Add(1)
	return nil
}

func (l *Log) writeLines(lines [][]byte) error {
	if l.f == nil {
		if err := l.reopen(); err != nil {
			return err
		}
	}
	if l.torn {
		// Terminate a partial line so the next record starts clean.
		if _, err := l.f.Write([]byte{'\n'}); err != nil {
			_ = l.reopen()
			return err
		}
		l.torn = false
	}
	for _, line := range lines {
		if _, err := l.f.Write(line); err != nil {
			// The partial line is skipped on replay.
			l.torn = true
			_ = l.reopen()
			return err
		}
	}
	if l.cfg.Fsync {
		if err := l.f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) retryOptions() []backoff.RetryOption {
	r := l.cfg.Retry
	b := backoff.NewExponentialBackOff()
	if r.InitialIntervalMs > 0 {
		b.InitialInterval = time.Duration(r.InitialIntervalMs) * time.Millisecond
	}
	if r.MaxIntervalMs > 0 {
		b.MaxInterval = time.Duration(r.MaxIntervalMs) * time.Millisecond
	}
	tries := r.MaxTries
	if tries == 0 {
		tries = 1
	}
	return []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxTries(tries)}
}

// Appended returns the number of successful appends since the last
// compaction.
func (l *Log) Appended() uint64 { return l.appended.Load() }

// Pending returns the number of samples waiting to be persisted.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.len()
}

// Close flushes pending samples if possible and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending.len() > 0 {
		if err := l.writeLines(l.pending.lines()); err != nil {
			l.logger.Error("pending reward samples lost on close", "count", l.pending.len(), "error", err)
		}
	}
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// segments returns the numbers of the archived segments, ascending.
func (l *Log) segments() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(l.dir, segmentsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		m := reSegment.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}
