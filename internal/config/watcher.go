package config

import (
	"context"
	"log/slog"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Watcher reloads a Config when the content of its file changes and hands
// each outcome to onReload. Rewrites that leave the bytes unchanged are
// ignored.
type Watcher struct {
	cfg      *Config
	path     string
	interval time.Duration
	logger   *slog.Logger
	onReload func(*ReloadResult, error)

	digest [blake2b.Size256]byte
	known  bool
}

// NewWatcher creates a watcher for the file cfg was loaded from.
func NewWatcher(cfg *Config, path string, interval time.Duration, logger *slog.Logger, onReload func(*ReloadResult, error)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:      cfg,
		path:     path,
		interval: interval,
		logger:   logger.With("component", "config-watcher"),
		onReload: onReload,
	}
}

// Run polls the file until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if data, err := os.ReadFile(w.path); err == nil {
		w.digest, w.known = blake2b.Sum256(data), true
	}
	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("cannot read config file", "path", w.path, "error", err)
		return
	}
	sum := blake2b.Sum256(data)
	if w.known && sum == w.digest {
		return
	}
	// An invalid file is reported once; the next edit retries.
	w.digest, w.known = sum, true

	res, err := w.cfg.Reload(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
	} else {
		res.LogResult(w.logger)
	}
	if w.onReload != nil {
		w.onReload(res, err)
	}
}
