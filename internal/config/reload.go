package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed sections
	Applied []string // successfully applied
	Skipped []string // require restart
}

// hotReloadable lists the sections a running server applies in place.
// Everything else is baked into the engine at startup.
var hotReloadable = map[string]bool{
	"Server.LogLevel": true,
	"Scheduler":       true,
}

// mu protects a Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs it against c and applies
// hot-reloadable changes in place. Other changes are reported as skipped.
// An invalid file leaves c untouched.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	next, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	result := &ReloadResult{}
	diffAndApply(c, next, result)
	return result, nil
}

func diffAndApply(old, next *Config, result *ReloadResult) {
	fields := []struct {
		name  string
		a, b  any
		apply func()
	}{
		{"Server.Port", old.Server.Port, next.Server.Port, nil},
		{"Server.DataDir", old.Server.DataDir, next.Server.DataDir, nil},
		{"Server.LogFormat", old.Server.LogFormat, next.Server.LogFormat, nil},
		{"Server.LogLevel", old.Server.LogLevel, next.Server.LogLevel, func() { old.Server.LogLevel = next.Server.LogLevel }},
		{"Learning", old.Learning, next.Learning, nil},
		{"Reward", old.Reward, next.Reward, nil},
		{"Classifier", old.Classifier, next.Classifier, nil},
		{"Safety", old.Safety, next.Safety, nil},
		{"Proposer", old.Proposer, next.Proposer, nil},
		{"Transfer", old.Transfer, next.Transfer, nil},
		{"Store", old.Store, next.Store, nil},
		{"Variants", old.Variants, next.Variants, nil},
		{"Telemetry", old.Telemetry, next.Telemetry, nil},
		{"Scheduler", old.Scheduler, next.Scheduler, func() { old.Scheduler = next.Scheduler }},
	}
	for _, f := range fields {
		if reflect.DeepEqual(f.a, f.b) {
			continue
		}
		result.Changed = append(result.Changed, f.name)
		if hotReloadable[f.name] && f.apply != nil {
			f.apply()
			result.Applied = append(result.Applied, f.name)
			continue
		}
		result.Skipped = append(result.Skipped, f.name+" (requires restart)")
	}
}

// Has reports whether section was applied.
func (r *ReloadResult) Has(section string) bool {
	for _, s := range r.Applied {
		if s == section {
			return true
		}
	}
	return false
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
	)
	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}
	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}
}

// IsHotReloadable reports whether a changed field is applied without a
// restart.
func IsHotReloadable(field string) bool {
	return hotReloadable[field]
}
