package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/evovariant/internal/policy"
	"github.com/clawinfra/evovariant/internal/scheduler"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, policy.KindQLearning, cfg.Learning.Policy)
	assert.Equal(t, 0.1, cfg.Learning.Alpha)
	assert.Equal(t, 0.75, cfg.Learning.OptimisticInit)
	assert.Equal(t, 1.0, cfg.Reward.Weights.Success)
	assert.Equal(t, 0.5, cfg.Reward.Weights.Quality)
	assert.Equal(t, 0.3, cfg.Reward.Weights.Time)
	assert.Equal(t, 0.5, cfg.Reward.Weights.Error)
	assert.Equal(t, 0.9, cfg.Safety.AutoApplyQ)
	assert.Len(t, cfg.Scheduler.Jobs, 4)

	assert.Equal(t, filepath.Join("data", "state"), filepath.Clean(cfg.Store.Dir))
	assert.Equal(t, filepath.Join("data", "proposals"), filepath.Clean(cfg.Proposer.OutputDir))
	assert.Equal(t, filepath.Join("data", "variants.db"), filepath.Clean(cfg.Variants.DBPath))
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evovariant.toml")
	body := `
[server]
dataDir = "` + filepath.ToSlash(dir) + `"
logLevel = "debug"

[learning]
policy = "ucb1"

[learning.ucb]
c = 2.0

[reward.weights]
success = 0.4
quality = 0.3
time = 0.2
error = 0.1

[telemetry]
sqlitePath = "telemetry.db"

[[classifier.taskTypes]]
name = "infra"
keywords = ["terraform", "helm"]

[scheduler]
enabled = true

[[scheduler.jobs]]
id = "sweep"
enabled = true
[scheduler.jobs.schedule]
kind = "interval"
intervalMs = 1000
[scheduler.jobs.action]
kind = "safety_sweep"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, policy.KindUCB1, cfg.Learning.Policy)
	assert.Equal(t, 2.0, cfg.Learning.UCB.C)
	assert.Equal(t, 0.4, cfg.Reward.Weights.Success)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1.0, cfg.Reward.Max)
	assert.Equal(t, 20, cfg.Safety.Window)

	require.Len(t, cfg.Classifier.TaskTypes, 1)
	assert.Equal(t, "infra", cfg.Classifier.TaskTypes[0].Name)
	require.Len(t, cfg.Scheduler.Jobs, 1)
	assert.Equal(t, scheduler.ActionSafetySweep, cfg.Scheduler.Jobs[0].Action.Kind)

	assert.Equal(t, filepath.Join(dir, "state"), cfg.Store.Dir)
	assert.Equal(t, filepath.Join(dir, "telemetry.db"), cfg.Telemetry.SQLitePath)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "c.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("[server]\nlogLevell = \"debug\"\n"), 0o600))
	_, err := Load(tomlPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	jsonPath := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"server":{"bogus":1}}`), 0o600))
	_, err = Load(jsonPath)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"log level", func(c *Config) { c.Server.LogLevel = "loud" }},
		{"log format", func(c *Config) { c.Server.LogFormat = "xml" }},
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"policy", func(c *Config) { c.Learning.Policy = "softmax" }},
		{"alpha", func(c *Config) { c.Learning.Alpha = 0 }},
		{"reward bounds", func(c *Config) { c.Reward.Min, c.Reward.Max = 1, -1 }},
		{"classifier min score", func(c *Config) { c.Classifier.MinScore = 2 }},
		{"classifier weight", func(c *Config) { c.Classifier.Weights = map[string]float64{"vibes": 1} }},
		{"safety window", func(c *Config) { c.Safety.Window = 0 }},
		{"transfer similarity", func(c *Config) { c.Transfer.MinSimilarity = 0 }},
		{"mqtt broker", func(c *Config) {
			c.Telemetry.MQTT.Enabled = true
			c.Telemetry.MQTT.Broker = ""
		}},
		{"scheduler job", func(c *Config) {
			c.Scheduler.Jobs = []*scheduler.Job{{ID: "x", Schedule: scheduler.ScheduleConfig{Kind: "never"}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"cfg.json", "cfg.toml"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := DefaultConfig()
			cfg.Server.DataDir = dir
			cfg.Learning.Policy = policy.KindThompson
			cfg.Safety.PinCooldownSec = 60
			cfg.Resolve()

			path := filepath.Join(dir, "nested", name)
			require.NoError(t, cfg.Save(path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, policy.KindThompson, loaded.Learning.Policy)
			assert.Equal(t, 60, loaded.Safety.PinCooldownSec)
			assert.Equal(t, cfg.Store.Dir, loaded.Store.Dir)
			assert.Len(t, loaded.Scheduler.Jobs, len(cfg.Scheduler.Jobs))
		})
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/srv/evo"
	cfg.Resolve()

	ec := cfg.Engine()
	assert.Equal(t, cfg.Learning, ec.Policy)
	assert.Equal(t, filepath.Join("/srv/evo", "state"), ec.AuditDir)
	assert.Equal(t, cfg.Store.CompactEvery, ec.CompactEvery)
	assert.Equal(t, filepath.Join("/srv/evo", "proposals"), ec.Proposer.OutputDir)
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")

	cfg := DefaultConfig()
	cfg.Server.DataDir = dir
	cfg.Resolve()
	require.NoError(t, cfg.Save(path))

	next := DefaultConfig()
	next.Server.DataDir = dir
	next.Server.LogLevel = "debug"
	next.Learning.Epsilon = 0.2
	next.Scheduler.Jobs = next.Scheduler.Jobs[:1]
	next.Resolve()
	require.NoError(t, next.Save(path))

	res, err := cfg.Reload(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Server.LogLevel", "Learning", "Scheduler"}, res.Changed)
	assert.True(t, res.Has("Server.LogLevel"))
	assert.True(t, res.Has("Scheduler"))
	assert.False(t, res.Has("Learning"))
	assert.Equal(t, []string{"Learning (requires restart)"}, res.Skipped)

	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Len(t, cfg.Scheduler.Jobs, 1)
	assert.Equal(t, 0.1, cfg.Learning.Epsilon, "restart-only fields stay as they were")

	res, err = cfg.Reload(path)
	require.NoError(t, err)
	assert.Contains(t, res.Changed, "Learning")
	assert.NotContains(t, res.Changed, "Scheduler")
}

func TestReloadInvalidLeavesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"logLevel":"loud"}}`), 0o600))

	cfg := DefaultConfig()
	_, err := cfg.Reload(path)
	require.Error(t, err)
	assert.Equal(t, "info", cfg.Server.LogLevel)
}

func TestHotReloadable(t *testing.T) {
	assert.True(t, IsHotReloadable("Server.LogLevel"))
	assert.False(t, IsHotReloadable("Server.Port"))
}

func startWatcher(t *testing.T, cfg *Config, path string) <-chan reloadReport {
	t.Helper()
	reports := make(chan reloadReport, 4)
	w := NewWatcher(cfg, path, 10*time.Millisecond, nil, func(res *ReloadResult, err error) {
		reports <- reloadReport{res, err}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	// Let Run record the initial digest before the file is touched.
	time.Sleep(30 * time.Millisecond)
	return reports
}

type reloadReport struct {
	res *ReloadResult
	err error
}

func writeConfig(t *testing.T, path string, mutate func(*Config)) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.DataDir = filepath.Dir(path)
	mutate(cfg)
	cfg.Resolve()
	tmp := path + ".tmp.json"
	require.NoError(t, cfg.Save(tmp))
	require.NoError(t, os.Rename(tmp, path))
}

// replaceFile swaps the content in with one rename so a poll never sees a
// half-written file.
func replaceFile(t *testing.T, path string, data []byte) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatcherReloadsChangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	writeConfig(t, path, func(*Config) {})
	cfg, err := Load(path)
	require.NoError(t, err)

	reports := startWatcher(t, cfg, path)
	writeConfig(t, path, func(c *Config) { c.Server.LogLevel = "debug" })

	select {
	case r := <-reports:
		require.NoError(t, r.err)
		assert.True(t, r.res.Has("Server.LogLevel"))
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not reload the changed file")
	}
	RLock()
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	RUnlock()
}

func TestWatcherIgnoresTouchWithoutChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	writeConfig(t, path, func(*Config) {})
	cfg, err := Load(path)
	require.NoError(t, err)

	reports := startWatcher(t, cfg, path)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case r := <-reports:
		t.Fatalf("unexpected reload: %+v", r)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcherReportsInvalidFileOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	writeConfig(t, path, func(*Config) {})
	cfg, err := Load(path)
	require.NoError(t, err)

	reports := startWatcher(t, cfg, path)
	replaceFile(t, path, []byte(`{"server":{"logLevel":"loud"}}`))

	select {
	case r := <-reports:
		require.Error(t, r.err)
		assert.Nil(t, r.res)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the invalid file")
	}
	select {
	case r := <-reports:
		t.Fatalf("invalid file reported twice: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, "info", cfg.Server.LogLevel)
}

func TestWatcherMissingFile(t *testing.T) {
	reports := startWatcher(t, DefaultConfig(), filepath.Join(t.TempDir(), "missing.json"))
	select {
	case r := <-reports:
		t.Fatalf("unexpected reload: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
