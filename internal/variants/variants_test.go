package variants

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/evovariant/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleVariant() types.Variant {
	return types.Variant{
		ID:                  "api-specialist",
		Agent:               "backend-architect",
		Description:         "Tuned for REST and GraphQL design",
		Specialization:      []string{"api-design", "backend"},
		ModelTier:           "sonnet",
		Temperature:         0.4,
		PromptModifications: []string{"Prefer OpenAPI-first design", "Always version endpoints"},
		Params:              map[string]string{"max_tokens": "4096"},
		Metrics: types.PerformanceMetrics{
			Overall: types.Metrics{Invocations: 12, SuccessRate: 0.75, AvgQuality: 0.8, AvgDuration: 95.5, AvgErrors: 0.25},
			ByTaskType: map[string]types.Metrics{
				"api-design": {Invocations: 10, SuccessRate: 0.8, AvgQuality: 0.85, AvgDuration: 90, AvgErrors: 0.1},
			},
		},
	}
}

func TestVariantYAMLRoundTrip(t *testing.T) {
	orig := sampleVariant()

	data, err := Marshal(orig)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestUnmarshalRejectsUnknownFields(t *testing.T) {
	_, err := Unmarshal([]byte("variant_id: x\nagent_name: a\nbogus: 1\n"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte("variant_id: x\n"))
	assert.Error(t, err)
}

func TestRepositoryLoadAndNotFound(t *testing.T) {
	repo := NewRepository(nil, testLogger())
	require.NoError(t, repo.Save(types.Variant{ID: "default", Agent: "a"}))
	require.NoError(t, repo.Save(sampleVariant()))

	v, err := repo.Load("a", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", v.ID)

	_, err = repo.Load("a", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVariantNotFound))
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.VariantID)
}

func TestRepositoryLoadReturnsCopy(t *testing.T) {
	repo := NewRepository(nil, testLogger())
	require.NoError(t, repo.Save(sampleVariant()))

	v, err := repo.Load("backend-architect", "api-specialist")
	require.NoError(t, err)
	v.Specialization[0] = "mutated"
	v.Params["max_tokens"] = "1"

	again, err := repo.Load("backend-architect", "api-specialist")
	require.NoError(t, err)
	assert.Equal(t, "api-design", again.Specialization[0])
	assert.Equal(t, "4096", again.Params["max_tokens"])
}

func TestUpdateMetricsRunningAverage(t *testing.T) {
	repo := NewRepository(nil, testLogger())
	require.NoError(t, repo.Save(types.Variant{ID: "default", Agent: "a"}))

	outcomes := []types.Outcome{
		{Success: true, QualityScore: 0.9, DurationSeconds: 10, ErrorCount: 0},
		{Success: false, QualityScore: 0.3, DurationSeconds: 30, ErrorCount: 2},
		{Success: true, QualityScore: 0.6, DurationSeconds: 20, ErrorCount: 1},
	}
	for i, o := range outcomes {
		tt := "api-design"
		if i == 2 {
			tt = "testing"
		}
		require.NoError(t, repo.UpdateMetrics("a", "default", tt, o))
	}

	v, err := repo.Load("a", "default")
	require.NoError(t, err)
	m := v.Metrics.Overall
	assert.Equal(t, int64(3), m.Invocations)
	assert.InDelta(t, 2.0/3.0, m.SuccessRate, 1e-12)
	assert.InDelta(t, 0.6, m.AvgQuality, 1e-12)
	assert.InDelta(t, 20, m.AvgDuration, 1e-12)
	assert.InDelta(t, 1, m.AvgErrors, 1e-12)

	api := v.Metrics.ByTaskType["api-design"]
	assert.Equal(t, int64(2), api.Invocations)
	assert.InDelta(t, 0.5, api.SuccessRate, 1e-12)
	assert.InDelta(t, 0.6, api.AvgQuality, 1e-12)
	assert.Equal(t, int64(1), v.Metrics.ByTaskType["testing"].Invocations)

	assert.ErrorIs(t, repo.UpdateMetrics("a", "nope", "x", types.Outcome{}), ErrVariantNotFound)
}

func TestUpdateMetricsConcurrent(t *testing.T) {
	repo := NewRepository(nil, testLogger())
	require.NoError(t, repo.Save(types.Variant{ID: "default", Agent: "a"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.UpdateMetrics("a", "default", "x", types.Outcome{Success: true, QualityScore: 1})
		}()
	}
	wg.Wait()

	v, err := repo.Load("a", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(50), v.Metrics.Overall.Invocations)
	assert.InDelta(t, 1.0, v.Metrics.Overall.SuccessRate, 1e-9)
}

// slowStore delays every write by a varying amount so concurrent writes of
// one variant would finish out of order if they were not serialized.
type slowStore struct {
	mu    sync.Mutex
	calls int
	saved map[string]types.Variant
}

func (s *slowStore) SaveVariant(_ context.Context, v types.Variant) error {
	s.mu.Lock()
	s.calls++
	delay := time.Duration(s.calls%7) * 30 * time.Microsecond
	s.mu.Unlock()
	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]types.Variant)
	}
	s.saved[v.Agent+"/"+v.ID] = v
	return nil
}

func (s *slowStore) LoadVariants(context.Context) ([]types.Variant, error) { return nil, nil }

func TestUpdateMetricsLastWriteIsNewest(t *testing.T) {
	store := &slowStore{}
	repo := NewRepository(store, testLogger())
	require.NoError(t, repo.Save(types.Variant{ID: "default", Agent: "a"}))

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.UpdateMetrics("a", "default", "x", types.Outcome{Success: true, QualityScore: 1})
		}()
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, int64(n), store.saved["a/default"].Metrics.Overall.Invocations)
}

func TestRetirePersistsRetiredFlag(t *testing.T) {
	store := &slowStore{}
	repo := NewRepository(store, testLogger())
	require.NoError(t, repo.Save(types.Variant{ID: "default", Agent: "a"}))
	require.NoError(t, repo.Save(types.Variant{ID: "fast", Agent: "a"}))
	require.NoError(t, repo.UpdateMetrics("a", "fast", "x", types.Outcome{Success: true}))
	require.NoError(t, repo.Retire("a", "fast"))

	store.mu.Lock()
	defer store.mu.Unlock()
	saved := store.saved["a/fast"]
	assert.True(t, saved.Retired)
	assert.Equal(t, int64(1), saved.Metrics.Overall.Invocations)
}

func TestRetire(t *testing.T) {
	repo := NewRepository(nil, testLogger())
	require.NoError(t, repo.Save(types.Variant{ID: "default", Agent: "a"}))
	require.NoError(t, repo.Save(types.Variant{ID: "fast", Agent: "a"}))

	assert.Error(t, repo.Retire("a", "default"))
	require.NoError(t, repo.Retire("a", "fast"))

	assert.Equal(t, []string{"default", "fast"}, repo.List("a"))
	assert.Equal(t, []string{"default"}, repo.Candidates("a"))
	assert.True(t, repo.Exists("a", "fast"))
}

func TestCheckDefaults(t *testing.T) {
	repo := NewRepository(nil, testLogger())
	require.NoError(t, repo.Save(types.Variant{ID: "fast", Agent: "a"}))
	assert.ErrorIs(t, repo.CheckDefaults(), ErrDefaultMissing)

	require.NoError(t, repo.Save(types.Variant{ID: "default", Agent: "a"}))
	assert.NoError(t, repo.CheckDefaults())
}

func writeRaw(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
}

func TestLoadRepositoryExcludesInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteFile(dir, types.Variant{ID: "default", Agent: "frontend-developer", Temperature: 0.7})
	require.NoError(t, err)
	_, err = WriteFile(dir, sampleVariant())
	require.NoError(t, err)
	_, err = WriteFile(dir, types.Variant{ID: "default", Agent: "backend-architect"})
	require.NoError(t, err)
	writeRaw(t, dir, "frontend-developer/broken.yaml", "variant_id: broken\nagent_name: frontend-developer\ntemperature: 9\n")
	writeRaw(t, dir, "frontend-developer/garbage.yml", ":::not yaml")
	writeRaw(t, dir, "README.txt", "ignored")

	vs, invalid, err := LoadDir(context.Background(), dir, testLogger())
	require.NoError(t, err)
	assert.Len(t, vs, 3)
	assert.Len(t, invalid, 2)
	for _, e := range invalid {
		assert.ErrorIs(t, e, ErrConfigInvalid)
		assert.True(t, IsConfigError(e))
	}

	repo, err := LoadRepository(context.Background(), dir, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"backend-architect", "frontend-developer"}, repo.Agents())
	assert.Equal(t, []string{"api-specialist", "default"}, repo.List("backend-architect"))
	assert.Equal(t, []string{"default"}, repo.List("frontend-developer"))
}

func TestLoadRepositoryInvalidDefaultIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeRaw(t, dir, "a/default.yaml", "variant_id: default\nagent_name: a\ntemperature: -1\n")

	_, err := LoadRepository(context.Background(), dir, nil, testLogger())
	assert.ErrorIs(t, err, ErrDefaultMissing)
}

func TestLoadRepositoryMissingDefaultIsFatal(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteFile(dir, types.Variant{ID: "fast", Agent: "a"})
	require.NoError(t, err)

	_, err = LoadRepository(context.Background(), dir, nil, testLogger())
	assert.ErrorIs(t, err, ErrDefaultMissing)
}

func TestSQLiteStorePersistsMetrics(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSQLiteStore(filepath.Join(dir, "variants.db"))
	require.NoError(t, err)
	defer store.Close()

	repo := NewRepository(store, testLogger())
	require.NoError(t, repo.Save(types.Variant{ID: "default", Agent: "a"}))
	require.NoError(t, repo.Save(types.Variant{ID: "fast", Agent: "a"}))
	require.NoError(t, repo.UpdateMetrics("a", "default", "testing", types.Outcome{Success: true, QualityScore: 0.5}))
	require.NoError(t, repo.Retire("a", "fast"))

	fresh := NewRepository(store, testLogger())
	require.NoError(t, fresh.put(types.Variant{ID: "default", Agent: "a"}))
	require.NoError(t, fresh.put(types.Variant{ID: "fast", Agent: "a"}))
	require.NoError(t, fresh.RestoreMetrics(context.Background()))

	v, err := fresh.Load("a", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Metrics.Overall.Invocations)
	assert.Equal(t, 0.5, v.Metrics.ByTaskType["testing"].AvgQuality)
	assert.Equal(t, []string{"default"}, fresh.Candidates("a"))
}
