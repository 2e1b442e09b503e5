package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/evovariant/internal/classifier"
	"github.com/clawinfra/evovariant/internal/policy"
	"github.com/clawinfra/evovariant/internal/reward"
	"github.com/clawinfra/evovariant/internal/rsi"
	"github.com/clawinfra/evovariant/internal/safety"
	"github.com/clawinfra/evovariant/internal/telemetry"
	"github.com/clawinfra/evovariant/internal/transfer"
	"github.com/clawinfra/evovariant/internal/types"
	"github.com/clawinfra/evovariant/internal/variants"
	"github.com/clawinfra/evovariant/internal/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	dir  string
	cfg  Config
	sink telemetry.Sink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Policy:   policy.DefaultConfig(),
		Reward:   reward.DefaultConfig(),
		Safety:   safety.DefaultConfig(),
		Proposer: rsi.DefaultConfig(),
		Transfer: transfer.DefaultConfig(),
		AuditDir: filepath.Join(dir, "audit"),
	}
	cfg.Policy.Seed = 42
	cfg.Proposer.OutputDir = filepath.Join(dir, "proposals")
	return &harness{dir: dir, cfg: cfg}
}

func (h *harness) open(t *testing.T, ids ...string) *Engine {
	t.Helper()
	logger := testLogger()
	repo := variants.NewRepository(nil, logger)
	for _, id := range append([]string{types.DefaultVariantID}, ids...) {
		require.NoError(t, repo.Save(types.Variant{ID: id, Agent: "coder", Temperature: 0.5}))
	}
	log, err := wal.Open(wal.Config{Dir: filepath.Join(h.dir, "state"), MaxPending: 100}, logger)
	require.NoError(t, err)

	e, err := New(h.cfg, Deps{
		Classifier: classifier.New(classifier.DefaultConfig(), logger),
		Variants:   repo,
		Log:        log,
		Sink:       h.sink,
	}, logger)
	require.NoError(t, err)
	require.NoError(t, e.Recover(context.Background()))
	return e
}

var (
	good = types.Outcome{Success: true, QualityScore: 1, DurationSeconds: 10}
	bad  = types.Outcome{Success: false, QualityScore: 0, DurationSeconds: 200, ErrorCount: 2}
)

func TestSelectUnknownAgentFallsBack(t *testing.T) {
	e := newHarness(t).open(t)
	defer e.Close()

	sel := e.SelectVariant(context.Background(), "nobody", "write docs", nil)
	assert.Equal(t, types.DefaultVariantID, sel.VariantID)
	assert.Equal(t, types.StatusFallback, sel.Status)
	assert.False(t, sel.Exploration)
	assert.NotEmpty(t, sel.Reason)
}

func TestSelectClassifiesRequest(t *testing.T) {
	e := newHarness(t).open(t, "api-expert")
	defer e.Close()

	sel := e.SelectVariant(context.Background(), "coder",
		"Create REST API endpoints for user management", []string{"src/routes/users.ts"})
	assert.Equal(t, "api-design", sel.TaskType)
	assert.Greater(t, sel.Confidence, 0.0)
	assert.Equal(t, types.StatusOK, sel.Status)
	assert.Contains(t, []string{"default", "api-expert"}, sel.VariantID)
	assert.Equal(t, policy.KindQLearning, sel.Policy)
	assert.Equal(t, "no learned preference exists yet", sel.Reason)
}

func TestRecordOutcomeUpdatesPolicy(t *testing.T) {
	e := newHarness(t).open(t)
	defer e.Close()

	res, err := e.RecordOutcome(context.Background(), "coder", "backend", "default", good)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, res.Status)
	assert.True(t, res.Persisted)
	assert.InDelta(t, 1.0, res.Reward, 1e-12, "reward is clamped to the upper bound")
	assert.Equal(t, uint64(1), res.Entry.N)
	assert.InDelta(t, 0.775, res.Entry.Q, 1e-12)
	assert.Equal(t, types.DecisionNoAction, res.Decision.Decision)

	v, err := e.Variants().Load("coder", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Metrics.Overall.Invocations)
	assert.Equal(t, int64(1), v.Metrics.ByTaskType["backend"].Invocations)
}

func TestRecordOutcomeUnknownVariant(t *testing.T) {
	e := newHarness(t).open(t)
	defer e.Close()

	res, err := e.RecordOutcome(context.Background(), "coder", "backend", "ghost", good)
	require.Error(t, err)
	assert.True(t, errors.Is(err, variants.ErrVariantNotFound))
	assert.Equal(t, types.StatusFatal, res.Status)
	assert.Empty(t, e.Keys())
}

func TestSafetyDecisionForUnknownKey(t *testing.T) {
	e := newHarness(t).open(t)
	defer e.Close()

	d := e.GetSafetyDecision("coder", "backend", "default")
	assert.Equal(t, types.DecisionNoAction, d.Decision)
	assert.Equal(t, uint64(0), d.NVisits)
}

func entriesByKey(es []types.QEntry) map[types.StateActionKey]types.QEntry {
	out := make(map[types.StateActionKey]types.QEntry, len(es))
	for _, e := range es {
		out[e.Key] = e
	}
	return out
}

func assertSameEntries(t *testing.T, want, got []types.QEntry) {
	t.Helper()
	require.Len(t, got, len(want))
	g := entriesByKey(got)
	for _, w := range want {
		e, ok := g[w.Key]
		require.True(t, ok, "missing %s", w.Key)
		assert.Equal(t, w.N, e.N, "visits of %s", w.Key)
		assert.Equal(t, w.Q, e.Q, "q of %s", w.Key)
	}
}

func TestRecoverReplaysLog(t *testing.T) {
	h := newHarness(t)
	e := h.open(t, "fast")
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		out := good
		if i%3 == 0 {
			out = bad
		}
		_, err := e.RecordOutcome(ctx, "coder", "backend", []string{"default", "fast"}[i%2], out)
		require.NoError(t, err)
		_, err = e.RecordOutcome(ctx, "coder", "testing", "fast", out, WithComplexity(types.ComplexityHigh))
		require.NoError(t, err)
	}
	want := e.Keys()
	require.NoError(t, e.Close())

	e2 := h.open(t, "fast")
	defer e2.Close()
	assertSameEntries(t, want, e2.Keys())
}

func TestRecordOutcomeRejectsWildcardTaskType(t *testing.T) {
	h := newHarness(t)
	e := h.open(t, "fast")
	_, err := e.RecordOutcome(context.Background(), "coder", "*", "fast", good)
	require.ErrorIs(t, err, classifier.ErrInvalidTaskType)
	for _, en := range e.Keys() {
		assert.NotEqual(t, "*", en.Key.TaskType)
	}
}

func TestRecoverFromSnapshotAndTail(t *testing.T) {
	h := newHarness(t)
	e := h.open(t, "fast")
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := e.RecordOutcome(ctx, "coder", "backend", "fast", good)
		require.NoError(t, err)
	}
	_, err := e.Compact()
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := e.RecordOutcome(ctx, "coder", "backend", "fast", bad)
		require.NoError(t, err)
		_, err = e.RecordOutcome(ctx, "coder", "database", "default", good)
		require.NoError(t, err)
	}
	want := e.Keys()
	require.NoError(t, e.Close())

	e2 := h.open(t, "fast")
	defer e2.Close()
	assertSameEntries(t, want, e2.Keys())
}

func TestConcurrentRecordsOnOneKeyLoseNothing(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := types.Outcome{Success: i%2 == 0, QualityScore: float64(i%10) / 10, DurationSeconds: float64(i)}
			_, err := e.RecordOutcome(ctx, "coder", "backend", "default", out)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	live := e.Keys()
	require.Len(t, live, 1)
	assert.Equal(t, uint64(n), live[0].N)
	require.NoError(t, e.Close())

	// Replaying the log in sequence order reproduces the live value exactly.
	e2 := h.open(t)
	defer e2.Close()
	assertSameEntries(t, live, e2.Keys())
}

func TestPromotionThenDegradationRollsBack(t *testing.T) {
	e := newHarness(t).open(t, "fast")
	defer e.Close()
	ctx := context.Background()

	promoted := false
	for i := 0; i < 10; i++ {
		res, err := e.RecordOutcome(ctx, "coder", "backend", "fast", good)
		require.NoError(t, err)
		promoted = promoted || res.Promoted
	}
	require.True(t, promoted, "fast should reach auto_apply after 10 good outcomes")
	assert.Equal(t, "fast", e.Current("coder", "backend"))
	assert.Equal(t, types.DecisionAutoApply, e.GetSafetyDecision("coder", "backend", "fast").Decision)

	var rb *types.RollbackEvent
	for i := 0; i < 5 && rb == nil; i++ {
		res, err := e.RecordOutcome(ctx, "coder", "backend", "fast", bad)
		require.NoError(t, err)
		rb = res.Rollback
	}
	require.NotNil(t, rb, "degradation of the active variant should roll back")
	assert.Equal(t, "fast", rb.FromVariant)
	assert.Equal(t, types.DefaultVariantID, rb.ToVariant)

	sel := e.SelectForTaskType("coder", "backend", types.ComplexityMedium, 0)
	assert.Equal(t, types.DefaultVariantID, sel.VariantID)
	assert.False(t, sel.Exploration)
	assert.Equal(t, "pinned after rollback", sel.Reason)

	events, err := e.Rollbacks().Events()
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestNoRollbackWhenDegradedVariantIsNotCurrent(t *testing.T) {
	e := newHarness(t).open(t, "fast")
	defer e.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := e.RecordOutcome(ctx, "coder", "backend", "default", good)
		require.NoError(t, err)
	}
	for i := 0; i < 20; i++ {
		_, err := e.RecordOutcome(ctx, "coder", "backend", "fast", types.Outcome{Success: false, QualityScore: 0.8, DurationSeconds: 60})
		require.NoError(t, err)
	}
	require.Equal(t, types.DefaultVariantID, e.Current("coder", "backend"))

	for i := 0; i < 5; i++ {
		res, err := e.RecordOutcome(ctx, "coder", "backend", "fast", bad)
		require.NoError(t, err)
		assert.Nil(t, res.Rollback)
	}
}

func TestManualRollbackFromDefaultWithoutAlternative(t *testing.T) {
	e := newHarness(t).open(t)
	defer e.Close()

	_, ok := e.Rollback(context.Background(), "coder", "backend", types.DefaultVariantID, "operator request")
	assert.False(t, ok)
}

type fakeExecutor struct {
	outcome types.Outcome
	err     error
	block   bool
}

func (f fakeExecutor) Execute(ctx context.Context, _ string, _ types.Variant, _ string) (types.Outcome, error) {
	if f.block {
		<-ctx.Done()
		return types.Outcome{}, ctx.Err()
	}
	return f.outcome, f.err
}

func TestExecuteRecordsOutcome(t *testing.T) {
	e := newHarness(t).open(t)
	defer e.Close()

	res, err := e.Execute(context.Background(), fakeExecutor{outcome: good}, "coder", "Optimize the slow SQL query", nil)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultVariantID, res.Selection.VariantID)
	assert.Equal(t, uint64(1), res.Record.Entry.N)
}

func TestExecuteCancelledRecordsNothing(t *testing.T) {
	e := newHarness(t).open(t)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, fakeExecutor{block: true}, "coder", "Optimize the slow SQL query", nil)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Empty(t, e.Keys())
}

func TestExecuteErrorRecordedAsFailure(t *testing.T) {
	e := newHarness(t).open(t)
	defer e.Close()

	res, err := e.Execute(context.Background(), fakeExecutor{err: errors.New("tool crashed")}, "coder", "fix the bug", nil)
	require.NoError(t, err)
	assert.False(t, res.Outcome.Success)
	assert.Equal(t, uint32(1), res.Outcome.ErrorCount)
	assert.Less(t, res.Record.Reward, 0.0)
}

func TestSeedTransferIsReplayed(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()

	// A variant specialized in both task types relates them.
	require.NoError(t, e.Variants().Save(types.Variant{
		ID: "default", Agent: "coder", Temperature: 0.5,
		Specialization: []string{"backend", "api-design"},
	}))
	for i := 0; i < 8; i++ {
		_, err := e.RecordOutcome(ctx, "coder", "backend", "default", good)
		require.NoError(t, err)
	}
	seeded, err := e.SeedTransfer(ctx)
	require.NoError(t, err)
	require.Greater(t, seeded, 0)

	want := e.Keys()
	again, err := e.SeedTransfer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again, "seeding is idempotent")
	require.NoError(t, e.Close())

	e2 := h.open(t)
	defer e2.Close()
	assertSameEntries(t, want, e2.Keys())
}

func TestProposeVariants(t *testing.T) {
	e := newHarness(t).open(t)
	defer e.Close()
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		_, err := e.RecordOutcome(ctx, "coder", "documentation", "default", bad)
		require.NoError(t, err)
	}
	props, err := e.ProposeVariants(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, props)

	kinds := map[types.ProposalType]bool{}
	for _, p := range props {
		kinds[p.Type] = true
		assert.Equal(t, types.ProposalPending, p.Status)
	}
	assert.True(t, kinds[types.ProposalNewSpecialized])
	assert.True(t, kinds[types.ProposalImproveDefault])

	// Proposals never change the repository.
	assert.Equal(t, []string{"default"}, e.Variants().List("coder"))
}

func TestBackgroundCompaction(t *testing.T) {
	h := newHarness(t)
	h.cfg.CompactEvery = 5
	e := h.open(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := e.RecordOutcome(ctx, "coder", "backend", "default", good)
		require.NoError(t, err)
	}
	want := e.Keys()
	require.NoError(t, e.Close())

	e2 := h.open(t)
	defer e2.Close()
	assertSameEntries(t, want, e2.Keys())
	assert.Equal(t, uint64(12), e2.Status().Samples)
}

func promoteFast(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; i < 10; i++ {
		_, err := e.RecordOutcome(context.Background(), "coder", "backend", "fast", good)
		require.NoError(t, err)
	}
	require.Equal(t, "fast", e.Current("coder", "backend"))
}

func recordUntilRollback(t *testing.T, e *Engine) *types.RollbackEvent {
	t.Helper()
	for i := 0; i < 5; i++ {
		res, err := e.RecordOutcome(context.Background(), "coder", "backend", "fast", bad)
		require.NoError(t, err)
		if res.Rollback != nil {
			return res.Rollback
		}
	}
	return nil
}

func TestRestartKeepsPromotionAndBaseline(t *testing.T) {
	h := newHarness(t)
	e := h.open(t, "fast")
	promoteFast(t, e)
	require.NoError(t, e.Close())

	e2 := h.open(t, "fast")
	defer e2.Close()
	assert.Equal(t, "fast", e2.Current("coder", "backend"))
	assert.Equal(t, 10, e2.monitor.Detector().Report(types.StateActionKey{
		Agent: "coder", TaskType: "backend", VariantID: "fast",
	}).Baseline.Samples)

	rb := recordUntilRollback(t, e2)
	require.NotNil(t, rb, "a degraded promoted variant must roll back after a restart")
	assert.Equal(t, "fast", rb.FromVariant)
	assert.Equal(t, types.DefaultVariantID, rb.ToVariant)
}

func TestRestartFromSnapshotKeepsPromotionAndBaseline(t *testing.T) {
	h := newHarness(t)
	e := h.open(t, "fast")
	promoteFast(t, e)
	snap, err := e.Compact()
	require.NoError(t, err)
	require.NotEmpty(t, snap.Aux)
	require.NoError(t, e.Close())

	e2 := h.open(t, "fast")
	defer e2.Close()
	assert.Equal(t, "fast", e2.Current("coder", "backend"))

	rb := recordUntilRollback(t, e2)
	require.NotNil(t, rb)
	assert.Equal(t, "fast", rb.FromVariant)
}

func TestRestartAfterRollbackDoesNotRestorePromotion(t *testing.T) {
	h := newHarness(t)
	e := h.open(t, "fast")
	promoteFast(t, e)
	require.NotNil(t, recordUntilRollback(t, e))
	require.NoError(t, e.Close())

	e2 := h.open(t, "fast")
	defer e2.Close()
	e2.activeMu.RLock()
	_, promoted := e2.active[pairKey{"coder", "backend"}]
	e2.activeMu.RUnlock()
	assert.False(t, promoted)
	assert.Equal(t, types.DefaultVariantID, e2.Current("coder", "backend"), "rollback pin")
}

func TestReplayOrderKeepsPerKeyOrder(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	a := types.StateActionKey{Agent: "coder", TaskType: "backend", VariantID: "a"}
	b := types.StateActionKey{Agent: "coder", TaskType: "backend", VariantID: "b"}
	samples := []types.RewardSample{
		{Key: a, Seq: 1, Timestamp: base.Add(3 * time.Second)},
		{Key: a, Seq: 2, Timestamp: base.Add(1 * time.Second)}, // clock stepped back
		{Key: b, Seq: 1, Timestamp: base.Add(2 * time.Second)},
		{Key: b, Seq: 2, Timestamp: base.Add(4 * time.Second)},
	}
	assert.Equal(t, []int{2, 0, 1, 3}, replayOrder(samples))
}

type captureSink struct {
	mu      sync.Mutex
	records []types.TelemetryRecord
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Emit(_ context.Context, rec types.TelemetryRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *captureSink) Close() error { return nil }

func TestExecuteReportsExplorationOnOutcome(t *testing.T) {
	h := newHarness(t)
	h.cfg.Policy.Epsilon = 1
	sink := &captureSink{}
	h.sink = sink
	e := h.open(t, "fast")
	defer e.Close()

	res, err := e.Execute(context.Background(), fakeExecutor{outcome: good}, "coder", "fix the bug", nil)
	require.NoError(t, err)
	require.True(t, res.Selection.Exploration)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var outcome *types.TelemetryRecord
	for i := range sink.records {
		if sink.records[i].Event == types.EventOutcome {
			outcome = &sink.records[i]
		}
	}
	require.NotNil(t, outcome)
	assert.True(t, outcome.Exploration)
	assert.Equal(t, res.Selection.VariantID, outcome.VariantID)
}
