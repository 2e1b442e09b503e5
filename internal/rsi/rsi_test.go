package rsi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/clawinfra/evovariant/internal/types"
)

type fakeVariants map[string][]types.Variant

func (f fakeVariants) Agents() []string {
	var out []string
	for a := range f {
		out = append(out, a)
	}
	return out
}

func (f fakeVariants) Candidates(agent string) []string {
	var out []string
	for _, v := range f[agent] {
		if !v.Retired {
			out = append(out, v.ID)
		}
	}
	return out
}

func (f fakeVariants) Load(agent, id string) (types.Variant, error) {
	for _, v := range f[agent] {
		if v.ID == id {
			return v, nil
		}
	}
	return types.Variant{}, errors.New("not found")
}

type fakeEntries []types.QEntry

func (f fakeEntries) Entries() []types.QEntry { return f }

func entry(agent, taskType, id string, q float64, n uint64) types.QEntry {
	return types.QEntry{Key: types.StateActionKey{Agent: agent, TaskType: taskType, VariantID: id}, Q: q, N: n}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "proposals")
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func byType(props []types.VariantProposal, pt types.ProposalType) []types.VariantProposal {
	var out []types.VariantProposal
	for _, p := range props {
		if p.Type == pt {
			out = append(out, p)
		}
	}
	return out
}

func TestAnalyzeDefaultBelowFloor(t *testing.T) {
	vars := fakeVariants{"coder": {{ID: "default", Agent: "coder"}}}
	a := NewAnalyzer(DefaultConfig())

	props := a.Analyze([]types.QEntry{entry("coder", "documentation", "default", 0.3, 20)}, vars, 10)
	got := byType(props, types.ProposalNewSpecialized)
	if len(got) != 1 {
		t.Fatalf("expected 1 new_specialized proposal, got %d (%+v)", len(got), props)
	}
	if got[0].VariantID != "documentation-specialist" {
		t.Errorf("unexpected suggested id %q", got[0].VariantID)
	}
	if got[0].Confidence <= 0 || got[0].Confidence > 1 {
		t.Errorf("confidence %v out of (0,1]", got[0].Confidence)
	}
	if got[0].Reasoning == "" {
		t.Error("reasoning should be set")
	}
}

func TestAnalyzeFloorSkippedWhenSpecialistExists(t *testing.T) {
	vars := fakeVariants{"coder": {
		{ID: "default", Agent: "coder"},
		{ID: "writer", Agent: "coder", Specialization: []string{"documentation"}},
	}}
	a := NewAnalyzer(DefaultConfig())

	props := a.Analyze([]types.QEntry{entry("coder", "documentation", "default", 0.3, 20)}, vars, 10)
	if n := len(byType(props, types.ProposalNewSpecialized)); n != 0 {
		t.Fatalf("expected no new_specialized proposal, got %d", n)
	}
}

func TestAnalyzeSpecializedGap(t *testing.T) {
	vars := fakeVariants{"coder": {
		{ID: "default", Agent: "coder"},
		{ID: "api-expert", Agent: "coder"},
		{ID: "quick", Agent: "coder"},
	}}
	a := NewAnalyzer(DefaultConfig())

	entries := []types.QEntry{
		entry("coder", "api-design", "default", 0.5, 20),
		entry("coder", "api-design", "api-expert", 0.7, 20),
		entry("coder", "api-design", "quick", 0.9, 3),
	}
	got := byType(a.Analyze(entries, vars, 10), types.ProposalPromote)
	if len(got) != 1 {
		t.Fatalf("expected 1 promote proposal, got %d", len(got))
	}
	if got[0].VariantID != "api-expert" {
		t.Errorf("expected api-expert, got %q (under-sampled variants must not count)", got[0].VariantID)
	}
	if g := got[0].SupportingData["gap_ratio"]; g < 0.39 || g > 0.41 {
		t.Errorf("gap_ratio = %v, want 0.4", g)
	}
}

func TestAnalyzeSmallGapIgnored(t *testing.T) {
	vars := fakeVariants{"coder": {{ID: "default", Agent: "coder"}, {ID: "v2", Agent: "coder"}}}
	a := NewAnalyzer(DefaultConfig())

	entries := []types.QEntry{
		entry("coder", "backend", "default", 0.7, 20),
		entry("coder", "backend", "v2", 0.8, 20),
	}
	if props := a.Analyze(entries, vars, 10); len(props) != 0 {
		t.Fatalf("expected no proposals, got %+v", props)
	}
}

func TestAnalyzeDefaultUnderperforming(t *testing.T) {
	vars := fakeVariants{"coder": {{ID: "default", Agent: "coder"}}}
	a := NewAnalyzer(DefaultConfig())

	got := byType(a.Analyze([]types.QEntry{entry("coder", "backend", "default", 0.55, 60)}, vars, 10), types.ProposalImproveDefault)
	if len(got) != 1 {
		t.Fatalf("expected 1 improve_default proposal, got %d", len(got))
	}

	got = byType(a.Analyze([]types.QEntry{entry("coder", "backend", "default", 0.55, 49)}, vars, 10), types.ProposalImproveDefault)
	if len(got) != 0 {
		t.Fatal("49 samples should not trigger underperformance")
	}
}

func TestAnalyzeRetire(t *testing.T) {
	vars := fakeVariants{"coder": {{ID: "default", Agent: "coder"}, {ID: "bad", Agent: "coder"}}}
	a := NewAnalyzer(DefaultConfig())

	entries := []types.QEntry{
		entry("coder", "backend", "default", 0.7, 20),
		entry("coder", "backend", "bad", 0.1, 20),
		entry("coder", "testing", "bad", 0.0, 30),
	}
	got := byType(a.Analyze(entries, vars, 10), types.ProposalRetire)
	if len(got) != 1 {
		t.Fatalf("expected 1 retire proposal, got %d", len(got))
	}
	if got[0].VariantID != "bad" || got[0].SupportingData["samples"] != 50 {
		t.Errorf("unexpected retire proposal %+v", got[0])
	}
}

func TestAnalyzeRespectsMinSamples(t *testing.T) {
	vars := fakeVariants{"coder": {{ID: "default", Agent: "coder"}}}
	a := NewAnalyzer(DefaultConfig())

	if props := a.Analyze([]types.QEntry{entry("coder", "backend", "default", 0.1, 5)}, vars, 10); len(props) != 0 {
		t.Fatalf("expected no proposals below min samples, got %d", len(props))
	}
}

func TestProposeWritesPendingAndDedupes(t *testing.T) {
	cfg := testConfig(t)
	vars := fakeVariants{"coder": {{ID: "default", Agent: "coder"}}}
	entries := fakeEntries{entry("coder", "documentation", "default", 0.3, 20)}

	p, err := NewProposer(cfg, entries, vars, testLogger())
	if err != nil {
		t.Fatalf("NewProposer: %v", err)
	}

	first, err := p.Propose(context.Background(), 10)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(first))
	}
	if first[0].Status != types.ProposalPending || first[0].ID == "" {
		t.Errorf("proposal should be pending with an id: %+v", first[0])
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, first[0].ID+".json")); err != nil {
		t.Fatalf("proposal file not written: %v", err)
	}

	again, err := p.Propose(context.Background(), 10)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("pending proposal should not be repeated, got %d", len(again))
	}

	if _, err := p.Store().SetStatus(first[0].ID, types.ProposalRejected); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	again, err = p.Propose(context.Background(), 10)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("reviewed trigger may be proposed again, got %d", len(again))
	}

	all, err := p.Store().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 stored proposals, got %d", len(all))
	}
}

func TestConcurrentProposeWritesTriggerOnce(t *testing.T) {
	cfg := testConfig(t)
	vars := fakeVariants{"coder": {{ID: "default", Agent: "coder"}}}
	entries := fakeEntries{entry("coder", "documentation", "default", 0.3, 20)}
	p, err := NewProposer(cfg, entries, vars, testLogger())
	if err != nil {
		t.Fatalf("NewProposer: %v", err)
	}

	const scans = 8
	written := make(chan int, scans)
	var wg sync.WaitGroup
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := p.Propose(context.Background(), 10)
			if err != nil {
				t.Errorf("Propose: %v", err)
			}
			written <- len(out)
		}()
	}
	wg.Wait()
	close(written)

	total := 0
	for n := range written {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected the trigger to be written once, got %d", total)
	}
	all, err := p.Store().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 stored proposal, got %d", len(all))
	}
}

func TestProposeNeverMutatesVariants(t *testing.T) {
	cfg := testConfig(t)
	vars := fakeVariants{"coder": {{ID: "default", Agent: "coder"}, {ID: "bad", Agent: "coder"}}}
	entries := fakeEntries{
		entry("coder", "backend", "default", 0.5, 60),
		entry("coder", "backend", "bad", 0.05, 30),
	}
	p, err := NewProposer(cfg, entries, vars, testLogger())
	if err != nil {
		t.Fatalf("NewProposer: %v", err)
	}
	if _, err := p.Propose(context.Background(), 10); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(vars["coder"]) != 2 || vars["coder"][1].Retired {
		t.Fatal("proposer must not change variants")
	}
}

func TestSetStatusUnknown(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.SetStatus("missing", types.ProposalApproved); !errors.Is(err, ErrProposalNotFound) {
		t.Fatalf("expected ErrProposalNotFound, got %v", err)
	}
}
