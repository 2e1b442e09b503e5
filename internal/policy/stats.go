package policy

import (
	"time"

	"github.com/clawinfra/evovariant/internal/qtable"
	"github.com/clawinfra/evovariant/internal/types"
)

// stats is the per-key QEntry table every policy exposes to the safety
// monitor, rollback and proposer.
type stats struct {
	table  *qtable.Table[types.QEntry]
	bounds Bounds
}

func newStats(b Bounds) stats {
	return stats{table: qtable.New[types.QEntry](), bounds: b}
}

func (s *stats) Entry(k types.StateActionKey) (types.QEntry, bool) {
	return s.table.Get(k)
}

func (s *stats) Entries() []types.QEntry {
	keys := s.table.Keys()
	out := make([]types.QEntry, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.table.Get(k); ok {
			out = append(out, e)
		}
	}
	return out
}

// seed installs q as the initial estimate of k if k has no real samples.
func (s *stats) seed(k types.StateActionKey, q float64) bool {
	applied := false
	s.table.Update(k, func(cur types.QEntry, exists bool) types.QEntry {
		if exists && cur.N > 0 {
			return cur
		}
		applied = true
		return types.QEntry{Key: k, Q: s.bounds.clamp(q), N: 0, LastUpdated: time.Now().UTC()}
	})
	return applied
}

// observeMean folds a reward into the running sample mean of its key.
func (s *stats) observeMean(sample types.RewardSample) types.QEntry {
	r := s.bounds.clamp(sample.Reward)
	return s.table.Update(sample.Key, func(cur types.QEntry, _ bool) types.QEntry {
		cur.Key = sample.Key
		cur.N++
		cur.Q += (r - cur.Q) / float64(cur.N)
		cur.LastUpdated = sample.Timestamp
		return cur
	})
}

func (s *stats) restoreEntries(entries []types.QEntry) {
	s.table.Reset()
	for _, e := range entries {
		s.table.Set(e.Key, e)
	}
}

// candidate is one variant's current estimate during a selection.
type candidate struct {
	id     string
	q      float64
	n      uint64
	seeded bool
}

func (s *stats) candidates(agent, taskType string, ids []string) []candidate {
	out := make([]candidate, len(ids))
	for i, id := range ids {
		out[i] = candidate{id: id}
		if e, ok := s.table.Get(types.StateActionKey{Agent: agent, TaskType: taskType, VariantID: id}); ok {
			out[i].q, out[i].n, out[i].seeded = e.Q, e.N, e.N == 0
		}
	}
	return out
}

// better reports whether a beats b on score, breaking exact ties by fewer
// visits and then by lexicographically smaller id.
func better(aScore float64, a candidate, bScore float64, b candidate) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	if a.n != b.n {
		return a.n < b.n
	}
	return a.id < b.id
}

// argmax returns the index of the best-scoring candidate.
func argmax(cands []candidate, score func(candidate) float64) int {
	best, bestScore := 0, score(cands[0])
	for i := 1; i < len(cands); i++ {
		if sc := score(cands[i]); better(sc, cands[i], bestScore, cands[best]) {
			best, bestScore = i, sc
		}
	}
	return best
}
