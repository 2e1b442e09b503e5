package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/clawinfra/evovariant/internal/policy"
	"github.com/clawinfra/evovariant/internal/qtable"
	"github.com/clawinfra/evovariant/internal/types"
)

// Recovery is what a policy needs to rebuild its state: an optional
// snapshot to restore, then Samples to apply in order.
type Recovery struct {
	// State is nil when no usable snapshot for the requested policy exists.
	State *policy.State
	// Aux is the caller state stored with State. Empty when State is nil.
	Aux json.RawMessage
	// Samples are ordered by key, then by sequence number, and exclude
	// samples already reflected in State.
	Samples []types.RewardSample
	// Malformed counts unreadable lines, typically a torn final write.
	Malformed int
	// FullReplay is true when the whole history was read.
	FullReplay bool
}

// Recover reads the snapshot and the log tail for policyName. A snapshot
// taken under another policy, or one that fails its checksum, is ignored
// and the full history is replayed instead.
func (l *Log) Recover(policyName string) (Recovery, error) {
	l.compactMu.Lock()
	defer l.compactMu.Unlock()

	var rec Recovery
	covered := 0

	snap, err := l.ReadSnapshot()
	switch {
	case errors.Is(err, ErrSnapshotCorrupt):
		l.logger.Warn("ignoring corrupt snapshot, replaying full history", "error", err)
	case err != nil:
		return Recovery{}, err
	case snap != nil && snap.Policy != policyName:
		l.logger.Info("snapshot belongs to another policy, replaying full history",
			"snapshot", snap.Policy, "policy", policyName)
	case snap != nil:
		rec.State = &snap.State
		rec.Aux = snap.Aux
		covered = snap.Segment
	}
	rec.FullReplay = rec.State == nil

	visits := make(map[types.StateActionKey]uint64)
	if rec.State != nil {
		for _, e := range rec.State.Entries {
			visits[e.Key] = e.N
		}
	}

	segs, err := l.segments()
	if err != nil {
		return Recovery{}, fmt.Errorf("%w: list segments: %v", ErrPersistence, err)
	}
	var paths []string
	for _, n := range segs {
		if n > covered {
			paths = append(paths, l.segmentPath(n))
		}
	}
	paths = append(paths, l.activePath())

	type seen struct {
		key  types.StateActionKey
		seq  uint64
		kind types.SampleKind
	}
	dedupe := make(map[seen]struct{})
	for _, path := range paths {
		bad, err := readSegment(path, func(s types.RewardSample) {
			if n, ok := visits[s.Key]; ok && s.Seq <= n {
				return
			}
			id := seen{s.Key, s.Seq, s.Kind}
			if _, dup := dedupe[id]; dup {
				return
			}
			dedupe[id] = struct{}{}
			rec.Samples = append(rec.Samples, s)
		})
		if err != nil {
			return Recovery{}, err
		}
		rec.Malformed += bad
	}

	sort.SliceStable(rec.Samples, func(i, j int) bool {
		a, b := rec.Samples[i], rec.Samples[j]
		if a.Key != b.Key {
			return qtable.Less(a.Key, b.Key)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Kind == types.SampleSeed && b.Kind != types.SampleSeed
	})

	if rec.Malformed > 0 {
		l.logger.Warn("skipped malformed reward log lines", "count", rec.Malformed)
	}
	l.logger.Info("state recovered",
		"policy", policyName,
		"snapshot", rec.State != nil,
		"samples", len(rec.Samples),
		"segments", len(paths),
	)
	return rec, nil
}

// History returns every sample in the log, archived and active, in file
// order. Malformed lines are skipped.
func (l *Log) History() ([]types.RewardSample, error) {
	segs, err := l.segments()
	if err != nil {
		return nil, fmt.Errorf("%w: list segments: %v", ErrPersistence, err)
	}
	var out []types.RewardSample
	for _, n := range append(segs, -1) {
		path := l.activePath()
		if n >= 0 {
			path = l.segmentPath(n)
		}
		if _, err := readSegment(path, func(s types.RewardSample) { out = append(out, s) }); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readSegment(path string, fn func(types.RewardSample)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: open %s: %v", ErrPersistence, path, err)
	}
	defer f.Close()

	malformed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var s types.RewardSample
		if err := json.Unmarshal(line, &s); err != nil || s.Key.Agent == "" || s.Key.VariantID == "" {
			malformed++
			continue
		}
		if s.Kind == "" {
			s.Kind = types.SampleReward
		}
		fn(s)
	}
	if err := scanner.Err(); err != nil {
		return malformed, fmt.Errorf("%w: scan %s: %v", ErrPersistence, path, err)
	}
	return malformed, nil
}
