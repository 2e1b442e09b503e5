package wal

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/clawinfra/evovariant/internal/policy"
)

const snapshotVersion = 1

// ErrSnapshotCorrupt is returned when a snapshot fails its checksum.
var ErrSnapshotCorrupt = errors.New("snapshot corrupt")

// Snapshot is the compacted state. Segment is the highest archived segment
// whose samples are fully reflected in State. Aux is opaque caller state
// captured together with State.
type Snapshot struct {
	Version   int             `json:"version"`
	Policy    string          `json:"policy"`
	Segment   int             `json:"segment"`
	CreatedAt time.Time       `json:"created_at"`
	State     policy.State    `json:"-"`
	Aux       json.RawMessage `json:"-"`
}

type snapshotFile struct {
	Version   int             `json:"version"`
	Policy    string          `json:"policy"`
	Segment   int             `json:"segment"`
	CreatedAt time.Time       `json:"created_at"`
	Checksum  string          `json:"checksum"`
	State     json.RawMessage `json:"state"`
	Aux       json.RawMessage `json:"aux,omitempty"`
}

func checksum(payload, aux []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write(payload)
	h.Write(aux)
	return hex.EncodeToString(h.Sum(nil))
}

// writeSnapshot writes atomically via a temp file and rename.
func (l *Log) writeSnapshot(s Snapshot) error {
	payload, err := json.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("wal: marshal snapshot state: %w", err)
	}
	var aux json.RawMessage
	if len(s.Aux) > 0 {
		// Checksum the bytes as they will be embedded.
		if aux, err = json.Marshal(s.Aux); err != nil {
			return fmt.Errorf("wal: marshal snapshot aux: %w", err)
		}
	}
	data, err := json.Marshal(snapshotFile{
		Version:   snapshotVersion,
		Policy:    s.Policy,
		Segment:   s.Segment,
		CreatedAt: s.CreatedAt,
		Checksum:  checksum(payload, aux),
		State:     payload,
		Aux:       aux,
	})
	if err != nil {
		return fmt.Errorf("wal: marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(l.dir, snapshotName+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create snapshot: %v", ErrPersistence, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write snapshot: %v", ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync snapshot: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close snapshot: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), l.snapshotPath()); err != nil {
		return fmt.Errorf("%w: install snapshot: %v", ErrPersistence, err)
	}
	return nil
}

// ReadSnapshot loads and verifies the snapshot. It returns (nil, nil) when
// none exists.
func (l *Log) ReadSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(l.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read snapshot: %v", ErrPersistence, err)
	}
	var f snapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if f.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, f.Version)
	}
	if checksum(f.State, f.Aux) != f.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrSnapshotCorrupt)
	}
	var st policy.State
	if err := json.Unmarshal(f.State, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	return &Snapshot{
		Version:   f.Version,
		Policy:    f.Policy,
		Segment:   f.Segment,
		CreatedAt: f.CreatedAt,
		State:     st,
		Aux:       f.Aux,
	}, nil
}

// Compact archives the active segment and writes a snapshot of the state
// returned by snapshot. The rotation happens first: every sample in an
// archived segment was applied in memory before it was written, so the
// state captured afterwards reflects it. Samples applied after the rotation
// are deduplicated on replay by their per-key sequence number.
func (l *Log) Compact(snapshot func() (policy.State, error)) (Snapshot, error) {
	return l.CompactWith(snapshot, nil)
}

// CompactWith is Compact with aux state captured right after the policy
// state and stored under the same checksum. aux may be nil.
func (l *Log) CompactWith(snapshot func() (policy.State, error), aux func() (json.RawMessage, error)) (Snapshot, error) {
	l.compactMu.Lock()
	defer l.compactMu.Unlock()

	segment, err := l.rotate()
	if err != nil {
		return Snapshot{}, err
	}

	st, err := snapshot()
	if err != nil {
		return Snapshot{}, fmt.Errorf("wal: capture state: %w", err)
	}
	var extra json.RawMessage
	if aux != nil {
		if extra, err = aux(); err != nil {
			return Snapshot{}, fmt.Errorf("wal: capture aux state: %w", err)
		}
	}
	s := Snapshot{
		Version:   snapshotVersion,
		Policy:    st.Policy,
		Segment:   segment,
		CreatedAt: time.Now().UTC(),
		State:     st,
		Aux:       extra,
	}
	if err := l.writeSnapshot(s); err != nil {
		return Snapshot{}, err
	}
	l.appended.Store(0)
	l.logger.Info("state compacted",
		"policy", st.Policy,
		"entries", len(st.Entries),
		"segment", segment,
	)
	return s, nil
}

// rotate moves a non-empty active segment into the archive and returns the
// highest archived segment number.
func (l *Log) rotate() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segs, err := l.segments()
	if err != nil {
		return 0, fmt.Errorf("%w: list segments: %v", ErrPersistence, err)
	}
	last := 0
	if len(segs) > 0 {
		last = segs[len(segs)-1]
	}

	info, err := os.Stat(l.activePath())
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: stat active segment: %v", ErrPersistence, err)
	}
	if err != nil || info.Size() == 0 {
		return last, nil
	}

	if l.f != nil {
		if err := l.f.Sync(); err != nil {
			l.logger.Warn("sync before rotation failed", "error", err)
		}
		_ = l.f.Close()
		l.f = nil
	}
	next := last + 1
	if err := os.Rename(l.activePath(), l.segmentPath(next)); err != nil {
		_ = l.reopen()
		return 0, fmt.Errorf("%w: archive segment: %v", ErrPersistence, err)
	}
	l.torn = false
	if err := l.reopen(); err != nil {
		return 0, err
	}
	l.logger.Debug("segment archived", "segment", filepath.Base(l.segmentPath(next)))
	return next, nil
}
