package safety

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/clawinfra/evovariant/internal/types"
)

// Observation is one completed outcome of a key. Seq is the visit number
// of the sample it came from.
type Observation struct {
	Success bool    `json:"success"`
	Reward  float64 `json:"reward"`
	Errors  uint32  `json:"errors"`
	Seq     uint64  `json:"seq"`
}

type keyWindow struct {
	ring     []Observation
	next     int
	count    int
	lastSeq  uint64
	baseline *types.WindowStats
}

func (w *keyWindow) push(o Observation) {
	w.ring[w.next] = o
	w.next = (w.next + 1) % len(w.ring)
	if w.count < len(w.ring) {
		w.count++
	}
	if o.Seq > w.lastSeq {
		w.lastSeq = o.Seq
	}
}

// recent returns the window contents, oldest first.
func (w *keyWindow) recent() []Observation {
	out := make([]Observation, 0, w.count)
	if w.count < len(w.ring) {
		return append(out, w.ring[:w.count]...)
	}
	out = append(out, w.ring[w.next:]...)
	return append(out, w.ring[:w.next]...)
}

// WindowState is the persisted form of one key's window and baseline.
type WindowState struct {
	Key      types.StateActionKey `json:"state_action_key"`
	Recent   []Observation        `json:"recent"`
	Baseline *types.WindowStats   `json:"baseline,omitempty"`
	LastSeq  uint64               `json:"last_seq"`
}

func (w *keyWindow) stats() types.WindowStats {
	s := types.WindowStats{Samples: w.count}
	if w.count == 0 {
		return s
	}
	var succ, errs int
	var sum float64
	for i := 0; i < w.count; i++ {
		o := w.ring[i]
		if o.Success {
			succ++
		}
		if o.Errors > 0 {
			errs++
		}
		sum += o.Reward
	}
	n := float64(w.count)
	s.SuccessRate = float64(succ) / n
	s.AvgReward = sum / n
	s.ErrorRate = float64(errs) / n
	return s
}

// Detector keeps a rolling window of outcomes per key and compares it with
// a frozen baseline window.
//
// Baseline rule: when a variant is promoted, the trailing window before the
// promotion becomes its baseline if it holds at least MinRollbackSamples
// outcomes. Otherwise, and for keys never promoted, the first full window
// observed becomes the baseline. Baselines stay frozen until the next
// promotion or reset.
type Detector struct {
	cfg  Config
	mu   sync.Mutex
	keys map[types.StateActionKey]*keyWindow
}

// NewDetector creates a Detector.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg, keys: make(map[types.StateActionKey]*keyWindow)}
}

func (d *Detector) window(key types.StateActionKey) *keyWindow {
	w, ok := d.keys[key]
	if !ok {
		w = &keyWindow{ring: make([]Observation, d.cfg.Window)}
		d.keys[key] = w
	}
	return w
}

// Observe adds an outcome and returns the resulting report.
func (d *Detector) Observe(key types.StateActionKey, o Observation) types.DegradationReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.window(key)
	w.push(o)
	if w.baseline == nil && w.count == len(w.ring) {
		b := w.stats()
		w.baseline = &b
	}
	return d.compare(w)
}

// Report returns the current comparison without changing state.
func (d *Detector) Report(key types.StateActionKey) types.DegradationReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.keys[key]
	if !ok {
		return types.DegradationReport{}
	}
	return d.compare(w)
}

// Promote freezes the trailing window of key as its baseline.
func (d *Detector) Promote(key types.StateActionKey) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.window(key)
	if uint64(w.count) >= d.cfg.MinRollbackSamples {
		b := w.stats()
		w.baseline = &b
		return
	}
	w.baseline = nil
}

// LastSeq returns the highest sequence number observed for key.
func (d *Detector) LastSeq(key types.StateActionKey) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.keys[key]; ok {
		return w.lastSeq
	}
	return 0
}

// Export returns the state of every window, sorted by key.
func (d *Detector) Export() []WindowState {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]WindowState, 0, len(d.keys))
	for k, w := range d.keys {
		st := WindowState{Key: k, Recent: w.recent(), LastSeq: w.lastSeq}
		if w.baseline != nil {
			b := *w.baseline
			st.Baseline = &b
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Import replaces the windows of the keys in states. Windows longer than
// the configured size keep their newest observations.
func (d *Detector) Import(states []WindowState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, st := range states {
		w := &keyWindow{ring: make([]Observation, d.cfg.Window)}
		recent := st.Recent
		if len(recent) > len(w.ring) {
			recent = recent[len(recent)-len(w.ring):]
		}
		for _, o := range recent {
			w.push(o)
		}
		if st.LastSeq > w.lastSeq {
			w.lastSeq = st.LastSeq
		}
		if st.Baseline != nil {
			b := *st.Baseline
			w.baseline = &b
		}
		d.keys[st.Key] = w
	}
}

// Reset forgets the window and baseline of key.
func (d *Detector) Reset(key types.StateActionKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
}

func (d *Detector) compare(w *keyWindow) types.DegradationReport {
	cur := w.stats()
	r := types.DegradationReport{Current: cur}
	if w.baseline == nil {
		return r
	}
	b := *w.baseline
	r.Baseline = b

	if b.SuccessRate > 0 {
		r.SuccessDrop = (b.SuccessRate - cur.SuccessRate) / b.SuccessRate
	}
	if math.Abs(b.AvgReward) > 1e-9 {
		r.RewardDrop = (b.AvgReward - cur.AvgReward) / math.Abs(b.AvgReward)
	} else {
		r.RewardDrop = b.AvgReward - cur.AvgReward
	}
	if b.ErrorRate > 0 {
		r.ErrorRise = (cur.ErrorRate - b.ErrorRate) / b.ErrorRate
	} else {
		r.ErrorRise = cur.ErrorRate
	}

	// Partial windows never flag.
	if uint64(cur.Samples) < d.cfg.MinRollbackSamples {
		return r
	}
	if r.SuccessDrop > d.cfg.SuccessDropThreshold {
		r.Reasons = append(r.Reasons, fmt.Sprintf("success rate dropped %.0f%%", r.SuccessDrop*100))
	}
	if r.RewardDrop > d.cfg.RewardDropThreshold {
		r.Reasons = append(r.Reasons, fmt.Sprintf("average reward dropped %.0f%%", r.RewardDrop*100))
	}
	if r.ErrorRise > d.cfg.ErrorRiseThreshold {
		r.Reasons = append(r.Reasons, fmt.Sprintf("error rate rose %.0f%%", r.ErrorRise*100))
	}
	r.Degraded = len(r.Reasons) > 0
	return r
}
