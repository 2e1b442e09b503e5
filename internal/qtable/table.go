// Package qtable provides the sharded statistics table shared by the
// selection policies.
//
// Reads load an immutable per-key value through an atomic pointer and never
// wait on writers of that key. Writes to one key are serialized by a per-key
// mutex, so read-modify-write updates are never lost; writes to different
// keys proceed in parallel.
package qtable

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/clawinfra/evovariant/internal/types"
)

const numShards = 32

// Table maps state-action keys to values of type V. The zero Table is not
// usable; call New.
type Table[V any] struct {
	shards [numShards]shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	cells map[types.StateActionKey]*cell[V]
}

type cell[V any] struct {
	mu  sync.Mutex
	val atomic.Pointer[V]
}

// New creates an empty table.
func New[V any]() *Table[V] {
	t := &Table[V]{}
	for i := range t.shards {
		t.shards[i].cells = make(map[types.StateActionKey]*cell[V])
	}
	return t
}

func (t *Table[V]) shardFor(k types.StateActionKey) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(k.Agent))
	h.Write([]byte{0})
	h.Write([]byte(k.TaskType))
	h.Write([]byte{0})
	h.Write([]byte(k.VariantID))
	return &t.shards[h.Sum32()%numShards]
}

func (t *Table[V]) lookup(k types.StateActionKey) *cell[V] {
	s := t.shardFor(k)
	s.mu.RLock()
	c := s.cells[k]
	s.mu.RUnlock()
	return c
}

func (t *Table[V]) lookupOrCreate(k types.StateActionKey) *cell[V] {
	if c := t.lookup(k); c != nil {
		return c
	}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[k]
	if !ok {
		c = &cell[V]{}
		s.cells[k] = c
	}
	return c
}

// Get returns the current value for k. The returned value is a snapshot and
// may be stale by the time the caller uses it.
func (t *Table[V]) Get(k types.StateActionKey) (V, bool) {
	c := t.lookup(k)
	if c == nil {
		var zero V
		return zero, false
	}
	p := c.val.Load()
	if p == nil {
		var zero V
		return zero, false
	}
	return *p, true
}

// Update applies fn to the current value of k under the key's write lock and
// publishes the result. exists is false when k had no value yet. fn must not
// retain or mutate cur.
func (t *Table[V]) Update(k types.StateActionKey, fn func(cur V, exists bool) V) V {
	c := t.lookupOrCreate(k)
	c.mu.Lock()
	defer c.mu.Unlock()

	var cur V
	exists := false
	if p := c.val.Load(); p != nil {
		cur, exists = *p, true
	}
	next := fn(cur, exists)
	c.val.Store(&next)
	return next
}

// Set replaces the value of k.
func (t *Table[V]) Set(k types.StateActionKey, v V) {
	t.Update(k, func(V, bool) V { return v })
}

// Range calls fn for every key with a value, in no particular order. fn
// must not call Update on the same table.
func (t *Table[V]) Range(fn func(k types.StateActionKey, v V)) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		type kv struct {
			k types.StateActionKey
			c *cell[V]
		}
		cells := make([]kv, 0, len(s.cells))
		for k, c := range s.cells {
			cells = append(cells, kv{k, c})
		}
		s.mu.RUnlock()

		for _, e := range cells {
			if p := e.c.val.Load(); p != nil {
				fn(e.k, *p)
			}
		}
	}
}

// Keys returns all keys with a value, sorted by agent, task type, variant.
func (t *Table[V]) Keys() []types.StateActionKey {
	var keys []types.StateActionKey
	t.Range(func(k types.StateActionKey, _ V) { keys = append(keys, k) })
	SortKeys(keys)
	return keys
}

// Len returns the number of keys with a value.
func (t *Table[V]) Len() int {
	n := 0
	t.Range(func(types.StateActionKey, V) { n++ })
	return n
}

// Reset removes every key.
func (t *Table[V]) Reset() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		s.cells = make(map[types.StateActionKey]*cell[V])
		s.mu.Unlock()
	}
}

// SortKeys orders keys by agent, task type, then variant id.
func SortKeys(keys []types.StateActionKey) {
	sort.Slice(keys, func(i, j int) bool { return Less(keys[i], keys[j]) })
}

// Less orders keys by agent, task type, then variant id.
func Less(a, b types.StateActionKey) bool {
	if a.Agent != b.Agent {
		return a.Agent < b.Agent
	}
	if a.TaskType != b.TaskType {
		return a.TaskType < b.TaskType
	}
	return a.VariantID < b.VariantID
}
