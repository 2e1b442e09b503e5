package qtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawinfra/evovariant/internal/types"
)

func key(v string) types.StateActionKey {
	return types.StateActionKey{Agent: "a", TaskType: "t", VariantID: v}
}

func TestGetMissing(t *testing.T) {
	tbl := New[types.QEntry]()
	_, ok := tbl.Get(key("x"))
	assert.False(t, ok)
}

func TestUpdateSeesPreviousValue(t *testing.T) {
	tbl := New[int]()

	v := tbl.Update(key("x"), func(cur int, exists bool) int {
		assert.False(t, exists)
		return cur + 1
	})
	assert.Equal(t, 1, v)

	v = tbl.Update(key("x"), func(cur int, exists bool) int {
		assert.True(t, exists)
		return cur + 1
	})
	assert.Equal(t, 2, v)

	got, ok := tbl.Get(key("x"))
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestConcurrentUpdatesSameKeyNoLostUpdates(t *testing.T) {
	tbl := New[int]()
	const workers, per = 16, 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				tbl.Update(key("hot"), func(cur int, _ bool) int { return cur + 1 })
				tbl.Get(key("hot"))
			}
		}()
	}
	wg.Wait()

	got, _ := tbl.Get(key("hot"))
	assert.Equal(t, workers*per, got)
}

func TestConcurrentDifferentKeys(t *testing.T) {
	tbl := New[int]()
	var wg sync.WaitGroup
	for w := 0; w < 64; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			k := key(fmt.Sprintf("v%02d", w))
			for i := 0; i < 100; i++ {
				tbl.Update(k, func(cur int, _ bool) int { return cur + 1 })
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 64, tbl.Len())
	tbl.Range(func(_ types.StateActionKey, v int) { assert.Equal(t, 100, v) })
}

func TestKeysSortedAndReset(t *testing.T) {
	tbl := New[int]()
	tbl.Set(types.StateActionKey{Agent: "b", TaskType: "t", VariantID: "x"}, 1)
	tbl.Set(types.StateActionKey{Agent: "a", TaskType: "u", VariantID: "x"}, 1)
	tbl.Set(types.StateActionKey{Agent: "a", TaskType: "t", VariantID: "y"}, 1)
	tbl.Set(types.StateActionKey{Agent: "a", TaskType: "t", VariantID: "x"}, 1)

	keys := tbl.Keys()
	require.Len(t, keys, 4)
	assert.Equal(t, "a/t/x", keys[0].String())
	assert.Equal(t, "a/t/y", keys[1].String())
	assert.Equal(t, "a/u/x", keys[2].String())
	assert.Equal(t, "b/t/x", keys[3].String())

	tbl.Reset()
	assert.Equal(t, 0, tbl.Len())
}
