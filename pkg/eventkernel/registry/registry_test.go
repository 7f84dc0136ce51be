package registry_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/registry"
)

func TestEntities_Basic(t *testing.T) {
	r := registry.New[string, int]()

	r.Register("a", 1)
	assert.True(t, r.Has("a"))
	assert.Equal(t, 1, r.MustGet("a"))
	assert.Equal(t, 1, r.Len())

	assert.False(t, r.TryRegister("a", 2))
	assert.Equal(t, 1, r.MustGet("a"))
	assert.True(t, r.TryRegister("b", 2))

	assert.ElementsMatch(t, []string{"a", "b"}, r.Keys())
	assert.ElementsMatch(t, []int{1, 2}, r.Values())

	v, ok := r.Delete("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = r.Delete("a")
	assert.False(t, ok)

	assert.Panics(t, func() { r.MustGet("a") })
}

func TestEntities_RangeSnapshot(t *testing.T) {
	r := registry.New[int, int]()
	for i := 0; i < 5; i++ {
		r.Register(i, i)
	}

	visited := 0
	r.Range(func(k, _ int) bool {
		r.Delete(k)
		visited++
		return true
	})
	assert.Equal(t, 5, visited)
	assert.Equal(t, 0, r.Len())

	for i := 0; i < 5; i++ {
		r.Register(i, i)
	}
	visited = 0
	r.Range(func(_, _ int) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestEntities_GetOrCreateSingleOwner(t *testing.T) {
	r := registry.New[string, *int]()
	var calls atomic.Int32

	var wg sync.WaitGroup
	results := make([]*int, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("observer-1", func() *int {
				calls.Add(1)
				v := 42
				return &v
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, got := range results {
		assert.Same(t, results[0], got)
	}
}

func TestEntities_GetOrLoadError(t *testing.T) {
	r := registry.New[string, int]()
	boom := errors.New("boom")

	_, err := r.GetOrLoad("k", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, r.Has("k"))

	v, err := r.GetOrLoad("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
