package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetSnowflake() {
	initOnce = sync.Once{}
	node, nodeErr = nil, nil
}

func TestNextID_ConcurrentWithInit(t *testing.T) {
	resetSnowflake()
	t.Cleanup(resetSnowflake)

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			if g == 0 {
				_ = InitSnowflake(3)
			}
			for i := 0; i < 200; i++ {
				id := NextID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	require.Len(t, seen, 8*200)
}

func TestNextID_Unique(t *testing.T) {
	resetSnowflake()
	t.Cleanup(resetSnowflake)
	require.NoError(t, InitSnowflake(1))

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				id := NextID()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 8*500)
}

func TestNewRunID_Sortable(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	require.Len(t, a, 26)
	require.Less(t, a, b)
}
