package ipc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/kernel"
)

func TestHandleGeneratorNeverZero(t *testing.T) {
	gen := NewHandleGenerator()
	for i := 0; i < 1000; i++ {
		assert.NotEqual(t, kernel.InvalidHandle, gen.Generate())
	}
}

func TestHandleGeneratorUnique(t *testing.T) {
	gen := NewHandleGenerator()

	const workers = 8
	const perWorker = 1000

	var mu sync.Mutex
	seen := make(map[kernel.Handle]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]kernel.Handle, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, gen.Generate())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, h := range local {
				assert.False(t, seen[h], "handle %d generated twice", h)
				seen[h] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestHandleTableIsolation(t *testing.T) {
	table := NewHandleTable[string](NewHandleGenerator())

	h := table.Open(10, "alpha")

	got, ok := table.Read(10, h)
	require.True(t, ok)
	assert.Equal(t, "alpha", got)

	// The same handle under another owner resolves to nothing.
	_, ok = table.Read(11, h)
	assert.False(t, ok)

	// Closing under the wrong owner is a no-op.
	_, ok = table.Close(11, h)
	assert.False(t, ok)

	v, ok := table.Close(10, h)
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	_, ok = table.Read(10, h)
	assert.False(t, ok)
}

func TestHandleTableProcessTerminated(t *testing.T) {
	table := NewHandleTable[int](NewHandleGenerator())

	h1 := table.Open(5, 1)
	table.Open(5, 2)
	other := table.Open(6, 3)

	removed := table.ProcessTerminated(5)
	assert.ElementsMatch(t, []int{1, 2}, removed)

	_, ok := table.Read(5, h1)
	assert.False(t, ok)

	got, ok := table.Read(6, other)
	require.True(t, ok)
	assert.Equal(t, 3, got)

	assert.Empty(t, table.ProcessTerminated(5))
}
