package ksync

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/kernel/local"
)

func TestMutexExclusion(t *testing.T) {
	k := local.NewKernel()
	m := NewMutex(k.Spawn("m"))

	const workers = 8
	const iterations = 2000

	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*iterations, counter)
}

func TestMutexTryLock(t *testing.T) {
	k := local.NewKernel()
	m := NewMutex(k.Spawn("m"))

	require.True(t, m.TryLock())
	assert.False(t, m.TryLock())
	m.Unlock()
	assert.True(t, m.TryLock())
	m.Unlock()
}

func TestRWLockWriterExclusion(t *testing.T) {
	k := local.NewKernel()
	l := NewRWLock(k.Spawn("rw"))

	const workers = 6
	const iterations = 1000

	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*iterations, counter)
}

func TestRWLockReadersShareWritersDrain(t *testing.T) {
	k := local.NewKernel()
	l := NewRWLock(k.Spawn("rw"))

	var readers atomic.Int32
	var maxReaders atomic.Int32
	var writerActive atomic.Bool

	const readerCount = 8
	var wg sync.WaitGroup

	for r := 0; r < readerCount; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				l.RLock()
				assert.False(t, writerActive.Load(), "reader overlapped a writer")
				cur := readers.Add(1)
				for {
					prev := maxReaders.Load()
					if cur <= prev || maxReaders.CompareAndSwap(prev, cur) {
						break
					}
				}
				if i%10 == 0 {
					runtime.Gosched()
				}
				readers.Add(-1)
				l.RUnlock()
			}
		}()
	}

	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.Lock()
				assert.False(t, writerActive.Swap(true), "two writers inside")
				assert.Zero(t, readers.Load(), "writer entered with readers inside")
				writerActive.Store(false)
				l.Unlock()
			}
		}()
	}

	wg.Wait()

	// Readers really did run concurrently at some point.
	assert.Greater(t, maxReaders.Load(), int32(1))
}

func TestRWLockTryLock(t *testing.T) {
	k := local.NewKernel()
	l := NewRWLock(k.Spawn("rw"))

	require.True(t, l.TryLock())
	assert.False(t, l.TryRLock())
	assert.False(t, l.TryLock())
	l.Unlock()

	require.True(t, l.TryRLock())
	require.True(t, l.TryRLock())
	assert.False(t, l.TryLock())
	l.RUnlock()
	l.RUnlock()
	assert.True(t, l.TryLock())
	l.Unlock()
}
