package ipc

import (
	"sync"

	"github.com/marmos91/helium/pkg/kernel"
)

type handleKey struct {
	owner  uint64
	handle kernel.Handle
}

// HandleTable maps (owner pid, handle) to a server record. Handles are
// tagged with the owner so a handle leaked to another process resolves to
// nothing. ProcessTerminated sweeps an owner's entries out in one pass and
// hands them back for cleanup.
type HandleTable[T any] struct {
	generator *HandleGenerator

	mu      sync.RWMutex
	entries map[handleKey]T
}

// NewHandleTable creates an empty table drawing handles from generator.
func NewHandleTable[T any](generator *HandleGenerator) *HandleTable[T] {
	return &HandleTable[T]{
		generator: generator,
		entries:   make(map[handleKey]T),
	}
}

// Open stores value under a fresh handle owned by owner.
func (t *HandleTable[T]) Open(owner uint64, value T) kernel.Handle {
	h := t.generator.Generate()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[handleKey{owner: owner, handle: h}] = value
	return h
}

// Read returns the value for (owner, handle). Cross-owner lookups miss.
func (t *HandleTable[T]) Read(owner uint64, handle kernel.Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.entries[handleKey{owner: owner, handle: handle}]
	return v, ok
}

// Close removes and returns the value for (owner, handle).
func (t *HandleTable[T]) Close(owner uint64, handle kernel.Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := handleKey{owner: owner, handle: handle}
	v, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	return v, ok
}

// ProcessTerminated removes every entry owned by pid and returns the
// values for cleanup.
func (t *HandleTable[T]) ProcessTerminated(pid uint64) []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []T
	for key, v := range t.entries {
		if key.owner == pid {
			removed = append(removed, v)
			delete(t.entries, key)
		}
	}
	return removed
}

// Len returns the number of live entries.
func (t *HandleTable[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
