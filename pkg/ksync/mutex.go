// Package ksync provides futex-backed synchronization primitives built on
// the kernel futex surface. They guard state shared between hosted server
// threads the same way the native runtime does: a single CAS on the fast
// path, spin-then-wait on the slow path.
//
// The async variants of the original collapse into these same types: under
// goroutines a blocked locker parks its goroutine, which is exactly what a
// parked task was.
package ksync

import (
	"runtime"
	"sync/atomic"

	"github.com/marmos91/helium/pkg/kernel"
)

const (
	mutexUnlocked uint32 = 0
	mutexLocked   uint32 = 1
	// mutexContended marks that at least one waiter parked in the kernel, so
	// unlock must issue a wake.
	mutexContended uint32 = 2

	// spinCount is how many times a locker spins before parking.
	spinCount = 64
)

// Mutex is a futex-backed mutual exclusion lock. The zero value is not
// usable; create with NewMutex.
type Mutex struct {
	sys   kernel.Syscalls
	state uint32
}

// NewMutex creates an unlocked mutex on the given syscall view.
func NewMutex(sys kernel.Syscalls) *Mutex {
	return &Mutex{sys: sys}
}

// Lock acquires the mutex, parking in the kernel under contention.
func (m *Mutex) Lock() {
	if atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexLocked) {
		return
	}

	for i := 0; i < spinCount; i++ {
		if atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexLocked) {
			return
		}
		runtime.Gosched()
	}

	// Mark contended and park. A wake is not a grant: re-contend on return,
	// and treat spurious wakeups the same way.
	for {
		old := atomic.LoadUint32(&m.state)
		if old == mutexUnlocked {
			if atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexContended) {
				return
			}
			continue
		}
		if old != mutexContended && !atomic.CompareAndSwapUint32(&m.state, old, mutexContended) {
			continue
		}
		// ObjectClosed means the futex backing is gone; nothing left to
		// block on, so keep contending.
		_ = m.sys.FutexWait(&m.state, mutexContended)
	}
}

// TryLock acquires the mutex without blocking and reports success.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(&m.state, mutexUnlocked, mutexLocked)
}

// Unlock releases the mutex and wakes one parked waiter if any.
func (m *Mutex) Unlock() {
	old := atomic.SwapUint32(&m.state, mutexUnlocked)
	if old == mutexContended {
		_ = m.sys.FutexWake(&m.state, 1)
	}
}
