package ksync

import (
	"runtime"
	"sync/atomic"

	"github.com/marmos91/helium/pkg/kernel"
)

const (
	rwUnlocked   uint32 = 0
	rwWriterBit  uint32 = 1 << 31
	rwReaderMask uint32 = ^rwWriterBit
	rwMaxReaders uint32 = rwReaderMask
)

// RWLock is a futex-backed reader-writer lock. The state word packs a
// writer-present bit (bit 31) and a reader count (low 31 bits, saturating at
// the mask). A writer first claims the bit, then drains readers; readers
// block while the bit is set.
type RWLock struct {
	sys   kernel.Syscalls
	state uint32
}

// NewRWLock creates an unlocked RWLock on the given syscall view.
func NewRWLock(sys kernel.Syscalls) *RWLock {
	return &RWLock{sys: sys}
}

// RLock acquires shared read access.
func (l *RWLock) RLock() {
	for {
		state := atomic.LoadUint32(&l.state)
		if state&rwWriterBit != 0 || state&rwReaderMask == rwMaxReaders {
			l.readContended()
			continue
		}
		if atomic.CompareAndSwapUint32(&l.state, state, state+1) {
			return
		}
	}
}

func (l *RWLock) readContended() {
	spins := 0
	for {
		state := atomic.LoadUint32(&l.state)
		if state&rwWriterBit == 0 && state&rwReaderMask < rwMaxReaders {
			return
		}
		if spins < spinCount {
			spins++
			runtime.Gosched()
			continue
		}
		_ = l.sys.FutexWait(&l.state, state)
	}
}

// TryRLock acquires shared read access without blocking.
func (l *RWLock) TryRLock() bool {
	state := atomic.LoadUint32(&l.state)
	if state&rwWriterBit != 0 || state&rwReaderMask == rwMaxReaders {
		return false
	}
	return atomic.CompareAndSwapUint32(&l.state, state, state+1)
}

// RUnlock releases shared read access. The last reader out wakes one
// blocked writer.
func (l *RWLock) RUnlock() {
	state := atomic.AddUint32(&l.state, ^uint32(0))
	if state&rwReaderMask == 0 && state&rwWriterBit != 0 {
		_ = l.sys.FutexWake(&l.state, 1)
	}
}

// Lock acquires exclusive write access: claim the writer bit, then wait for
// the reader count to drain.
func (l *RWLock) Lock() {
	// Claim the writer bit.
	for {
		state := atomic.LoadUint32(&l.state)
		if state&rwWriterBit != 0 {
			_ = l.sys.FutexWait(&l.state, state)
			continue
		}
		if atomic.CompareAndSwapUint32(&l.state, state, state|rwWriterBit) {
			break
		}
	}

	// Drain readers.
	spins := 0
	for {
		state := atomic.LoadUint32(&l.state)
		if state&rwReaderMask == 0 {
			return
		}
		if spins < spinCount {
			spins++
			runtime.Gosched()
			continue
		}
		_ = l.sys.FutexWait(&l.state, state)
	}
}

// TryLock acquires exclusive write access without blocking.
func (l *RWLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, rwUnlocked, rwWriterBit)
}

// Unlock releases exclusive write access and wakes everyone: blocked
// readers may all proceed, and any blocked writer re-contends.
func (l *RWLock) Unlock() {
	atomic.AndUint32(&l.state, rwReaderMask)
	_ = l.sys.FutexWake(&l.state, int(rwMaxReaders))
}
