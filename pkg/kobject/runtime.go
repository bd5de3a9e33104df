// Package kobject provides typed wrappers over raw kernel handles: process,
// thread, memory object, mapping, port, listener and waiter. Everything
// hangs off a Runtime bound to one process's syscall view; the wrappers own
// their handle exclusively and release it on Close.
package kobject

import (
	"fmt"
	"sync"

	"github.com/marmos91/helium/pkg/kernel"
)

// Runtime is the kernel object layer for one process. Safe for use from
// any number of goroutines.
type Runtime struct {
	sys kernel.Syscalls

	selfOnce sync.Once
	self     *Process
	selfErr  error

	gc *threadGCState
}

// NewRuntime binds a kernel object layer to the given syscall view.
func NewRuntime(sys kernel.Syscalls) *Runtime {
	r := &Runtime{sys: sys}
	r.gc = &threadGCState{rt: r, cleanups: make(map[uint64]func())}
	return r
}

// Sys exposes the raw syscall view. Higher layers use it for calls that have
// no object wrapper (futex, log).
func (r *Runtime) Sys() kernel.Syscalls {
	return r.sys
}

// Pid returns the pid of the bound process.
func (r *Runtime) Pid() uint64 {
	return r.sys.Pid()
}

// CurrentProcess returns a lazily opened handle to the calling process. The
// handle is shared by the whole runtime and must not be closed by callers.
func (r *Runtime) CurrentProcess() (*Process, error) {
	r.selfOnce.Do(func() {
		h, err := r.sys.ProcessOpenSelf()
		if err != nil {
			r.selfErr = fmt.Errorf("open self: %w", err)
			return
		}
		r.self = &Process{rt: r, handle: h, pid: r.sys.Pid()}
	})
	return r.self, r.selfErr
}

// memoryBytes resolves the MemoryAccessor channel of the underlying kernel.
func (r *Runtime) memoryBytes(mobj kernel.Handle, offset, length uintptr) ([]byte, error) {
	acc, ok := r.sys.(kernel.MemoryAccessor)
	if !ok {
		return nil, kernel.NewError(kernel.ErrNotSupported, "memory_bytes")
	}
	return acc.MemoryBytes(mobj, offset, length)
}
