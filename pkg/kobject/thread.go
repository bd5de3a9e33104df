package kobject

import (
	"fmt"
	"sync"

	"github.com/marmos91/helium/pkg/kernel"
)

const (
	// DefaultStackSize is the stack allocated to a thread unless overridden.
	DefaultStackSize = 16 * kernel.PageSize

	// TLSSize is the thread-local block allocated per thread.
	TLSSize = kernel.PageSize
)

// ThreadStartOptions tunes Thread creation.
type ThreadStartOptions struct {
	Name      string
	Priority  int
	StackSize uintptr
}

// Thread wraps a kernel thread handle. In the hosted rendition the entry
// function runs as a goroutine; the stack and TLS regions are still
// allocated through the kernel (with one-page guard regions on each side)
// so that address-space accounting matches the real system, and the
// thread-gc reclaims them on termination.
type Thread struct {
	rt     *Runtime
	handle kernel.Handle
	tid    uint64
}

// StartThread creates a thread in the current process and runs entry on it.
func (r *Runtime) StartThread(entry func(), opts ThreadStartOptions) (*Thread, error) {
	self, err := r.CurrentProcess()
	if err != nil {
		return nil, err
	}

	stackSize := opts.StackSize
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}

	if err := r.threadGC().ensureStarted(); err != nil {
		return nil, fmt.Errorf("start thread gc: %w", err)
	}

	stack, err := newGuardedRegion(r, self, stackSize)
	if err != nil {
		return nil, fmt.Errorf("allocate stack: %w", err)
	}
	tls, err := newGuardedRegion(r, self, TLSSize)
	if err != nil {
		stack.release()
		return nil, fmt.Errorf("allocate tls: %w", err)
	}

	handle, tid, err := r.sys.ThreadCreate(self.handle, kernel.ThreadOptions{
		Name:     opts.Name,
		Priority: opts.Priority,
		StackTop: stack.top(),
		TLSBase:  tls.top(),
	})
	if err != nil {
		tls.release()
		stack.release()
		return nil, err
	}

	t := &Thread{rt: r, handle: handle, tid: tid}
	r.threadGC().track(tid, func() {
		tls.release()
		stack.release()
	})

	go func() {
		defer func() {
			// The goroutine returning is the thread exiting.
			_ = r.sys.ThreadKill(handle)
		}()
		entry()
	}()

	return t, nil
}

// Tid returns the thread id.
func (t *Thread) Tid() uint64 {
	return t.tid
}

// Kill terminates the thread record. The goroutine itself is cooperative
// and must observe its own shutdown signal.
func (t *Thread) Kill() error {
	return t.rt.sys.ThreadKill(t.handle)
}

// Close releases the thread handle.
func (t *Thread) Close() error {
	if !t.handle.Valid() {
		return nil
	}
	err := t.rt.sys.Close(t.handle)
	t.handle = kernel.InvalidHandle
	return err
}

// guardedRegion is an RW mapping flanked by one reserved guard page on each
// side.
type guardedRegion struct {
	guardLow  *Mapping
	guardHigh *Mapping
	center    *Mapping
	mobj      *MemoryObject
}

func newGuardedRegion(r *Runtime, p *Process, size uintptr) (*guardedRegion, error) {
	mobj, err := r.CreateMemoryObject(size)
	if err != nil {
		return nil, err
	}
	mobjSize, err := mobj.Size()
	if err != nil {
		mobj.Close()
		return nil, err
	}

	// Reserve the whole window first so nothing else lands between the
	// guards, then carve it: guard / data / guard.
	window, err := p.MapReserve(0, mobjSize+2*kernel.PageSize)
	if err != nil {
		mobj.Close()
		return nil, err
	}
	base := window.Address()
	if err := window.Close(); err != nil {
		mobj.Close()
		return nil, err
	}

	guardLow, err := p.MapReserve(base, kernel.PageSize)
	if err != nil {
		mobj.Close()
		return nil, err
	}
	center, err := p.MapMem(base+kernel.PageSize, mobjSize, kernel.PermRead|kernel.PermWrite, mobj, 0)
	if err != nil {
		guardLow.Close()
		mobj.Close()
		return nil, err
	}
	guardHigh, err := p.MapReserve(base+kernel.PageSize+mobjSize, kernel.PageSize)
	if err != nil {
		center.Close()
		guardLow.Close()
		mobj.Close()
		return nil, err
	}

	return &guardedRegion{guardLow: guardLow, guardHigh: guardHigh, center: center, mobj: mobj}, nil
}

// top returns the highest usable address (stacks grow down).
func (g *guardedRegion) top() uintptr {
	return g.center.Address() + g.center.Len()
}

func (g *guardedRegion) release() {
	g.guardHigh.Close()
	g.center.Close()
	g.guardLow.Close()
	g.mobj.Close()
}

// threadGC reclaims stack and TLS regions when their thread terminates. One
// background goroutine per runtime drains a thread listener and runs the
// registered cleanups.
type threadGCState struct {
	rt       *Runtime
	mu       sync.Mutex
	cleanups map[uint64]func()
	listener *ThreadListener
}

func (r *Runtime) threadGC() *threadGCState {
	return r.gc
}

// ensureStarted creates the listener synchronously so no termination event
// can be missed between thread creation and the drain loop coming up.
func (g *threadGCState) ensureStarted() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.listener != nil {
		return nil
	}
	listener, err := g.rt.NewThreadListener(kernel.ListenerFilterAll)
	if err != nil {
		return err
	}
	g.listener = listener
	go g.run(listener)
	return nil
}

func (g *threadGCState) track(tid uint64, cleanup func()) {
	g.mu.Lock()
	g.cleanups[tid] = cleanup
	g.mu.Unlock()
}

func (g *threadGCState) run(listener *ThreadListener) {
	// Cleanups are driven by termination events; the listener subscribes to
	// everything and filters on tracked tids.
	waiter := g.rt.NewWaiter(listener)
	for {
		if err := waiter.Wait(); err != nil {
			return
		}
		ev, err := listener.Receive()
		if kernel.IsCode(err, kernel.ErrObjectNotReady) {
			continue
		}
		if err != nil {
			return
		}
		if ev.Type != kernel.ThreadEventTerminated {
			continue
		}
		g.mu.Lock()
		cleanup := g.cleanups[ev.Tid]
		delete(g.cleanups, ev.Tid)
		g.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
	}
}
