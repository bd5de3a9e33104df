package kobject

import (
	"github.com/marmos91/helium/pkg/kernel"
)

// Waitable is implemented by objects whose readiness the kernel waiter can
// observe: port receivers and listeners.
type Waitable interface {
	WaitHandle() kernel.Handle
}

// Waiter aggregates waitable objects and blocks until at least one is
// ready. Wait may return spuriously-looking results when a competing
// receiver drains the object first; callers re-check and wait again.
type Waiter struct {
	rt        *Runtime
	waitables []Waitable
	handles   []kernel.Handle
	ready     []bool
}

// NewWaiter creates a waiter over an initial set of waitables.
func (r *Runtime) NewWaiter(waitables ...Waitable) *Waiter {
	w := &Waiter{rt: r}
	for _, wa := range waitables {
		w.Add(wa)
	}
	return w
}

// Add appends another waitable. Its index is len-1 at the time of the call.
func (w *Waiter) Add(wa Waitable) {
	w.waitables = append(w.waitables, wa)
	w.handles = append(w.handles, wa.WaitHandle())
	w.ready = append(w.ready, false)
}

// Wait blocks until at least one waitable is ready and records the ready
// bitmap for IsReady.
func (w *Waiter) Wait() error {
	return w.rt.sys.IPCWait(w.handles, w.ready)
}

// IsReady reports whether the waitable at index was ready after the last
// Wait.
func (w *Waiter) IsReady(index int) bool {
	return index < len(w.ready) && w.ready[index]
}
