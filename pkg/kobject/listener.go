package kobject

import (
	"github.com/marmos91/helium/pkg/kernel"
)

// ProcessListener receives process lifecycle events from the kernel.
type ProcessListener struct {
	rt     *Runtime
	handle kernel.Handle
}

// NewProcessListener subscribes to lifecycle events for one pid, or for all
// processes when filter is kernel.ListenerFilterAll.
func (r *Runtime) NewProcessListener(filter uint64) (*ProcessListener, error) {
	h, err := r.sys.ListenerCreateProcess(filter)
	if err != nil {
		return nil, err
	}
	return &ProcessListener{rt: r, handle: h}, nil
}

// Receive returns the next queued event; ObjectNotReady when none is
// pending.
func (l *ProcessListener) Receive() (kernel.ProcessEvent, error) {
	return l.rt.sys.ListenerReceiveProcessEvent(l.handle)
}

// WaitHandle implements Waitable.
func (l *ProcessListener) WaitHandle() kernel.Handle {
	return l.handle
}

// Close releases the listener.
func (l *ProcessListener) Close() error {
	if !l.handle.Valid() {
		return nil
	}
	err := l.rt.sys.Close(l.handle)
	l.handle = kernel.InvalidHandle
	return err
}

// ThreadListener receives thread lifecycle events from the kernel.
type ThreadListener struct {
	rt     *Runtime
	handle kernel.Handle
}

// NewThreadListener subscribes to thread events, filtered the same way as
// NewProcessListener.
func (r *Runtime) NewThreadListener(filter uint64) (*ThreadListener, error) {
	h, err := r.sys.ListenerCreateThread(filter)
	if err != nil {
		return nil, err
	}
	return &ThreadListener{rt: r, handle: h}, nil
}

// Receive returns the next queued event; ObjectNotReady when none is
// pending.
func (l *ThreadListener) Receive() (kernel.ThreadEvent, error) {
	return l.rt.sys.ListenerReceiveThreadEvent(l.handle)
}

// WaitHandle implements Waitable.
func (l *ThreadListener) WaitHandle() kernel.Handle {
	return l.handle
}

// Close releases the listener.
func (l *ThreadListener) Close() error {
	if !l.handle.Valid() {
		return nil
	}
	err := l.rt.sys.Close(l.handle)
	l.handle = kernel.InvalidHandle
	return err
}
