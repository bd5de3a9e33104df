// Package local implements the kernel syscall surface in-process. It backs
// the single-binary hosting mode (`helium run`) and the test suite: every
// hosted process is a pid inside one local kernel, and each gets its own
// kernel.Syscalls view via Task.
package local

import (
	"sync"

	"github.com/marmos91/helium/pkg/kernel"
)

// Kernel is an in-process implementation of the kernel object and handle
// model: processes, typed handle tables, memory objects, ports, listeners
// and futexes. All state is guarded by a single mutex; readiness changes are
// broadcast through one condition variable that blocking calls loop on.
type Kernel struct {
	mu   sync.Mutex
	cond *sync.Cond

	nextPid    uint64
	nextTid    uint64
	nextPortID uint64

	processes map[uint64]*process
	portNames map[string]*port

	processListeners []*listener
	threadListeners  []*listener

	futexes map[*uint32]*futexQueue

	logSink func(level kernel.LogLevel, pid uint64, msg string)
}

// NewKernel creates an empty kernel. Pids 1 and 2 are reserved by convention
// for init and idle; the first Spawn returns pid 1.
func NewKernel() *Kernel {
	k := &Kernel{
		nextPid:   0,
		nextTid:   0,
		processes: make(map[uint64]*process),
		portNames: make(map[string]*port),
		futexes:   make(map[*uint32]*futexQueue),
	}
	k.cond = sync.NewCond(&k.mu)
	return k
}

// SetLogSink installs the destination for the log syscall. Without one the
// messages are dropped.
func (k *Kernel) SetLogSink(sink func(level kernel.LogLevel, pid uint64, msg string)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.logSink = sink
}

// Spawn creates a new process record directly (without going through
// ProcessCreate from another task) and returns its syscall view. This is how
// the hosting layer brings up init and the system servers.
func (k *Kernel) Spawn(name string) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()

	p := k.newProcessLocked(name)
	return &Task{kernel: k, process: p}
}

// Task returns the syscall view bound to an existing pid, or nil when the
// pid is unknown.
func (k *Kernel) Task(pid uint64) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, ok := k.processes[pid]
	if !ok {
		return nil
	}
	return &Task{kernel: k, process: p}
}

func (k *Kernel) newProcessLocked(name string) *process {
	k.nextPid++
	p := &process{
		pid:     k.nextPid,
		name:    name,
		handles: make(map[kernel.Handle]*handleEntry),
	}
	k.processes[p.pid] = p
	k.notifyProcessEventLocked(kernel.ProcessEvent{Type: kernel.ProcessEventCreated, Pid: p.pid})
	return p
}

// terminateLocked marks the process dead, releases every handle it owns and
// fans the termination event out to matching listeners.
func (k *Kernel) terminateLocked(p *process) {
	if p.terminated {
		return
	}
	p.terminated = true

	for h, entry := range p.handles {
		entry.object.release(k)
		delete(p.handles, h)
	}
	p.mappings = nil

	for _, t := range p.threads {
		if !t.terminated {
			t.terminated = true
			k.notifyThreadEventLocked(kernel.ThreadEvent{Type: kernel.ThreadEventTerminated, Tid: t.tid, Pid: p.pid})
		}
	}

	k.notifyProcessEventLocked(kernel.ProcessEvent{Type: kernel.ProcessEventTerminated, Pid: p.pid})
	k.cond.Broadcast()
}

func (k *Kernel) notifyProcessEventLocked(ev kernel.ProcessEvent) {
	for _, l := range k.processListeners {
		if l.closed {
			continue
		}
		if l.filter != kernel.ListenerFilterAll && l.filter != ev.Pid {
			continue
		}
		l.processEvents = append(l.processEvents, ev)
	}
	k.cond.Broadcast()
}

func (k *Kernel) notifyThreadEventLocked(ev kernel.ThreadEvent) {
	for _, l := range k.threadListeners {
		if l.closed {
			continue
		}
		if l.filter != kernel.ListenerFilterAll && l.filter != ev.Tid {
			continue
		}
		l.threadEvents = append(l.threadEvents, ev)
	}
	k.cond.Broadcast()
}

type futexQueue struct {
	waiters int
	wakes   int
	closed  bool
}
