package proc

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/helium/pkg/block"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
	"github.com/marmos91/helium/pkg/ksync"
)

// Record is the server-side process record. Name and environment are
// mutable; arguments and symbols are fixed at creation. Termination
// registrations live on the record of the *watched* process: the owner only
// holds a registration handle, so no reference cycle forms between
// watcher and watched.
type Record struct {
	pid     uint64
	creator uint64

	// kproc and mainThread are nil for records injected at bootstrap (init,
	// idle, the server itself).
	kproc      *kobject.Process
	mainThread *kobject.Thread

	meta *ksync.RWLock // guards name and env
	name string
	env  *block.KVBlock

	args    *block.KVBlock
	symbols *block.SymBlock

	exitCode   atomic.Int32
	terminated atomic.Bool

	// openRefs counts handle-table entries referring to this record. Once
	// terminated and unreferenced the registry forgets the record.
	openRefs atomic.Int64

	regMu         sync.Mutex
	registrations map[kernel.Handle]*registration
}

type registration struct {
	handle      kernel.Handle
	owner       uint64
	correlation uint64
	sender      *kobject.PortSender
}

// CreatorInit is the creator sentinel for processes that have no parent.
const CreatorInit uint64 = 0

func newRecord(sys kernel.Syscalls, pid, creator uint64, name string, env, args *block.KVBlock, symbols *block.SymBlock) *Record {
	r := &Record{
		pid:           pid,
		creator:       creator,
		meta:          ksync.NewRWLock(sys),
		name:          name,
		env:           env,
		args:          args,
		symbols:       symbols,
		registrations: make(map[kernel.Handle]*registration),
	}
	r.exitCode.Store(ExitCodeUnset)
	return r
}

// Pid returns the kernel-assigned process id.
func (r *Record) Pid() uint64 {
	return r.pid
}

// Creator returns the creating pid at creation time.
func (r *Record) Creator() uint64 {
	return r.creator
}

// Name returns the current process name.
func (r *Record) Name() string {
	r.meta.RLock()
	defer r.meta.RUnlock()
	return r.name
}

// SetName replaces the process name.
func (r *Record) SetName(name string) {
	r.meta.Lock()
	r.name = name
	r.meta.Unlock()
}

// Env returns the current environment block.
func (r *Record) Env() *block.KVBlock {
	r.meta.RLock()
	defer r.meta.RUnlock()
	return r.env
}

// SetEnv replaces the environment block and returns the previous one.
func (r *Record) SetEnv(env *block.KVBlock) *block.KVBlock {
	r.meta.Lock()
	old := r.env
	r.env = env
	r.meta.Unlock()
	return old
}

// Args returns the immutable argument block.
func (r *Record) Args() *block.KVBlock {
	return r.args
}

// Symbols returns the immutable symbol block.
func (r *Record) Symbols() *block.SymBlock {
	return r.symbols
}

// ExitCode returns the recorded exit code (ExitCodeUnset until set).
func (r *Record) ExitCode() int32 {
	return r.exitCode.Load()
}

// SetExitCode validates and stores a user exit code.
func (r *Record) SetExitCode(code int32) error {
	if code < ExitCodeReservedMin {
		return ErrInvalidArgument
	}
	r.exitCode.Store(code)
	return nil
}

// Terminated reports whether the kernel has notified this process's death.
func (r *Record) Terminated() bool {
	return r.terminated.Load()
}

// markTerminated flips the terminated flag and defaults an unset exit code
// to KILLED. It returns the registrations to fire, leaving the set empty.
func (r *Record) markTerminated() []*registration {
	r.terminated.Store(true)
	r.exitCode.CompareAndSwap(ExitCodeUnset, ExitCodeKilled)

	r.regMu.Lock()
	defer r.regMu.Unlock()
	regs := make([]*registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	r.registrations = make(map[kernel.Handle]*registration)
	return regs
}

// addRegistration stores a termination registration under the given
// registration handle.
func (r *Record) addRegistration(handle kernel.Handle, reg *registration) {
	r.regMu.Lock()
	r.registrations[handle] = reg
	r.regMu.Unlock()
}

// removeRegistration removes and returns the registration, enforcing that
// only its owner may do so.
func (r *Record) removeRegistration(handle kernel.Handle, owner uint64) (*registration, error) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	reg, ok := r.registrations[handle]
	if !ok {
		return nil, ErrNotFound
	}
	if reg.owner != owner {
		return nil, ErrAccessDenied
	}
	delete(r.registrations, handle)
	return reg, nil
}

// dropRegistrationsOwnedBy discards registrations placed by a now-dead
// owner.
func (r *Record) dropRegistrationsOwnedBy(owner uint64) []*registration {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	var dropped []*registration
	for h, reg := range r.registrations {
		if reg.owner == owner {
			dropped = append(dropped, reg)
			delete(r.registrations, h)
		}
	}
	return dropped
}
