package kobject

import (
	"fmt"

	"github.com/marmos91/helium/pkg/kernel"
)

// Process wraps a kernel process handle.
type Process struct {
	rt     *Runtime
	handle kernel.Handle
	pid    uint64
}

// OpenProcess opens an existing process by pid.
func (r *Runtime) OpenProcess(pid uint64) (*Process, error) {
	h, err := r.sys.ProcessOpen(pid)
	if err != nil {
		return nil, err
	}
	return &Process{rt: r, handle: h, pid: pid}, nil
}

// CreateProcess creates a fresh, empty kernel process.
func (r *Runtime) CreateProcess(name string) (*Process, error) {
	h, pid, err := r.sys.ProcessCreate(name)
	if err != nil {
		return nil, err
	}
	return &Process{rt: r, handle: h, pid: pid}, nil
}

// Pid returns the process id.
func (p *Process) Pid() uint64 {
	return p.pid
}

// Handle returns the raw handle. Ownership stays with the wrapper.
func (p *Process) Handle() kernel.Handle {
	return p.handle
}

// Close releases the process handle. The process itself keeps running.
func (p *Process) Close() error {
	if !p.handle.Valid() {
		return nil
	}
	err := p.rt.sys.Close(p.handle)
	p.handle = kernel.InvalidHandle
	return err
}

// Kill asks the kernel to terminate the process.
func (p *Process) Kill() error {
	return p.rt.sys.ProcessKill(p.handle)
}

// SetName updates the kernel-side process name.
func (p *Process) SetName(name string) error {
	return p.rt.sys.ProcessSetName(p.handle, name)
}

// Name reads the kernel-side process name.
func (p *Process) Name() (string, error) {
	return p.rt.sys.ProcessGetName(p.handle)
}

// Info returns the kernel snapshot of the process.
func (p *Process) Info() (kernel.ProcessInfo, error) {
	return p.rt.sys.ProcessInfoQuery(p.handle)
}

// MapReserve reserves size bytes of address space with no backing and no
// access. Guard regions around stacks and TLS blocks are carved this way.
func (p *Process) MapReserve(addr uintptr, size uintptr) (*Mapping, error) {
	got, err := p.rt.sys.ProcessMMap(p.handle, addr, size, kernel.PermNone, kernel.InvalidHandle, 0)
	if err != nil {
		return nil, err
	}
	return &Mapping{process: p, addr: got, size: size}, nil
}

// MapMem maps a memory object into the process at addr (or a kernel-chosen
// address when addr is zero).
func (p *Process) MapMem(addr uintptr, size uintptr, perms kernel.Permissions, mobj *MemoryObject, offset uintptr) (*Mapping, error) {
	got, err := p.rt.sys.ProcessMMap(p.handle, addr, size, perms, mobj.handle, offset)
	if err != nil {
		return nil, err
	}
	return &Mapping{process: p, addr: got, size: size, mobj: mobj.handle, mobjOffset: offset}, nil
}

// Mapping is a contiguous mapped range in one process. Close unmaps it
// unless Leak was called first.
type Mapping struct {
	process    *Process
	addr       uintptr
	size       uintptr
	mobj       kernel.Handle
	mobjOffset uintptr
	leaked     bool
}

// Address returns the start of the mapped range.
func (m *Mapping) Address() uintptr {
	return m.addr
}

// Len returns the length of the mapped range.
func (m *Mapping) Len() uintptr {
	return m.size
}

// Leak detaches the mapping from its wrapper: Close becomes a no-op and the
// target process keeps the range for its own lifetime. Used when ownership
// transfers, e.g. after building a child's stack.
func (m *Mapping) Leak() {
	m.leaked = true
}

// Close unmaps the range.
func (m *Mapping) Close() error {
	if m.leaked || m.size == 0 {
		return nil
	}
	err := m.process.rt.sys.ProcessMUnmap(m.process.handle, m.addr, m.size)
	m.size = 0
	return err
}

// Bytes exposes the mapped contents to hosted Go code. Only valid for
// mappings backed by a memory object.
func (m *Mapping) Bytes() ([]byte, error) {
	if !m.mobj.Valid() {
		return nil, fmt.Errorf("mapping has no backing object")
	}
	return m.process.rt.memoryBytes(m.mobj, m.mobjOffset, m.size)
}
