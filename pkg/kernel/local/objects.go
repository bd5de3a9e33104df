package local

import (
	"sort"

	"github.com/marmos91/helium/pkg/kernel"
)

// object is the shared kernel object a handle entry refers to. release is
// called exactly once per owning handle (exclusive ownership: closing the
// handle drops the reference).
type object interface {
	handleType() kernel.HandleType
	release(k *Kernel)
}

type handleEntry struct {
	object object
}

// process is the kernel-side process record.
type process struct {
	pid        uint64
	name       string
	terminated bool

	handles    map[kernel.Handle]*handleEntry
	nextHandle kernel.Handle

	mappings []*mapping
	threads  []*thread
}

func (p *process) insertHandle(obj object) kernel.Handle {
	p.nextHandle++
	h := p.nextHandle
	p.handles[h] = &handleEntry{object: obj}
	return h
}

func (p *process) lookup(h kernel.Handle, t kernel.HandleType) (object, bool) {
	entry, ok := p.handles[h]
	if !ok {
		return nil, false
	}
	if t != kernel.HandleTypeInvalid && entry.object.handleType() != t {
		return nil, false
	}
	return entry.object, true
}

// processRef is the object behind a process handle.
type processRef struct {
	target *process
}

func (*processRef) handleType() kernel.HandleType { return kernel.HandleTypeProcess }
func (*processRef) release(*Kernel)               {}

// thread is the kernel-side thread record. The local kernel tracks thread
// identity and lifecycle but does not execute code at the entry point; the
// hosting layer runs server loops as goroutines instead.
type thread struct {
	tid        uint64
	owner      *process
	name       string
	priority   int
	terminated bool
}

type threadRef struct {
	target *thread
}

func (*threadRef) handleType() kernel.HandleType { return kernel.HandleTypeThread }
func (*threadRef) release(*Kernel)               {}

// memObject is a reference-counted region of memory backed by a byte slice.
// References are handles plus live mappings; the data is dropped when the
// count reaches zero.
type memObject struct {
	data []byte
	refs int
}

func (m *memObject) addRef() { m.refs++ }

func (m *memObject) dropRef() {
	m.refs--
	if m.refs <= 0 {
		m.data = nil
	}
}

type memObjectRef struct {
	target *memObject
}

func (*memObjectRef) handleType() kernel.HandleType { return kernel.HandleTypeMemoryObject }
func (r *memObjectRef) release(*Kernel)             { r.target.dropRef() }

// mapping is a mapped (or reserved, when mobj is nil) virtual range in one
// process.
type mapping struct {
	addr  uintptr
	size  uintptr
	perms kernel.Permissions
	mobj  *memObject
	off   uintptr
}

const mappingBase uintptr = 0x10000000

// findFreeRange returns the lowest page-aligned address >= mappingBase where
// size bytes do not overlap any existing mapping.
func (p *process) findFreeRange(size uintptr) uintptr {
	addr := mappingBase
	for {
		conflict := false
		for _, m := range p.mappings {
			if addr < m.addr+m.size && m.addr < addr+size {
				conflict = true
				if m.addr+m.size > addr {
					addr = m.addr + m.size
				}
			}
		}
		if !conflict {
			return addr
		}
	}
}

func (p *process) overlaps(addr, size uintptr) bool {
	for _, m := range p.mappings {
		if addr < m.addr+m.size && m.addr < addr+size {
			return true
		}
	}
	return false
}

func (p *process) insertMapping(m *mapping) {
	p.mappings = append(p.mappings, m)
	sort.Slice(p.mappings, func(i, j int) bool { return p.mappings[i].addr < p.mappings[j].addr })
}

// queuedMessage is a message in flight inside a port. Handle slots have
// already been detached from the sender; the objects travel with the
// message and are re-attached to whichever process receives it.
type queuedMessage struct {
	data    [kernel.MessageDataSize]byte
	objects [kernel.MessageHandleSlots]object
}

// port is the shared channel behind sender/receiver handles. Receiver clones
// compete for messages; order is preserved within the port.
type port struct {
	id   uint64
	name string

	queue []*queuedMessage

	senderRefs   int
	receiverRefs int
}

func (p *port) sendClosed() bool { return p.receiverRefs == 0 }
func (p *port) recvReady() bool  { return len(p.queue) > 0 }

type portSenderRef struct {
	target *port
}

func (*portSenderRef) handleType() kernel.HandleType { return kernel.HandleTypePortSender }

func (r *portSenderRef) release(k *Kernel) {
	r.target.senderRefs--
	if r.target.senderRefs == 0 && r.target.name != "" {
		// The name belongs to the sender half: dropping the last sender
		// frees it even while receivers remain.
		delete(k.portNames, r.target.name)
		r.target.name = ""
	}
	k.cond.Broadcast()
}

type portReceiverRef struct {
	target *port
}

func (*portReceiverRef) handleType() kernel.HandleType { return kernel.HandleTypePortReceiver }

func (r *portReceiverRef) release(k *Kernel) {
	r.target.receiverRefs--
	if r.target.receiverRefs == 0 {
		// Drop in-flight messages, releasing any handles they carry.
		for _, qm := range r.target.queue {
			for _, obj := range qm.objects {
				if obj != nil {
					obj.release(k)
				}
			}
		}
		r.target.queue = nil
	}
	k.cond.Broadcast()
}

// listener receives process or thread lifecycle events.
type listener struct {
	filter uint64
	closed bool

	processEvents []kernel.ProcessEvent
	threadEvents  []kernel.ThreadEvent
}

func (l *listener) ready() bool {
	return len(l.processEvents) > 0 || len(l.threadEvents) > 0
}

type listenerRef struct {
	target *listener
}

func (*listenerRef) handleType() kernel.HandleType { return kernel.HandleTypeListener }

func (r *listenerRef) release(k *Kernel) {
	r.target.closed = true
	r.target.processEvents = nil
	r.target.threadEvents = nil
	k.cond.Broadcast()
}
