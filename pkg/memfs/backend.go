package memfs

import (
	"sync"
	"time"

	"github.com/marmos91/helium/internal/logger"
	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// PortName is the port the reference server registers under.
const PortName = "memfs-server"

// Clock is the shared monotonic "now" source for node timestamps, in
// milliseconds.
type Clock func() uint64

// monotonicClock counts milliseconds since process start.
func monotonicClock() Clock {
	start := time.Now()
	return func() uint64 {
		return uint64(time.Since(start).Milliseconds())
	}
}

// Backend implements the filesystem protocol over per-mount Instances.
type Backend struct {
	sys       kernel.Syscalls
	generator *ipc.HandleGenerator
	clock     Clock

	mu        sync.RWMutex
	instances map[kernel.Handle]*Instance
}

var _ fsproto.Backend = (*Backend)(nil)

// NewBackend creates an empty backend. A nil clock selects the monotonic
// default.
func NewBackend(sys kernel.Syscalls, clock Clock) *Backend {
	if clock == nil {
		clock = monotonicClock()
	}
	return &Backend{
		sys:       sys,
		generator: ipc.NewHandleGenerator(),
		clock:     clock,
		instances: make(map[kernel.Handle]*Instance),
	}
}

// NewServer builds the memfs IPC server on the given port name.
func NewServer(rt *kobject.Runtime, portName string) (*ipc.Server, error) {
	backend := NewBackend(rt.Sys(), nil)
	return fsproto.NewServer(rt, portName, backend)
}

// Mount creates a fresh instance. The argument string is accepted for
// protocol compatibility and ignored.
func (b *Backend) Mount(args string) (kernel.Handle, fsproto.NodeID, error) {
	inst := newInstance(b.sys, b.generator, b.clock)
	handle := b.generator.Generate()

	b.mu.Lock()
	b.instances[handle] = inst
	b.mu.Unlock()

	logger.Info("memfs instance mounted", logger.KeyMount, inst.ID().String(), logger.KeyHandle, uint64(handle))
	return handle, inst.Root(), nil
}

// Unmount drops an instance and all its state.
func (b *Backend) Unmount(mount kernel.Handle) error {
	b.mu.Lock()
	inst, ok := b.instances[mount]
	if ok {
		delete(b.instances, mount)
	}
	b.mu.Unlock()

	if !ok {
		return fsproto.ErrInvalidArgument
	}
	logger.Info("memfs instance unmounted", logger.KeyMount, inst.ID().String())
	return nil
}

func (b *Backend) instance(mount kernel.Handle) (*Instance, error) {
	b.mu.RLock()
	inst, ok := b.instances[mount]
	b.mu.RUnlock()
	if !ok {
		return nil, fsproto.ErrInvalidArgument
	}
	return inst, nil
}

// withInstance runs fn with the instance's exclusive lock held.
func (b *Backend) withInstance(mount kernel.Handle, fn func(*Instance) error) error {
	inst, err := b.instance(mount)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return fn(inst)
}

func (b *Backend) Lookup(mount kernel.Handle, parent fsproto.NodeID, name string) (fsproto.NodeID, error) {
	var id fsproto.NodeID
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		id, ierr = i.lookup(parent, name)
		return ierr
	})
	return id, err
}

func (b *Backend) Create(mount kernel.Handle, parent fsproto.NodeID, name string, nodeType fsproto.NodeType, perms kernel.Permissions) (fsproto.NodeID, error) {
	var id fsproto.NodeID
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		id, ierr = i.create(parent, name, nodeType, perms)
		return ierr
	})
	return id, err
}

func (b *Backend) Remove(mount kernel.Handle, parent fsproto.NodeID, name string) error {
	return b.withInstance(mount, func(i *Instance) error {
		return i.remove(parent, name)
	})
}

func (b *Backend) Move(mount kernel.Handle, oldParent fsproto.NodeID, oldName string, newParent fsproto.NodeID, newName string) error {
	return b.withInstance(mount, func(i *Instance) error {
		return i.move(oldParent, oldName, newParent, newName)
	})
}

func (b *Backend) GetMetadata(mount kernel.Handle, node fsproto.NodeID) (fsproto.Metadata, error) {
	var meta fsproto.Metadata
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		meta, ierr = i.getMetadata(node)
		return ierr
	})
	return meta, err
}

func (b *Backend) SetMetadata(mount kernel.Handle, node fsproto.NodeID, set fsproto.SetMetadata) error {
	return b.withInstance(mount, func(i *Instance) error {
		return i.setMetadata(node, set)
	})
}

func (b *Backend) OpenFile(mount kernel.Handle, node fsproto.NodeID, perms fsproto.HandlePermissions) (kernel.Handle, error) {
	// Handle permissions are enforced by the VFS layer; the FS only tracks
	// the open link.
	var handle kernel.Handle
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		handle, ierr = i.openFile(node)
		return ierr
	})
	return handle, err
}

func (b *Backend) CloseFile(mount kernel.Handle, handle kernel.Handle) error {
	return b.withInstance(mount, func(i *Instance) error {
		return i.closeHandle(handle)
	})
}

func (b *Backend) ReadFile(mount kernel.Handle, handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	var n int
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		n, ierr = i.readFile(handle, offset, buf)
		return ierr
	})
	return n, err
}

func (b *Backend) WriteFile(mount kernel.Handle, handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	var n int
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		n, ierr = i.writeFile(handle, offset, buf)
		return ierr
	})
	return n, err
}

func (b *Backend) OpenDir(mount kernel.Handle, node fsproto.NodeID) (kernel.Handle, error) {
	var handle kernel.Handle
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		handle, ierr = i.openDir(node)
		return ierr
	})
	return handle, err
}

func (b *Backend) CloseDir(mount kernel.Handle, handle kernel.Handle) error {
	return b.withInstance(mount, func(i *Instance) error {
		return i.closeHandle(handle)
	})
}

func (b *Backend) ListDir(mount kernel.Handle, handle kernel.Handle) ([]fsproto.DirEntry, error) {
	var entries []fsproto.DirEntry
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		entries, ierr = i.listDir(handle)
		return ierr
	})
	return entries, err
}

func (b *Backend) CreateSymlink(mount kernel.Handle, parent fsproto.NodeID, name, target string) (fsproto.NodeID, error) {
	var id fsproto.NodeID
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		id, ierr = i.createSymlink(parent, name, target)
		return ierr
	})
	return id, err
}

func (b *Backend) ReadSymlink(mount kernel.Handle, node fsproto.NodeID) (string, error) {
	var target string
	err := b.withInstance(mount, func(i *Instance) error {
		var ierr error
		target, ierr = i.readSymlink(node)
		return ierr
	})
	return target, err
}
