package kobject

import (
	"github.com/marmos91/helium/pkg/kernel"
)

// MemoryObject wraps a kernel memory-object handle: a reference-counted
// region of memory mappable into one or more processes.
type MemoryObject struct {
	rt     *Runtime
	handle kernel.Handle
}

// CreateMemoryObject allocates a memory object of at least size bytes
// (rounded up to the page size by the kernel).
func (r *Runtime) CreateMemoryObject(size uintptr) (*MemoryObject, error) {
	h, err := r.sys.MemoryObjectCreate(size)
	if err != nil {
		return nil, err
	}
	return &MemoryObject{rt: r, handle: h}, nil
}

// MemoryObjectFromHandle adopts a received handle. The wrapper takes
// ownership.
func (r *Runtime) MemoryObjectFromHandle(h kernel.Handle) (*MemoryObject, error) {
	if !h.Valid() {
		return nil, kernel.NewError(kernel.ErrInvalidArgument, "memory_object_from_handle")
	}
	return &MemoryObject{rt: r, handle: h}, nil
}

// Size returns the page-aligned size of the object.
func (m *MemoryObject) Size() (uintptr, error) {
	return m.rt.sys.MemoryObjectSize(m.handle)
}

// Handle returns the raw handle without transferring ownership.
func (m *MemoryObject) Handle() kernel.Handle {
	return m.handle
}

// IntoHandle transfers ownership of the raw handle to the caller; the
// wrapper becomes invalid. Used to place the object in a message slot.
func (m *MemoryObject) IntoHandle() kernel.Handle {
	h := m.handle
	m.handle = kernel.InvalidHandle
	return h
}

// Clone duplicates the handle; both wrappers reference the same region.
func (m *MemoryObject) Clone() (*MemoryObject, error) {
	h, err := m.rt.sys.HandleDuplicate(m.handle)
	if err != nil {
		return nil, err
	}
	return &MemoryObject{rt: m.rt, handle: h}, nil
}

// Close releases the handle (and the region, once unreferenced).
func (m *MemoryObject) Close() error {
	if !m.handle.Valid() {
		return nil
	}
	err := m.rt.sys.Close(m.handle)
	m.handle = kernel.InvalidHandle
	return err
}
