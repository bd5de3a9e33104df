package ipc

import (
	"fmt"

	"github.com/marmos91/helium/pkg/ipc/wire"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
)

// BufferAccess describes how the receiver of a buffer may touch it.
type BufferAccess uint8

const (
	BufferRead  BufferAccess = 1 << 0
	BufferWrite BufferAccess = 1 << 1
)

// Buffer is the wire descriptor for a variable-size transfer surface: the
// memory object travelling in a handle slot is the resource, this is its
// metadata. Receivers must validate it against the actual object before
// use.
type Buffer struct {
	Length uint32
	Access BufferAccess
}

// EncodeWire packs the descriptor (length u32, access u8, padded to 8).
func (b Buffer) EncodeWire(e *wire.Encoder) {
	e.PutU32(b.Length)
	e.PutU8(uint8(b.Access))
	e.Align(8)
}

// DecodeWire unpacks the descriptor.
func (b *Buffer) DecodeWire(d *wire.Decoder) {
	b.Length = d.U32()
	b.Access = BufferAccess(d.U8())
	d.Align(8)
}

// NewLocalBuffer allocates a memory object, copies data into it and returns
// the object together with its descriptor, ready to place in a message.
// Zero-length data yields no object and an invalid handle slot.
func NewLocalBuffer(rt *kobject.Runtime, data []byte, access BufferAccess) (*kobject.MemoryObject, Buffer, error) {
	desc := Buffer{Length: uint32(len(data)), Access: access}
	if len(data) == 0 {
		return nil, desc, nil
	}

	mobj, err := rt.CreateMemoryObject(uintptr(len(data)))
	if err != nil {
		return nil, Buffer{}, fmt.Errorf("create buffer object: %w", err)
	}

	self, err := rt.CurrentProcess()
	if err != nil {
		mobj.Close()
		return nil, Buffer{}, err
	}
	size, err := mobj.Size()
	if err != nil {
		mobj.Close()
		return nil, Buffer{}, err
	}
	mapping, err := self.MapMem(0, size, kernel.PermRead|kernel.PermWrite, mobj, 0)
	if err != nil {
		mobj.Close()
		return nil, Buffer{}, fmt.Errorf("map buffer object: %w", err)
	}
	defer mapping.Close()

	bytes, err := mapping.Bytes()
	if err != nil {
		mobj.Close()
		return nil, Buffer{}, err
	}
	copy(bytes, data)

	return mobj, desc, nil
}

// BufferView maps a received buffer object for the duration of a call. The
// descriptor is checked against the real object size so a hostile sender
// cannot make the receiver read past the region.
type BufferView struct {
	mobj    *kobject.MemoryObject
	mapping *kobject.Mapping
	desc    Buffer
}

// NewBufferView adopts the memory-object handle from a message slot and
// maps it. A zero-length descriptor with an invalid handle yields an empty
// view.
func NewBufferView(rt *kobject.Runtime, handle kernel.Handle, desc Buffer) (*BufferView, error) {
	if desc.Length == 0 && !handle.Valid() {
		return &BufferView{desc: desc}, nil
	}

	mobj, err := rt.MemoryObjectFromHandle(handle)
	if err != nil {
		return nil, err
	}
	size, err := mobj.Size()
	if err != nil {
		mobj.Close()
		return nil, err
	}
	if uintptr(desc.Length) > size {
		mobj.Close()
		return nil, fmt.Errorf("buffer descriptor length %d exceeds object size %d", desc.Length, size)
	}

	perms := kernel.PermRead
	if desc.Access&BufferWrite != 0 {
		perms |= kernel.PermWrite
	}
	self, err := rt.CurrentProcess()
	if err != nil {
		mobj.Close()
		return nil, err
	}
	mapping, err := self.MapMem(0, size, perms, mobj, 0)
	if err != nil {
		mobj.Close()
		return nil, fmt.Errorf("map received buffer: %w", err)
	}

	return &BufferView{mobj: mobj, mapping: mapping, desc: desc}, nil
}

// Bytes returns the descriptor-length window over the mapped object.
func (v *BufferView) Bytes() ([]byte, error) {
	if v.mapping == nil {
		return nil, nil
	}
	all, err := v.mapping.Bytes()
	if err != nil {
		return nil, err
	}
	return all[:v.desc.Length], nil
}

// String interprets the window as UTF-8 text.
func (v *BufferView) String() (string, error) {
	b, err := v.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Close unmaps and releases the buffer object.
func (v *BufferView) Close() error {
	if v.mapping != nil {
		v.mapping.Close()
		v.mapping = nil
	}
	if v.mobj != nil {
		err := v.mobj.Close()
		v.mobj = nil
		return err
	}
	return nil
}
