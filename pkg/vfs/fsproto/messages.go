package fsproto

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/ipc/wire"
	"github.com/marmos91/helium/pkg/kernel"
)

// Message type discriminants.
const (
	TypeMount uint16 = iota + 1
	TypeUnmount
	TypeLookup
	TypeCreate
	TypeRemove
	TypeMove
	TypeGetMetadata
	TypeSetMetadata
	TypeOpenFile
	TypeCloseFile
	TypeReadFile
	TypeWriteFile
	TypeOpenDir
	TypeCloseDir
	TypeListDir
	TypeCreateSymlink
	TypeReadSymlink
)

// --- Mount ---

// MountParams carries the mount argument string as a buffer.
type MountParams struct {
	Args ipc.Buffer
}

// MountHandleArgs is the request slot holding the args object.
const MountHandleArgs = 1

func (p MountParams) MarshalWire(e *wire.Encoder)    { p.Args.EncodeWire(e) }
func (p *MountParams) UnmarshalWire(d *wire.Decoder) { p.Args.DecodeWire(d) }

// MountReply returns the instance handle and its root node.
type MountReply struct {
	Mount kernel.Handle
	Root  NodeID
}

func (r MountReply) MarshalWire(e *wire.Encoder) {
	e.PutHandle(r.Mount)
	e.PutU64(uint64(r.Root))
}

func (r *MountReply) UnmarshalWire(d *wire.Decoder) {
	r.Mount = d.Handle()
	r.Root = NodeID(d.U64())
}

// --- Unmount ---

type UnmountParams struct {
	Mount kernel.Handle
}

func (p UnmountParams) MarshalWire(e *wire.Encoder)    { e.PutHandle(p.Mount) }
func (p *UnmountParams) UnmarshalWire(d *wire.Decoder) { p.Mount = d.Handle() }

// --- Lookup ---

// LookupParams: the entry name travels as a buffer in slot 1.
type LookupParams struct {
	Mount  kernel.Handle
	Parent NodeID
	Name   ipc.Buffer
}

// NameHandleSlot is the request slot carrying the primary name buffer for
// Lookup, Create, Remove, CreateSymlink and Move.
const NameHandleSlot = 1

func (p LookupParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutU64(uint64(p.Parent))
	p.Name.EncodeWire(e)
}

func (p *LookupParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Parent = NodeID(d.U64())
	p.Name.DecodeWire(d)
}

// NodeReply returns one node id.
type NodeReply struct {
	Node NodeID
}

func (r NodeReply) MarshalWire(e *wire.Encoder)    { e.PutU64(uint64(r.Node)) }
func (r *NodeReply) UnmarshalWire(d *wire.Decoder) { r.Node = NodeID(d.U64()) }

// --- Create ---

type CreateParams struct {
	Mount       kernel.Handle
	Parent      NodeID
	Type        NodeType
	Permissions kernel.Permissions
	Name        ipc.Buffer
}

func (p CreateParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutU64(uint64(p.Parent))
	e.PutU8(uint8(p.Type))
	e.PutU8(uint8(p.Permissions))
	e.Align(8)
	p.Name.EncodeWire(e)
}

func (p *CreateParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Parent = NodeID(d.U64())
	p.Type = NodeType(d.U8())
	p.Permissions = kernel.Permissions(d.U8())
	d.Align(8)
	p.Name.DecodeWire(d)
}

// --- Remove ---

type RemoveParams struct {
	Mount  kernel.Handle
	Parent NodeID
	Name   ipc.Buffer
}

func (p RemoveParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutU64(uint64(p.Parent))
	p.Name.EncodeWire(e)
}

func (p *RemoveParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Parent = NodeID(d.U64())
	p.Name.DecodeWire(d)
}

// --- Move ---

// MoveParams: the old name travels in slot 1, the new name in slot 2.
type MoveParams struct {
	Mount     kernel.Handle
	OldParent NodeID
	NewParent NodeID
	OldName   ipc.Buffer
	NewName   ipc.Buffer
}

// MoveHandleNewName is the request slot carrying the destination name.
const MoveHandleNewName = 2

func (p MoveParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutU64(uint64(p.OldParent))
	e.PutU64(uint64(p.NewParent))
	p.OldName.EncodeWire(e)
	p.NewName.EncodeWire(e)
}

func (p *MoveParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.OldParent = NodeID(d.U64())
	p.NewParent = NodeID(d.U64())
	p.OldName.DecodeWire(d)
	p.NewName.DecodeWire(d)
}

// --- GetMetadata / SetMetadata ---

// NodeParams addresses one node, shared by GetMetadata and OpenDir.
type NodeParams struct {
	Mount kernel.Handle
	Node  NodeID
}

func (p NodeParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutU64(uint64(p.Node))
}

func (p *NodeParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Node = NodeID(d.U64())
}

// MetadataReply carries the full attribute set.
type MetadataReply struct {
	Meta Metadata
}

func (r MetadataReply) MarshalWire(e *wire.Encoder) {
	e.PutU8(uint8(r.Meta.Type))
	e.PutU8(uint8(r.Meta.Permissions))
	e.Align(8)
	e.PutU64(r.Meta.Size)
	e.PutU64(r.Meta.Created)
	e.PutU64(r.Meta.Modified)
}

func (r *MetadataReply) UnmarshalWire(d *wire.Decoder) {
	r.Meta.Type = NodeType(d.U8())
	r.Meta.Permissions = kernel.Permissions(d.U8())
	d.Align(8)
	r.Meta.Size = d.U64()
	r.Meta.Created = d.U64()
	r.Meta.Modified = d.U64()
}

// SetMetadataParams encodes the optional fields with presence flags.
type SetMetadataParams struct {
	Mount kernel.Handle
	Node  NodeID
	Set   SetMetadata
}

func (p SetMetadataParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutU64(uint64(p.Node))
	if p.Set.Permissions != nil {
		e.PutU8(1)
		e.PutU8(uint8(*p.Set.Permissions))
	} else {
		e.PutU8(0)
		e.PutU8(0)
	}
	if p.Set.Size != nil {
		e.PutU8(1)
		e.Align(8)
		e.PutU64(*p.Set.Size)
	} else {
		e.PutU8(0)
		e.Align(8)
		e.PutU64(0)
	}
}

func (p *SetMetadataParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Node = NodeID(d.U64())
	hasPerms := d.U8() != 0
	perms := kernel.Permissions(d.U8())
	hasSize := d.U8() != 0
	d.Align(8)
	size := d.U64()

	if hasPerms {
		p.Set.Permissions = &perms
	}
	if hasSize {
		p.Set.Size = &size
	}
}

// --- OpenFile / OpenDir / Close ---

type OpenFileParams struct {
	Mount       kernel.Handle
	Node        NodeID
	Permissions HandlePermissions
}

func (p OpenFileParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutU64(uint64(p.Node))
	e.PutU8(uint8(p.Permissions))
	e.Align(8)
}

func (p *OpenFileParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Node = NodeID(d.U64())
	p.Permissions = HandlePermissions(d.U8())
	d.Align(8)
}

// FsHandleReply returns an FS-side handle.
type FsHandleReply struct {
	Handle kernel.Handle
}

func (r FsHandleReply) MarshalWire(e *wire.Encoder)    { e.PutHandle(r.Handle) }
func (r *FsHandleReply) UnmarshalWire(d *wire.Decoder) { r.Handle = d.Handle() }

// FsHandleParams addresses an FS-side handle, shared by CloseFile and
// CloseDir.
type FsHandleParams struct {
	Mount  kernel.Handle
	Handle kernel.Handle
}

func (p FsHandleParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutHandle(p.Handle)
}

func (p *FsHandleParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Handle = d.Handle()
}

// --- ReadFile / WriteFile ---

// IOParams addresses a range of an open file; the data object travels in
// slot 1 (write-access for reads, read-access for writes).
type IOParams struct {
	Mount  kernel.Handle
	Handle kernel.Handle
	Offset uint64
	Data   ipc.Buffer
}

// IOHandleData is the request slot carrying the data object.
const IOHandleData = 1

func (p IOParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutHandle(p.Handle)
	e.PutU64(p.Offset)
	p.Data.EncodeWire(e)
}

func (p *IOParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Handle = d.Handle()
	p.Offset = d.U64()
	p.Data.DecodeWire(d)
}

// IOReply reports the bytes actually moved.
type IOReply struct {
	Bytes uint64
}

func (r IOReply) MarshalWire(e *wire.Encoder)    { e.PutU64(r.Bytes) }
func (r *IOReply) UnmarshalWire(d *wire.Decoder) { r.Bytes = d.U64() }

// --- ListDir ---

// ListDirParams supplies a caller-allocated result object in slot 1; a
// listing that does not fit comes back as ErrBufferTooSmall and the caller
// retries with a larger object.
type ListDirParams struct {
	Mount  kernel.Handle
	Handle kernel.Handle
	Result ipc.Buffer
}

func (p ListDirParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutHandle(p.Handle)
	p.Result.EncodeWire(e)
}

func (p *ListDirParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Handle = d.Handle()
	p.Result.DecodeWire(d)
}

// ListDirReply reports how much of the result object was used.
type ListDirReply struct {
	Count     uint32
	BytesUsed uint32
}

func (r ListDirReply) MarshalWire(e *wire.Encoder) {
	e.PutU32(r.Count)
	e.PutU32(r.BytesUsed)
}

func (r *ListDirReply) UnmarshalWire(d *wire.Decoder) {
	r.Count = d.U32()
	r.BytesUsed = d.U32()
}

// --- CreateSymlink ---

// CreateSymlinkParams: name in slot 1, target in slot 2.
type CreateSymlinkParams struct {
	Mount  kernel.Handle
	Parent NodeID
	Name   ipc.Buffer
	Target ipc.Buffer
}

// SymlinkHandleTarget is the request slot carrying the target string.
const SymlinkHandleTarget = 2

func (p CreateSymlinkParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutU64(uint64(p.Parent))
	p.Name.EncodeWire(e)
	p.Target.EncodeWire(e)
}

func (p *CreateSymlinkParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Parent = NodeID(d.U64())
	p.Name.DecodeWire(d)
	p.Target.DecodeWire(d)
}

// --- ReadSymlink ---

// ReadSymlinkParams supplies a caller-allocated result object in slot 1.
type ReadSymlinkParams struct {
	Mount  kernel.Handle
	Node   NodeID
	Result ipc.Buffer
}

func (p ReadSymlinkParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Mount)
	e.PutU64(uint64(p.Node))
	p.Result.EncodeWire(e)
}

func (p *ReadSymlinkParams) UnmarshalWire(d *wire.Decoder) {
	p.Mount = d.Handle()
	p.Node = NodeID(d.U64())
	p.Result.DecodeWire(d)
}

// ReadSymlinkReply reports the target length written into the result
// object.
type ReadSymlinkReply struct {
	Length uint32
}

func (r ReadSymlinkReply) MarshalWire(e *wire.Encoder)    { e.PutU32(r.Length) }
func (r *ReadSymlinkReply) UnmarshalWire(d *wire.Decoder) { r.Length = d.U32() }

// --- directory listing payload ---

// EncodeDirEntries packs entries into a result buffer: count handled by the
// reply, each entry as name length u32, type u8, 3 bytes padding, name
// bytes, padded to 4. Returns ErrBufferTooSmall semantics via ok=false.
func EncodeDirEntries(entries []DirEntry, buf []byte) (bytesUsed int, ok bool) {
	off := 0
	for _, entry := range entries {
		need := dirEntrySize(entry.Name)
		if off+need > len(buf) {
			return 0, false
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(entry.Name)))
		buf[off+4] = uint8(entry.Type)
		copy(buf[off+8:], entry.Name)
		off += need
	}
	return off, true
}

func dirEntrySize(name string) int {
	return (8 + len(name) + 3) &^ 3
}

// DecodeDirEntries unpacks count entries from a result buffer.
func DecodeDirEntries(buf []byte, count uint32) ([]DirEntry, error) {
	entries := make([]DirEntry, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if off+8 > len(buf) {
			return nil, fmt.Errorf("directory listing: truncated entry %d", i)
		}
		nameLen := int(binary.LittleEndian.Uint32(buf[off:]))
		entryType := NodeType(buf[off+4])
		if off+8+nameLen > len(buf) {
			return nil, fmt.Errorf("directory listing: entry %d name overruns", i)
		}
		name := string(buf[off+8 : off+8+nameLen])
		entries = append(entries, DirEntry{Name: name, Type: entryType})
		off += dirEntrySize(name)
	}
	return entries, nil
}
