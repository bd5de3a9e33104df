// Package vfs implements the VFS server: path resolution across mounted
// filesystems with lookup and attribute caching, the opened-node handle
// table, and mount management. All request handling is asynchronous because
// resolution chains into downstream filesystem servers over IPC.
package vfs

import (
	"fmt"

	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/ipc/wire"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

const (
	// PortName is the well-known port the server registers.
	PortName = "vfs-server"

	// Version of the vfs-server protocol.
	Version uint16 = 1
)

// Message type discriminants.
const (
	TypeOpen uint16 = iota + 1
	TypeClose
	TypeStat
	TypeSetPermissions
	TypeRead
	TypeWrite
	TypeResize
	TypeList
	TypeMove
	TypeRemove
	TypeCreateSymlink
	TypeReadSymlink
	TypeMount
	TypeUnmount
	TypeListMounts
)

// Error is the vfs-server error enum, serialized as its discriminant in
// reply messages.
type Error uint64

const (
	ErrInvalidArgument Error = iota + 1
	ErrRuntimeError
	ErrBufferTooSmall
	ErrNotFound
	ErrAlreadyExists
	ErrBadType
	ErrBusy
	ErrTooManySymlinks
	ErrNotDirectory
	ErrAccessDenied
	ErrNotSupported
)

func (e Error) Error() string {
	switch e {
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrRuntimeError:
		return "RuntimeError"
	case ErrBufferTooSmall:
		return "BufferTooSmall"
	case ErrNotFound:
		return "NotFound"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrBadType:
		return "BadType"
	case ErrBusy:
		return "Busy"
	case ErrTooManySymlinks:
		return "TooManySymlinks"
	case ErrNotDirectory:
		return "NotDirectory"
	case ErrAccessDenied:
		return "AccessDenied"
	case ErrNotSupported:
		return "NotSupported"
	default:
		return fmt.Sprintf("VfsServerError(%d)", uint64(e))
	}
}

// ReplyErrorCode implements ipc.ReplyErrorCoder.
func (e Error) ReplyErrorCode() uint64 {
	return uint64(e)
}

// ErrorFromReply maps a reply discriminant back to the enum.
func ErrorFromReply(err error) (Error, bool) {
	code, ok := ipc.ReplyCodeOf(err)
	if !ok {
		return 0, false
	}
	return Error(code), true
}

// mapFsError translates downstream filesystem errors into the VFS enum.
func mapFsError(err error) error {
	if err == nil {
		return nil
	}
	fe, ok := err.(fsproto.Error)
	if !ok {
		if mapped, isReply := fsproto.ErrorFromReply(err); isReply {
			fe = mapped
		} else {
			return ErrRuntimeError
		}
	}
	switch fe {
	case fsproto.ErrNotFound:
		return ErrNotFound
	case fsproto.ErrAlreadyExists:
		return ErrAlreadyExists
	case fsproto.ErrBadType:
		return ErrBadType
	case fsproto.ErrNotEmpty:
		return ErrBusy
	case fsproto.ErrInvalidArgument:
		return ErrInvalidArgument
	default:
		return ErrRuntimeError
	}
}

// OpenMode selects the open/create behavior of Open.
type OpenMode uint8

const (
	OpenExisting OpenMode = iota + 1
	CreateNew
	OpenAlways
	CreateAlways
)

// --- Open ---

// OpenParams: path travels as a buffer in slot 1. Type zero means "any".
type OpenParams struct {
	Path        ipc.Buffer
	Type        fsproto.NodeType
	Mode        OpenMode
	NoFollow    bool
	Permissions kernel.Permissions
	HandlePerms fsproto.HandlePermissions
}

// PathHandleSlot is the request slot carrying the primary path buffer.
const PathHandleSlot = 1

func (p OpenParams) MarshalWire(e *wire.Encoder) {
	p.Path.EncodeWire(e)
	e.PutU8(uint8(p.Type))
	e.PutU8(uint8(p.Mode))
	e.PutBool(p.NoFollow)
	e.PutU8(uint8(p.Permissions))
	e.PutU8(uint8(p.HandlePerms))
	e.Align(8)
}

func (p *OpenParams) UnmarshalWire(d *wire.Decoder) {
	p.Path.DecodeWire(d)
	p.Type = fsproto.NodeType(d.U8())
	p.Mode = OpenMode(d.U8())
	p.NoFollow = d.Bool()
	p.Permissions = kernel.Permissions(d.U8())
	p.HandlePerms = fsproto.HandlePermissions(d.U8())
	d.Align(8)
}

// OpenReply returns the opened handle and the node type observed at open
// time.
type OpenReply struct {
	Handle kernel.Handle
	Type   fsproto.NodeType
}

func (r OpenReply) MarshalWire(e *wire.Encoder) {
	e.PutHandle(r.Handle)
	e.PutU8(uint8(r.Type))
	e.Align(8)
}

func (r *OpenReply) UnmarshalWire(d *wire.Decoder) {
	r.Handle = d.Handle()
	r.Type = fsproto.NodeType(d.U8())
	d.Align(8)
}

// --- handle-only params ---

// HandleParams carries one opened-node handle, shared by Close and Stat.
type HandleParams struct {
	Handle kernel.Handle
}

func (p HandleParams) MarshalWire(e *wire.Encoder)    { e.PutHandle(p.Handle) }
func (p *HandleParams) UnmarshalWire(d *wire.Decoder) { p.Handle = d.Handle() }

// StatReply carries the node metadata.
type StatReply struct {
	Meta fsproto.Metadata
}

func (r StatReply) MarshalWire(e *wire.Encoder) {
	e.PutU8(uint8(r.Meta.Type))
	e.PutU8(uint8(r.Meta.Permissions))
	e.Align(8)
	e.PutU64(r.Meta.Size)
	e.PutU64(r.Meta.Created)
	e.PutU64(r.Meta.Modified)
}

func (r *StatReply) UnmarshalWire(d *wire.Decoder) {
	r.Meta.Type = fsproto.NodeType(d.U8())
	r.Meta.Permissions = kernel.Permissions(d.U8())
	d.Align(8)
	r.Meta.Size = d.U64()
	r.Meta.Created = d.U64()
	r.Meta.Modified = d.U64()
}

// --- SetPermissions ---

type SetPermissionsParams struct {
	Handle      kernel.Handle
	Permissions kernel.Permissions
}

func (p SetPermissionsParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Handle)
	e.PutU8(uint8(p.Permissions))
	e.Align(8)
}

func (p *SetPermissionsParams) UnmarshalWire(d *wire.Decoder) {
	p.Handle = d.Handle()
	p.Permissions = kernel.Permissions(d.U8())
	d.Align(8)
}

// --- Read / Write ---

// IOParams addresses a range of an opened file; the data object travels in
// slot 1.
type IOParams struct {
	Handle kernel.Handle
	Offset uint64
	Data   ipc.Buffer
}

// IOHandleData is the request slot carrying the data object.
const IOHandleData = 1

func (p IOParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Handle)
	e.PutU64(p.Offset)
	p.Data.EncodeWire(e)
}

func (p *IOParams) UnmarshalWire(d *wire.Decoder) {
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

// --- Resize ---

type ResizeParams struct {
	Handle  kernel.Handle
	NewSize uint64
}

func (p ResizeParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Handle)
	e.PutU64(p.NewSize)
}

func (p *ResizeParams) UnmarshalWire(d *wire.Decoder) {
	p.Handle = d.Handle()
	p.NewSize = d.U64()
}

// --- List ---

// ListParams supplies a caller-allocated result object in slot 1; the
// entries use the fsproto directory-listing layout.
type ListParams struct {
	Handle kernel.Handle
	Result ipc.Buffer
}

func (p ListParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Handle)
	p.Result.EncodeWire(e)
}

func (p *ListParams) UnmarshalWire(d *wire.Decoder) {
	p.Handle = d.Handle()
	p.Result.DecodeWire(d)
}

// ListReply reports how much of the result object was used.
type ListReply struct {
	Count     uint32
	BytesUsed uint32
}

func (r ListReply) MarshalWire(e *wire.Encoder) {
	e.PutU32(r.Count)
	e.PutU32(r.BytesUsed)
}

func (r *ListReply) UnmarshalWire(d *wire.Decoder) {
	r.Count = d.U32()
	r.BytesUsed = d.U32()
}

// --- Move ---

// MoveParams: both handles must be directories opened for write on the
// same mount. Old name in slot 1, new name in slot 2.
type MoveParams struct {
	OldDir  kernel.Handle
	NewDir  kernel.Handle
	OldName ipc.Buffer
	NewName ipc.Buffer
}

// MoveHandleNewName is the request slot carrying the destination name.
const MoveHandleNewName = 2

func (p MoveParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.OldDir)
	e.PutHandle(p.NewDir)
	p.OldName.EncodeWire(e)
	p.NewName.EncodeWire(e)
}

func (p *MoveParams) UnmarshalWire(d *wire.Decoder) {
	p.OldDir = d.Handle()
	p.NewDir = d.Handle()
	p.OldName.DecodeWire(d)
	p.NewName.DecodeWire(d)
}

// --- Remove ---

type RemoveParams struct {
	Dir  kernel.Handle
	Name ipc.Buffer
}

func (p RemoveParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Dir)
	p.Name.EncodeWire(e)
}

func (p *RemoveParams) UnmarshalWire(d *wire.Decoder) {
	p.Dir = d.Handle()
	p.Name.DecodeWire(d)
}

// --- CreateSymlink ---

// CreateSymlinkParams: path in slot 1, target in slot 2.
type CreateSymlinkParams struct {
	Path   ipc.Buffer
	Target ipc.Buffer
}

// SymlinkHandleTarget is the request slot carrying the target string.
const SymlinkHandleTarget = 2

func (p CreateSymlinkParams) MarshalWire(e *wire.Encoder) {
	p.Path.EncodeWire(e)
	p.Target.EncodeWire(e)
}

func (p *CreateSymlinkParams) UnmarshalWire(d *wire.Decoder) {
	p.Path.DecodeWire(d)
	p.Target.DecodeWire(d)
}

// --- ReadSymlink ---

// ReadSymlinkParams supplies a caller-allocated result object in slot 1.
type ReadSymlinkParams struct {
	Handle kernel.Handle
	Result ipc.Buffer
}

func (p ReadSymlinkParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Handle)
	p.Result.EncodeWire(e)
}

func (p *ReadSymlinkParams) UnmarshalWire(d *wire.Decoder) {
	p.Handle = d.Handle()
	p.Result.DecodeWire(d)
}

// ReadSymlinkReply reports the target length written into the result
// object.
type ReadSymlinkReply struct {
	Length uint32
}

func (r ReadSymlinkReply) MarshalWire(e *wire.Encoder)    { e.PutU32(r.Length) }
func (r *ReadSymlinkReply) UnmarshalWire(d *wire.Decoder) { r.Length = d.U32() }

// --- Mount / Unmount / ListMounts ---

// MountParams: filesystem port name in slot 1, mount path in slot 2, mount
// arguments in slot 3.
type MountParams struct {
	FsName ipc.Buffer
	Path   ipc.Buffer
	Args   ipc.Buffer
}

const (
	MountHandleFsName = 1
	MountHandlePath   = 2
	MountHandleArgs   = 3
)

func (p MountParams) MarshalWire(e *wire.Encoder) {
	p.FsName.EncodeWire(e)
	p.Path.EncodeWire(e)
	p.Args.EncodeWire(e)
}

func (p *MountParams) UnmarshalWire(d *wire.Decoder) {
	p.FsName.DecodeWire(d)
	p.Path.DecodeWire(d)
	p.Args.DecodeWire(d)
}

// UnmountParams: mount path in slot 1.
type UnmountParams struct {
	Path ipc.Buffer
}

func (p UnmountParams) MarshalWire(e *wire.Encoder)    { p.Path.EncodeWire(e) }
func (p *UnmountParams) UnmarshalWire(d *wire.Decoder) { p.Path.DecodeWire(d) }

// ListMountsParams supplies a caller-allocated result object in slot 1.
type ListMountsParams struct {
	Result ipc.Buffer
}

func (p ListMountsParams) MarshalWire(e *wire.Encoder)    { p.Result.EncodeWire(e) }
func (p *ListMountsParams) UnmarshalWire(d *wire.Decoder) { p.Result.DecodeWire(d) }

// ListMountsReply reports how much of the result object was used.
type ListMountsReply struct {
	Count     uint32
	BytesUsed uint32
}

func (r ListMountsReply) MarshalWire(e *wire.Encoder) {
	e.PutU32(r.Count)
	e.PutU32(r.BytesUsed)
}

func (r *ListMountsReply) UnmarshalWire(d *wire.Decoder) {
	r.Count = d.U32()
	r.BytesUsed = d.U32()
}

// MountInfo is one row of a ListMounts result.
type MountInfo struct {
	MountPoint string
	FsName     string
}
