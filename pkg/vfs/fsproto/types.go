// Package fsproto defines the protocol between the VFS server and the
// per-mount filesystem servers: message shapes, shared node types, the
// backend interface an FS server implements, and the client the VFS uses
// to drive it. Any filesystem that speaks this protocol can be mounted.
package fsproto

import (
	"fmt"

	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/kernel"
)

// Version of the filesystem protocol.
const Version uint16 = 1

// NodeID identifies a node within one mounted filesystem instance.
type NodeID uint64

// NodeType discriminates filesystem nodes.
type NodeType uint8

const (
	NodeInvalid NodeType = iota
	NodeFile
	NodeDirectory
	NodeSymlink
)

func (t NodeType) String() string {
	switch t {
	case NodeFile:
		return "file"
	case NodeDirectory:
		return "directory"
	case NodeSymlink:
		return "symlink"
	default:
		return "invalid"
	}
}

// HandlePermissions is the access granted to an opened handle, independent
// of the node's own permission bits.
type HandlePermissions uint8

const (
	HandleRead  HandlePermissions = 1 << 0
	HandleWrite HandlePermissions = 1 << 1
)

// Contains reports whether every bit of other is set.
func (p HandlePermissions) Contains(other HandlePermissions) bool {
	return p&other == other
}

// Metadata is the unified node attribute set.
type Metadata struct {
	Type        NodeType
	Permissions kernel.Permissions
	Size        uint64
	Created     uint64
	Modified    uint64
}

// SetMetadata carries the mutable subset of Metadata; nil fields are left
// untouched. Timestamps are filesystem-managed and not settable over the
// wire.
type SetMetadata struct {
	Permissions *kernel.Permissions
	Size        *uint64
}

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Name string
	Type NodeType
}

// Error is the filesystem-server error enum, serialized as its
// discriminant in reply messages.
type Error uint64

const (
	ErrInvalidArgument Error = iota + 1
	ErrRuntimeError
	ErrBufferTooSmall
	ErrNotFound
	ErrAlreadyExists
	ErrBadType
	ErrNotEmpty
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
	case ErrNotEmpty:
		return "NotEmpty"
	default:
		return fmt.Sprintf("FsServerError(%d)", uint64(e))
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

// Backend is what a filesystem server implements. One backend serves many
// mount instances, each identified by the mount handle issued at Mount
// time. Every method returns protocol errors as Error values.
type Backend interface {
	Mount(args string) (mount kernel.Handle, root NodeID, err error)
	Unmount(mount kernel.Handle) error

	Lookup(mount kernel.Handle, parent NodeID, name string) (NodeID, error)
	Create(mount kernel.Handle, parent NodeID, name string, nodeType NodeType, perms kernel.Permissions) (NodeID, error)
	Remove(mount kernel.Handle, parent NodeID, name string) error
	Move(mount kernel.Handle, oldParent NodeID, oldName string, newParent NodeID, newName string) error

	GetMetadata(mount kernel.Handle, node NodeID) (Metadata, error)
	SetMetadata(mount kernel.Handle, node NodeID, set SetMetadata) error

	OpenFile(mount kernel.Handle, node NodeID, perms HandlePermissions) (kernel.Handle, error)
	CloseFile(mount kernel.Handle, handle kernel.Handle) error
	ReadFile(mount kernel.Handle, handle kernel.Handle, offset uint64, buf []byte) (int, error)
	WriteFile(mount kernel.Handle, handle kernel.Handle, offset uint64, buf []byte) (int, error)

	OpenDir(mount kernel.Handle, node NodeID) (kernel.Handle, error)
	CloseDir(mount kernel.Handle, handle kernel.Handle) error
	ListDir(mount kernel.Handle, handle kernel.Handle) ([]DirEntry, error)

	CreateSymlink(mount kernel.Handle, parent NodeID, name string, target string) (NodeID, error)
	ReadSymlink(mount kernel.Handle, node NodeID) (string, error)
}
