package vfs

import (
	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// initialResultSize is the first allocation for variable-size results;
// retries after ErrBufferTooSmall double it.
const initialResultSize = 1024

// Client is the typed client for the VFS server, one per runtime.
type Client struct {
	rt  *kobject.Runtime
	ipc *ipc.Client
}

// NewClient creates a client bound to the well-known vfs-server port.
func NewClient(rt *kobject.Runtime) *Client {
	return &Client{rt: rt, ipc: ipc.NewClient(rt, PortName, Version)}
}

// asVfsError normalizes reply errors into the protocol enum.
func asVfsError(err error) error {
	if err == nil {
		return nil
	}
	if ve, ok := ErrorFromReply(err); ok {
		return ve
	}
	return err
}

func (c *Client) pathHandles(path string) ([kernel.MessageHandleSlots]kernel.Handle, ipc.Buffer, error) {
	var handles [kernel.MessageHandleSlots]kernel.Handle
	mobj, desc, err := ipc.NewLocalBuffer(c.rt, []byte(path), ipc.BufferRead)
	if err != nil {
		return handles, ipc.Buffer{}, err
	}
	if mobj != nil {
		handles[PathHandleSlot] = mobj.IntoHandle()
	}
	return handles, desc, nil
}

// Open opens (or creates, per mode) the node at path.
func (c *Client) Open(path string, nodeType fsproto.NodeType, mode OpenMode, noFollow bool, perms kernel.Permissions, handlePerms fsproto.HandlePermissions) (kernel.Handle, fsproto.NodeType, error) {
	handles, desc, err := c.pathHandles(path)
	if err != nil {
		return kernel.InvalidHandle, fsproto.NodeInvalid, err
	}

	dec, _, err := c.ipc.Call(TypeOpen, OpenParams{
		Path: desc, Type: nodeType, Mode: mode, NoFollow: noFollow,
		Permissions: perms, HandlePerms: handlePerms,
	}, handles)
	if err != nil {
		return kernel.InvalidHandle, fsproto.NodeInvalid, asVfsError(err)
	}

	var reply OpenReply
	reply.UnmarshalWire(dec)
	return reply.Handle, reply.Type, nil
}

// Close releases an opened handle.
func (c *Client) Close(handle kernel.Handle) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeClose, HandleParams{Handle: handle}, noHandles)
	return asVfsError(err)
}

// Stat reads the node's metadata; requires read permission on the handle.
func (c *Client) Stat(handle kernel.Handle) (fsproto.Metadata, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, _, err := c.ipc.Call(TypeStat, HandleParams{Handle: handle}, noHandles)
	if err != nil {
		return fsproto.Metadata{}, asVfsError(err)
	}
	var reply StatReply
	reply.UnmarshalWire(dec)
	return reply.Meta, nil
}

// SetPermissions updates the node's permission bits; requires write.
func (c *Client) SetPermissions(handle kernel.Handle, perms kernel.Permissions) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeSetPermissions, SetPermissionsParams{Handle: handle, Permissions: perms}, noHandles)
	return asVfsError(err)
}

// Read fills buf from the file at offset, returning the bytes read.
func (c *Client) Read(handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	dataMobj, err := c.rt.CreateMemoryObject(uintptr(len(buf)))
	if err != nil {
		return 0, err
	}
	local, err := dataMobj.Clone()
	if err != nil {
		dataMobj.Close()
		return 0, err
	}
	defer local.Close()

	desc := ipc.Buffer{Length: uint32(len(buf)), Access: ipc.BufferWrite}
	var handles [kernel.MessageHandleSlots]kernel.Handle
	handles[IOHandleData] = dataMobj.IntoHandle()

	dec, _, err := c.ipc.Call(TypeRead, IOParams{Handle: handle, Offset: offset, Data: desc}, handles)
	if err != nil {
		return 0, asVfsError(err)
	}
	var reply IOReply
	reply.UnmarshalWire(dec)

	n := int(reply.Bytes)
	if n > len(buf) {
		return 0, ErrRuntimeError
	}
	if n > 0 {
		if err := c.copyOut(local, buf[:n]); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Write stores buf into the file at offset, returning the bytes written.
// Writes do not grow the file; Resize first.
func (c *Client) Write(handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	dataMobj, desc, err := ipc.NewLocalBuffer(c.rt, buf, ipc.BufferRead)
	if err != nil {
		return 0, err
	}

	var handles [kernel.MessageHandleSlots]kernel.Handle
	handles[IOHandleData] = dataMobj.IntoHandle()

	dec, _, err := c.ipc.Call(TypeWrite, IOParams{Handle: handle, Offset: offset, Data: desc}, handles)
	if err != nil {
		return 0, asVfsError(err)
	}
	var reply IOReply
	reply.UnmarshalWire(dec)
	return int(reply.Bytes), nil
}

// Resize sets the file's size, zero-filling growth.
func (c *Client) Resize(handle kernel.Handle, newSize uint64) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeResize, ResizeParams{Handle: handle, NewSize: newSize}, noHandles)
	return asVfsError(err)
}

// List returns the entries of an opened directory.
func (c *Client) List(handle kernel.Handle) ([]fsproto.DirEntry, error) {
	for size := initialResultSize; ; size *= 2 {
		resultMobj, err := c.rt.CreateMemoryObject(uintptr(size))
		if err != nil {
			return nil, err
		}
		local, err := resultMobj.Clone()
		if err != nil {
			resultMobj.Close()
			return nil, err
		}

		desc := ipc.Buffer{Length: uint32(size), Access: ipc.BufferWrite}
		var handles [kernel.MessageHandleSlots]kernel.Handle
		handles[IOHandleData] = resultMobj.IntoHandle()

		dec, _, err := c.ipc.Call(TypeList, ListParams{Handle: handle, Result: desc}, handles)
		if err != nil {
			local.Close()
			if verr := asVfsError(err); verr == error(ErrBufferTooSmall) {
				continue
			}
			return nil, asVfsError(err)
		}

		var reply ListReply
		reply.UnmarshalWire(dec)

		buf := make([]byte, reply.BytesUsed)
		cerr := c.copyOut(local, buf)
		local.Close()
		if cerr != nil {
			return nil, cerr
		}
		return fsproto.DecodeDirEntries(buf, reply.Count)
	}
}

// Move renames a node between two opened directories on the same mount.
func (c *Client) Move(oldDir kernel.Handle, oldName string, newDir kernel.Handle, newName string) error {
	var handles [kernel.MessageHandleSlots]kernel.Handle
	oldMobj, oldDesc, err := ipc.NewLocalBuffer(c.rt, []byte(oldName), ipc.BufferRead)
	if err != nil {
		return err
	}
	if oldMobj != nil {
		handles[PathHandleSlot] = oldMobj.IntoHandle()
	}
	newMobj, newDesc, err := ipc.NewLocalBuffer(c.rt, []byte(newName), ipc.BufferRead)
	if err != nil {
		return err
	}
	if newMobj != nil {
		handles[MoveHandleNewName] = newMobj.IntoHandle()
	}

	_, _, err = c.ipc.Call(TypeMove, MoveParams{
		OldDir: oldDir, NewDir: newDir, OldName: oldDesc, NewName: newDesc,
	}, handles)
	return asVfsError(err)
}

// Remove unlinks name from an opened directory.
func (c *Client) Remove(dir kernel.Handle, name string) error {
	var handles [kernel.MessageHandleSlots]kernel.Handle
	mobj, desc, err := ipc.NewLocalBuffer(c.rt, []byte(name), ipc.BufferRead)
	if err != nil {
		return err
	}
	if mobj != nil {
		handles[PathHandleSlot] = mobj.IntoHandle()
	}

	_, _, err = c.ipc.Call(TypeRemove, RemoveParams{Dir: dir, Name: desc}, handles)
	return asVfsError(err)
}

// CreateSymlink creates a symlink at path pointing at target.
func (c *Client) CreateSymlink(path, target string) error {
	handles, pathDesc, err := c.pathHandles(path)
	if err != nil {
		return err
	}
	targetMobj, targetDesc, err := ipc.NewLocalBuffer(c.rt, []byte(target), ipc.BufferRead)
	if err != nil {
		return err
	}
	if targetMobj != nil {
		handles[SymlinkHandleTarget] = targetMobj.IntoHandle()
	}

	_, _, err = c.ipc.Call(TypeCreateSymlink, CreateSymlinkParams{Path: pathDesc, Target: targetDesc}, handles)
	return asVfsError(err)
}

// ReadSymlink reads the target of an opened symlink handle.
func (c *Client) ReadSymlink(handle kernel.Handle) (string, error) {
	for size := initialResultSize; ; size *= 2 {
		resultMobj, err := c.rt.CreateMemoryObject(uintptr(size))
		if err != nil {
			return "", err
		}
		local, err := resultMobj.Clone()
		if err != nil {
			resultMobj.Close()
			return "", err
		}

		desc := ipc.Buffer{Length: uint32(size), Access: ipc.BufferWrite}
		var handles [kernel.MessageHandleSlots]kernel.Handle
		handles[IOHandleData] = resultMobj.IntoHandle()

		dec, _, err := c.ipc.Call(TypeReadSymlink, ReadSymlinkParams{Handle: handle, Result: desc}, handles)
		if err != nil {
			local.Close()
			if verr := asVfsError(err); verr == error(ErrBufferTooSmall) {
				continue
			}
			return "", asVfsError(err)
		}

		var reply ReadSymlinkReply
		reply.UnmarshalWire(dec)

		buf := make([]byte, reply.Length)
		cerr := c.copyOut(local, buf)
		local.Close()
		if cerr != nil {
			return "", cerr
		}
		return string(buf), nil
	}
}

// Mount mounts the filesystem served on fsPortName at path.
func (c *Client) Mount(fsPortName, path, args string) error {
	var handles [kernel.MessageHandleSlots]kernel.Handle

	fsMobj, fsDesc, err := ipc.NewLocalBuffer(c.rt, []byte(fsPortName), ipc.BufferRead)
	if err != nil {
		return err
	}
	if fsMobj != nil {
		handles[MountHandleFsName] = fsMobj.IntoHandle()
	}
	pathMobj, pathDesc, err := ipc.NewLocalBuffer(c.rt, []byte(path), ipc.BufferRead)
	if err != nil {
		return err
	}
	if pathMobj != nil {
		handles[MountHandlePath] = pathMobj.IntoHandle()
	}
	argsMobj, argsDesc, err := ipc.NewLocalBuffer(c.rt, []byte(args), ipc.BufferRead)
	if err != nil {
		return err
	}
	if argsMobj != nil {
		handles[MountHandleArgs] = argsMobj.IntoHandle()
	}

	_, _, err = c.ipc.Call(TypeMount, MountParams{FsName: fsDesc, Path: pathDesc, Args: argsDesc}, handles)
	return asVfsError(err)
}

// Unmount removes the mount at path.
func (c *Client) Unmount(path string) error {
	handles, desc, err := c.pathHandles(path)
	if err != nil {
		return err
	}
	_, _, err = c.ipc.Call(TypeUnmount, UnmountParams{Path: desc}, handles)
	return asVfsError(err)
}

// ListMounts snapshots the mount table.
func (c *Client) ListMounts() ([]MountInfo, error) {
	for size := initialResultSize; ; size *= 2 {
		resultMobj, err := c.rt.CreateMemoryObject(uintptr(size))
		if err != nil {
			return nil, err
		}
		local, err := resultMobj.Clone()
		if err != nil {
			resultMobj.Close()
			return nil, err
		}

		desc := ipc.Buffer{Length: uint32(size), Access: ipc.BufferWrite}
		var handles [kernel.MessageHandleSlots]kernel.Handle
		handles[IOHandleData] = resultMobj.IntoHandle()

		dec, _, err := c.ipc.Call(TypeListMounts, ListMountsParams{Result: desc}, handles)
		if err != nil {
			local.Close()
			if verr := asVfsError(err); verr == error(ErrBufferTooSmall) {
				continue
			}
			return nil, asVfsError(err)
		}

		var reply ListMountsReply
		reply.UnmarshalWire(dec)

		buf := make([]byte, reply.BytesUsed)
		cerr := c.copyOut(local, buf)
		local.Close()
		if cerr != nil {
			return nil, cerr
		}
		return DecodeMountList(buf, reply.Count)
	}
}

// copyOut reads the first len(dst) bytes of a shared object into dst.
func (c *Client) copyOut(mobj *kobject.MemoryObject, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	self, err := c.rt.CurrentProcess()
	if err != nil {
		return err
	}
	size, err := mobj.Size()
	if err != nil {
		return err
	}
	mapping, err := self.MapMem(0, size, kernel.PermRead, mobj, 0)
	if err != nil {
		return err
	}
	defer mapping.Close()

	bytes, err := mapping.Bytes()
	if err != nil {
		return err
	}
	copy(dst, bytes)
	return nil
}

// CloseClient drops the cached port.
func (c *Client) CloseClient() error {
	return c.ipc.Close()
}
