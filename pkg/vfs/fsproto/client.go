package fsproto

import (
	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
)

// initialResultSize is the first allocation for variable-size results;
// retries after ErrBufferTooSmall double it.
const initialResultSize = 1024

// Client drives one filesystem server over its named port.
type Client struct {
	rt  *kobject.Runtime
	ipc *ipc.Client
}

// NewClient creates a client for the FS server registered under portName.
func NewClient(rt *kobject.Runtime, portName string) *Client {
	return &Client{rt: rt, ipc: ipc.NewClient(rt, portName, Version)}
}

// asFsError normalizes reply errors into the protocol enum.
func asFsError(err error) error {
	if err == nil {
		return nil
	}
	if fe, ok := ErrorFromReply(err); ok {
		return fe
	}
	return err
}

// Mount creates a new filesystem instance.
func (c *Client) Mount(args string) (kernel.Handle, NodeID, error) {
	mobj, desc, err := ipc.NewLocalBuffer(c.rt, []byte(args), ipc.BufferRead)
	if err != nil {
		return kernel.InvalidHandle, 0, err
	}

	var handles [kernel.MessageHandleSlots]kernel.Handle
	if mobj != nil {
		handles[MountHandleArgs] = mobj.IntoHandle()
	}
	dec, _, err := c.ipc.Call(TypeMount, MountParams{Args: desc}, handles)
	if err != nil {
		return kernel.InvalidHandle, 0, asFsError(err)
	}

	var reply MountReply
	reply.UnmarshalWire(dec)
	return reply.Mount, reply.Root, nil
}

// Unmount drops a filesystem instance.
func (c *Client) Unmount(mount kernel.Handle) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeUnmount, UnmountParams{Mount: mount}, noHandles)
	return asFsError(err)
}

// Lookup resolves name under parent.
func (c *Client) Lookup(mount kernel.Handle, parent NodeID, name string) (NodeID, error) {
	handles, desc, err := c.nameHandles(name)
	if err != nil {
		return 0, err
	}
	dec, _, err := c.ipc.Call(TypeLookup, LookupParams{Mount: mount, Parent: parent, Name: desc}, handles)
	if err != nil {
		return 0, asFsError(err)
	}
	var reply NodeReply
	reply.UnmarshalWire(dec)
	return reply.Node, nil
}

// Create makes a new node under parent.
func (c *Client) Create(mount kernel.Handle, parent NodeID, name string, nodeType NodeType, perms kernel.Permissions) (NodeID, error) {
	handles, desc, err := c.nameHandles(name)
	if err != nil {
		return 0, err
	}
	dec, _, err := c.ipc.Call(TypeCreate, CreateParams{
		Mount: mount, Parent: parent, Type: nodeType, Permissions: perms, Name: desc,
	}, handles)
	if err != nil {
		return 0, asFsError(err)
	}
	var reply NodeReply
	reply.UnmarshalWire(dec)
	return reply.Node, nil
}

// Remove unlinks name from parent.
func (c *Client) Remove(mount kernel.Handle, parent NodeID, name string) error {
	handles, desc, err := c.nameHandles(name)
	if err != nil {
		return err
	}
	_, _, err = c.ipc.Call(TypeRemove, RemoveParams{Mount: mount, Parent: parent, Name: desc}, handles)
	return asFsError(err)
}

// Move relocates a node between directories of the same instance.
func (c *Client) Move(mount kernel.Handle, oldParent NodeID, oldName string, newParent NodeID, newName string) error {
	handles, oldDesc, err := c.nameHandles(oldName)
	if err != nil {
		return err
	}
	newMobj, newDesc, err := ipc.NewLocalBuffer(c.rt, []byte(newName), ipc.BufferRead)
	if err != nil {
		return err
	}
	if newMobj != nil {
		handles[MoveHandleNewName] = newMobj.IntoHandle()
	}
	_, _, err = c.ipc.Call(TypeMove, MoveParams{
		Mount: mount, OldParent: oldParent, NewParent: newParent,
		OldName: oldDesc, NewName: newDesc,
	}, handles)
	return asFsError(err)
}

// GetMetadata reads a node's attributes.
func (c *Client) GetMetadata(mount kernel.Handle, node NodeID) (Metadata, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, _, err := c.ipc.Call(TypeGetMetadata, NodeParams{Mount: mount, Node: node}, noHandles)
	if err != nil {
		return Metadata{}, asFsError(err)
	}
	var reply MetadataReply
	reply.UnmarshalWire(dec)
	return reply.Meta, nil
}

// SetMetadata updates the mutable attribute subset.
func (c *Client) SetMetadata(mount kernel.Handle, node NodeID, set SetMetadata) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeSetMetadata, SetMetadataParams{Mount: mount, Node: node, Set: set}, noHandles)
	return asFsError(err)
}

// OpenFile opens a file node and returns the FS-side handle.
func (c *Client) OpenFile(mount kernel.Handle, node NodeID, perms HandlePermissions) (kernel.Handle, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, _, err := c.ipc.Call(TypeOpenFile, OpenFileParams{Mount: mount, Node: node, Permissions: perms}, noHandles)
	if err != nil {
		return kernel.InvalidHandle, asFsError(err)
	}
	var reply FsHandleReply
	reply.UnmarshalWire(dec)
	return reply.Handle, nil
}

// CloseFile closes an FS-side file handle.
func (c *Client) CloseFile(mount kernel.Handle, handle kernel.Handle) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeCloseFile, FsHandleParams{Mount: mount, Handle: handle}, noHandles)
	return asFsError(err)
}

// ReadFile reads into buf from offset and returns the bytes read.
func (c *Client) ReadFile(mount kernel.Handle, handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	dataMobj, err := c.rt.CreateMemoryObject(uintptr(len(buf)))
	if err != nil {
		return 0, err
	}
	desc := ipc.Buffer{Length: uint32(len(buf)), Access: ipc.BufferWrite}
	// Keep a clone mapped so the reply can be read back after the handle
	// moves to the server.
	local, err := dataMobj.Clone()
	if err != nil {
		dataMobj.Close()
		return 0, err
	}
	defer local.Close()

	var handles [kernel.MessageHandleSlots]kernel.Handle
	handles[IOHandleData] = dataMobj.IntoHandle()

	dec, _, err := c.ipc.Call(TypeReadFile, IOParams{Mount: mount, Handle: handle, Offset: offset, Data: desc}, handles)
	if err != nil {
		return 0, asFsError(err)
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

// WriteFile writes buf at offset and returns the bytes written.
func (c *Client) WriteFile(mount kernel.Handle, handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	dataMobj, desc, err := ipc.NewLocalBuffer(c.rt, buf, ipc.BufferRead)
	if err != nil {
		return 0, err
	}

	var handles [kernel.MessageHandleSlots]kernel.Handle
	handles[IOHandleData] = dataMobj.IntoHandle()

	dec, _, err := c.ipc.Call(TypeWriteFile, IOParams{Mount: mount, Handle: handle, Offset: offset, Data: desc}, handles)
	if err != nil {
		return 0, asFsError(err)
	}
	var reply IOReply
	reply.UnmarshalWire(dec)
	return int(reply.Bytes), nil
}

// OpenDir opens a directory node and returns the FS-side handle.
func (c *Client) OpenDir(mount kernel.Handle, node NodeID) (kernel.Handle, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, _, err := c.ipc.Call(TypeOpenDir, NodeParams{Mount: mount, Node: node}, noHandles)
	if err != nil {
		return kernel.InvalidHandle, asFsError(err)
	}
	var reply FsHandleReply
	reply.UnmarshalWire(dec)
	return reply.Handle, nil
}

// CloseDir closes an FS-side directory handle.
func (c *Client) CloseDir(mount kernel.Handle, handle kernel.Handle) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeCloseDir, FsHandleParams{Mount: mount, Handle: handle}, noHandles)
	return asFsError(err)
}

// ListDir lists an open directory, growing the result buffer geometrically
// until the listing fits.
func (c *Client) ListDir(mount kernel.Handle, handle kernel.Handle) ([]DirEntry, error) {
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

		dec, _, err := c.ipc.Call(TypeListDir, ListDirParams{Mount: mount, Handle: handle, Result: desc}, handles)
		if err != nil {
			local.Close()
			if ferr := asFsError(err); ferr == ErrBufferTooSmall {
				continue
			}
			return nil, asFsError(err)
		}

		var reply ListDirReply
		reply.UnmarshalWire(dec)

		buf := make([]byte, reply.BytesUsed)
		if err := c.copyOut(local, buf); err != nil {
			local.Close()
			return nil, err
		}
		local.Close()
		return DecodeDirEntries(buf, reply.Count)
	}
}

// CreateSymlink makes a symlink under parent.
func (c *Client) CreateSymlink(mount kernel.Handle, parent NodeID, name, target string) (NodeID, error) {
	handles, nameDesc, err := c.nameHandles(name)
	if err != nil {
		return 0, err
	}
	targetMobj, targetDesc, err := ipc.NewLocalBuffer(c.rt, []byte(target), ipc.BufferRead)
	if err != nil {
		return 0, err
	}
	if targetMobj != nil {
		handles[SymlinkHandleTarget] = targetMobj.IntoHandle()
	}

	dec, _, err := c.ipc.Call(TypeCreateSymlink, CreateSymlinkParams{
		Mount: mount, Parent: parent, Name: nameDesc, Target: targetDesc,
	}, handles)
	if err != nil {
		return 0, asFsError(err)
	}
	var reply NodeReply
	reply.UnmarshalWire(dec)
	return reply.Node, nil
}

// ReadSymlink reads a symlink's target, growing the result buffer until it
// fits.
func (c *Client) ReadSymlink(mount kernel.Handle, node NodeID) (string, error) {
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

		dec, _, err := c.ipc.Call(TypeReadSymlink, ReadSymlinkParams{Mount: mount, Node: node, Result: desc}, handles)
		if err != nil {
			local.Close()
			if ferr := asFsError(err); ferr == ErrBufferTooSmall {
				continue
			}
			return "", asFsError(err)
		}

		var reply ReadSymlinkReply
		reply.UnmarshalWire(dec)

		buf := make([]byte, reply.Length)
		if err := c.copyOut(local, buf); err != nil {
			local.Close()
			return "", err
		}
		local.Close()
		return string(buf), nil
	}
}

// nameHandles builds the handle array with the name buffer in slot 1.
func (c *Client) nameHandles(name string) ([kernel.MessageHandleSlots]kernel.Handle, ipc.Buffer, error) {
	var handles [kernel.MessageHandleSlots]kernel.Handle
	mobj, desc, err := ipc.NewLocalBuffer(c.rt, []byte(name), ipc.BufferRead)
	if err != nil {
		return handles, ipc.Buffer{}, err
	}
	if mobj != nil {
		handles[NameHandleSlot] = mobj.IntoHandle()
	}
	return handles, desc, nil
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

// Close drops the cached port.
func (c *Client) Close() error {
	return c.ipc.Close()
}
