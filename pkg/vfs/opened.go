package vfs

import (
	"sync/atomic"

	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// OpenedNode is the server record for one opened path: the vnode, the node
// type taken at open time, the handle permissions, and the FS-side handle
// (invalid for symlinks, which are never opened downstream). Each opened
// node holds one in-use reference on its mount.
type OpenedNode struct {
	vnode    VNode
	nodeType fsproto.NodeType
	perms    fsproto.HandlePermissions
	fsHandle kernel.Handle

	mount  *Mount
	closed atomic.Bool
}

func newOpenedNode(vn VNode, nodeType fsproto.NodeType, perms fsproto.HandlePermissions, fsHandle kernel.Handle, mount *Mount) *OpenedNode {
	mount.Acquire()
	return &OpenedNode{
		vnode:    vn,
		nodeType: nodeType,
		perms:    perms,
		fsHandle: fsHandle,
		mount:    mount,
	}
}

// VNode returns the identified node.
func (o *OpenedNode) VNode() VNode {
	return o.vnode
}

// Type returns the node type observed at open time.
func (o *OpenedNode) Type() fsproto.NodeType {
	return o.nodeType
}

// FsHandle returns the downstream handle (invalid for symlinks).
func (o *OpenedNode) FsHandle() kernel.Handle {
	return o.fsHandle
}

// checkType fails with BadType unless the node has the wanted type.
func (o *OpenedNode) checkType(want fsproto.NodeType) error {
	if o.nodeType != want {
		return ErrBadType
	}
	return nil
}

// checkRead fails with AccessDenied unless the handle grants read.
func (o *OpenedNode) checkRead() error {
	if !o.perms.Contains(fsproto.HandleRead) {
		return ErrAccessDenied
	}
	return nil
}

// checkWrite fails with AccessDenied unless the handle grants write.
func (o *OpenedNode) checkWrite() error {
	if !o.perms.Contains(fsproto.HandleWrite) {
		return ErrAccessDenied
	}
	return nil
}

// markClosed releases the mount reference exactly once.
func (o *OpenedNode) markClosed() {
	if o.closed.CompareAndSwap(false, true) {
		o.mount.Release()
	}
}
