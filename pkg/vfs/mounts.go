package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/metrics"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// MountID identifies a mount within this VFS instance.
type MountID uint64

// RootMountID is the distinguished root entry, mounted before any request
// is served.
const RootMountID MountID = 1

// VNode identifies a filesystem entity: a node within a mount. It owns
// nothing itself; all state lives in the caches and the mounted
// filesystem.
type VNode struct {
	Mount MountID
	Node  fsproto.NodeID
}

// Mount binds a mount path to a filesystem server: the client driving it,
// the instance handle that server issued at mount time, and the liveness
// and in-use accounting that gates unmount.
type Mount struct {
	id     MountID
	fsName string
	path   string // canonical, absolute

	client      *fsproto.Client
	mountHandle kernel.Handle
	root        fsproto.NodeID

	alive atomic.Bool
	inUse atomic.Int64
}

// ID returns the mount id.
func (m *Mount) ID() MountID { return m.id }

// Path returns the canonical mount path.
func (m *Mount) Path() string { return m.path }

// FsName returns the filesystem server port name.
func (m *Mount) FsName() string { return m.fsName }

// Root returns the root vnode of this mount.
func (m *Mount) Root() VNode { return VNode{Mount: m.id, Node: m.root} }

// Acquire counts one more active vnode on this mount.
func (m *Mount) Acquire() { m.inUse.Add(1) }

// Release drops one active vnode.
func (m *Mount) Release() { m.inUse.Add(-1) }

// MountTable is the mount registry: mounts by id and by canonical path,
// plus the mountpoint index that redirects lookup into a mounted root.
type MountTable struct {
	mu     sync.RWMutex
	nextID MountID

	mounts map[MountID]*Mount
	byPath map[string]MountID

	// mountpoints maps the vnode of a mounted-over directory (in its parent
	// mount) to the mount covering it.
	mountpoints map[VNode]MountID
}

// NewMountTable creates an empty table.
func NewMountTable() *MountTable {
	return &MountTable{
		mounts:      make(map[MountID]*Mount),
		byPath:      make(map[string]MountID),
		mountpoints: make(map[VNode]MountID),
	}
}

// Insert registers a mount. mountpoint is the covered directory's vnode in
// its parent mount; the zero VNode marks the root mount.
func (t *MountTable) Insert(fsName, path string, client *fsproto.Client, mountHandle kernel.Handle, root fsproto.NodeID, mountpoint VNode) (*Mount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byPath[path]; exists {
		return nil, ErrAlreadyExists
	}

	t.nextID++
	m := &Mount{
		id:          t.nextID,
		fsName:      fsName,
		path:        path,
		client:      client,
		mountHandle: mountHandle,
		root:        root,
	}
	m.alive.Store(true)

	t.mounts[m.id] = m
	t.byPath[path] = m.id
	if mountpoint != (VNode{}) {
		t.mountpoints[mountpoint] = m.id
	}
	metrics.MountsActive.Set(float64(len(t.mounts)))
	return m, nil
}

// Get returns the mount by id if it is still alive.
func (t *MountTable) Get(id MountID) (*Mount, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.mounts[id]
	if !ok || !m.alive.Load() {
		return nil, false
	}
	return m, true
}

// GetByPath returns the mount covering exactly the canonical path.
func (t *MountTable) GetByPath(path string) (*Mount, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byPath[path]
	if !ok {
		return nil, false
	}
	m := t.mounts[id]
	if m == nil || !m.alive.Load() {
		return nil, false
	}
	return m, true
}

// MountpointAt reports the mount covering the given vnode, if any.
func (t *MountTable) MountpointAt(vn VNode) (MountID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.mountpoints[vn]
	return id, ok
}

// Remove tears a mount down. It refuses while any opened node on the mount
// is still open.
func (t *MountTable) Remove(id MountID) (*Mount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.mounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.inUse.Load() > 0 {
		return nil, ErrBusy
	}

	m.alive.Store(false)
	delete(t.mounts, id)
	delete(t.byPath, m.path)
	for vn, mid := range t.mountpoints {
		if mid == id {
			delete(t.mountpoints, vn)
		}
	}
	metrics.MountsActive.Set(float64(len(t.mounts)))
	return m, nil
}

// List snapshots the mount rows.
func (t *MountTable) List() []MountInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]MountInfo, 0, len(t.mounts))
	for _, m := range t.mounts {
		rows = append(rows, MountInfo{MountPoint: m.path, FsName: m.fsName})
	}
	return rows
}
