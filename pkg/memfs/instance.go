// Package memfs is the reference in-memory filesystem server: a node tree
// with file bytes, directory entries and symlink targets, conforming to the
// fsproto protocol. One Backend serves any number of mount instances; each
// instance is independent state behind one exclusive lock.
package memfs

import (
	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/ksync"
	"github.com/marmos91/helium/pkg/vfs/fsproto"

	"github.com/google/uuid"
)

// Instance is one mounted filesystem: its node tree, open-handle map and
// id generator. Operations are short and in-memory, so a single exclusive
// lock guards everything.
type Instance struct {
	id uuid.UUID

	mu *ksync.Mutex

	nodes  map[fsproto.NodeID]*node
	root   fsproto.NodeID
	opened map[kernel.Handle]fsproto.NodeID

	nextNode  uint64
	generator *ipc.HandleGenerator
	clock     Clock
}

// node is one filesystem entity. linkCount counts directory entries
// pointing at the node plus active open handles; the node is deleted when
// it reaches zero.
type node struct {
	kind      nodeKind
	perms     kernel.Permissions
	linkCount int
	created   uint64
	modified  uint64
}

type nodeKind interface {
	nodeType() fsproto.NodeType
}

type fileKind struct {
	data []byte
}

type dirKind struct {
	entries map[string]fsproto.NodeID
}

type symlinkKind struct {
	target string
}

func (*fileKind) nodeType() fsproto.NodeType    { return fsproto.NodeFile }
func (*dirKind) nodeType() fsproto.NodeType     { return fsproto.NodeDirectory }
func (*symlinkKind) nodeType() fsproto.NodeType { return fsproto.NodeSymlink }

func newKind(t fsproto.NodeType) nodeKind {
	switch t {
	case fsproto.NodeFile:
		return &fileKind{}
	case fsproto.NodeDirectory:
		return &dirKind{entries: make(map[string]fsproto.NodeID)}
	case fsproto.NodeSymlink:
		return &symlinkKind{}
	default:
		return nil
	}
}

func newInstance(sys kernel.Syscalls, generator *ipc.HandleGenerator, clock Clock) *Instance {
	inst := &Instance{
		id:        uuid.New(),
		mu:        ksync.NewMutex(sys),
		nodes:     make(map[fsproto.NodeID]*node),
		opened:    make(map[kernel.Handle]fsproto.NodeID),
		generator: generator,
		clock:     clock,
	}
	inst.root = inst.newNode(
		&dirKind{entries: make(map[string]fsproto.NodeID)},
		kernel.PermRead|kernel.PermWrite|kernel.PermExec,
	)
	return inst
}

// ID returns the instance identifier used in logs and introspection.
func (i *Instance) ID() uuid.UUID {
	return i.id
}

// Root returns the root directory's node id.
func (i *Instance) Root() fsproto.NodeID {
	return i.root
}

func (i *Instance) newNode(kind nodeKind, perms kernel.Permissions) fsproto.NodeID {
	i.nextNode++
	id := fsproto.NodeID(i.nextNode)
	now := i.clock()
	i.nodes[id] = &node{kind: kind, perms: perms, linkCount: 1, created: now, modified: now}
	return id
}

func (i *Instance) dirEntries(id fsproto.NodeID) (map[string]fsproto.NodeID, error) {
	n, ok := i.nodes[id]
	if !ok {
		return nil, fsproto.ErrNotFound
	}
	dir, ok := n.kind.(*dirKind)
	if !ok {
		return nil, fsproto.ErrBadType
	}
	return dir.entries, nil
}

func (i *Instance) touch(id fsproto.NodeID) {
	if n, ok := i.nodes[id]; ok {
		n.modified = i.clock()
	}
}

// link counts one more reference to the node (an open handle).
func (i *Instance) link(id fsproto.NodeID) {
	i.nodes[id].linkCount++
}

// unlink drops one reference. At zero the node is deleted; a dying
// directory cascades into its children, whose own open handles keep them
// alive until closed.
func (i *Instance) unlink(id fsproto.NodeID) {
	n, ok := i.nodes[id]
	if !ok {
		return
	}
	n.linkCount--
	if n.linkCount > 0 {
		return
	}
	delete(i.nodes, id)

	if dir, isDir := n.kind.(*dirKind); isDir {
		for _, child := range dir.entries {
			i.unlink(child)
		}
	}
}

// --- operations (caller holds the instance lock) ---

func (i *Instance) lookup(parent fsproto.NodeID, name string) (fsproto.NodeID, error) {
	entries, err := i.dirEntries(parent)
	if err != nil {
		return 0, err
	}
	child, ok := entries[name]
	if !ok {
		return 0, fsproto.ErrNotFound
	}
	return child, nil
}

func (i *Instance) create(parent fsproto.NodeID, name string, nodeType fsproto.NodeType, perms kernel.Permissions) (fsproto.NodeID, error) {
	if name == "" {
		return 0, fsproto.ErrInvalidArgument
	}
	kind := newKind(nodeType)
	if kind == nil {
		return 0, fsproto.ErrInvalidArgument
	}

	entries, err := i.dirEntries(parent)
	if err != nil {
		return 0, err
	}
	if _, exists := entries[name]; exists {
		return 0, fsproto.ErrAlreadyExists
	}

	id := i.newNode(kind, perms)
	entries[name] = id
	i.touch(parent)
	return id, nil
}

func (i *Instance) remove(parent fsproto.NodeID, name string) error {
	entries, err := i.dirEntries(parent)
	if err != nil {
		return err
	}
	child, ok := entries[name]
	if !ok {
		return fsproto.ErrNotFound
	}

	// A populated directory must be emptied first; the cascade in unlink
	// only covers directories dying through their last open handle.
	if childDir, isDir := i.nodes[child].kind.(*dirKind); isDir && len(childDir.entries) > 0 {
		return fsproto.ErrNotEmpty
	}

	delete(entries, name)
	i.unlink(child)
	i.touch(parent)
	return nil
}

func (i *Instance) move(oldParent fsproto.NodeID, oldName string, newParent fsproto.NodeID, newName string) error {
	if oldName == "" || newName == "" {
		return fsproto.ErrInvalidArgument
	}

	newEntries, err := i.dirEntries(newParent)
	if err != nil {
		return err
	}
	if _, exists := newEntries[newName]; exists {
		return fsproto.ErrAlreadyExists
	}

	oldEntries, err := i.dirEntries(oldParent)
	if err != nil {
		return err
	}
	child, ok := oldEntries[oldName]
	if !ok {
		return fsproto.ErrNotFound
	}

	delete(oldEntries, oldName)
	newEntries[newName] = child

	i.touch(oldParent)
	i.touch(newParent)
	return nil
}

func (i *Instance) getMetadata(id fsproto.NodeID) (fsproto.Metadata, error) {
	n, ok := i.nodes[id]
	if !ok {
		return fsproto.Metadata{}, fsproto.ErrNotFound
	}

	meta := fsproto.Metadata{
		Type:        n.kind.nodeType(),
		Permissions: n.perms,
		Created:     n.created,
		Modified:    n.modified,
	}
	if file, isFile := n.kind.(*fileKind); isFile {
		meta.Size = uint64(len(file.data))
	}
	return meta, nil
}

func (i *Instance) setMetadata(id fsproto.NodeID, set fsproto.SetMetadata) error {
	n, ok := i.nodes[id]
	if !ok {
		return fsproto.ErrNotFound
	}

	if set.Permissions != nil {
		n.perms = *set.Permissions
	}
	if set.Size != nil {
		file, isFile := n.kind.(*fileKind)
		if !isFile {
			return fsproto.ErrInvalidArgument
		}
		newSize := int(*set.Size)
		if newSize <= len(file.data) {
			file.data = file.data[:newSize]
		} else {
			// Growth is zero-filled; existing bytes are preserved.
			grown := make([]byte, newSize)
			copy(grown, file.data)
			file.data = grown
		}
		n.modified = i.clock()
	}
	return nil
}

func (i *Instance) openFile(id fsproto.NodeID) (kernel.Handle, error) {
	n, ok := i.nodes[id]
	if !ok {
		return kernel.InvalidHandle, fsproto.ErrNotFound
	}
	if _, isFile := n.kind.(*fileKind); !isFile {
		return kernel.InvalidHandle, fsproto.ErrBadType
	}

	handle := i.generator.Generate()
	i.opened[handle] = id
	i.link(id)
	return handle, nil
}

func (i *Instance) openDir(id fsproto.NodeID) (kernel.Handle, error) {
	n, ok := i.nodes[id]
	if !ok {
		return kernel.InvalidHandle, fsproto.ErrNotFound
	}
	if _, isDir := n.kind.(*dirKind); !isDir {
		return kernel.InvalidHandle, fsproto.ErrBadType
	}

	handle := i.generator.Generate()
	i.opened[handle] = id
	i.link(id)
	return handle, nil
}

func (i *Instance) closeHandle(handle kernel.Handle) error {
	id, ok := i.opened[handle]
	if !ok {
		return fsproto.ErrInvalidArgument
	}
	delete(i.opened, handle)
	i.unlink(id)
	return nil
}

func (i *Instance) openedNode(handle kernel.Handle) (fsproto.NodeID, *node, error) {
	id, ok := i.opened[handle]
	if !ok {
		return 0, nil, fsproto.ErrInvalidArgument
	}
	n, ok := i.nodes[id]
	if !ok {
		return 0, nil, fsproto.ErrNotFound
	}
	return id, n, nil
}

func (i *Instance) readFile(handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	_, n, err := i.openedNode(handle)
	if err != nil {
		return 0, err
	}
	file, isFile := n.kind.(*fileKind)
	if !isFile {
		return 0, fsproto.ErrBadType
	}

	if offset >= uint64(len(file.data)) {
		return 0, nil
	}
	count := min(len(buf), len(file.data)-int(offset))
	copy(buf[:count], file.data[offset:int(offset)+count])
	return count, nil
}

func (i *Instance) writeFile(handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	id, n, err := i.openedNode(handle)
	if err != nil {
		return 0, err
	}
	file, isFile := n.kind.(*fileKind)
	if !isFile {
		return 0, fsproto.ErrBadType
	}

	// Writes never grow the file; resize first.
	if offset >= uint64(len(file.data)) {
		return 0, nil
	}
	count := min(len(buf), len(file.data)-int(offset))
	copy(file.data[offset:int(offset)+count], buf[:count])
	i.touch(id)
	return count, nil
}

func (i *Instance) listDir(handle kernel.Handle) ([]fsproto.DirEntry, error) {
	_, n, err := i.openedNode(handle)
	if err != nil {
		return nil, err
	}
	dir, isDir := n.kind.(*dirKind)
	if !isDir {
		return nil, fsproto.ErrBadType
	}

	entries := make([]fsproto.DirEntry, 0, len(dir.entries))
	for name, childID := range dir.entries {
		child, ok := i.nodes[childID]
		if !ok {
			continue
		}
		entries = append(entries, fsproto.DirEntry{Name: name, Type: child.kind.nodeType()})
	}
	return entries, nil
}

func (i *Instance) createSymlink(parent fsproto.NodeID, name, target string) (fsproto.NodeID, error) {
	if name == "" {
		return 0, fsproto.ErrInvalidArgument
	}

	entries, err := i.dirEntries(parent)
	if err != nil {
		return 0, err
	}
	if _, exists := entries[name]; exists {
		return 0, fsproto.ErrAlreadyExists
	}

	// Symlink permissions are fixed: all bits set.
	id := i.newNode(&symlinkKind{target: target}, kernel.PermRead|kernel.PermWrite|kernel.PermExec)
	entries[name] = id
	i.touch(parent)
	return id, nil
}

func (i *Instance) readSymlink(id fsproto.NodeID) (string, error) {
	n, ok := i.nodes[id]
	if !ok {
		return "", fsproto.ErrNotFound
	}
	link, isLink := n.kind.(*symlinkKind)
	if !isLink {
		return "", fsproto.ErrBadType
	}
	return link.target, nil
}
