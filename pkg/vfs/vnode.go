package vfs

import (
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// VNode operations: each routes to the owning mount's filesystem client
// and keeps the caches coherent. No table or cache lock is ever held
// across the downstream call — the mount is snapshotted first, the lock
// released, then the call made.

func (s *Server) mountOf(vn VNode) (*Mount, error) {
	m, ok := s.mounts.Get(vn.Mount)
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// attrs returns the cached type and permissions, fetching on miss.
func (s *Server) attrs(vn VNode) (nodeAttrs, error) {
	if cached, ok := s.attrCache.get(vn); ok {
		return cached, nil
	}

	m, err := s.mountOf(vn)
	if err != nil {
		return nodeAttrs{}, err
	}
	meta, err := m.client.GetMetadata(m.mountHandle, vn.Node)
	if err != nil {
		return nodeAttrs{}, mapFsError(err)
	}

	attrs := nodeAttrs{nodeType: meta.Type, perms: meta.Permissions}
	s.attrCache.put(vn, attrs)
	return attrs, nil
}

func (s *Server) nodeType(vn VNode) (fsproto.NodeType, error) {
	attrs, err := s.attrs(vn)
	if err != nil {
		return fsproto.NodeInvalid, err
	}
	return attrs.nodeType, nil
}

func (s *Server) nodePermissions(vn VNode) (kernel.Permissions, error) {
	attrs, err := s.attrs(vn)
	if err != nil {
		return kernel.PermNone, err
	}
	return attrs.perms, nil
}

// lookupChild resolves name inside the parent directory, through the
// lookup cache.
func (s *Server) lookupChild(parent VNode, name string) (VNode, error) {
	if child, ok := s.lookupCache.get(parent, name); ok {
		return child, nil
	}

	m, err := s.mountOf(parent)
	if err != nil {
		return VNode{}, err
	}
	node, err := m.client.Lookup(m.mountHandle, parent.Node, name)
	if err != nil {
		return VNode{}, mapFsError(err)
	}

	child := VNode{Mount: parent.Mount, Node: node}
	s.lookupCache.put(parent, name, child)
	return child, nil
}

// createNode makes a new child and invalidates the parent's lookup key.
func (s *Server) createNode(parent VNode, name string, nodeType fsproto.NodeType, perms kernel.Permissions) (VNode, error) {
	m, err := s.mountOf(parent)
	if err != nil {
		return VNode{}, err
	}
	node, err := m.client.Create(m.mountHandle, parent.Node, name, nodeType, perms)
	if err != nil {
		return VNode{}, mapFsError(err)
	}

	s.lookupCache.invalidate(parent, name)
	return VNode{Mount: parent.Mount, Node: node}, nil
}

// removeNode unlinks a child and drops the cache keys it touched.
func (s *Server) removeNode(parent VNode, name string) error {
	// Resolve the child first so its attribute entry can be dropped too.
	child, lookupErr := s.lookupChild(parent, name)

	m, err := s.mountOf(parent)
	if err != nil {
		return err
	}
	if err := m.client.Remove(m.mountHandle, parent.Node, name); err != nil {
		return mapFsError(err)
	}

	s.lookupCache.invalidate(parent, name)
	if lookupErr == nil {
		s.attrCache.invalidate(child)
	}
	return nil
}

// moveNode relocates a child within one mount, invalidating both the old
// and the new lookup key.
func (s *Server) moveNode(oldParent VNode, oldName string, newParent VNode, newName string) error {
	m, err := s.mountOf(oldParent)
	if err != nil {
		return err
	}
	if err := m.client.Move(m.mountHandle, oldParent.Node, oldName, newParent.Node, newName); err != nil {
		return mapFsError(err)
	}

	s.lookupCache.invalidate(oldParent, oldName)
	s.lookupCache.invalidate(newParent, newName)
	return nil
}

func (s *Server) getMetadata(vn VNode) (fsproto.Metadata, error) {
	m, err := s.mountOf(vn)
	if err != nil {
		return fsproto.Metadata{}, err
	}
	meta, err := m.client.GetMetadata(m.mountHandle, vn.Node)
	if err != nil {
		return fsproto.Metadata{}, mapFsError(err)
	}
	return meta, nil
}

func (s *Server) setMetadata(vn VNode, set fsproto.SetMetadata) error {
	m, err := s.mountOf(vn)
	if err != nil {
		return err
	}
	if err := m.client.SetMetadata(m.mountHandle, vn.Node, set); err != nil {
		return mapFsError(err)
	}

	if set.Permissions != nil {
		s.attrCache.invalidate(vn)
	}
	return nil
}

func (s *Server) openFileNode(vn VNode, perms fsproto.HandlePermissions) (kernel.Handle, error) {
	m, err := s.mountOf(vn)
	if err != nil {
		return kernel.InvalidHandle, err
	}
	handle, err := m.client.OpenFile(m.mountHandle, vn.Node, perms)
	if err != nil {
		return kernel.InvalidHandle, mapFsError(err)
	}
	return handle, nil
}

func (s *Server) closeFileNode(vn VNode, handle kernel.Handle) error {
	m, err := s.mountOf(vn)
	if err != nil {
		return err
	}
	return mapFsError(m.client.CloseFile(m.mountHandle, handle))
}

func (s *Server) readFileNode(vn VNode, handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	m, err := s.mountOf(vn)
	if err != nil {
		return 0, err
	}
	n, err := m.client.ReadFile(m.mountHandle, handle, offset, buf)
	if err != nil {
		return 0, mapFsError(err)
	}
	return n, nil
}

func (s *Server) writeFileNode(vn VNode, handle kernel.Handle, offset uint64, buf []byte) (int, error) {
	m, err := s.mountOf(vn)
	if err != nil {
		return 0, err
	}
	n, err := m.client.WriteFile(m.mountHandle, handle, offset, buf)
	if err != nil {
		return 0, mapFsError(err)
	}
	return n, nil
}

func (s *Server) openDirNode(vn VNode) (kernel.Handle, error) {
	m, err := s.mountOf(vn)
	if err != nil {
		return kernel.InvalidHandle, err
	}
	handle, err := m.client.OpenDir(m.mountHandle, vn.Node)
	if err != nil {
		return kernel.InvalidHandle, mapFsError(err)
	}
	return handle, nil
}

func (s *Server) closeDirNode(vn VNode, handle kernel.Handle) error {
	m, err := s.mountOf(vn)
	if err != nil {
		return err
	}
	return mapFsError(m.client.CloseDir(m.mountHandle, handle))
}

func (s *Server) listDirNode(vn VNode, handle kernel.Handle) ([]fsproto.DirEntry, error) {
	m, err := s.mountOf(vn)
	if err != nil {
		return nil, err
	}
	entries, err := m.client.ListDir(m.mountHandle, handle)
	if err != nil {
		return nil, mapFsError(err)
	}
	return entries, nil
}

func (s *Server) createSymlinkNode(parent VNode, name, target string) (VNode, error) {
	m, err := s.mountOf(parent)
	if err != nil {
		return VNode{}, err
	}
	node, err := m.client.CreateSymlink(m.mountHandle, parent.Node, name, target)
	if err != nil {
		return VNode{}, mapFsError(err)
	}

	s.lookupCache.invalidate(parent, name)
	return VNode{Mount: parent.Mount, Node: node}, nil
}

func (s *Server) readSymlinkNode(vn VNode) (string, error) {
	m, err := s.mountOf(vn)
	if err != nil {
		return "", err
	}
	target, err := m.client.ReadSymlink(m.mountHandle, vn.Node)
	if err != nil {
		return "", mapFsError(err)
	}
	return target, nil
}
