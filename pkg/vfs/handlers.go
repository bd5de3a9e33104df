package vfs

import (
	"context"

	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// Wire glue: decode parameters, map buffers, call into the server logic,
// encode replies. Errors that are not already vfs errors fold into
// ErrInvalidArgument (client misuse) or ErrRuntimeError (everything else).

func (s *Server) bufferString(req *ipc.Request, slot int, desc ipc.Buffer) (string, error) {
	view, err := ipc.NewBufferView(s.rt, req.TakeHandle(slot), desc)
	if err != nil {
		return "", ErrInvalidArgument
	}
	defer view.Close()

	str, err := view.String()
	if err != nil {
		return "", ErrInvalidArgument
	}
	return str, nil
}

func (s *Server) open(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params OpenParams
	params.UnmarshalWire(req.Decoder())
	if err := req.Decoder().Err(); err != nil {
		return nil, ErrInvalidArgument
	}

	path, err := s.bufferString(req, PathHandleSlot, params.Path)
	if err != nil {
		return nil, err
	}

	handle, nodeType, err := s.openPath(req.SenderPid(), path, params.Type, params.Mode, params.NoFollow, params.Permissions, params.HandlePerms)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: OpenReply{Handle: handle, Type: nodeType}}, nil
}

func (s *Server) close(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params HandleParams
	params.UnmarshalWire(req.Decoder())

	opened, ok := s.handles.Close(req.SenderPid(), params.Handle)
	if !ok {
		return nil, ErrInvalidArgument
	}
	s.closeOpenedNode(opened)
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) stat(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params HandleParams
	params.UnmarshalWire(req.Decoder())

	opened, err := s.openedNode(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}
	if rerr := opened.checkRead(); rerr != nil {
		return nil, rerr
	}

	meta, err := s.getMetadata(opened.VNode())
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: StatReply{Meta: meta}}, nil
}

func (s *Server) setPermissions(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params SetPermissionsParams
	params.UnmarshalWire(req.Decoder())

	opened, err := s.openedNode(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}
	if opened.Type() == fsproto.NodeSymlink {
		// Symlink permissions are fixed.
		return nil, ErrBadType
	}
	if werr := opened.checkWrite(); werr != nil {
		return nil, werr
	}

	perms := params.Permissions
	if err := s.setMetadata(opened.VNode(), fsproto.SetMetadata{Permissions: &perms}); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) read(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params IOParams
	params.UnmarshalWire(req.Decoder())

	opened, err := s.openedFile(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}
	if rerr := opened.checkRead(); rerr != nil {
		return nil, rerr
	}

	view, verr := ipc.NewBufferView(s.rt, req.TakeHandle(IOHandleData), params.Data)
	if verr != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	buf, verr := view.Bytes()
	if verr != nil {
		return nil, ErrInvalidArgument
	}

	n, err := s.readFileNode(opened.VNode(), opened.FsHandle(), params.Offset, buf)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: IOReply{Bytes: uint64(n)}}, nil
}

func (s *Server) write(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params IOParams
	params.UnmarshalWire(req.Decoder())

	opened, err := s.openedFile(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}
	if werr := opened.checkWrite(); werr != nil {
		return nil, werr
	}

	view, verr := ipc.NewBufferView(s.rt, req.TakeHandle(IOHandleData), params.Data)
	if verr != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	buf, verr := view.Bytes()
	if verr != nil {
		return nil, ErrInvalidArgument
	}

	n, err := s.writeFileNode(opened.VNode(), opened.FsHandle(), params.Offset, buf)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: IOReply{Bytes: uint64(n)}}, nil
}

func (s *Server) resize(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params ResizeParams
	params.UnmarshalWire(req.Decoder())

	opened, err := s.openedFile(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}
	if werr := opened.checkWrite(); werr != nil {
		return nil, werr
	}

	size := params.NewSize
	if err := s.setMetadata(opened.VNode(), fsproto.SetMetadata{Size: &size}); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) list(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params ListParams
	params.UnmarshalWire(req.Decoder())

	opened, err := s.openedDir(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}
	if rerr := opened.checkRead(); rerr != nil {
		return nil, rerr
	}

	view, verr := ipc.NewBufferView(s.rt, req.TakeHandle(IOHandleData), params.Result)
	if verr != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	buf, verr := view.Bytes()
	if verr != nil {
		return nil, ErrInvalidArgument
	}

	entries, err := s.listDirNode(opened.VNode(), opened.FsHandle())
	if err != nil {
		return nil, err
	}

	used, ok := fsproto.EncodeDirEntries(entries, buf)
	if !ok {
		return nil, ErrBufferTooSmall
	}
	return &ipc.Reply{Content: ListReply{Count: uint32(len(entries)), BytesUsed: uint32(used)}}, nil
}

func (s *Server) move(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params MoveParams
	params.UnmarshalWire(req.Decoder())

	oldName, err := s.bufferString(req, PathHandleSlot, params.OldName)
	if err != nil {
		return nil, err
	}
	newName, err := s.bufferString(req, MoveHandleNewName, params.NewName)
	if err != nil {
		return nil, err
	}

	oldDir, err := s.openedDir(req.SenderPid(), params.OldDir)
	if err != nil {
		return nil, err
	}
	newDir, err := s.openedDir(req.SenderPid(), params.NewDir)
	if err != nil {
		return nil, err
	}
	if werr := oldDir.checkWrite(); werr != nil {
		return nil, werr
	}
	if werr := newDir.checkWrite(); werr != nil {
		return nil, werr
	}

	if oldDir.VNode().Mount != newDir.VNode().Mount {
		// Cross-mount moves would need copy+delete semantics.
		return nil, ErrNotSupported
	}

	if err := s.moveNode(oldDir.VNode(), oldName, newDir.VNode(), newName); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) remove(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params RemoveParams
	params.UnmarshalWire(req.Decoder())

	name, err := s.bufferString(req, PathHandleSlot, params.Name)
	if err != nil {
		return nil, err
	}

	dir, err := s.openedDir(req.SenderPid(), params.Dir)
	if err != nil {
		return nil, err
	}
	if werr := dir.checkWrite(); werr != nil {
		return nil, werr
	}

	if err := s.removeNode(dir.VNode(), name); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) createSymlink(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params CreateSymlinkParams
	params.UnmarshalWire(req.Decoder())

	path, err := s.bufferString(req, PathHandleSlot, params.Path)
	if err != nil {
		return nil, err
	}
	target, err := s.bufferString(req, SymlinkHandleTarget, params.Target)
	if err != nil {
		return nil, err
	}

	parent, err := s.lookupPath(path, LookupParent)
	if err != nil {
		return nil, err
	}
	if _, err := s.createSymlinkNode(parent.Node, parent.LastSegment, target); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) readSymlink(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params ReadSymlinkParams
	params.UnmarshalWire(req.Decoder())

	opened, err := s.openedNode(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}
	if terr := opened.checkType(fsproto.NodeSymlink); terr != nil {
		return nil, terr
	}
	if rerr := opened.checkRead(); rerr != nil {
		return nil, rerr
	}

	view, verr := ipc.NewBufferView(s.rt, req.TakeHandle(IOHandleData), params.Result)
	if verr != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	buf, verr := view.Bytes()
	if verr != nil {
		return nil, ErrInvalidArgument
	}

	target, err := s.readSymlinkNode(opened.VNode())
	if err != nil {
		return nil, err
	}
	if len(target) > len(buf) {
		return nil, ErrBufferTooSmall
	}
	copy(buf, target)
	return &ipc.Reply{Content: ReadSymlinkReply{Length: uint32(len(target))}}, nil
}

func (s *Server) mount(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params MountParams
	params.UnmarshalWire(req.Decoder())

	fsName, err := s.bufferString(req, MountHandleFsName, params.FsName)
	if err != nil {
		return nil, err
	}
	path, err := s.bufferString(req, MountHandlePath, params.Path)
	if err != nil {
		return nil, err
	}
	args, err := s.bufferString(req, MountHandleArgs, params.Args)
	if err != nil {
		return nil, err
	}

	// Resolve the mountpoint without traversing into anything already
	// mounted there.
	result, err := s.lookupPath(path, LookupNoMountpointLast)
	if err != nil {
		return nil, err
	}
	nodeType, err := s.nodeType(result.Node)
	if err != nil {
		return nil, err
	}
	if nodeType != fsproto.NodeDirectory {
		return nil, ErrNotDirectory
	}
	if _, covered := s.mounts.MountpointAt(result.Node); covered {
		return nil, ErrAlreadyExists
	}

	client := fsproto.NewClient(s.rt, fsName)
	mountHandle, root, merr := client.Mount(args)
	if merr != nil {
		client.Close()
		return nil, mapFsError(merr)
	}

	if _, err := s.mounts.Insert(fsName, result.Canonical, client, mountHandle, root, result.Node); err != nil {
		_ = client.Unmount(mountHandle)
		client.Close()
		return nil, err
	}

	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) unmount(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params UnmountParams
	params.UnmarshalWire(req.Decoder())

	path, err := s.bufferString(req, PathHandleSlot, params.Path)
	if err != nil {
		return nil, err
	}

	result, err := s.lookupPath(path, LookupNoMountpointLast)
	if err != nil {
		return nil, err
	}

	mount, ok := s.mounts.GetByPath(result.Canonical)
	if !ok {
		return nil, ErrNotFound
	}
	if mount.ID() == RootMountID {
		return nil, ErrInvalidArgument
	}

	removed, err := s.mounts.Remove(mount.ID())
	if err != nil {
		return nil, err
	}

	// Drop every cache entry touching the dead mount before the instance
	// goes away downstream.
	s.lookupCache.invalidateMount(removed.ID())
	s.attrCache.invalidateMount(removed.ID())

	if uerr := removed.client.Unmount(removed.mountHandle); uerr != nil {
		return nil, mapFsError(uerr)
	}
	removed.client.Close()
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) listMounts(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
	var params ListMountsParams
	params.UnmarshalWire(req.Decoder())

	view, verr := ipc.NewBufferView(s.rt, req.TakeHandle(IOHandleData), params.Result)
	if verr != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	buf, verr := view.Bytes()
	if verr != nil {
		return nil, ErrInvalidArgument
	}

	rows := s.mounts.List()
	used, ok := EncodeMountList(rows, buf)
	if !ok {
		return nil, ErrBufferTooSmall
	}
	return &ipc.Reply{Content: ListMountsReply{Count: uint32(len(rows)), BytesUsed: uint32(used)}}, nil
}
