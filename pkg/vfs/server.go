package vfs

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/helium/internal/logger"
	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
	"github.com/marmos91/helium/pkg/metrics"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// Server is the VFS server. Handlers run asynchronously (one goroutine per
// message) because resolution and every per-handle operation may call into
// downstream filesystem servers.
type Server struct {
	rt *kobject.Runtime

	mounts      *MountTable
	lookupCache *lookupCache
	attrCache   *attrCache

	generator *ipc.HandleGenerator
	handles   *ipc.HandleTable[*OpenedNode]

	maxSymlinkExpansions int

	ipcServer *ipc.AsyncServer
}

// SetSymlinkLimit overrides the symlink-expansion bound; call before Run.
func (s *Server) SetSymlinkLimit(n int) {
	if n > 0 {
		s.maxSymlinkExpansions = n
	}
}

// NewServer creates the VFS server. MountRoot must be called before Run so
// resolution has a root to start from.
func NewServer(rt *kobject.Runtime) (*Server, error) {
	generator := ipc.NewHandleGenerator()
	s := &Server{
		rt:          rt,
		mounts:      NewMountTable(),
		lookupCache: newLookupCache(),
		attrCache:   newAttrCache(),
		generator:   generator,
		handles:     ipc.NewHandleTable[*OpenedNode](generator),

		maxSymlinkExpansions: MaxSymlinkExpansions,
	}

	builder := ipc.NewAsyncServerBuilder(rt, PortName, Version)
	builder.OnProcessExit(s.processTerminated)
	builder.Handle(TypeOpen, s.instrument("Open", s.open))
	builder.Handle(TypeClose, s.instrument("Close", s.close))
	builder.Handle(TypeStat, s.instrument("Stat", s.stat))
	builder.Handle(TypeSetPermissions, s.instrument("SetPermissions", s.setPermissions))
	builder.Handle(TypeRead, s.instrument("Read", s.read))
	builder.Handle(TypeWrite, s.instrument("Write", s.write))
	builder.Handle(TypeResize, s.instrument("Resize", s.resize))
	builder.Handle(TypeList, s.instrument("List", s.list))
	builder.Handle(TypeMove, s.instrument("Move", s.move))
	builder.Handle(TypeRemove, s.instrument("Remove", s.remove))
	builder.Handle(TypeCreateSymlink, s.instrument("CreateSymlink", s.createSymlink))
	builder.Handle(TypeReadSymlink, s.instrument("ReadSymlink", s.readSymlink))
	builder.Handle(TypeMount, s.instrument("Mount", s.mount))
	builder.Handle(TypeUnmount, s.instrument("Unmount", s.unmount))
	builder.Handle(TypeListMounts, s.instrument("ListMounts", s.listMounts))

	ipcServer, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build vfs server: %w", err)
	}
	s.ipcServer = ipcServer
	return s, nil
}

func (s *Server) instrument(name string, h ipc.AsyncHandler) ipc.AsyncHandler {
	return func(ctx context.Context, req *ipc.Request) (*ipc.Reply, error) {
		metrics.MessagesDispatched.WithLabelValues(PortName, name).Inc()
		reply, err := h(ctx, req)
		if err != nil {
			metrics.HandlerErrors.WithLabelValues(PortName).Inc()
			logger.Debug("handler failed",
				logger.KeyServer, PortName, logger.KeyType, name,
				logger.KeySender, req.SenderPid(), logger.KeyError, err)
		}
		return reply, err
	}
}

// MountRoot mounts the root filesystem; it must succeed before Run.
func (s *Server) MountRoot(fsPortName, args string) error {
	client := fsproto.NewClient(s.rt, fsPortName)
	mountHandle, root, err := client.Mount(args)
	if err != nil {
		return fmt.Errorf("mount root on %q: %w", fsPortName, err)
	}

	if _, err := s.mounts.Insert(fsPortName, "/", client, mountHandle, root, VNode{}); err != nil {
		return err
	}
	logger.Info("root mounted", logger.KeyServer, fsPortName)
	return nil
}

// Run services the port until Shutdown.
func (s *Server) Run() error {
	if _, ok := s.mounts.Get(RootMountID); !ok {
		return fmt.Errorf("vfs server started without a root mount")
	}
	return s.ipcServer.Run()
}

// Shutdown stops the IPC server.
func (s *Server) Shutdown() {
	s.ipcServer.Shutdown()
}

// Mounts snapshots the mount rows, for introspection.
func (s *Server) Mounts() []MountInfo {
	return s.mounts.List()
}

// --- open path machinery ---

func (s *Server) checkOpenPermissions(vn VNode, want fsproto.HandlePermissions) error {
	perms, err := s.nodePermissions(vn)
	if err != nil {
		return err
	}
	if want.Contains(fsproto.HandleRead) && !perms.Contains(kernel.PermRead) {
		return ErrAccessDenied
	}
	if want.Contains(fsproto.HandleWrite) && !perms.Contains(kernel.PermWrite) {
		return ErrAccessDenied
	}
	return nil
}

// openNode opens a resolved vnode and records it in the handle table.
func (s *Server) openNode(sender uint64, vn VNode, handlePerms fsproto.HandlePermissions) (kernel.Handle, fsproto.NodeType, error) {
	if err := s.checkOpenPermissions(vn, handlePerms); err != nil {
		return kernel.InvalidHandle, fsproto.NodeInvalid, err
	}

	nodeType, err := s.nodeType(vn)
	if err != nil {
		return kernel.InvalidHandle, fsproto.NodeInvalid, err
	}

	mount, err := s.mountOf(vn)
	if err != nil {
		return kernel.InvalidHandle, fsproto.NodeInvalid, err
	}

	var fsHandle kernel.Handle
	switch nodeType {
	case fsproto.NodeFile:
		fsHandle, err = s.openFileNode(vn, handlePerms)
	case fsproto.NodeDirectory:
		fsHandle, err = s.openDirNode(vn)
	case fsproto.NodeSymlink:
		// Symlinks are not opened on the filesystem side.
		fsHandle = kernel.InvalidHandle
	default:
		err = ErrRuntimeError
	}
	if err != nil {
		return kernel.InvalidHandle, fsproto.NodeInvalid, err
	}

	opened := newOpenedNode(vn, nodeType, handlePerms, fsHandle, mount)
	handle := s.handles.Open(sender, opened)
	metrics.OpenedNodes.Inc()
	return handle, nodeType, nil
}

func (s *Server) lookupMode(noFollow bool) LookupMode {
	if noFollow {
		return LookupNoFollowLast
	}
	return LookupFull
}

// openPath implements the open-mode matrix.
func (s *Server) openPath(sender uint64, path string, nodeType fsproto.NodeType, mode OpenMode, noFollow bool, perms kernel.Permissions, handlePerms fsproto.HandlePermissions) (kernel.Handle, fsproto.NodeType, error) {
	switch mode {
	case OpenExisting:
		result, err := s.lookupPath(path, s.lookupMode(noFollow))
		if err != nil {
			return kernel.InvalidHandle, fsproto.NodeInvalid, err
		}
		if nodeType != fsproto.NodeInvalid {
			actual, terr := s.nodeType(result.Node)
			if terr != nil {
				return kernel.InvalidHandle, fsproto.NodeInvalid, terr
			}
			if actual != nodeType {
				return kernel.InvalidHandle, fsproto.NodeInvalid, ErrBadType
			}
		}
		return s.openNode(sender, result.Node, handlePerms)

	case CreateNew:
		if err := creatableType(nodeType); err != nil {
			return kernel.InvalidHandle, fsproto.NodeInvalid, err
		}
		parent, err := s.lookupPath(path, LookupParent)
		if err != nil {
			return kernel.InvalidHandle, fsproto.NodeInvalid, err
		}
		node, err := s.createNode(parent.Node, parent.LastSegment, nodeType, perms)
		if err != nil {
			return kernel.InvalidHandle, fsproto.NodeInvalid, err
		}
		return s.openNode(sender, node, handlePerms)

	case OpenAlways:
		if err := creatableType(nodeType); err != nil {
			return kernel.InvalidHandle, fsproto.NodeInvalid, err
		}
		result, err := s.lookupPath(path, s.lookupMode(noFollow))
		switch {
		case err == nil:
			actual, terr := s.nodeType(result.Node)
			if terr != nil {
				return kernel.InvalidHandle, fsproto.NodeInvalid, terr
			}
			if actual != nodeType {
				return kernel.InvalidHandle, fsproto.NodeInvalid, ErrBadType
			}
			return s.openNode(sender, result.Node, handlePerms)
		case err == error(ErrNotFound):
			parent, perr := s.lookupPath(path, LookupParent)
			if perr != nil {
				return kernel.InvalidHandle, fsproto.NodeInvalid, perr
			}
			node, cerr := s.createNode(parent.Node, parent.LastSegment, nodeType, perms)
			if cerr != nil {
				return kernel.InvalidHandle, fsproto.NodeInvalid, cerr
			}
			return s.openNode(sender, node, handlePerms)
		default:
			return kernel.InvalidHandle, fsproto.NodeInvalid, err
		}

	case CreateAlways:
		if err := creatableType(nodeType); err != nil {
			return kernel.InvalidHandle, fsproto.NodeInvalid, err
		}
		result, err := s.lookupPath(path, s.lookupMode(noFollow))
		switch {
		case err == nil && nodeType == fsproto.NodeFile:
			actual, terr := s.nodeType(result.Node)
			if terr != nil {
				return kernel.InvalidHandle, fsproto.NodeInvalid, terr
			}
			if actual != fsproto.NodeFile {
				return kernel.InvalidHandle, fsproto.NodeInvalid, ErrBadType
			}
			// Truncate before handing the handle out.
			zero := uint64(0)
			if serr := s.setMetadata(result.Node, fsproto.SetMetadata{Size: &zero}); serr != nil {
				return kernel.InvalidHandle, fsproto.NodeInvalid, serr
			}
			return s.openNode(sender, result.Node, handlePerms)
		case err == nil && nodeType == fsproto.NodeDirectory:
			// Directories cannot be truncated or recreated.
			return kernel.InvalidHandle, fsproto.NodeInvalid, ErrAlreadyExists
		case err == error(ErrNotFound):
			parent, perr := s.lookupPath(path, LookupParent)
			if perr != nil {
				return kernel.InvalidHandle, fsproto.NodeInvalid, perr
			}
			node, cerr := s.createNode(parent.Node, parent.LastSegment, nodeType, perms)
			if cerr != nil {
				return kernel.InvalidHandle, fsproto.NodeInvalid, cerr
			}
			return s.openNode(sender, node, handlePerms)
		default:
			return kernel.InvalidHandle, fsproto.NodeInvalid, err
		}

	default:
		return kernel.InvalidHandle, fsproto.NodeInvalid, ErrInvalidArgument
	}
}

// creatableType rejects creations without a type and symlink creation via
// Open (CreateSymlink is the explicit path).
func creatableType(t fsproto.NodeType) error {
	switch t {
	case fsproto.NodeFile, fsproto.NodeDirectory:
		return nil
	default:
		return ErrInvalidArgument
	}
}

// --- opened-node access helpers ---

func (s *Server) openedNode(sender uint64, handle kernel.Handle) (*OpenedNode, error) {
	opened, ok := s.handles.Read(sender, handle)
	if !ok {
		return nil, ErrInvalidArgument
	}
	return opened, nil
}

func (s *Server) openedFile(sender uint64, handle kernel.Handle) (*OpenedNode, error) {
	opened, err := s.openedNode(sender, handle)
	if err != nil {
		return nil, err
	}
	if terr := opened.checkType(fsproto.NodeFile); terr != nil {
		return nil, terr
	}
	return opened, nil
}

func (s *Server) openedDir(sender uint64, handle kernel.Handle) (*OpenedNode, error) {
	opened, err := s.openedNode(sender, handle)
	if err != nil {
		return nil, err
	}
	if terr := opened.checkType(fsproto.NodeDirectory); terr != nil {
		return nil, terr
	}
	return opened, nil
}

// closeOpenedNode routes the close downstream, then releases the record.
func (s *Server) closeOpenedNode(opened *OpenedNode) {
	switch opened.Type() {
	case fsproto.NodeFile:
		if err := s.closeFileNode(opened.VNode(), opened.FsHandle()); err != nil {
			logger.Warn("downstream file close failed",
				logger.KeyMount, uint64(opened.VNode().Mount), logger.KeyError, err)
		}
	case fsproto.NodeDirectory:
		if err := s.closeDirNode(opened.VNode(), opened.FsHandle()); err != nil {
			logger.Warn("downstream directory close failed",
				logger.KeyMount, uint64(opened.VNode().Mount), logger.KeyError, err)
		}
	case fsproto.NodeSymlink:
		// Nothing downstream to close.
	}
	opened.markClosed()
	metrics.OpenedNodes.Dec()
}

// processTerminated closes every opened node a dead client owned, fanning
// the downstream closes out concurrently.
func (s *Server) processTerminated(ctx context.Context, pid uint64) {
	removed := s.handles.ProcessTerminated(pid)
	if len(removed) == 0 {
		return
	}
	logger.Info("closing handles of terminated process",
		logger.KeyPid, pid, "count", len(removed))

	var wg sync.WaitGroup
	for _, opened := range removed {
		wg.Add(1)
		go func(o *OpenedNode) {
			defer wg.Done()
			s.closeOpenedNode(o)
		}(opened)
	}
	wg.Wait()
}
