package fsproto

import (
	"fmt"

	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/kobject"
	"github.com/marmos91/helium/pkg/metrics"
)

// NewServer binds a Backend to a synchronous IPC server on portName. Every
// filesystem server reuses this binding; only the Backend differs.
func NewServer(rt *kobject.Runtime, portName string, backend Backend) (*ipc.Server, error) {
	h := &protocolHandlers{rt: rt, backend: backend, portName: portName}

	builder := ipc.NewServerBuilder(rt, portName, Version)
	builder.Handle(TypeMount, h.instrument("Mount", h.mount))
	builder.Handle(TypeUnmount, h.instrument("Unmount", h.unmount))
	builder.Handle(TypeLookup, h.instrument("Lookup", h.lookup))
	builder.Handle(TypeCreate, h.instrument("Create", h.create))
	builder.Handle(TypeRemove, h.instrument("Remove", h.remove))
	builder.Handle(TypeMove, h.instrument("Move", h.move))
	builder.Handle(TypeGetMetadata, h.instrument("GetMetadata", h.getMetadata))
	builder.Handle(TypeSetMetadata, h.instrument("SetMetadata", h.setMetadata))
	builder.Handle(TypeOpenFile, h.instrument("OpenFile", h.openFile))
	builder.Handle(TypeCloseFile, h.instrument("CloseFile", h.closeFile))
	builder.Handle(TypeReadFile, h.instrument("ReadFile", h.readFile))
	builder.Handle(TypeWriteFile, h.instrument("WriteFile", h.writeFile))
	builder.Handle(TypeOpenDir, h.instrument("OpenDir", h.openDir))
	builder.Handle(TypeCloseDir, h.instrument("CloseDir", h.closeDir))
	builder.Handle(TypeListDir, h.instrument("ListDir", h.listDir))
	builder.Handle(TypeCreateSymlink, h.instrument("CreateSymlink", h.createSymlink))
	builder.Handle(TypeReadSymlink, h.instrument("ReadSymlink", h.readSymlink))

	server, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build fs server %q: %w", portName, err)
	}
	return server, nil
}

type protocolHandlers struct {
	rt       *kobject.Runtime
	backend  Backend
	portName string
}

func (h *protocolHandlers) instrument(name string, handler ipc.Handler) ipc.Handler {
	return func(req *ipc.Request) (*ipc.Reply, error) {
		metrics.MessagesDispatched.WithLabelValues(h.portName, name).Inc()
		reply, err := handler(req)
		if err != nil {
			metrics.HandlerErrors.WithLabelValues(h.portName).Inc()
		}
		return reply, err
	}
}

// bufferString reads a request buffer slot as a string.
func (h *protocolHandlers) bufferString(req *ipc.Request, slot int, desc ipc.Buffer) (string, error) {
	view, err := ipc.NewBufferView(h.rt, req.TakeHandle(slot), desc)
	if err != nil {
		return "", ErrInvalidArgument
	}
	defer view.Close()

	s, err := view.String()
	if err != nil {
		return "", ErrInvalidArgument
	}
	return s, nil
}

func (h *protocolHandlers) mount(req *ipc.Request) (*ipc.Reply, error) {
	var params MountParams
	params.UnmarshalWire(req.Decoder())

	args, err := h.bufferString(req, MountHandleArgs, params.Args)
	if err != nil {
		return nil, err
	}

	mount, root, err := h.backend.Mount(args)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: MountReply{Mount: mount, Root: root}}, nil
}

func (h *protocolHandlers) unmount(req *ipc.Request) (*ipc.Reply, error) {
	var params UnmountParams
	params.UnmarshalWire(req.Decoder())

	if err := h.backend.Unmount(params.Mount); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (h *protocolHandlers) lookup(req *ipc.Request) (*ipc.Reply, error) {
	var params LookupParams
	params.UnmarshalWire(req.Decoder())

	name, err := h.bufferString(req, NameHandleSlot, params.Name)
	if err != nil {
		return nil, err
	}

	node, err := h.backend.Lookup(params.Mount, params.Parent, name)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: NodeReply{Node: node}}, nil
}

func (h *protocolHandlers) create(req *ipc.Request) (*ipc.Reply, error) {
	var params CreateParams
	params.UnmarshalWire(req.Decoder())

	name, err := h.bufferString(req, NameHandleSlot, params.Name)
	if err != nil {
		return nil, err
	}

	node, err := h.backend.Create(params.Mount, params.Parent, name, params.Type, params.Permissions)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: NodeReply{Node: node}}, nil
}

func (h *protocolHandlers) remove(req *ipc.Request) (*ipc.Reply, error) {
	var params RemoveParams
	params.UnmarshalWire(req.Decoder())

	name, err := h.bufferString(req, NameHandleSlot, params.Name)
	if err != nil {
		return nil, err
	}

	if err := h.backend.Remove(params.Mount, params.Parent, name); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (h *protocolHandlers) move(req *ipc.Request) (*ipc.Reply, error) {
	var params MoveParams
	params.UnmarshalWire(req.Decoder())

	oldName, err := h.bufferString(req, NameHandleSlot, params.OldName)
	if err != nil {
		return nil, err
	}
	newName, err := h.bufferString(req, MoveHandleNewName, params.NewName)
	if err != nil {
		return nil, err
	}

	if err := h.backend.Move(params.Mount, params.OldParent, oldName, params.NewParent, newName); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (h *protocolHandlers) getMetadata(req *ipc.Request) (*ipc.Reply, error) {
	var params NodeParams
	params.UnmarshalWire(req.Decoder())

	meta, err := h.backend.GetMetadata(params.Mount, params.Node)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: MetadataReply{Meta: meta}}, nil
}

func (h *protocolHandlers) setMetadata(req *ipc.Request) (*ipc.Reply, error) {
	var params SetMetadataParams
	params.UnmarshalWire(req.Decoder())

	if err := h.backend.SetMetadata(params.Mount, params.Node, params.Set); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (h *protocolHandlers) openFile(req *ipc.Request) (*ipc.Reply, error) {
	var params OpenFileParams
	params.UnmarshalWire(req.Decoder())

	handle, err := h.backend.OpenFile(params.Mount, params.Node, params.Permissions)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: FsHandleReply{Handle: handle}}, nil
}

func (h *protocolHandlers) closeFile(req *ipc.Request) (*ipc.Reply, error) {
	var params FsHandleParams
	params.UnmarshalWire(req.Decoder())

	if err := h.backend.CloseFile(params.Mount, params.Handle); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (h *protocolHandlers) readFile(req *ipc.Request) (*ipc.Reply, error) {
	var params IOParams
	params.UnmarshalWire(req.Decoder())

	view, err := ipc.NewBufferView(h.rt, req.TakeHandle(IOHandleData), params.Data)
	if err != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	buf, err := view.Bytes()
	if err != nil {
		return nil, ErrInvalidArgument
	}

	n, berr := h.backend.ReadFile(params.Mount, params.Handle, params.Offset, buf)
	if berr != nil {
		return nil, berr
	}
	return &ipc.Reply{Content: IOReply{Bytes: uint64(n)}}, nil
}

func (h *protocolHandlers) writeFile(req *ipc.Request) (*ipc.Reply, error) {
	var params IOParams
	params.UnmarshalWire(req.Decoder())

	view, err := ipc.NewBufferView(h.rt, req.TakeHandle(IOHandleData), params.Data)
	if err != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	buf, err := view.Bytes()
	if err != nil {
		return nil, ErrInvalidArgument
	}

	n, berr := h.backend.WriteFile(params.Mount, params.Handle, params.Offset, buf)
	if berr != nil {
		return nil, berr
	}
	return &ipc.Reply{Content: IOReply{Bytes: uint64(n)}}, nil
}

func (h *protocolHandlers) openDir(req *ipc.Request) (*ipc.Reply, error) {
	var params NodeParams
	params.UnmarshalWire(req.Decoder())

	handle, err := h.backend.OpenDir(params.Mount, params.Node)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: FsHandleReply{Handle: handle}}, nil
}

func (h *protocolHandlers) closeDir(req *ipc.Request) (*ipc.Reply, error) {
	var params FsHandleParams
	params.UnmarshalWire(req.Decoder())

	if err := h.backend.CloseDir(params.Mount, params.Handle); err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (h *protocolHandlers) listDir(req *ipc.Request) (*ipc.Reply, error) {
	var params ListDirParams
	params.UnmarshalWire(req.Decoder())

	view, err := ipc.NewBufferView(h.rt, req.TakeHandle(IOHandleData), params.Result)
	if err != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	buf, err := view.Bytes()
	if err != nil {
		return nil, ErrInvalidArgument
	}

	entries, berr := h.backend.ListDir(params.Mount, params.Handle)
	if berr != nil {
		return nil, berr
	}

	used, ok := EncodeDirEntries(entries, buf)
	if !ok {
		return nil, ErrBufferTooSmall
	}
	return &ipc.Reply{Content: ListDirReply{Count: uint32(len(entries)), BytesUsed: uint32(used)}}, nil
}

func (h *protocolHandlers) createSymlink(req *ipc.Request) (*ipc.Reply, error) {
	var params CreateSymlinkParams
	params.UnmarshalWire(req.Decoder())

	name, err := h.bufferString(req, NameHandleSlot, params.Name)
	if err != nil {
		return nil, err
	}
	target, err := h.bufferString(req, SymlinkHandleTarget, params.Target)
	if err != nil {
		return nil, err
	}

	node, err := h.backend.CreateSymlink(params.Mount, params.Parent, name, target)
	if err != nil {
		return nil, err
	}
	return &ipc.Reply{Content: NodeReply{Node: node}}, nil
}

func (h *protocolHandlers) readSymlink(req *ipc.Request) (*ipc.Reply, error) {
	var params ReadSymlinkParams
	params.UnmarshalWire(req.Decoder())

	view, err := ipc.NewBufferView(h.rt, req.TakeHandle(IOHandleData), params.Result)
	if err != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	buf, err := view.Bytes()
	if err != nil {
		return nil, ErrInvalidArgument
	}

	target, berr := h.backend.ReadSymlink(params.Mount, params.Node)
	if berr != nil {
		return nil, berr
	}
	if len(target) > len(buf) {
		return nil, ErrBufferTooSmall
	}
	copy(buf, target)
	return &ipc.Reply{Content: ReadSymlinkReply{Length: uint32(len(target))}}, nil
}
