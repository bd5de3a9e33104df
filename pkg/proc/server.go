package proc

import (
	"fmt"
	"sync"

	"github.com/marmos91/helium/internal/logger"
	"github.com/marmos91/helium/pkg/block"
	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
	"github.com/marmos91/helium/pkg/ksync"
	"github.com/marmos91/helium/pkg/metrics"
)

// Server is the process server. It keeps three collections: live records
// (strong, dropped on kernel-notified termination), the registry (records
// stay while any open handle refers to them) and the open-handle table.
type Server struct {
	rt     *kobject.Runtime
	loader Loader

	generator *ipc.HandleGenerator
	handles   *ipc.HandleTable[*Record]

	state    *ksync.RWLock // guards live and registry
	live     map[uint64]*Record
	registry map[uint64]*Record

	// regIndex maps a registration handle to the watched pid so unregister
	// can find the record holding it.
	regMu    sync.Mutex
	regIndex map[kernel.Handle]uint64

	ipcServer *ipc.Server
}

// NewServer creates the process server and injects the bootstrap records:
// init (pid 1), idle (pid 2) and the server's own process, so ListProcesses
// is complete from the first request.
func NewServer(rt *kobject.Runtime, loader Loader) (*Server, error) {
	generator := ipc.NewHandleGenerator()
	s := &Server{
		rt:        rt,
		loader:    loader,
		generator: generator,
		handles:   ipc.NewHandleTable[*Record](generator),
		state:     ksync.NewRWLock(rt.Sys()),
		live:      make(map[uint64]*Record),
		registry:  make(map[uint64]*Record),
		regIndex:  make(map[kernel.Handle]uint64),
	}

	if err := s.bootstrap(); err != nil {
		return nil, err
	}

	builder := ipc.NewServerBuilder(rt, PortName, Version)
	builder.OnProcessExit(s.processTerminated)
	builder.Handle(TypeGetStartupInfo, s.instrument("GetStartupInfo", s.getStartupInfo))
	builder.Handle(TypeUpdateName, s.instrument("UpdateName", s.updateName))
	builder.Handle(TypeUpdateEnv, s.instrument("UpdateEnv", s.updateEnv))
	builder.Handle(TypeSetExitCode, s.instrument("SetExitCode", s.setExitCode))
	builder.Handle(TypeCreateProcess, s.instrument("CreateProcess", s.createProcess))
	builder.Handle(TypeOpenProcess, s.instrument("OpenProcess", s.openProcess))
	builder.Handle(TypeCloseProcess, s.instrument("CloseProcess", s.closeProcess))
	builder.Handle(TypeGetProcessName, s.instrument("GetProcessName", s.getProcessName))
	builder.Handle(TypeGetProcessEnv, s.instrument("GetProcessEnv", s.getProcessEnv))
	builder.Handle(TypeGetProcessArgs, s.instrument("GetProcessArgs", s.getProcessArgs))
	builder.Handle(TypeGetProcessStatus, s.instrument("GetProcessStatus", s.getProcessStatus))
	builder.Handle(TypeTerminateProcess, s.instrument("TerminateProcess", s.terminateProcess))
	builder.Handle(TypeListProcesses, s.instrument("ListProcesses", s.listProcesses))
	builder.Handle(TypeRegisterTerminatedNotification, s.instrument("RegisterNotification", s.registerNotification))
	builder.Handle(TypeUnregisterTerminatedNotification, s.instrument("UnregisterNotification", s.unregisterNotification))

	ipcServer, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build process server: %w", err)
	}
	s.ipcServer = ipcServer
	return s, nil
}

// Run services the port until Shutdown.
func (s *Server) Run() error {
	return s.ipcServer.Run()
}

// Shutdown stops the IPC server.
func (s *Server) Shutdown() {
	s.ipcServer.Shutdown()
}

// Snapshot returns the current registry contents, for introspection.
func (s *Server) Snapshot() []ProcessEntry {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.snapshotLocked()
}

func (s *Server) snapshotLocked() []ProcessEntry {
	entries := make([]ProcessEntry, 0, len(s.registry))
	for _, rec := range s.registry {
		entries = append(entries, ProcessEntry{
			Pid:      rec.Pid(),
			Creator:  rec.Creator(),
			Running:  !rec.Terminated(),
			ExitCode: rec.ExitCode(),
			Name:     rec.Name(),
		})
	}
	return entries
}

func (s *Server) bootstrap() error {
	selfPid := s.rt.Pid()

	inject := func(pid uint64, name string) error {
		if _, ok := s.registry[pid]; ok {
			return nil
		}
		env, err := s.emptyKVBlock()
		if err != nil {
			return err
		}
		args, err := s.emptyKVBlock()
		if err != nil {
			return err
		}
		rec := newRecord(s.rt.Sys(), pid, CreatorInit, name, env, args, nil)
		s.live[pid] = rec
		s.registry[pid] = rec
		return nil
	}

	if err := inject(1, "init"); err != nil {
		return err
	}
	if err := inject(2, "idle"); err != nil {
		return err
	}
	if err := inject(selfPid, "process-server"); err != nil {
		return err
	}
	metrics.ProcessesLive.Set(float64(len(s.live)))
	return nil
}

func (s *Server) emptyKVBlock() (*block.KVBlock, error) {
	mobj, err := block.BuildKV(s.rt, nil)
	if err != nil {
		return nil, err
	}
	kv, err := block.LoadKV(s.rt, mobj)
	if err != nil {
		mobj.Close()
		return nil, err
	}
	return kv, nil
}

func (s *Server) instrument(name string, h ipc.Handler) ipc.Handler {
	return func(req *ipc.Request) (*ipc.Reply, error) {
		metrics.MessagesDispatched.WithLabelValues(PortName, name).Inc()
		reply, err := h(req)
		if err != nil {
			metrics.HandlerErrors.WithLabelValues(PortName).Inc()
			logger.Debug("handler failed",
				logger.KeyServer, PortName, logger.KeyType, name,
				logger.KeySender, req.SenderPid(), logger.KeyError, err)
		}
		return reply, err
	}
}

// --- record lookup helpers ---

func (s *Server) findLive(pid uint64) (*Record, bool) {
	s.state.RLock()
	defer s.state.RUnlock()
	rec, ok := s.live[pid]
	return rec, ok
}

func (s *Server) findRegistered(pid uint64) (*Record, bool) {
	s.state.RLock()
	defer s.state.RUnlock()
	rec, ok := s.registry[pid]
	return rec, ok
}

func (s *Server) readHandle(owner uint64, handle kernel.Handle) (*Record, error) {
	rec, ok := s.handles.Read(owner, handle)
	if !ok {
		return nil, ErrInvalidArgument
	}
	return rec, nil
}

// maybeForget drops a terminated record from the registry once nothing
// refers to it any more.
func (s *Server) maybeForget(rec *Record) {
	if !rec.Terminated() || rec.openRefs.Load() > 0 {
		return
	}
	s.state.Lock()
	if cur, ok := s.registry[rec.Pid()]; ok && cur == rec {
		delete(s.registry, rec.Pid())
	}
	s.state.Unlock()

	if rec.kproc != nil {
		rec.kproc.Close()
	}
	if rec.mainThread != nil {
		rec.mainThread.Close()
	}
}

// --- termination fan-out ---

func (s *Server) processTerminated(pid uint64) {
	s.state.Lock()
	rec := s.registry[pid]
	delete(s.live, pid)
	metrics.ProcessesLive.Set(float64(len(s.live)))
	// Snapshot the other records so registrations owned by the dead process
	// can be dropped without holding the lock while closing ports.
	others := make([]*Record, 0, len(s.registry))
	for _, r := range s.registry {
		others = append(others, r)
	}
	s.state.Unlock()

	if rec == nil {
		logger.Warn("termination for unknown process", logger.KeyPid, pid)
		return
	}

	logger.Info("process terminated", logger.KeyPid, pid, logger.KeyName, rec.Name())

	// Fire every registration exactly once, then drop it.
	for _, reg := range rec.markTerminated() {
		s.fire(reg)
	}

	// Registrations the dead process had placed on others die with it.
	for _, other := range others {
		for _, reg := range other.dropRegistrationsOwnedBy(pid) {
			s.regMu.Lock()
			delete(s.regIndex, reg.handle)
			s.regMu.Unlock()
			reg.sender.Close()
		}
	}

	// Sweep the open-handle table for entries the dead process owned.
	for _, owned := range s.handles.ProcessTerminated(pid) {
		owned.openRefs.Add(-1)
		s.maybeForget(owned)
	}

	s.maybeForget(rec)
}

func (s *Server) fire(reg *registration) {
	msg := EncodeTerminationNotification(reg.correlation)
	if err := reg.sender.Send(msg); err != nil {
		logger.Warn("termination notification not delivered",
			logger.KeyPid, reg.owner, logger.KeyError, err)
	} else {
		metrics.NotificationsFired.Inc()
	}
	s.regMu.Lock()
	delete(s.regIndex, reg.handle)
	s.regMu.Unlock()
	reg.sender.Close()
}

// --- handlers ---

func (s *Server) getStartupInfo(req *ipc.Request) (*ipc.Reply, error) {
	rec, ok := s.findLive(req.SenderPid())
	if !ok {
		return nil, ErrInvalidArgument
	}

	nameMobj, nameDesc, err := ipc.NewLocalBuffer(s.rt, []byte(rec.Name()), ipc.BufferRead)
	if err != nil {
		return nil, ErrRuntimeError
	}

	reply := &ipc.Reply{Content: GetStartupInfoReply{Name: nameDesc}}
	if nameMobj != nil {
		reply.Handles[StartupInfoHandleName] = nameMobj.IntoHandle()
	}

	envClone, err := rec.Env().MemoryObject().Clone()
	if err != nil {
		return nil, ErrRuntimeError
	}
	reply.Handles[StartupInfoHandleEnv] = envClone.IntoHandle()

	argsClone, err := rec.Args().MemoryObject().Clone()
	if err != nil {
		return nil, ErrRuntimeError
	}
	reply.Handles[StartupInfoHandleArgs] = argsClone.IntoHandle()

	if rec.Symbols() != nil {
		symClone, err := rec.Symbols().MemoryObject().Clone()
		if err != nil {
			return nil, ErrRuntimeError
		}
		reply.Handles[StartupInfoHandleSymbols] = symClone.IntoHandle()
	}

	return reply, nil
}

func (s *Server) updateName(req *ipc.Request) (*ipc.Reply, error) {
	rec, ok := s.findLive(req.SenderPid())
	if !ok {
		return nil, ErrInvalidArgument
	}

	var params UpdateNameParams
	params.UnmarshalWire(req.Decoder())
	if err := req.Decoder().Err(); err != nil {
		return nil, ErrInvalidArgument
	}

	view, err := ipc.NewBufferView(s.rt, req.TakeHandle(UpdateNameHandleName), params.Name)
	if err != nil {
		return nil, ErrInvalidArgument
	}
	defer view.Close()

	name, err := view.String()
	if err != nil {
		return nil, ErrInvalidArgument
	}

	rec.SetName(name)
	if rec.kproc != nil {
		if err := rec.kproc.SetName(name); err != nil {
			logger.Warn("kernel name update failed", logger.KeyPid, rec.Pid(), logger.KeyError, err)
		}
	} else if rec.Pid() == s.rt.Pid() {
		if self, err := s.rt.CurrentProcess(); err == nil {
			_ = self.SetName(name)
		}
	}

	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) updateEnv(req *ipc.Request) (*ipc.Reply, error) {
	rec, ok := s.findLive(req.SenderPid())
	if !ok {
		return nil, ErrInvalidArgument
	}

	mobj, err := s.rt.MemoryObjectFromHandle(req.TakeHandle(UpdateEnvHandleEnv))
	if err != nil {
		return nil, ErrInvalidArgument
	}
	env, err := block.LoadKV(s.rt, mobj)
	if err != nil {
		mobj.Close()
		return nil, ErrInvalidArgument
	}

	if old := rec.SetEnv(env); old != nil {
		old.Close()
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) setExitCode(req *ipc.Request) (*ipc.Reply, error) {
	rec, ok := s.findLive(req.SenderPid())
	if !ok {
		return nil, ErrInvalidArgument
	}

	var params SetExitCodeParams
	params.UnmarshalWire(req.Decoder())

	if err := rec.SetExitCode(params.Code); err != nil {
		return nil, ErrInvalidArgument
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) createProcess(req *ipc.Request) (*ipc.Reply, error) {
	var params CreateProcessParams
	params.UnmarshalWire(req.Decoder())
	if err := req.Decoder().Err(); err != nil {
		return nil, ErrInvalidArgument
	}

	nameView, err := ipc.NewBufferView(s.rt, req.TakeHandle(CreateProcessHandleName), params.Name)
	if err != nil {
		return nil, ErrInvalidArgument
	}
	defer nameView.Close()
	name, err := nameView.String()
	if err != nil || name == "" {
		return nil, ErrInvalidArgument
	}

	binaryView, err := ipc.NewBufferView(s.rt, req.TakeHandle(CreateProcessHandleBinary), params.Binary)
	if err != nil {
		return nil, ErrInvalidArgument
	}
	defer binaryView.Close()
	binary, err := binaryView.Bytes()
	if err != nil {
		return nil, ErrInvalidArgument
	}

	env, err := s.adoptKVBlock(req.TakeHandle(CreateProcessHandleEnv))
	if err != nil {
		return nil, ErrInvalidArgument
	}
	args, err := s.adoptKVBlock(req.TakeHandle(CreateProcessHandleArgs))
	if err != nil {
		env.Close()
		return nil, ErrInvalidArgument
	}

	rec, err := s.spawn(req.SenderPid(), name, binary, env, args)
	if err != nil {
		env.Close()
		args.Close()
		logger.Error("process creation failed", logger.KeyName, name, logger.KeyError, err)
		if perr, ok := err.(Error); ok {
			return nil, perr
		}
		return nil, ErrRuntimeError
	}

	handle := s.handles.Open(req.SenderPid(), rec)
	rec.openRefs.Add(1)

	logger.Info("process created",
		logger.KeyPid, rec.Pid(), logger.KeyName, name, logger.KeySender, req.SenderPid())

	return &ipc.Reply{Content: ProcessHandleReply{Handle: handle, Pid: rec.Pid()}}, nil
}

// adoptKVBlock loads a KVBlock from a request slot, accepting an invalid
// handle as the empty block.
func (s *Server) adoptKVBlock(h kernel.Handle) (*block.KVBlock, error) {
	if !h.Valid() {
		return s.emptyKVBlock()
	}
	mobj, err := s.rt.MemoryObjectFromHandle(h)
	if err != nil {
		return nil, err
	}
	kv, err := block.LoadKV(s.rt, mobj)
	if err != nil {
		mobj.Close()
		return nil, err
	}
	return kv, nil
}

// spawn loads the binary, builds the child's address space and starts its
// main thread. The mappings are leaked: the child process owns them now.
func (s *Server) spawn(creator uint64, name string, binary []byte, env, args *block.KVBlock) (*Record, error) {
	image, err := s.loader.Load(binary)
	if err != nil {
		return nil, ErrInvalidArgument
	}

	child, err := s.rt.CreateProcess(name)
	if err != nil {
		return nil, fmt.Errorf("create kernel process: %w", err)
	}

	for _, seg := range image.Segments {
		if err := s.mapSegment(child, seg); err != nil {
			child.Kill()
			child.Close()
			return nil, fmt.Errorf("map segment at %#x: %w", seg.Addr, err)
		}
	}

	stackTop, err := s.allocGuarded(child, kobject.DefaultStackSize)
	if err != nil {
		child.Kill()
		child.Close()
		return nil, fmt.Errorf("allocate stack: %w", err)
	}
	tlsTop, err := s.allocGuarded(child, kobject.TLSSize)
	if err != nil {
		child.Kill()
		child.Close()
		return nil, fmt.Errorf("allocate tls: %w", err)
	}

	threadHandle, _, err := s.rt.Sys().ThreadCreate(child.Handle(), kernel.ThreadOptions{
		Name:     "main",
		Entry:    image.Entry,
		StackTop: stackTop,
		TLSBase:  tlsTop,
	})
	if err != nil {
		child.Kill()
		child.Close()
		return nil, fmt.Errorf("create main thread: %w", err)
	}
	// The record keeps the process handle; the main-thread handle is not
	// needed after launch.
	_ = s.rt.Sys().Close(threadHandle)

	var symbols *block.SymBlock
	if len(image.Symbols) > 0 {
		symMobj, err := block.BuildSym(s.rt, image.Symbols)
		if err == nil {
			symbols, err = block.LoadSym(s.rt, symMobj)
			if err != nil {
				symMobj.Close()
			}
		}
	}

	rec := newRecord(s.rt.Sys(), child.Pid(), creator, name, env, args, symbols)
	rec.kproc = child

	s.state.Lock()
	s.live[rec.Pid()] = rec
	s.registry[rec.Pid()] = rec
	metrics.ProcessesLive.Set(float64(len(s.live)))
	s.state.Unlock()

	return rec, nil
}

func (s *Server) mapSegment(child *kobject.Process, seg Segment) error {
	mobj, err := s.rt.CreateMemoryObject(uintptr(len(seg.Data)))
	if err != nil {
		return err
	}
	defer mobj.Close()

	size, err := mobj.Size()
	if err != nil {
		return err
	}

	// Fill through a scratch mapping in our own space, then map into the
	// child and leak: the child owns the segment for its lifetime.
	self, err := s.rt.CurrentProcess()
	if err != nil {
		return err
	}
	scratch, err := self.MapMem(0, size, kernel.PermRead|kernel.PermWrite, mobj, 0)
	if err != nil {
		return err
	}
	bytes, err := scratch.Bytes()
	if err != nil {
		scratch.Close()
		return err
	}
	copy(bytes, seg.Data)
	scratch.Close()

	childMapping, err := child.MapMem(seg.Addr, size, seg.Perms, mobj, 0)
	if err != nil {
		return err
	}
	childMapping.Leak()
	return nil
}

// allocGuarded builds a guarded RW region in the child and leaks it,
// returning the top address.
func (s *Server) allocGuarded(child *kobject.Process, size uintptr) (uintptr, error) {
	mobj, err := s.rt.CreateMemoryObject(size)
	if err != nil {
		return 0, err
	}
	defer mobj.Close()

	mobjSize, err := mobj.Size()
	if err != nil {
		return 0, err
	}

	window, err := child.MapReserve(0, mobjSize+2*kernel.PageSize)
	if err != nil {
		return 0, err
	}
	base := window.Address()
	if err := window.Close(); err != nil {
		return 0, err
	}

	guardLow, err := child.MapReserve(base, kernel.PageSize)
	if err != nil {
		return 0, err
	}
	center, err := child.MapMem(base+kernel.PageSize, mobjSize, kernel.PermRead|kernel.PermWrite, mobj, 0)
	if err != nil {
		guardLow.Close()
		return 0, err
	}
	guardHigh, err := child.MapReserve(base+kernel.PageSize+mobjSize, kernel.PageSize)
	if err != nil {
		center.Close()
		guardLow.Close()
		return 0, err
	}

	guardLow.Leak()
	center.Leak()
	guardHigh.Leak()
	return center.Address() + center.Len(), nil
}

func (s *Server) openProcess(req *ipc.Request) (*ipc.Reply, error) {
	var params OpenProcessParams
	params.UnmarshalWire(req.Decoder())

	rec, ok := s.findRegistered(params.Pid)
	if !ok {
		return nil, ErrNotFound
	}

	handle := s.handles.Open(req.SenderPid(), rec)
	rec.openRefs.Add(1)
	return &ipc.Reply{Content: ProcessHandleReply{Handle: handle, Pid: rec.Pid()}}, nil
}

func (s *Server) closeProcess(req *ipc.Request) (*ipc.Reply, error) {
	var params HandleParams
	params.UnmarshalWire(req.Decoder())

	rec, ok := s.handles.Close(req.SenderPid(), params.Handle)
	if !ok {
		return nil, ErrInvalidArgument
	}
	rec.openRefs.Add(-1)
	s.maybeForget(rec)
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) getProcessName(req *ipc.Request) (*ipc.Reply, error) {
	var params HandleParams
	params.UnmarshalWire(req.Decoder())

	rec, err := s.readHandle(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}

	mobj, desc, berr := ipc.NewLocalBuffer(s.rt, []byte(rec.Name()), ipc.BufferRead)
	if berr != nil {
		return nil, ErrRuntimeError
	}
	reply := &ipc.Reply{Content: NameReply{Name: desc}}
	if mobj != nil {
		reply.Handles[NameReplyHandleName] = mobj.IntoHandle()
	}
	return reply, nil
}

func (s *Server) getProcessEnv(req *ipc.Request) (*ipc.Reply, error) {
	var params HandleParams
	params.UnmarshalWire(req.Decoder())

	rec, err := s.readHandle(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}

	clone, cerr := rec.Env().MemoryObject().Clone()
	if cerr != nil {
		return nil, ErrRuntimeError
	}
	reply := &ipc.Reply{Content: ipc.Empty{}}
	reply.Handles[KVBlockReplyHandle] = clone.IntoHandle()
	return reply, nil
}

func (s *Server) getProcessArgs(req *ipc.Request) (*ipc.Reply, error) {
	var params HandleParams
	params.UnmarshalWire(req.Decoder())

	rec, err := s.readHandle(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}

	clone, cerr := rec.Args().MemoryObject().Clone()
	if cerr != nil {
		return nil, ErrRuntimeError
	}
	reply := &ipc.Reply{Content: ipc.Empty{}}
	reply.Handles[KVBlockReplyHandle] = clone.IntoHandle()
	return reply, nil
}

func (s *Server) getProcessStatus(req *ipc.Request) (*ipc.Reply, error) {
	var params HandleParams
	params.UnmarshalWire(req.Decoder())

	rec, err := s.readHandle(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}

	if rec.Terminated() {
		return &ipc.Reply{Content: StatusReply{Running: false, ExitCode: rec.ExitCode()}}, nil
	}
	return &ipc.Reply{Content: StatusReply{Running: true, ExitCode: ExitCodeUnset}}, nil
}

func (s *Server) terminateProcess(req *ipc.Request) (*ipc.Reply, error) {
	var params HandleParams
	params.UnmarshalWire(req.Decoder())

	rec, err := s.readHandle(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}
	if rec.Terminated() {
		return nil, ErrProcessNotRunning
	}
	if rec.kproc == nil {
		return nil, ErrAccessDenied
	}

	// The kill is recorded now; record teardown waits for the kernel's
	// termination notification.
	rec.exitCode.CompareAndSwap(ExitCodeUnset, ExitCodeKilled)
	if err := rec.kproc.Kill(); err != nil {
		return nil, ErrRuntimeError
	}
	return &ipc.Reply{Content: ipc.Empty{}}, nil
}

func (s *Server) listProcesses(req *ipc.Request) (*ipc.Reply, error) {
	s.state.RLock()
	entries := s.snapshotLocked()
	s.state.RUnlock()

	data := EncodeProcessList(entries)
	mobj, desc, err := ipc.NewLocalBuffer(s.rt, data, ipc.BufferRead)
	if err != nil {
		return nil, ErrRuntimeError
	}

	reply := &ipc.Reply{Content: ListProcessesReply{Result: desc}}
	if mobj != nil {
		reply.Handles[ListProcessesReplyHandle] = mobj.IntoHandle()
	}
	return reply, nil
}

func (s *Server) registerNotification(req *ipc.Request) (*ipc.Reply, error) {
	var params RegisterNotificationParams
	params.UnmarshalWire(req.Decoder())

	rec, err := s.readHandle(req.SenderPid(), params.Handle)
	if err != nil {
		return nil, err
	}

	sender, serr := s.rt.PortSenderFromHandle(req.TakeHandle(RegisterNotificationHandlePort))
	if serr != nil {
		return nil, ErrInvalidArgument
	}

	registrationHandle := s.generator.Generate()
	reg := &registration{
		handle:      registrationHandle,
		owner:       req.SenderPid(),
		correlation: params.Correlation,
		sender:      sender,
	}

	if rec.Terminated() {
		// Late registration on a dead process fires immediately.
		s.fire(reg)
		return &ipc.Reply{Content: RegisterNotificationReply{Registration: registrationHandle}}, nil
	}

	rec.addRegistration(registrationHandle, reg)
	s.regMu.Lock()
	s.regIndex[registrationHandle] = rec.Pid()
	s.regMu.Unlock()

	// The target may have died while we registered; make the late check so
	// the registration cannot be lost between the check and the insert.
	if rec.Terminated() {
		if lateReg, lerr := rec.removeRegistration(registrationHandle, req.SenderPid()); lerr == nil {
			s.regMu.Lock()
			delete(s.regIndex, registrationHandle)
			s.regMu.Unlock()
			s.fire(lateReg)
		}
	}

	return &ipc.Reply{Content: RegisterNotificationReply{Registration: registrationHandle}}, nil
}

func (s *Server) unregisterNotification(req *ipc.Request) (*ipc.Reply, error) {
	var params HandleParams
	params.UnmarshalWire(req.Decoder())

	s.regMu.Lock()
	pid, ok := s.regIndex[params.Handle]
	s.regMu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	rec, found := s.findRegistered(pid)
	if !found {
		return nil, ErrNotFound
	}

	// Only the original owner may unregister.
	reg, rerr := rec.removeRegistration(params.Handle, req.SenderPid())
	if rerr != nil {
		if perr, isPerr := rerr.(Error); isPerr {
			return nil, perr
		}
		return nil, ErrRuntimeError
	}

	s.regMu.Lock()
	delete(s.regIndex, params.Handle)
	s.regMu.Unlock()
	reg.sender.Close()

	return &ipc.Reply{Content: ipc.Empty{}}, nil
}
