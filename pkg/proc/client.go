package proc

import (
	"github.com/marmos91/helium/pkg/block"
	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
)

// Client is the typed client for the process server, one per runtime.
type Client struct {
	rt  *kobject.Runtime
	ipc *ipc.Client
}

// NewClient creates a client bound to the well-known process-server port.
func NewClient(rt *kobject.Runtime) *Client {
	return &Client{rt: rt, ipc: ipc.NewClient(rt, PortName, Version)}
}

// StartupInfo is the bundle handed to a process at startup.
type StartupInfo struct {
	Name    string
	Env     *block.KVBlock
	Args    *block.KVBlock
	Symbols *block.SymBlock
}

// GetStartupInfo fetches the calling process's startup bundle.
func (c *Client) GetStartupInfo() (*StartupInfo, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, handles, err := c.ipc.Call(TypeGetStartupInfo, ipc.Empty{}, noHandles)
	if err != nil {
		return nil, err
	}

	var reply GetStartupInfoReply
	reply.UnmarshalWire(dec)

	info := &StartupInfo{}

	nameView, err := ipc.NewBufferView(c.rt, handles[StartupInfoHandleName], reply.Name)
	if err != nil {
		return nil, err
	}
	info.Name, err = nameView.String()
	nameView.Close()
	if err != nil {
		return nil, err
	}

	info.Env, err = c.loadKV(handles[StartupInfoHandleEnv])
	if err != nil {
		return nil, err
	}
	info.Args, err = c.loadKV(handles[StartupInfoHandleArgs])
	if err != nil {
		info.Env.Close()
		return nil, err
	}

	if handles[StartupInfoHandleSymbols].Valid() {
		symMobj, serr := c.rt.MemoryObjectFromHandle(handles[StartupInfoHandleSymbols])
		if serr != nil {
			info.Env.Close()
			info.Args.Close()
			return nil, serr
		}
		info.Symbols, serr = block.LoadSym(c.rt, symMobj)
		if serr != nil {
			symMobj.Close()
			info.Env.Close()
			info.Args.Close()
			return nil, serr
		}
	}

	return info, nil
}

func (c *Client) loadKV(h kernel.Handle) (*block.KVBlock, error) {
	mobj, err := c.rt.MemoryObjectFromHandle(h)
	if err != nil {
		return nil, err
	}
	kv, err := block.LoadKV(c.rt, mobj)
	if err != nil {
		mobj.Close()
		return nil, err
	}
	return kv, nil
}

// UpdateName renames the calling process.
func (c *Client) UpdateName(name string) error {
	mobj, desc, err := ipc.NewLocalBuffer(c.rt, []byte(name), ipc.BufferRead)
	if err != nil {
		return err
	}

	var handles [kernel.MessageHandleSlots]kernel.Handle
	if mobj != nil {
		handles[UpdateNameHandleName] = mobj.IntoHandle()
	}
	_, _, err = c.ipc.Call(TypeUpdateName, UpdateNameParams{Name: desc}, handles)
	return err
}

// UpdateEnv replaces the calling process's environment.
func (c *Client) UpdateEnv(pairs []block.KVPair) error {
	mobj, err := block.BuildKV(c.rt, pairs)
	if err != nil {
		return err
	}

	var handles [kernel.MessageHandleSlots]kernel.Handle
	handles[UpdateEnvHandleEnv] = mobj.IntoHandle()
	_, _, err = c.ipc.Call(TypeUpdateEnv, ipc.Empty{}, handles)
	return err
}

// SetExitCode records the calling process's exit code; values below
// ExitCodeReservedMin are rejected.
func (c *Client) SetExitCode(code int32) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeSetExitCode, SetExitCodeParams{Code: code}, noHandles)
	return err
}

// CreateProcess spawns a new process from the binary and returns a handle
// to it plus its pid.
func (c *Client) CreateProcess(name string, binary []byte, env, args []block.KVPair) (kernel.Handle, uint64, error) {
	nameMobj, nameDesc, err := ipc.NewLocalBuffer(c.rt, []byte(name), ipc.BufferRead)
	if err != nil {
		return kernel.InvalidHandle, 0, err
	}
	binMobj, binDesc, err := ipc.NewLocalBuffer(c.rt, binary, ipc.BufferRead)
	if err != nil {
		return kernel.InvalidHandle, 0, err
	}
	envMobj, err := block.BuildKV(c.rt, env)
	if err != nil {
		return kernel.InvalidHandle, 0, err
	}
	argsMobj, err := block.BuildKV(c.rt, args)
	if err != nil {
		return kernel.InvalidHandle, 0, err
	}

	var handles [kernel.MessageHandleSlots]kernel.Handle
	if nameMobj != nil {
		handles[CreateProcessHandleName] = nameMobj.IntoHandle()
	}
	if binMobj != nil {
		handles[CreateProcessHandleBinary] = binMobj.IntoHandle()
	}
	handles[CreateProcessHandleEnv] = envMobj.IntoHandle()
	handles[CreateProcessHandleArgs] = argsMobj.IntoHandle()

	dec, _, err := c.ipc.Call(TypeCreateProcess, CreateProcessParams{Name: nameDesc, Binary: binDesc}, handles)
	if err != nil {
		return kernel.InvalidHandle, 0, err
	}

	var reply ProcessHandleReply
	reply.UnmarshalWire(dec)
	return reply.Handle, reply.Pid, nil
}

// OpenProcess opens a handle to an existing (live or still-cached) process.
func (c *Client) OpenProcess(pid uint64) (kernel.Handle, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, _, err := c.ipc.Call(TypeOpenProcess, OpenProcessParams{Pid: pid}, noHandles)
	if err != nil {
		return kernel.InvalidHandle, err
	}
	var reply ProcessHandleReply
	reply.UnmarshalWire(dec)
	return reply.Handle, nil
}

// CloseProcess releases a process handle.
func (c *Client) CloseProcess(handle kernel.Handle) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeCloseProcess, HandleParams{Handle: handle}, noHandles)
	return err
}

// GetProcessName reads the target's current name.
func (c *Client) GetProcessName(handle kernel.Handle) (string, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, handles, err := c.ipc.Call(TypeGetProcessName, HandleParams{Handle: handle}, noHandles)
	if err != nil {
		return "", err
	}
	var reply NameReply
	reply.UnmarshalWire(dec)

	view, err := ipc.NewBufferView(c.rt, handles[NameReplyHandleName], reply.Name)
	if err != nil {
		return "", err
	}
	defer view.Close()
	return view.String()
}

// GetProcessEnv reads the target's current environment pairs.
func (c *Client) GetProcessEnv(handle kernel.Handle) ([]block.KVPair, error) {
	return c.getKV(TypeGetProcessEnv, handle)
}

// GetProcessArgs reads the target's argument pairs.
func (c *Client) GetProcessArgs(handle kernel.Handle) ([]block.KVPair, error) {
	return c.getKV(TypeGetProcessArgs, handle)
}

func (c *Client) getKV(msgType uint16, handle kernel.Handle) ([]block.KVPair, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, handles, err := c.ipc.Call(msgType, HandleParams{Handle: handle}, noHandles)
	if err != nil {
		return nil, err
	}
	kv, err := c.loadKV(handles[KVBlockReplyHandle])
	if err != nil {
		return nil, err
	}
	defer kv.Close()
	return kv.Pairs(), nil
}

// Status is the decoded process status.
type Status struct {
	Running  bool
	ExitCode int32
}

// GetProcessStatus reports Running or Exited(code).
func (c *Client) GetProcessStatus(handle kernel.Handle) (Status, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, _, err := c.ipc.Call(TypeGetProcessStatus, HandleParams{Handle: handle}, noHandles)
	if err != nil {
		return Status{}, err
	}
	var reply StatusReply
	reply.UnmarshalWire(dec)
	return Status{Running: reply.Running, ExitCode: reply.ExitCode}, nil
}

// TerminateProcess kills the target process.
func (c *Client) TerminateProcess(handle kernel.Handle) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeTerminateProcess, HandleParams{Handle: handle}, noHandles)
	return err
}

// ListProcesses snapshots the registry.
func (c *Client) ListProcesses() ([]ProcessEntry, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, handles, err := c.ipc.Call(TypeListProcesses, ipc.Empty{}, noHandles)
	if err != nil {
		return nil, err
	}
	var reply ListProcessesReply
	reply.UnmarshalWire(dec)

	view, err := ipc.NewBufferView(c.rt, handles[ListProcessesReplyHandle], reply.Result)
	if err != nil {
		return nil, err
	}
	defer view.Close()

	data, err := view.Bytes()
	if err != nil {
		return nil, err
	}
	return DecodeProcessList(data)
}

// RegisterTerminationNotification asks the server to send correlation on
// the given port when the target dies. The sender handle is consumed.
func (c *Client) RegisterTerminationNotification(handle kernel.Handle, correlation uint64, sender *kobject.PortSender) (kernel.Handle, error) {
	var handles [kernel.MessageHandleSlots]kernel.Handle
	handles[RegisterNotificationHandlePort] = sender.IntoHandle()

	dec, _, err := c.ipc.Call(TypeRegisterTerminatedNotification,
		RegisterNotificationParams{Handle: handle, Correlation: correlation}, handles)
	if err != nil {
		return kernel.InvalidHandle, err
	}
	var reply RegisterNotificationReply
	reply.UnmarshalWire(dec)
	return reply.Registration, nil
}

// UnregisterTerminationNotification removes a registration; only its owner
// may do so.
func (c *Client) UnregisterTerminationNotification(registration kernel.Handle) error {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := c.ipc.Call(TypeUnregisterTerminatedNotification, HandleParams{Handle: registration}, noHandles)
	return err
}

// Close drops the cached port.
func (c *Client) Close() error {
	return c.ipc.Close()
}
