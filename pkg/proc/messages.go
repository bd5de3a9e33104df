// Package proc implements the process server: process lifecycle, metadata
// (name, environment, arguments, symbols), exit codes, open process handles
// and termination-notification fan-out. The server speaks the versioned
// message protocol defined in this file over the well-known
// "process-server" port.
package proc

import (
	"fmt"
	"math"

	"github.com/marmos91/helium/pkg/ipc"
	"github.com/marmos91/helium/pkg/ipc/wire"
	"github.com/marmos91/helium/pkg/kernel"
)

const (
	// PortName is the well-known port the server registers.
	PortName = "process-server"

	// Version of the process-server protocol.
	Version uint16 = 1
)

// Message type discriminants.
const (
	TypeGetStartupInfo uint16 = iota + 1
	TypeUpdateName
	TypeUpdateEnv
	TypeSetExitCode
	TypeCreateProcess
	TypeOpenProcess
	TypeCloseProcess
	TypeGetProcessName
	TypeGetProcessEnv
	TypeGetProcessArgs
	TypeGetProcessStatus
	TypeTerminateProcess
	TypeListProcesses
	TypeRegisterTerminatedNotification
	TypeUnregisterTerminatedNotification
)

// Reserved exit codes. User codes must be >= ExitCodeReservedMin.
const (
	ExitCodeUnset       int32 = math.MinInt32
	ExitCodeKilled      int32 = math.MinInt32 + 1
	ExitCodeSuccess     int32 = 0
	ExitCodeReservedMin int32 = math.MinInt32 + 10
)

// Error is the process-server error enum, serialized as its discriminant in
// reply messages.
type Error uint64

const (
	ErrInvalidArgument Error = iota + 1
	ErrRuntimeError
	ErrBufferTooSmall
	ErrProcessNotRunning
	ErrNotFound
	ErrAccessDenied
)

func (e Error) Error() string {
	switch e {
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrRuntimeError:
		return "RuntimeError"
	case ErrBufferTooSmall:
		return "BufferTooSmall"
	case ErrProcessNotRunning:
		return "ProcessNotRunning"
	case ErrNotFound:
		return "NotFound"
	case ErrAccessDenied:
		return "AccessDenied"
	default:
		return fmt.Sprintf("ProcessServerError(%d)", uint64(e))
	}
}

// ReplyErrorCode implements ipc.ReplyErrorCoder.
func (e Error) ReplyErrorCode() uint64 {
	return uint64(e)
}

// ErrorFromReply maps a reply discriminant back to the enum.
func ErrorFromReply(err error) (Error, bool) {
	code, ok := ipc.ReplyCodeOf(err)
	if !ok {
		return 0, false
	}
	return Error(code), true
}

// --- GetStartupInfo ---

// GetStartupInfoReply carries the name buffer descriptor; the name, env,
// args and symbols objects travel in the reply handle slots.
type GetStartupInfoReply struct {
	Name ipc.Buffer
}

const (
	StartupInfoHandleName = iota
	StartupInfoHandleEnv
	StartupInfoHandleArgs
	StartupInfoHandleSymbols
)

func (r GetStartupInfoReply) MarshalWire(e *wire.Encoder) { r.Name.EncodeWire(e) }
func (r *GetStartupInfoReply) UnmarshalWire(d *wire.Decoder) {
	r.Name.DecodeWire(d)
}

// --- UpdateName ---

// UpdateNameParams carries the new name as a buffer.
type UpdateNameParams struct {
	Name ipc.Buffer
}

// UpdateNameHandleName is the request slot holding the name object.
const UpdateNameHandleName = 1

func (p UpdateNameParams) MarshalWire(e *wire.Encoder)    { p.Name.EncodeWire(e) }
func (p *UpdateNameParams) UnmarshalWire(d *wire.Decoder) { p.Name.DecodeWire(d) }

// UpdateEnvHandleEnv is the request slot holding the replacement KVBlock.
const UpdateEnvHandleEnv = 1

// --- SetExitCode ---

type SetExitCodeParams struct {
	Code int32
}

func (p SetExitCodeParams) MarshalWire(e *wire.Encoder)    { e.PutI32(p.Code) }
func (p *SetExitCodeParams) UnmarshalWire(d *wire.Decoder) { p.Code = d.I32() }

// --- CreateProcess ---

// CreateProcessParams carries the name and binary buffers; the objects for
// both, plus the environment and argument KVBlocks, travel in the request
// slots.
type CreateProcessParams struct {
	Name   ipc.Buffer
	Binary ipc.Buffer
}

const (
	CreateProcessHandleName = iota + 1
	CreateProcessHandleBinary
	CreateProcessHandleEnv
	CreateProcessHandleArgs
)

func (p CreateProcessParams) MarshalWire(e *wire.Encoder) {
	p.Name.EncodeWire(e)
	p.Binary.EncodeWire(e)
}

func (p *CreateProcessParams) UnmarshalWire(d *wire.Decoder) {
	p.Name.DecodeWire(d)
	p.Binary.DecodeWire(d)
}

// ProcessHandleReply is shared by CreateProcess and OpenProcess.
type ProcessHandleReply struct {
	Handle kernel.Handle
	Pid    uint64
}

func (r ProcessHandleReply) MarshalWire(e *wire.Encoder) {
	e.PutHandle(r.Handle)
	e.PutU64(r.Pid)
}

func (r *ProcessHandleReply) UnmarshalWire(d *wire.Decoder) {
	r.Handle = d.Handle()
	r.Pid = d.U64()
}

// --- OpenProcess ---

type OpenProcessParams struct {
	Pid uint64
}

func (p OpenProcessParams) MarshalWire(e *wire.Encoder)    { e.PutU64(p.Pid) }
func (p *OpenProcessParams) UnmarshalWire(d *wire.Decoder) { p.Pid = d.U64() }

// --- handle-only params, shared by several calls ---

// HandleParams carries one server handle.
type HandleParams struct {
	Handle kernel.Handle
}

func (p HandleParams) MarshalWire(e *wire.Encoder)    { e.PutHandle(p.Handle) }
func (p *HandleParams) UnmarshalWire(d *wire.Decoder) { p.Handle = d.Handle() }

// --- GetProcessName ---

// NameReply carries the name buffer descriptor; the object travels in reply
// slot 0.
type NameReply struct {
	Name ipc.Buffer
}

// NameReplyHandleName is the reply slot holding the name object.
const NameReplyHandleName = 0

func (r NameReply) MarshalWire(e *wire.Encoder)    { r.Name.EncodeWire(e) }
func (r *NameReply) UnmarshalWire(d *wire.Decoder) { r.Name.DecodeWire(d) }

// KVBlockReplyHandle is the reply slot used by GetProcessEnv and
// GetProcessArgs for the cloned KVBlock object.
const KVBlockReplyHandle = 0

// --- GetProcessStatus ---

// StatusReply reports Running, or the exit code once terminated.
type StatusReply struct {
	Running  bool
	ExitCode int32
}

func (r StatusReply) MarshalWire(e *wire.Encoder) {
	e.PutBool(r.Running)
	e.Align(4)
	e.PutI32(r.ExitCode)
}

func (r *StatusReply) UnmarshalWire(d *wire.Decoder) {
	r.Running = d.Bool()
	d.Align(4)
	r.ExitCode = d.I32()
}

// --- ListProcesses ---

// ListProcessesReply carries the descriptor for the server-allocated result
// object in reply slot 0; see EncodeProcessList for the layout.
type ListProcessesReply struct {
	Result ipc.Buffer
}

// ListProcessesReplyHandle is the reply slot holding the result object.
const ListProcessesReplyHandle = 0

func (r ListProcessesReply) MarshalWire(e *wire.Encoder)    { r.Result.EncodeWire(e) }
func (r *ListProcessesReply) UnmarshalWire(d *wire.Decoder) { r.Result.DecodeWire(d) }

// --- RegisterTerminatedNotification ---

// RegisterNotificationParams names the target process handle and the
// caller-chosen correlation value echoed in the notification. The
// notification port sender travels in the request slots.
type RegisterNotificationParams struct {
	Handle      kernel.Handle
	Correlation uint64
}

// RegisterNotificationHandlePort is the request slot holding the port
// sender to notify.
const RegisterNotificationHandlePort = 1

func (p RegisterNotificationParams) MarshalWire(e *wire.Encoder) {
	e.PutHandle(p.Handle)
	e.PutU64(p.Correlation)
}

func (p *RegisterNotificationParams) UnmarshalWire(d *wire.Decoder) {
	p.Handle = d.Handle()
	p.Correlation = d.U64()
}

// RegisterNotificationReply returns the registration handle used to
// unregister.
type RegisterNotificationReply struct {
	Registration kernel.Handle
}

func (r RegisterNotificationReply) MarshalWire(e *wire.Encoder) {
	e.PutHandle(r.Registration)
}

func (r *RegisterNotificationReply) UnmarshalWire(d *wire.Decoder) {
	r.Registration = d.Handle()
}

// TerminationNotification is the fire-and-forget message sent on a
// registered port when the watched process dies: the correlation value at
// offset zero.
type TerminationNotification struct {
	Correlation uint64
}

// EncodeTerminationNotification builds the notification message.
func EncodeTerminationNotification(correlation uint64) *kernel.Message {
	msg := &kernel.Message{}
	e := wire.NewEncoder(&msg.Data, 0)
	e.PutU64(correlation)
	return msg
}

// DecodeTerminationNotification reads the correlation out of a
// notification message.
func DecodeTerminationNotification(msg *kernel.Message) TerminationNotification {
	d := wire.NewDecoder(&msg.Data, 0)
	return TerminationNotification{Correlation: d.U64()}
}
