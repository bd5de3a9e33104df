package ipc

import (
	"fmt"
	"sync"

	"github.com/marmos91/helium/internal/logger"
	"github.com/marmos91/helium/pkg/ipc/wire"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
)

// Request carries one dispatched message into a handler: the decoded
// header, a decoder positioned on the parameters, and the handle slots
// (slot 0 already consumed by the framework for the reply port).
type Request struct {
	rt      *kobject.Runtime
	Header  QueryHeader
	dec     *wire.Decoder
	handles [kernel.MessageHandleSlots]kernel.Handle
}

// Runtime returns the server's kernel object layer.
func (r *Request) Runtime() *kobject.Runtime {
	return r.rt
}

// Decoder returns the parameter decoder.
func (r *Request) Decoder() *wire.Decoder {
	return r.dec
}

// SenderPid returns the pid stamped in the query header.
func (r *Request) SenderPid() uint64 {
	return r.Header.SenderPid
}

// TakeHandle moves the handle out of the given slot; the handler becomes
// responsible for closing it.
func (r *Request) TakeHandle(slot int) kernel.Handle {
	h := r.handles[slot]
	r.handles[slot] = kernel.InvalidHandle
	return h
}

// CloseRemainingHandles releases every slot the handler did not take.
func (r *Request) CloseRemainingHandles() {
	for i, h := range r.handles {
		if h.Valid() {
			_ = r.rt.Sys().Close(h)
			r.handles[i] = kernel.InvalidHandle
		}
	}
}

// Reply is what a with-reply handler returns on success.
type Reply struct {
	Content Marshaler
	Handles [kernel.MessageHandleSlots]kernel.Handle
}

// Handler processes a with-reply message. A returned error that implements
// ReplyErrorCoder is serialized as its discriminant; anything else is
// logged and serialized as the server's fallback code.
type Handler func(req *Request) (*Reply, error)

// NoReplyHandler consumes a message that expects no reply.
type NoReplyHandler func(req *Request)

// fallbackErrorCode is used when a handler error carries no discriminant.
// Both system services reserve discriminant 2 for RuntimeError.
const fallbackErrorCode = 2

// ServerBuilder assembles a synchronous IPC server: per-type handlers, an
// optional process-termination hook, a named receive port.
type ServerBuilder struct {
	rt          *kobject.Runtime
	name        string
	version     uint16
	handlers    map[uint16]Handler
	noReply     map[uint16]NoReplyHandler
	processExit func(pid uint64)
}

// NewServerBuilder starts a builder for the named port and version.
func NewServerBuilder(rt *kobject.Runtime, name string, version uint16) *ServerBuilder {
	return &ServerBuilder{
		rt:       rt,
		name:     name,
		version:  version,
		handlers: make(map[uint16]Handler),
		noReply:  make(map[uint16]NoReplyHandler),
	}
}

// Handle registers a with-reply handler for the message type.
func (b *ServerBuilder) Handle(msgType uint16, h Handler) *ServerBuilder {
	b.handlers[msgType] = h
	return b
}

// HandleNoReply registers a no-reply handler for the message type.
func (b *ServerBuilder) HandleNoReply(msgType uint16, h NoReplyHandler) *ServerBuilder {
	b.noReply[msgType] = h
	return b
}

// OnProcessExit installs a hook fired for every kernel process-termination
// notification.
func (b *ServerBuilder) OnProcessExit(h func(pid uint64)) *ServerBuilder {
	b.processExit = h
	return b
}

// Build creates the server and registers its port name.
func (b *ServerBuilder) Build() (*Server, error) {
	receiver, sender, err := b.rt.CreatePort(b.name)
	if err != nil {
		return nil, fmt.Errorf("create port %q: %w", b.name, err)
	}

	s := &Server{
		core: serverCore{
			rt:       b.rt,
			name:     b.name,
			version:  b.version,
			handlers: b.handlers,
			noReply:  b.noReply,
		},
		receiver: receiver,
		sender:   sender,
	}

	if b.processExit != nil {
		listener, err := b.rt.NewProcessListener(kernel.ListenerFilterAll)
		if err != nil {
			receiver.Close()
			sender.Close()
			return nil, fmt.Errorf("create process listener: %w", err)
		}
		s.processListener = listener
		s.processExit = b.processExit
	}

	return s, nil
}

// Server is the synchronous IPC server: one thread receives, dispatches
// and replies inline. Handlers must not issue IPC back to this same server.
type Server struct {
	core serverCore

	receiver        *kobject.PortReceiver
	sender          *kobject.PortSender
	processListener *kobject.ProcessListener
	processExit     func(pid uint64)

	mu     sync.Mutex
	closed bool
}

// ReleaseName drops the retained sender so the port name is freed; clients
// already holding the port keep working.
func (s *Server) ReleaseName() {
	if s.sender != nil {
		s.sender.Close()
		s.sender = nil
	}
}

// Run services the port until Shutdown. Each message is handled inline.
func (s *Server) Run() error {
	const receiverIndex = 0
	const listenerIndex = 1

	waiter := s.core.rt.NewWaiter(s.receiver)
	if s.processListener != nil {
		waiter.Add(s.processListener)
	}

	for {
		if err := waiter.Wait(); err != nil {
			if s.isClosed() {
				return nil
			}
			return fmt.Errorf("server %q wait: %w", s.core.name, err)
		}

		if waiter.IsReady(receiverIndex) {
			msg, err := s.receiver.Receive()
			switch {
			case err == nil:
				s.core.dispatch(msg)
			case kernel.IsCode(err, kernel.ErrObjectNotReady):
				// Raced with another receiver clone.
			default:
				if s.isClosed() {
					return nil
				}
				return fmt.Errorf("server %q receive: %w", s.core.name, err)
			}
		}

		if s.processListener != nil && waiter.IsReady(listenerIndex) {
			ev, err := s.processListener.Receive()
			if err == nil && ev.Type == kernel.ProcessEventTerminated {
				s.processExit(ev.Pid)
			}
		}
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown closes the server's port; Run returns once it observes the
// closure.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.sender != nil {
		s.sender.Close()
		s.sender = nil
	}
	s.receiver.Close()
	if s.processListener != nil {
		s.processListener.Close()
	}
}

// serverCore is the dispatch logic shared by the sync and async servers.
type serverCore struct {
	rt       *kobject.Runtime
	name     string
	version  uint16
	handlers map[uint16]Handler
	noReply  map[uint16]NoReplyHandler
}

func (c *serverCore) dispatch(msg *kernel.Message) {
	dec := wire.NewDecoder(&msg.Data, 0)
	header := decodeQueryHeader(dec)

	if header.Version != c.version {
		logger.Error("dropping message with mismatched version",
			"server", c.name, "got", header.Version, "want", c.version)
		c.closeHandles(msg.Handles)
		return
	}

	req := &Request{rt: c.rt, Header: header, dec: dec, handles: msg.Handles}

	if h, ok := c.noReply[header.Type]; ok {
		h(req)
		req.CloseRemainingHandles()
		return
	}

	h, ok := c.handlers[header.Type]
	if !ok {
		logger.Error("no handler for message type", "server", c.name, "type", header.Type)
		c.closeHandles(msg.Handles)
		return
	}

	replyHandle := req.TakeHandle(ReplyPortSlot)
	replySender, err := c.rt.PortSenderFromHandle(replyHandle)
	if err != nil {
		logger.Error("message without reply port", "server", c.name, "type", header.Type)
		req.CloseRemainingHandles()
		return
	}

	reply, herr := h(req)
	req.CloseRemainingHandles()
	c.sendReply(replySender, header.Transaction, reply, herr)
}

func (c *serverCore) sendReply(replySender *kobject.PortSender, transaction uint64, reply *Reply, herr error) {
	defer replySender.Close()

	out := &kernel.Message{}
	enc := wire.NewEncoder(&out.Data, 0)

	if herr != nil {
		header := ReplyHeader{Transaction: transaction, Success: false}
		header.encode(enc)

		code := uint64(fallbackErrorCode)
		if coder, ok := herr.(ReplyErrorCoder); ok {
			code = coder.ReplyErrorCode()
		} else {
			logger.Error("handler failed without reply code", "server", c.name, "error", herr)
		}
		enc.PutU64(code)
	} else {
		header := ReplyHeader{Transaction: transaction, Success: true}
		header.encode(enc)
		if reply.Content != nil {
			reply.Content.MarshalWire(enc)
		}
		out.Handles = reply.Handles
	}

	if err := enc.Err(); err != nil {
		logger.Error("reply encoding failed", "server", c.name, "error", err)
		return
	}
	if err := replySender.Send(out); err != nil {
		// The client may have died between call and reply.
		logger.Warn("reply send failed", "server", c.name, "error", err)
		c.closeHandles(out.Handles)
	}
}

func (c *serverCore) closeHandles(handles [kernel.MessageHandleSlots]kernel.Handle) {
	for _, h := range handles {
		if h.Valid() {
			_ = c.rt.Sys().Close(h)
		}
	}
}
