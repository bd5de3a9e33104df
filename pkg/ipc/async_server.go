package ipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/helium/internal/logger"
	"github.com/marmos91/helium/pkg/ipc/wire"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
)

// AsyncHandler processes a with-reply message on its own goroutine. It may
// issue downstream IPC calls; the context is cancelled on shutdown.
type AsyncHandler func(ctx context.Context, req *Request) (*Reply, error)

// AsyncServerBuilder assembles an asynchronous IPC server. The contract
// matches the synchronous server, but every message is dispatched on a
// fresh goroutine so handlers can block on calls to other servers.
type AsyncServerBuilder struct {
	rt          *kobject.Runtime
	name        string
	version     uint16
	handlers    map[uint16]AsyncHandler
	noReply     map[uint16]NoReplyHandler
	processExit func(ctx context.Context, pid uint64)
}

// NewAsyncServerBuilder starts a builder for the named port and version.
func NewAsyncServerBuilder(rt *kobject.Runtime, name string, version uint16) *AsyncServerBuilder {
	return &AsyncServerBuilder{
		rt:       rt,
		name:     name,
		version:  version,
		handlers: make(map[uint16]AsyncHandler),
		noReply:  make(map[uint16]NoReplyHandler),
	}
}

// Handle registers a with-reply handler for the message type.
func (b *AsyncServerBuilder) Handle(msgType uint16, h AsyncHandler) *AsyncServerBuilder {
	b.handlers[msgType] = h
	return b
}

// HandleNoReply registers a no-reply handler for the message type.
func (b *AsyncServerBuilder) HandleNoReply(msgType uint16, h NoReplyHandler) *AsyncServerBuilder {
	b.noReply[msgType] = h
	return b
}

// OnProcessExit installs a hook dispatched (on its own goroutine) for every
// kernel process-termination notification.
func (b *AsyncServerBuilder) OnProcessExit(h func(ctx context.Context, pid uint64)) *AsyncServerBuilder {
	b.processExit = h
	return b
}

// Build creates the server and registers its port name.
func (b *AsyncServerBuilder) Build() (*AsyncServer, error) {
	receiver, sender, err := b.rt.CreatePort(b.name)
	if err != nil {
		return nil, fmt.Errorf("create port %q: %w", b.name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &AsyncServer{
		rt:       b.rt,
		name:     b.name,
		version:  b.version,
		handlers: b.handlers,
		noReply:  b.noReply,
		receiver: receiver,
		sender:   sender,
		ctx:      ctx,
		cancel:   cancel,
	}

	if b.processExit != nil {
		listener, err := b.rt.NewProcessListener(kernel.ListenerFilterAll)
		if err != nil {
			cancel()
			receiver.Close()
			sender.Close()
			return nil, fmt.Errorf("create process listener: %w", err)
		}
		s.processListener = listener
		s.processExit = b.processExit
	}

	return s, nil
}

// AsyncServer dispatches each incoming message on its own goroutine.
type AsyncServer struct {
	rt       *kobject.Runtime
	name     string
	version  uint16
	handlers map[uint16]AsyncHandler
	noReply  map[uint16]NoReplyHandler

	receiver        *kobject.PortReceiver
	sender          *kobject.PortSender
	processListener *kobject.ProcessListener
	processExit     func(ctx context.Context, pid uint64)

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// ReleaseName drops the retained sender so the port name is freed.
func (s *AsyncServer) ReleaseName() {
	if s.sender != nil {
		s.sender.Close()
		s.sender = nil
	}
}

// Run services the port until Shutdown, spawning one task per message.
func (s *AsyncServer) Run() error {
	const receiverIndex = 0
	const listenerIndex = 1

	waiter := s.rt.NewWaiter(s.receiver)
	if s.processListener != nil {
		waiter.Add(s.processListener)
	}

	for {
		if err := waiter.Wait(); err != nil {
			if s.isClosed() {
				s.tasks.Wait()
				return nil
			}
			return fmt.Errorf("server %q wait: %w", s.name, err)
		}

		if waiter.IsReady(receiverIndex) {
			msg, err := s.receiver.Receive()
			switch {
			case err == nil:
				s.tasks.Add(1)
				go func() {
					defer s.tasks.Done()
					s.dispatch(msg)
				}()
			case kernel.IsCode(err, kernel.ErrObjectNotReady):
				// Raced with another receiver clone.
			default:
				if s.isClosed() {
					s.tasks.Wait()
					return nil
				}
				return fmt.Errorf("server %q receive: %w", s.name, err)
			}
		}

		if s.processListener != nil && waiter.IsReady(listenerIndex) {
			ev, err := s.processListener.Receive()
			if err == nil && ev.Type == kernel.ProcessEventTerminated {
				s.tasks.Add(1)
				go func() {
					defer s.tasks.Done()
					s.processExit(s.ctx, ev.Pid)
				}()
			}
		}
	}
}

func (s *AsyncServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown cancels in-flight handlers and closes the server's port.
func (s *AsyncServer) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.sender != nil {
		s.sender.Close()
		s.sender = nil
	}
	s.receiver.Close()
	if s.processListener != nil {
		s.processListener.Close()
	}
}

func (s *AsyncServer) dispatch(msg *kernel.Message) {
	dec := wire.NewDecoder(&msg.Data, 0)
	header := decodeQueryHeader(dec)

	if header.Version != s.version {
		logger.Error("dropping message with mismatched version",
			"server", s.name, "got", header.Version, "want", s.version)
		s.closeHandles(msg.Handles)
		return
	}

	req := &Request{rt: s.rt, Header: header, dec: dec, handles: msg.Handles}

	if h, ok := s.noReply[header.Type]; ok {
		h(req)
		req.CloseRemainingHandles()
		return
	}

	h, ok := s.handlers[header.Type]
	if !ok {
		logger.Error("no handler for message type", "server", s.name, "type", header.Type)
		s.closeHandles(msg.Handles)
		return
	}

	replyHandle := req.TakeHandle(ReplyPortSlot)
	replySender, err := s.rt.PortSenderFromHandle(replyHandle)
	if err != nil {
		logger.Error("message without reply port", "server", s.name, "type", header.Type)
		req.CloseRemainingHandles()
		return
	}

	reply, herr := h(s.ctx, req)
	req.CloseRemainingHandles()

	core := serverCore{rt: s.rt, name: s.name, version: s.version}
	core.sendReply(replySender, header.Transaction, reply, herr)
}

func (s *AsyncServer) closeHandles(handles [kernel.MessageHandleSlots]kernel.Handle) {
	for _, h := range handles {
		if h.Valid() {
			_ = s.rt.Sys().Close(h)
		}
	}
}
