package kobject

import (
	"github.com/marmos91/helium/pkg/kernel"
)

// CreatePort creates a bidirectional typed message channel and returns its
// two halves. A non-empty name registers the sender globally; the name is
// freed when the last sender handle is dropped, even if receivers remain.
func (r *Runtime) CreatePort(name string) (*PortReceiver, *PortSender, error) {
	recv, send, err := r.sys.IPCCreate(name)
	if err != nil {
		return nil, nil, err
	}
	return &PortReceiver{rt: r, handle: recv}, &PortSender{rt: r, handle: send}, nil
}

// OpenPort looks up a registered sender by name.
func (r *Runtime) OpenPort(name string) (*PortSender, error) {
	h, err := r.sys.IPCOpenByName(name)
	if err != nil {
		return nil, err
	}
	return &PortSender{rt: r, handle: h}, nil
}

// PortSenderFromHandle adopts a received sender handle.
func (r *Runtime) PortSenderFromHandle(h kernel.Handle) (*PortSender, error) {
	if !h.Valid() {
		return nil, kernel.NewError(kernel.ErrInvalidArgument, "port_sender_from_handle")
	}
	return &PortSender{rt: r, handle: h}, nil
}

// PortSender is the sending half of a port.
type PortSender struct {
	rt     *Runtime
	handle kernel.Handle
}

// Send delivers the message. On success the handles in the message slots
// have been moved to the port and the caller's copies are invalidated; on
// failure they all stay with the caller.
func (s *PortSender) Send(msg *kernel.Message) error {
	if err := s.rt.sys.IPCSend(s.handle, msg); err != nil {
		return err
	}
	for i := range msg.Handles {
		msg.Handles[i] = kernel.InvalidHandle
	}
	return nil
}

// Handle returns the raw handle without transferring ownership.
func (s *PortSender) Handle() kernel.Handle {
	return s.handle
}

// IntoHandle transfers ownership of the raw handle to the caller.
func (s *PortSender) IntoHandle() kernel.Handle {
	h := s.handle
	s.handle = kernel.InvalidHandle
	return h
}

// Clone duplicates the sender handle.
func (s *PortSender) Clone() (*PortSender, error) {
	h, err := s.rt.sys.HandleDuplicate(s.handle)
	if err != nil {
		return nil, err
	}
	return &PortSender{rt: s.rt, handle: h}, nil
}

// Close releases the sender handle.
func (s *PortSender) Close() error {
	if !s.handle.Valid() {
		return nil
	}
	err := s.rt.sys.Close(s.handle)
	s.handle = kernel.InvalidHandle
	return err
}

// PortReceiver is the receiving half of a port. Cloning duplicates the
// handle; each message is delivered to exactly one clone.
type PortReceiver struct {
	rt     *Runtime
	handle kernel.Handle
}

// Receive returns the next message without blocking; ObjectNotReady when
// the queue is empty.
func (p *PortReceiver) Receive() (*kernel.Message, error) {
	return p.rt.sys.IPCReceive(p.handle)
}

// BlockingReceive waits for and returns the next message.
func (p *PortReceiver) BlockingReceive() (*kernel.Message, error) {
	ready := []bool{false}
	handles := []kernel.Handle{p.handle}
	for {
		if err := p.rt.sys.IPCWait(handles, ready); err != nil {
			return nil, err
		}
		msg, err := p.Receive()
		if kernel.IsCode(err, kernel.ErrObjectNotReady) {
			// Another receiver clone won the race; wait again.
			continue
		}
		return msg, err
	}
}

// WaitHandle implements Waitable.
func (p *PortReceiver) WaitHandle() kernel.Handle {
	return p.handle
}

// Handle returns the raw handle without transferring ownership.
func (p *PortReceiver) Handle() kernel.Handle {
	return p.handle
}

// Clone duplicates the receiver handle (competing consumer).
func (p *PortReceiver) Clone() (*PortReceiver, error) {
	h, err := p.rt.sys.HandleDuplicate(p.handle)
	if err != nil {
		return nil, err
	}
	return &PortReceiver{rt: p.rt, handle: h}, nil
}

// Close releases the receiver handle.
func (p *PortReceiver) Close() error {
	if !p.handle.Valid() {
		return nil
	}
	err := p.rt.sys.Close(p.handle)
	p.handle = kernel.InvalidHandle
	return err
}
