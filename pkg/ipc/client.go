package ipc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marmos91/helium/pkg/ipc/wire"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
)

// Client issues calls against one remote port, identified by its registered
// name. The name is resolved once and cached. Safe for concurrent use: each
// call allocates its own single-use reply port, so replies cannot cross.
type Client struct {
	rt       *kobject.Runtime
	portName string
	version  uint16

	mu     sync.Mutex
	sender *kobject.PortSender

	transactions atomic.Uint64
}

// NewClient creates a client for the named port speaking the given protocol
// version. The port is resolved on first use.
func NewClient(rt *kobject.Runtime, portName string, version uint16) *Client {
	return &Client{rt: rt, portName: portName, version: version}
}

// Runtime returns the kernel object layer the client is bound to.
func (c *Client) Runtime() *kobject.Runtime {
	return c.rt
}

func (c *Client) resolveSender() (*kobject.PortSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sender != nil {
		return c.sender, nil
	}
	sender, err := c.rt.OpenPort(c.portName)
	if err != nil {
		return nil, &TransportError{Op: fmt.Sprintf("open port %q", c.portName), Err: err}
	}
	c.sender = sender
	return sender, nil
}

// Call sends a typed request and blocks for the reply.
//
// Handle slot 0 is reserved for the reply port; the caller places request
// handles in slots 1 and up. On success the returned decoder is positioned
// after the reply header and the reply's handle slots are handed to the
// caller to adopt. A server-side failure surfaces as *ReplyError; a kernel
// failure as *TransportError. On transport failure of the send itself the
// caller keeps ownership of its request handles.
func (c *Client) Call(msgType uint16, params Marshaler, handles [kernel.MessageHandleSlots]kernel.Handle) (*wire.Decoder, [kernel.MessageHandleSlots]kernel.Handle, error) {
	var noHandles [kernel.MessageHandleSlots]kernel.Handle

	if handles[ReplyPortSlot].Valid() {
		return nil, noHandles, fmt.Errorf("handle slot %d is reserved for the reply port", ReplyPortSlot)
	}

	sender, err := c.resolveSender()
	if err != nil {
		return nil, noHandles, err
	}

	replyReceiver, replySender, err := c.rt.CreatePort("")
	if err != nil {
		return nil, noHandles, &TransportError{Op: "create reply port", Err: err}
	}
	defer replyReceiver.Close()

	msg := &kernel.Message{Handles: handles}
	enc := wire.NewEncoder(&msg.Data, 0)
	header := QueryHeader{
		Version:     c.version,
		Type:        msgType,
		Transaction: c.transactions.Add(1),
		SenderPid:   c.rt.Pid(),
	}
	header.encode(enc)
	if params != nil {
		params.MarshalWire(enc)
	}
	if err := enc.Err(); err != nil {
		replySender.Close()
		return nil, noHandles, err
	}

	msg.Handles[ReplyPortSlot] = replySender.IntoHandle()
	if err := sender.Send(msg); err != nil {
		// Failed sends leave every handle with the caller; drop only our
		// reply sender.
		if rs, rerr := c.rt.PortSenderFromHandle(msg.Handles[ReplyPortSlot]); rerr == nil {
			rs.Close()
		}
		return nil, noHandles, &TransportError{Op: "send", Err: err}
	}

	reply, err := replyReceiver.BlockingReceive()
	if err != nil {
		return nil, noHandles, &TransportError{Op: "receive reply", Err: err}
	}

	dec := wire.NewDecoder(&reply.Data, 0)
	replyHeader := decodeReplyHeader(dec)
	_ = replyHeader.Transaction // reply-port identity already pairs the call

	if !replyHeader.Success {
		code := dec.U64()
		c.closeAll(reply.Handles)
		return nil, noHandles, &ReplyError{Code: code}
	}
	return dec, reply.Handles, nil
}

// Notify sends a request that expects no reply.
func (c *Client) Notify(msgType uint16, params Marshaler, handles [kernel.MessageHandleSlots]kernel.Handle) error {
	sender, err := c.resolveSender()
	if err != nil {
		return err
	}

	msg := &kernel.Message{Handles: handles}
	enc := wire.NewEncoder(&msg.Data, 0)
	header := QueryHeader{
		Version:     c.version,
		Type:        msgType,
		Transaction: c.transactions.Add(1),
		SenderPid:   c.rt.Pid(),
	}
	header.encode(enc)
	if params != nil {
		params.MarshalWire(enc)
	}
	if err := enc.Err(); err != nil {
		return err
	}

	if err := sender.Send(msg); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *Client) closeAll(handles [kernel.MessageHandleSlots]kernel.Handle) {
	for _, h := range handles {
		if h.Valid() {
			_ = c.rt.Sys().Close(h)
		}
	}
}

// Close drops the cached sender.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sender != nil {
		err := c.sender.Close()
		c.sender = nil
		return err
	}
	return nil
}
