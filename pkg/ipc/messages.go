// Package ipc is the message framework shared by every system server: the
// query/reply envelope layout, buffer passing over shared memory, the
// client call path, the synchronous and asynchronous servers, and the
// owner-scoped handle table.
package ipc

import (
	"github.com/marmos91/helium/pkg/ipc/wire"
	"github.com/marmos91/helium/pkg/kernel"
)

const (
	// QueryHeaderSize is the packed size of QueryHeader: version u16, type
	// u16, 4 bytes padding, transaction u64, sender pid u64.
	QueryHeaderSize = 24

	// ReplyHeaderSize is the packed size of ReplyHeader: transaction u64,
	// success u8, 7 bytes padding.
	ReplyHeaderSize = 16

	// MaxQueryParamsSize is the payload room left after the query header.
	MaxQueryParamsSize = kernel.MessageDataSize - QueryHeaderSize

	// MaxReplyContentSize is the payload room left after the reply header.
	MaxReplyContentSize = kernel.MessageDataSize - ReplyHeaderSize

	// ReplyPortSlot is the handle slot every query reserves for the
	// single-use reply sender.
	ReplyPortSlot = 0
)

// QueryHeader prefixes every request message.
type QueryHeader struct {
	Version     uint16
	Type        uint16
	Transaction uint64
	SenderPid   uint64
}

func (h *QueryHeader) encode(e *wire.Encoder) {
	e.PutU16(h.Version)
	e.PutU16(h.Type)
	e.Align(8)
	e.PutU64(h.Transaction)
	e.PutU64(h.SenderPid)
}

func decodeQueryHeader(d *wire.Decoder) QueryHeader {
	var h QueryHeader
	h.Version = d.U16()
	h.Type = d.U16()
	d.Align(8)
	h.Transaction = d.U64()
	h.SenderPid = d.U64()
	return h
}

// ReplyHeader prefixes every reply message. Success selects between the
// content struct and the error discriminant that follows.
type ReplyHeader struct {
	Transaction uint64
	Success     bool
}

func (h *ReplyHeader) encode(e *wire.Encoder) {
	e.PutU64(h.Transaction)
	e.PutBool(h.Success)
	e.Align(8)
}

func decodeReplyHeader(d *wire.Decoder) ReplyHeader {
	var h ReplyHeader
	h.Transaction = d.U64()
	h.Success = d.Bool()
	d.Align(8)
	return h
}

// Marshaler is implemented by query-parameter and reply-content structs.
type Marshaler interface {
	MarshalWire(e *wire.Encoder)
}

// Unmarshaler is the decoding half.
type Unmarshaler interface {
	UnmarshalWire(d *wire.Decoder)
}

// Empty is the zero-size params/content placeholder.
type Empty struct{}

func (Empty) MarshalWire(*wire.Encoder)    {}
func (*Empty) UnmarshalWire(*wire.Decoder) {}

// ReplyErrorCoder is implemented by per-service error enums; the value is
// serialized as a single discriminant in the reply's error path.
type ReplyErrorCoder interface {
	error
	ReplyErrorCode() uint64
}
