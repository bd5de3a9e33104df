// Package wire implements the fixed-envelope message codec: every message
// carries 64 bytes of little-endian, 8-byte-aligned payload. The encoder
// and decoder walk that area with an offset cursor; structs marshal field
// by field, C layout, no reflection.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/helium/pkg/kernel"
)

// Encoder packs values into a message data area.
type Encoder struct {
	buf []byte
	off int
	err error
}

// NewEncoder returns an encoder over the message data area, positioned at
// offset.
func NewEncoder(data *[kernel.MessageDataSize]byte, offset int) *Encoder {
	return &Encoder{buf: data[:], off: offset}
}

// Err returns the first overflow encountered, if any.
func (e *Encoder) Err() error {
	return e.err
}

// Offset returns the current cursor position.
func (e *Encoder) Offset() int {
	return e.off
}

func (e *Encoder) reserve(n int) []byte {
	if e.err != nil {
		return nil
	}
	if e.off+n > len(e.buf) {
		e.err = fmt.Errorf("message payload overflow: need %d bytes at offset %d", n, e.off)
		return nil
	}
	b := e.buf[e.off : e.off+n]
	e.off += n
	return b
}

// Align advances the cursor to the next multiple of n.
func (e *Encoder) Align(n int) {
	if rem := e.off % n; rem != 0 {
		e.reserve(n - rem)
	}
}

func (e *Encoder) PutU8(v uint8) {
	if b := e.reserve(1); b != nil {
		b[0] = v
	}
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutU8(1)
	} else {
		e.PutU8(0)
	}
}

func (e *Encoder) PutU16(v uint16) {
	if b := e.reserve(2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
	}
}

func (e *Encoder) PutU32(v uint32) {
	if b := e.reserve(4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}

func (e *Encoder) PutU64(v uint64) {
	if b := e.reserve(8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
}

func (e *Encoder) PutI32(v int32) {
	e.PutU32(uint32(v))
}

func (e *Encoder) PutI64(v int64) {
	e.PutU64(uint64(v))
}

func (e *Encoder) PutHandle(h kernel.Handle) {
	e.PutU64(uint64(h))
}

// Decoder unpacks values from a message data area.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a decoder over the message data area, positioned at
// offset.
func NewDecoder(data *[kernel.MessageDataSize]byte, offset int) *Decoder {
	return &Decoder{buf: data[:], off: offset}
}

// Err returns the first overrun encountered, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Offset returns the current cursor position.
func (d *Decoder) Offset() int {
	return d.off
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("message payload overrun: need %d bytes at offset %d", n, d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

// Align advances the cursor to the next multiple of n.
func (d *Decoder) Align(n int) {
	if rem := d.off % n; rem != 0 {
		d.take(n - rem)
	}
}

func (d *Decoder) U8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) Bool() bool {
	return d.U8() != 0
}

func (d *Decoder) U16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *Decoder) U32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) U64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) I32() int32 {
	return int32(d.U32())
}

func (d *Decoder) I64() int64 {
	return int64(d.U64())
}

func (d *Decoder) Handle() kernel.Handle {
	return kernel.Handle(d.U64())
}
