package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/kernel"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var data [kernel.MessageDataSize]byte

	e := NewEncoder(&data, 0)
	e.PutU16(0xBEEF)
	e.PutU8(7)
	e.Align(8)
	e.PutU64(0x1122334455667788)
	e.PutBool(true)
	e.Align(4)
	e.PutI32(-42)
	e.PutHandle(kernel.Handle(99))
	require.NoError(t, e.Err())

	d := NewDecoder(&data, 0)
	assert.Equal(t, uint16(0xBEEF), d.U16())
	assert.Equal(t, uint8(7), d.U8())
	d.Align(8)
	assert.Equal(t, uint64(0x1122334455667788), d.U64())
	assert.True(t, d.Bool())
	d.Align(4)
	assert.Equal(t, int32(-42), d.I32())
	assert.Equal(t, kernel.Handle(99), d.Handle())
	require.NoError(t, d.Err())
}

func TestEncoderOverflow(t *testing.T) {
	var data [kernel.MessageDataSize]byte

	e := NewEncoder(&data, 0)
	for i := 0; i < kernel.MessageDataSize/8; i++ {
		e.PutU64(uint64(i))
	}
	require.NoError(t, e.Err())

	e.PutU8(1)
	assert.Error(t, e.Err())
}

func TestDecoderOverrun(t *testing.T) {
	var data [kernel.MessageDataSize]byte

	d := NewDecoder(&data, kernel.MessageDataSize-4)
	d.U32()
	require.NoError(t, d.Err())
	d.U32()
	assert.Error(t, d.Err())
}

func TestLittleEndianLayout(t *testing.T) {
	var data [kernel.MessageDataSize]byte

	e := NewEncoder(&data, 0)
	e.PutU32(0x01020304)
	require.NoError(t, e.Err())

	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, data[:4])
}
