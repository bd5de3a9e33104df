package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/kernel/local"
	"github.com/marmos91/helium/pkg/kobject"
)

func testRuntime(t *testing.T) *kobject.Runtime {
	t.Helper()
	return kobject.NewRuntime(local.NewKernel().Spawn("block-test"))
}

func TestKVBlockRoundTrip(t *testing.T) {
	rt := testRuntime(t)

	pairs := []KVPair{
		{Key: "k1", Value: "v1"},
		{Key: "k2", Value: "v2"},
		{Key: "PATH", Value: "/bin:/usr/bin"},
		{Key: "empty", Value: ""},
	}

	mobj, err := BuildKV(rt, pairs)
	require.NoError(t, err)

	kv, err := LoadKV(rt, mobj)
	require.NoError(t, err)

	assert.Equal(t, len(pairs), kv.Len())
	assert.Equal(t, pairs, kv.Pairs())

	v, ok := kv.Get("k2")
	require.True(t, ok)
	assert.Equal(t, "v2", v)

	_, ok = kv.Get("missing")
	assert.False(t, ok)
}

func TestKVBlockEmpty(t *testing.T) {
	rt := testRuntime(t)

	mobj, err := BuildKV(rt, nil)
	require.NoError(t, err)

	kv, err := LoadKV(rt, mobj)
	require.NoError(t, err)
	assert.Zero(t, kv.Len())
	assert.Empty(t, kv.Pairs())
}

func TestKVBlockOrderPreserved(t *testing.T) {
	pairs := []KVPair{
		{Key: "z", Value: "1"},
		{Key: "a", Value: "2"},
		{Key: "m", Value: "3"},
	}

	decoded, err := decodeKV(encodeKV(pairs))
	require.NoError(t, err)
	assert.Equal(t, pairs, decoded)
}

func TestKVBlockRefusesUnknownVersion(t *testing.T) {
	data := encodeKV([]KVPair{{Key: "a", Value: "b"}})
	data[0] = 99 // bump version field

	_, err := decodeKV(data)
	require.Error(t, err)
	var unknown *ErrUnknownVersion
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, uint32(99), unknown.Version)
}

func TestSymBlockLookup(t *testing.T) {
	rt := testRuntime(t)

	symbols := []Symbol{
		{Address: 0x1000, Name: "start"},
		{Address: 0x2000, Name: "middle"},
		{Address: 0x3000, Name: "end"},
	}

	mobj, err := BuildSym(rt, symbols)
	require.NoError(t, err)

	sym, err := LoadSym(rt, mobj)
	require.NoError(t, err)
	require.Equal(t, 3, sym.Len())

	// Exact hit.
	got, ok := sym.Lookup(0x2000)
	require.True(t, ok)
	assert.Equal(t, "middle", got.Name)

	// Between entries: greatest address <= target.
	got, ok = sym.Lookup(0x2FFF)
	require.True(t, ok)
	assert.Equal(t, "middle", got.Name)

	// Above the maximum resolves to the last entry.
	got, ok = sym.Lookup(0xFFFF)
	require.True(t, ok)
	assert.Equal(t, "end", got.Name)

	// Below the minimum misses.
	_, ok = sym.Lookup(0xFFF)
	assert.False(t, ok)
}

func TestSymBlockEmpty(t *testing.T) {
	rt := testRuntime(t)

	mobj, err := BuildSym(rt, nil)
	require.NoError(t, err)

	sym, err := LoadSym(rt, mobj)
	require.NoError(t, err)
	assert.Zero(t, sym.Len())

	_, ok := sym.Lookup(0x1000)
	assert.False(t, ok)
}

func TestSymBlockSortsInput(t *testing.T) {
	decoded, err := decodeSym(encodeSym([]Symbol{
		{Address: 0x30, Name: "c"},
		{Address: 0x10, Name: "a"},
		{Address: 0x20, Name: "b"},
	}))
	require.NoError(t, err)

	require.Len(t, decoded, 3)
	assert.Equal(t, "a", decoded[0].Name)
	assert.Equal(t, "b", decoded[1].Name)
	assert.Equal(t, "c", decoded[2].Name)
}

func TestSymBlockRefusesUnknownVersion(t *testing.T) {
	data := encodeSym([]Symbol{{Address: 1, Name: "x"}})
	data[0] = 7

	_, err := decodeSym(data)
	require.Error(t, err)
	var unknown *ErrUnknownVersion
	require.ErrorAs(t, err, &unknown)
}
