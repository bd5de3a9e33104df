// Package block implements the two self-describing immutable blobs passed
// between processes inside memory objects: KVBlock (ordered key/value
// string pairs, used for environments and argument lists) and SymBlock
// (address-sorted symbol entries for binary-search lookup). Both carry a
// versioned header; readers refuse versions they do not know.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kobject"
)

// kvBlockVersion is the current KVBlock format version.
const kvBlockVersion = 1

const (
	kvHeaderSize = 8 // version u32, entry count u32
	kvEntrySize  = 8 // key length u32, value length u32
	kvEntryAlign = 4
)

// KVPair is one key/value entry.
type KVPair struct {
	Key   string
	Value string
}

// ErrUnknownVersion is returned when loading a blob with a version this
// reader does not understand.
type ErrUnknownVersion struct {
	Kind    string
	Version uint32
}

func (e *ErrUnknownVersion) Error() string {
	return fmt.Sprintf("%s: unknown version %d", e.Kind, e.Version)
}

func alignTo(v, n int) int {
	return (v + n - 1) / n * n
}

// encodeKV packs pairs into the wire layout: header, then each entry's
// length pair followed by the inline key and value bytes, padded to entry
// alignment.
func encodeKV(pairs []KVPair) []byte {
	size := kvHeaderSize
	for _, p := range pairs {
		size = alignTo(size+kvEntrySize+len(p.Key)+len(p.Value), kvEntryAlign)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], kvBlockVersion)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(pairs)))

	off := kvHeaderSize
	for _, p := range pairs {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.Key)))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(p.Value)))
		copy(buf[off+kvEntrySize:], p.Key)
		copy(buf[off+kvEntrySize+len(p.Key):], p.Value)
		off = alignTo(off+kvEntrySize+len(p.Key)+len(p.Value), kvEntryAlign)
	}
	return buf
}

func decodeKV(data []byte) ([]KVPair, error) {
	if len(data) < kvHeaderSize {
		return nil, fmt.Errorf("kvblock: truncated header")
	}
	version := binary.LittleEndian.Uint32(data[0:])
	if version != kvBlockVersion {
		return nil, &ErrUnknownVersion{Kind: "kvblock", Version: version}
	}
	count := binary.LittleEndian.Uint32(data[4:])

	pairs := make([]KVPair, 0, count)
	off := kvHeaderSize
	for i := uint32(0); i < count; i++ {
		if off+kvEntrySize > len(data) {
			return nil, fmt.Errorf("kvblock: truncated entry %d", i)
		}
		keyLen := int(binary.LittleEndian.Uint32(data[off:]))
		valueLen := int(binary.LittleEndian.Uint32(data[off+4:]))
		if off+kvEntrySize+keyLen+valueLen > len(data) {
			return nil, fmt.Errorf("kvblock: entry %d overruns block", i)
		}
		pairs = append(pairs, KVPair{
			Key:   string(data[off+kvEntrySize : off+kvEntrySize+keyLen]),
			Value: string(data[off+kvEntrySize+keyLen : off+kvEntrySize+keyLen+valueLen]),
		})
		off = alignTo(off+kvEntrySize+keyLen+valueLen, kvEntryAlign)
	}
	return pairs, nil
}

// KVBlock is a loaded key/value blob backed by a memory object.
type KVBlock struct {
	mobj  *kobject.MemoryObject
	pairs []KVPair
}

// BuildKV serializes pairs into a fresh memory object.
func BuildKV(rt *kobject.Runtime, pairs []KVPair) (*kobject.MemoryObject, error) {
	data := encodeKV(pairs)

	mobj, err := rt.CreateMemoryObject(uintptr(len(data)))
	if err != nil {
		return nil, fmt.Errorf("kvblock: create object: %w", err)
	}
	if err := writeToObject(rt, mobj, data); err != nil {
		mobj.Close()
		return nil, err
	}
	return mobj, nil
}

// LoadKV maps the memory object and parses it, refusing unknown versions.
// The block keeps ownership of the object.
func LoadKV(rt *kobject.Runtime, mobj *kobject.MemoryObject) (*KVBlock, error) {
	data, done, err := readObject(rt, mobj)
	if err != nil {
		return nil, err
	}
	defer done()

	pairs, err := decodeKV(data)
	if err != nil {
		return nil, err
	}
	return &KVBlock{mobj: mobj, pairs: pairs}, nil
}

// Len returns the number of entries.
func (b *KVBlock) Len() int {
	return len(b.pairs)
}

// Pairs returns the entries in build order.
func (b *KVBlock) Pairs() []KVPair {
	return b.pairs
}

// Get returns the value for key, scanning in order.
func (b *KVBlock) Get(key string) (string, bool) {
	for _, p := range b.pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// MemoryObject returns the backing object without transferring ownership.
func (b *KVBlock) MemoryObject() *kobject.MemoryObject {
	return b.mobj
}

// Close releases the backing object.
func (b *KVBlock) Close() error {
	if b.mobj != nil {
		err := b.mobj.Close()
		b.mobj = nil
		return err
	}
	return nil
}

// writeToObject maps the object briefly and copies data into it.
func writeToObject(rt *kobject.Runtime, mobj *kobject.MemoryObject, data []byte) error {
	self, err := rt.CurrentProcess()
	if err != nil {
		return err
	}
	size, err := mobj.Size()
	if err != nil {
		return err
	}
	mapping, err := self.MapMem(0, size, kernel.PermRead|kernel.PermWrite, mobj, 0)
	if err != nil {
		return err
	}
	defer mapping.Close()

	bytes, err := mapping.Bytes()
	if err != nil {
		return err
	}
	copy(bytes, data)
	return nil
}

// readObject maps the object read-only; done unmaps.
func readObject(rt *kobject.Runtime, mobj *kobject.MemoryObject) ([]byte, func(), error) {
	self, err := rt.CurrentProcess()
	if err != nil {
		return nil, nil, err
	}
	size, err := mobj.Size()
	if err != nil {
		return nil, nil, err
	}
	mapping, err := self.MapMem(0, size, kernel.PermRead, mobj, 0)
	if err != nil {
		return nil, nil, err
	}
	bytes, err := mapping.Bytes()
	if err != nil {
		mapping.Close()
		return nil, nil, err
	}
	return bytes, func() { mapping.Close() }, nil
}
