package block

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/marmos91/helium/pkg/kobject"
)

// symBlockVersion is the current SymBlock format version.
const symBlockVersion = 1

const (
	symHeaderSize = 16 // version u32, entry count u32, strings offset u32, padded to 8
	symEntrySize  = 16 // address u64, string offset u32, string length u32
)

// Symbol is one address/name entry.
type Symbol struct {
	Address uint64
	Name    string
}

// encodeSym packs symbols into the wire layout: header, the fixed-size
// entry array sorted by address, then the string data region.
func encodeSym(symbols []Symbol) []byte {
	sorted := make([]Symbol, len(symbols))
	copy(sorted, symbols)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	stringsOffset := symHeaderSize + len(sorted)*symEntrySize
	size := stringsOffset
	for _, s := range sorted {
		size += len(s.Name)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], symBlockVersion)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(sorted)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(stringsOffset))

	strOff := stringsOffset
	for i, s := range sorted {
		entryOff := symHeaderSize + i*symEntrySize
		binary.LittleEndian.PutUint64(buf[entryOff:], s.Address)
		binary.LittleEndian.PutUint32(buf[entryOff+8:], uint32(strOff))
		binary.LittleEndian.PutUint32(buf[entryOff+12:], uint32(len(s.Name)))
		copy(buf[strOff:], s.Name)
		strOff += len(s.Name)
	}
	return buf
}

func decodeSym(data []byte) ([]Symbol, error) {
	if len(data) < symHeaderSize {
		return nil, fmt.Errorf("symblock: truncated header")
	}
	version := binary.LittleEndian.Uint32(data[0:])
	if version != symBlockVersion {
		return nil, &ErrUnknownVersion{Kind: "symblock", Version: version}
	}
	count := int(binary.LittleEndian.Uint32(data[4:]))

	if symHeaderSize+count*symEntrySize > len(data) {
		return nil, fmt.Errorf("symblock: entry array overruns block")
	}

	symbols := make([]Symbol, 0, count)
	for i := 0; i < count; i++ {
		entryOff := symHeaderSize + i*symEntrySize
		addr := binary.LittleEndian.Uint64(data[entryOff:])
		strOff := int(binary.LittleEndian.Uint32(data[entryOff+8:]))
		strLen := int(binary.LittleEndian.Uint32(data[entryOff+12:]))
		if strOff+strLen > len(data) {
			return nil, fmt.Errorf("symblock: string of entry %d overruns block", i)
		}
		symbols = append(symbols, Symbol{Address: addr, Name: string(data[strOff : strOff+strLen])})
	}
	return symbols, nil
}

// SymBlock is a loaded symbol blob backed by a memory object.
type SymBlock struct {
	mobj    *kobject.MemoryObject
	symbols []Symbol // sorted by address
}

// BuildSym serializes symbols into a fresh memory object, sorting by
// address so lookups can binary-search.
func BuildSym(rt *kobject.Runtime, symbols []Symbol) (*kobject.MemoryObject, error) {
	data := encodeSym(symbols)

	mobj, err := rt.CreateMemoryObject(uintptr(len(data)))
	if err != nil {
		return nil, fmt.Errorf("symblock: create object: %w", err)
	}
	if err := writeToObject(rt, mobj, data); err != nil {
		mobj.Close()
		return nil, err
	}
	return mobj, nil
}

// LoadSym maps the memory object and parses it, refusing unknown versions.
// The block keeps ownership of the object.
func LoadSym(rt *kobject.Runtime, mobj *kobject.MemoryObject) (*SymBlock, error) {
	data, done, err := readObject(rt, mobj)
	if err != nil {
		return nil, err
	}
	defer done()

	symbols, err := decodeSym(data)
	if err != nil {
		return nil, err
	}
	return &SymBlock{mobj: mobj, symbols: symbols}, nil
}

// Len returns the number of entries.
func (b *SymBlock) Len() int {
	return len(b.symbols)
}

// Symbols returns the entries in address order.
func (b *SymBlock) Symbols() []Symbol {
	return b.symbols
}

// Lookup returns the entry with the greatest address <= addr. It misses
// only when the block is empty or addr is below the smallest entry.
func (b *SymBlock) Lookup(addr uint64) (Symbol, bool) {
	// First index whose address is > addr; the answer precedes it.
	idx := sort.Search(len(b.symbols), func(i int) bool { return b.symbols[i].Address > addr })
	if idx == 0 {
		return Symbol{}, false
	}
	return b.symbols[idx-1], true
}

// MemoryObject returns the backing object without transferring ownership.
func (b *SymBlock) MemoryObject() *kobject.MemoryObject {
	return b.mobj
}

// Close releases the backing object.
func (b *SymBlock) Close() error {
	if b.mobj != nil {
		err := b.mobj.Close()
		b.mobj = nil
		return err
	}
	return nil
}
