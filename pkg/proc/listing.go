package proc

import (
	"encoding/binary"
	"fmt"
)

// ProcessEntry is one row of a ListProcesses snapshot.
type ProcessEntry struct {
	Pid      uint64
	Creator  uint64
	Running  bool
	ExitCode int32
	Name     string
}

// The listing layout inside the result object: count u32, then per entry
// pid u64, creator u64, exit code i32, running u8, name length u32, name
// bytes, padded to 8.

const listingHeaderSize = 8

func listingEntrySize(name string) int {
	return alignTo8(8 + 8 + 4 + 1 + 3 + 4 + len(name))
}

func alignTo8(v int) int {
	return (v + 7) &^ 7
}

// EncodeProcessList packs entries into the listing layout.
func EncodeProcessList(entries []ProcessEntry) []byte {
	size := listingHeaderSize
	for _, e := range entries {
		size += listingEntrySize(e.Name)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(entries)))

	off := listingHeaderSize
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], e.Pid)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Creator)
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(e.ExitCode))
		if e.Running {
			buf[off+20] = 1
		}
		binary.LittleEndian.PutUint32(buf[off+24:], uint32(len(e.Name)))
		copy(buf[off+28:], e.Name)
		off += listingEntrySize(e.Name)
	}
	return buf
}

// DecodeProcessList unpacks a listing previously built by
// EncodeProcessList.
func DecodeProcessList(data []byte) ([]ProcessEntry, error) {
	if len(data) < listingHeaderSize {
		return nil, fmt.Errorf("process listing: truncated header")
	}
	count := binary.LittleEndian.Uint32(data[0:])

	entries := make([]ProcessEntry, 0, count)
	off := listingHeaderSize
	for i := uint32(0); i < count; i++ {
		if off+28 > len(data) {
			return nil, fmt.Errorf("process listing: truncated entry %d", i)
		}
		var e ProcessEntry
		e.Pid = binary.LittleEndian.Uint64(data[off:])
		e.Creator = binary.LittleEndian.Uint64(data[off+8:])
		e.ExitCode = int32(binary.LittleEndian.Uint32(data[off+16:]))
		e.Running = data[off+20] != 0
		nameLen := int(binary.LittleEndian.Uint32(data[off+24:]))
		if off+28+nameLen > len(data) {
			return nil, fmt.Errorf("process listing: entry %d name overruns", i)
		}
		e.Name = string(data[off+28 : off+28+nameLen])
		entries = append(entries, e)
		off += listingEntrySize(e.Name)
	}
	return entries, nil
}
