package vfs

import (
	"encoding/binary"
	"fmt"
)

// Mount listing layout inside the result object: per row, mount-point
// length u32, fs-name length u32, both strings inline, padded to 4.

func mountRowSize(info MountInfo) int {
	return (8 + len(info.MountPoint) + len(info.FsName) + 3) &^ 3
}

// EncodeMountList packs rows into buf; ok is false when they do not fit.
func EncodeMountList(rows []MountInfo, buf []byte) (bytesUsed int, ok bool) {
	off := 0
	for _, row := range rows {
		need := mountRowSize(row)
		if off+need > len(buf) {
			return 0, false
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(row.MountPoint)))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(row.FsName)))
		copy(buf[off+8:], row.MountPoint)
		copy(buf[off+8+len(row.MountPoint):], row.FsName)
		off += need
	}
	return off, true
}

// DecodeMountList unpacks count rows from buf.
func DecodeMountList(buf []byte, count uint32) ([]MountInfo, error) {
	rows := make([]MountInfo, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if off+8 > len(buf) {
			return nil, fmt.Errorf("mount listing: truncated row %d", i)
		}
		mpLen := int(binary.LittleEndian.Uint32(buf[off:]))
		fsLen := int(binary.LittleEndian.Uint32(buf[off+4:]))
		if off+8+mpLen+fsLen > len(buf) {
			return nil, fmt.Errorf("mount listing: row %d overruns", i)
		}
		row := MountInfo{
			MountPoint: string(buf[off+8 : off+8+mpLen]),
			FsName:     string(buf[off+8+mpLen : off+8+mpLen+fsLen]),
		}
		rows = append(rows, row)
		off += mountRowSize(row)
	}
	return rows, nil
}
