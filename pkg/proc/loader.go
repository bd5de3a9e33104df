package proc

import (
	"fmt"

	"github.com/marmos91/helium/pkg/block"
	"github.com/marmos91/helium/pkg/kernel"
)

// Segment is one loadable region of a parsed binary.
type Segment struct {
	Addr  uintptr
	Perms kernel.Permissions
	Data  []byte
}

// Image is the result of parsing a binary: the segments to map, the entry
// point, and the symbols recovered for the child's symbol block.
type Image struct {
	Segments []Segment
	Entry    uintptr
	Symbols  []block.Symbol
}

// Loader parses an executable into an Image. The ELF implementation lives
// with the dynamic linker outside this repository; the hosted runtime uses
// FlatLoader.
type Loader interface {
	Load(binary []byte) (*Image, error)
}

// FlatLoader treats the whole binary as one RX segment at a fixed base.
// It keeps the hosted single-binary mode and the tests independent of the
// external ELF loader.
type FlatLoader struct {
	Base uintptr
}

// DefaultFlatBase is where FlatLoader places the image unless configured.
const DefaultFlatBase uintptr = 0x400000

// Load implements Loader.
func (l *FlatLoader) Load(binary []byte) (*Image, error) {
	if len(binary) == 0 {
		return nil, fmt.Errorf("empty binary")
	}
	base := l.Base
	if base == 0 {
		base = DefaultFlatBase
	}
	return &Image{
		Segments: []Segment{{
			Addr:  base,
			Perms: kernel.PermRead | kernel.PermExec,
			Data:  binary,
		}},
		Entry: base,
		Symbols: []block.Symbol{
			{Address: uint64(base), Name: "_start"},
		},
	}, nil
}
