package kernel

// MemoryAccessor is implemented by Syscalls providers that expose mapped
// memory-object contents to hosted Go code. On real hardware a mapping is
// accessed through its virtual address and the implementation returns a
// slice over that address; the in-process kernel returns the backing slice
// directly. The slice aliases the object: writes through it are visible to
// every process that has the object mapped.
type MemoryAccessor interface {
	MemoryBytes(mobj Handle, offset, length uintptr) ([]byte, error)
}
