package ipc

import (
	"sync/atomic"

	"github.com/marmos91/helium/pkg/kernel"
)

// HandleGenerator allocates server-local handle values: a monotone counter
// that never returns zero (the reserved invalid handle). Handles are scoped
// to the owning server, so no cross-process coordination is needed.
type HandleGenerator struct {
	counter atomic.Uint64
}

// NewHandleGenerator creates a generator starting above the invalid handle.
func NewHandleGenerator() *HandleGenerator {
	return &HandleGenerator{}
}

// Generate returns the next handle value.
func (g *HandleGenerator) Generate() kernel.Handle {
	return kernel.Handle(g.counter.Add(1))
}
