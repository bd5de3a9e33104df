package kobject

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kernel/local"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	return NewRuntime(local.NewKernel().Spawn("kobject-test"))
}

func TestMemoryObjectLifecycle(t *testing.T) {
	rt := testRuntime(t)

	mobj, err := rt.CreateMemoryObject(100)
	require.NoError(t, err)

	size, err := mobj.Size()
	require.NoError(t, err)
	assert.Equal(t, uintptr(kernel.PageSize), size)

	clone, err := mobj.Clone()
	require.NoError(t, err)

	self, err := rt.CurrentProcess()
	require.NoError(t, err)

	mapping, err := self.MapMem(0, size, kernel.PermRead|kernel.PermWrite, mobj, 0)
	require.NoError(t, err)

	bytes, err := mapping.Bytes()
	require.NoError(t, err)
	copy(bytes, "shared")
	require.NoError(t, mapping.Close())

	// The clone sees the write through its own mapping.
	cloneMapping, err := self.MapMem(0, size, kernel.PermRead, clone, 0)
	require.NoError(t, err)
	cloneBytes, err := cloneMapping.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), cloneBytes[:6])
	require.NoError(t, cloneMapping.Close())

	require.NoError(t, mobj.Close())
	require.NoError(t, clone.Close())
}

func TestMappingLeak(t *testing.T) {
	rt := testRuntime(t)

	self, err := rt.CurrentProcess()
	require.NoError(t, err)

	before, err := self.Info()
	require.NoError(t, err)

	mapping, err := self.MapReserve(0, 2*kernel.PageSize)
	require.NoError(t, err)
	mapping.Leak()
	require.NoError(t, mapping.Close()) // no-op after Leak

	after, err := self.Info()
	require.NoError(t, err)
	assert.Equal(t, before.MappingCount+1, after.MappingCount)
}

func TestStartThreadReclaimsOnExit(t *testing.T) {
	rt := testRuntime(t)

	self, err := rt.CurrentProcess()
	require.NoError(t, err)
	before, err := self.Info()
	require.NoError(t, err)

	done := make(chan struct{})
	thread, err := rt.StartThread(func() {
		close(done)
	}, ThreadStartOptions{Name: "worker"})
	require.NoError(t, err)
	assert.NotZero(t, thread.Tid())

	<-done

	// The thread-gc reclaims the stack and TLS regions (three mappings
	// each, plus their objects) once the termination event lands.
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := self.Info()
		require.NoError(t, err)
		if info.MappingCount == before.MappingCount {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mappings not reclaimed: before=%d now=%d", before.MappingCount, info.MappingCount)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPortNameLifetime(t *testing.T) {
	rt := testRuntime(t)

	receiver, sender, err := rt.CreatePort("short-lived")
	require.NoError(t, err)

	opened, err := rt.OpenPort("short-lived")
	require.NoError(t, err)
	require.NoError(t, opened.Close())

	// Dropping the last sender frees the name even though the receiver
	// remains.
	require.NoError(t, sender.Close())
	_, err = rt.OpenPort("short-lived")
	require.Error(t, err)

	require.NoError(t, receiver.Close())
}
