package local

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/kernel"
)

func TestMappingsNeverOverlap(t *testing.T) {
	k := NewKernel()
	task := k.Spawn("mapper")

	self, err := task.ProcessOpenSelf()
	require.NoError(t, err)

	type mapped struct{ addr, size uintptr }
	var placed []mapped

	for i := 0; i < 32; i++ {
		size := uintptr((i%4 + 1) * kernel.PageSize)
		addr, err := task.ProcessMMap(self, 0, size, kernel.PermNone, kernel.InvalidHandle, 0)
		require.NoError(t, err)
		assert.Zero(t, addr%kernel.PageSize)

		for _, m := range placed {
			disjoint := addr+size <= m.addr || m.addr+m.size <= addr
			assert.True(t, disjoint, "mapping [%#x,%#x) overlaps [%#x,%#x)", addr, addr+size, m.addr, m.addr+m.size)
		}
		placed = append(placed, mapped{addr: addr, size: size})
	}

	// An explicit address inside an existing mapping is rejected.
	_, err = task.ProcessMMap(self, placed[0].addr, kernel.PageSize, kernel.PermNone, kernel.InvalidHandle, 0)
	require.Error(t, err)
	assert.Equal(t, kernel.ErrInvalidArgument, kernel.CodeOf(err))
}

func TestPortNameDuplicateRejected(t *testing.T) {
	k := NewKernel()
	task := k.Spawn("a")

	_, _, err := task.IPCCreate("svc")
	require.NoError(t, err)

	_, _, err = task.IPCCreate("svc")
	require.Error(t, err)
	assert.Equal(t, kernel.ErrObjectNameDuplicate, kernel.CodeOf(err))
}

func TestSendMovesHandles(t *testing.T) {
	k := NewKernel()
	sender := k.Spawn("sender")
	receiver := k.Spawn("receiver")

	recvH, _, err := sender.IPCCreate("xfer")
	require.NoError(t, err)

	// The other process opens the port by name and passes a memory object
	// through it; on a successful send the handle moves.
	mobj, err := receiver.MemoryObjectCreate(100)
	require.NoError(t, err)

	remoteSend, err := receiver.IPCOpenByName("xfer")
	require.NoError(t, err)

	msg := &kernel.Message{}
	msg.Handles[2] = mobj
	require.NoError(t, receiver.IPCSend(remoteSend, msg))

	// The sending process's handle is gone.
	_, err = receiver.MemoryObjectSize(mobj)
	require.Error(t, err)

	got, err := sender.IPCReceive(recvH)
	require.NoError(t, err)
	require.True(t, got.Handles[2].Valid())

	size, err := sender.MemoryObjectSize(got.Handles[2])
	require.NoError(t, err)
	assert.Equal(t, uintptr(kernel.PageSize), size)
}

func TestSendFailureKeepsHandles(t *testing.T) {
	k := NewKernel()
	task := k.Spawn("p")

	_, sendH, err := task.IPCCreate("keep")
	require.NoError(t, err)

	mobj, err := task.MemoryObjectCreate(10)
	require.NoError(t, err)

	msg := &kernel.Message{}
	msg.Handles[0] = mobj
	msg.Handles[1] = kernel.Handle(0xDEAD) // not a real handle

	err = task.IPCSend(sendH, msg)
	require.Error(t, err)

	// The valid handle must still belong to the sender.
	_, err = task.MemoryObjectSize(mobj)
	assert.NoError(t, err)
}

func TestReceiveNotReady(t *testing.T) {
	k := NewKernel()
	task := k.Spawn("p")

	recvH, _, err := task.IPCCreate("empty")
	require.NoError(t, err)

	_, err = task.IPCReceive(recvH)
	require.Error(t, err)
	assert.Equal(t, kernel.ErrObjectNotReady, kernel.CodeOf(err))
}

func TestWaiterReadiness(t *testing.T) {
	k := NewKernel()
	task := k.Spawn("p")

	recvH, sendH, err := task.IPCCreate("w")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ready := make([]bool, 1)
		err := task.IPCWait([]kernel.Handle{recvH}, ready)
		assert.NoError(t, err)
		assert.True(t, ready[0])
	}()

	msg := &kernel.Message{}
	require.NoError(t, task.IPCSend(sendH, msg))
	<-done
}

func TestProcessTerminationEvent(t *testing.T) {
	k := NewKernel()
	watcher := k.Spawn("watcher")
	victim := k.Spawn("victim")

	listener, err := watcher.ListenerCreateProcess(kernel.ListenerFilterAll)
	require.NoError(t, err)

	// Drain creation events already queued.
	for {
		_, err := watcher.ListenerReceiveProcessEvent(listener)
		if err != nil {
			break
		}
	}

	vh, err := watcher.ProcessOpen(victim.Pid())
	require.NoError(t, err)
	require.NoError(t, watcher.ProcessKill(vh))

	ev, err := watcher.ListenerReceiveProcessEvent(listener)
	require.NoError(t, err)
	assert.Equal(t, kernel.ProcessEventTerminated, ev.Type)
	assert.Equal(t, victim.Pid(), ev.Pid)

	info, err := watcher.ProcessInfoQuery(vh)
	require.NoError(t, err)
	assert.True(t, info.Terminated)
}

func TestHandleDuplicateSharesObject(t *testing.T) {
	k := NewKernel()
	task := k.Spawn("p")

	mobj, err := task.MemoryObjectCreate(42)
	require.NoError(t, err)

	dup, err := task.HandleDuplicate(mobj)
	require.NoError(t, err)

	data, err := task.MemoryBytes(mobj, 0, 4)
	require.NoError(t, err)
	copy(data, "abcd")

	require.NoError(t, task.Close(mobj))

	// The clone still reaches the same bytes.
	data2, err := task.MemoryBytes(dup, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), data2)
}

func TestFutexWaitWake(t *testing.T) {
	k := NewKernel()
	task := k.Spawn("p")

	var word uint32 = 1

	woke := make(chan struct{})
	go func() {
		defer close(woke)
		// Value matches, so this parks until the wake.
		_ = task.FutexWait(&word, 1)
	}()

	// Wait with a non-matching value returns immediately.
	require.NoError(t, task.FutexWait(&word, 2))

	// Keep waking until the waiter has actually parked and returned.
	for {
		select {
		case <-woke:
			return
		default:
			require.NoError(t, task.FutexWake(&word, 1))
			runtime.Gosched()
		}
	}
}
