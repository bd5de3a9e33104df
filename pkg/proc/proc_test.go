package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/block"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kernel/local"
	"github.com/marmos91/helium/pkg/kobject"
)

// bootServer starts the process server on a fresh kernel and returns the
// kernel plus a client bound to a separate process.
func bootServer(t *testing.T) (*local.Kernel, *Client, *kobject.Runtime) {
	t.Helper()

	k := local.NewKernel()
	k.Spawn("init")
	k.Spawn("idle")

	server, err := NewServer(kobject.NewRuntime(k.Spawn("process-server")), &FlatLoader{})
	require.NoError(t, err)
	go func() { _ = server.Run() }()
	t.Cleanup(server.Shutdown)

	appRT := kobject.NewRuntime(k.Spawn("app"))
	return k, NewClient(appRT), appRT
}

func TestListProcessesBootstrap(t *testing.T) {
	_, client, _ := bootServer(t)

	entries, err := client.ListProcesses()
	require.NoError(t, err)

	names := make(map[uint64]string, len(entries))
	for _, e := range entries {
		names[e.Pid] = e.Name
	}
	assert.Equal(t, "init", names[1])
	assert.Equal(t, "idle", names[2])
	assert.Contains(t, mapValues(names), "process-server")
}

func mapValues(m map[uint64]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func TestCreateProcessLifecycle(t *testing.T) {
	k, client, appRT := bootServer(t)

	env := []block.KVPair{{Key: "MODE", Value: "test"}}
	args := []block.KVPair{{Key: "0", Value: "child"}}

	handle, pid, err := client.CreateProcess("child", []byte{0x90, 0x90}, env, args)
	require.NoError(t, err)
	require.True(t, handle.Valid())

	status, err := client.GetProcessStatus(handle)
	require.NoError(t, err)
	assert.True(t, status.Running)

	name, err := client.GetProcessName(handle)
	require.NoError(t, err)
	assert.Equal(t, "child", name)

	gotEnv, err := client.GetProcessEnv(handle)
	require.NoError(t, err)
	assert.Equal(t, env, gotEnv)

	gotArgs, err := client.GetProcessArgs(handle)
	require.NoError(t, err)
	assert.Equal(t, args, gotArgs)

	// The child fetches its startup bundle through its own syscall view.
	childClient := NewClient(kobject.NewRuntime(k.Task(pid)))
	info, err := childClient.GetStartupInfo()
	require.NoError(t, err)
	assert.Equal(t, "child", info.Name)
	assert.Equal(t, env, info.Env.Pairs())
	assert.Equal(t, args, info.Args.Pairs())
	require.NotNil(t, info.Symbols)
	sym, ok := info.Symbols.Lookup(uint64(DefaultFlatBase) + 1)
	require.True(t, ok)
	assert.Equal(t, "_start", sym.Name)

	// Register for termination, then let the child exit with a code.
	receiver, sender, err := appRT.CreatePort("")
	require.NoError(t, err)

	reg, err := client.RegisterTerminationNotification(handle, 0xC0FFEE, sender)
	require.NoError(t, err)
	assert.True(t, reg.Valid())

	require.NoError(t, childClient.SetExitCode(42))
	require.NoError(t, k.Task(pid).ProcessExit(42))

	msg, err := receiver.BlockingReceive()
	require.NoError(t, err)
	note := DecodeTerminationNotification(msg)
	assert.Equal(t, uint64(0xC0FFEE), note.Correlation)

	// Exactly once: nothing further arrives (the server dropped its
	// sender after firing, so the port reports closed).
	_, err = receiver.Receive()
	require.Error(t, err)
	assert.NotZero(t, kernel.CodeOf(err))

	status, err = client.GetProcessStatus(handle)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, int32(42), status.ExitCode)

	require.NoError(t, client.CloseProcess(handle))
}

func TestRegisterOnDeadProcessFiresImmediately(t *testing.T) {
	k, client, appRT := bootServer(t)

	handle, pid, err := client.CreateProcess("doomed", []byte{1}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, k.Task(pid).ProcessExit(0))

	// Give the server's termination listener a moment to drain the event.
	waitFor(t, func() bool {
		status, serr := client.GetProcessStatus(handle)
		return serr == nil && !status.Running
	})

	receiver, sender, err := appRT.CreatePort("")
	require.NoError(t, err)

	_, err = client.RegisterTerminationNotification(handle, 7, sender)
	require.NoError(t, err)

	msg, err := receiver.BlockingReceive()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), DecodeTerminationNotification(msg).Correlation)
}

func TestUnregisterNotification(t *testing.T) {
	k, client, appRT := bootServer(t)

	handle, pid, err := client.CreateProcess("quiet", []byte{1}, nil, nil)
	require.NoError(t, err)

	receiver, sender, err := appRT.CreatePort("")
	require.NoError(t, err)

	reg, err := client.RegisterTerminationNotification(handle, 99, sender)
	require.NoError(t, err)

	require.NoError(t, client.UnregisterTerminationNotification(reg))

	// Unregistering twice fails.
	err = client.UnregisterTerminationNotification(reg)
	require.Error(t, err)

	require.NoError(t, k.Task(pid).ProcessExit(0))
	waitFor(t, func() bool {
		status, serr := client.GetProcessStatus(handle)
		return serr == nil && !status.Running
	})

	// No notification was delivered; the unregistered sender was dropped.
	_, rerr := receiver.Receive()
	require.Error(t, rerr)
	assert.NotZero(t, kernel.CodeOf(rerr))
}

func TestTerminateProcess(t *testing.T) {
	_, client, _ := bootServer(t)

	handle, _, err := client.CreateProcess("victim", []byte{1}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, client.TerminateProcess(handle))

	waitFor(t, func() bool {
		status, serr := client.GetProcessStatus(handle)
		return serr == nil && !status.Running
	})

	status, err := client.GetProcessStatus(handle)
	require.NoError(t, err)
	assert.Equal(t, ExitCodeKilled, status.ExitCode)

	// Killing it again reports it is gone.
	err = client.TerminateProcess(handle)
	code, ok := ErrorFromReply(err)
	require.True(t, ok)
	assert.Equal(t, ErrProcessNotRunning, code)
}

func TestSetExitCodeValidation(t *testing.T) {
	k, client, _ := bootServer(t)

	_, pid, err := client.CreateProcess("coder", []byte{1}, nil, nil)
	require.NoError(t, err)

	childClient := NewClient(kobject.NewRuntime(k.Task(pid)))

	// Reserved values are rejected.
	err = childClient.SetExitCode(ExitCodeUnset)
	code, ok := ErrorFromReply(err)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidArgument, code)

	err = childClient.SetExitCode(ExitCodeKilled)
	_, ok = ErrorFromReply(err)
	assert.True(t, ok)

	// The boundary value and normal codes are fine.
	require.NoError(t, childClient.SetExitCode(ExitCodeReservedMin))
	require.NoError(t, childClient.SetExitCode(0))
	require.NoError(t, childClient.SetExitCode(7))
}

func TestUpdateNameAndEnv(t *testing.T) {
	k, client, _ := bootServer(t)

	handle, pid, err := client.CreateProcess("before", []byte{1}, nil, nil)
	require.NoError(t, err)

	childClient := NewClient(kobject.NewRuntime(k.Task(pid)))

	require.NoError(t, childClient.UpdateName("after"))
	name, err := client.GetProcessName(handle)
	require.NoError(t, err)
	assert.Equal(t, "after", name)

	newEnv := []block.KVPair{{Key: "X", Value: "1"}, {Key: "Y", Value: "2"}}
	require.NoError(t, childClient.UpdateEnv(newEnv))
	gotEnv, err := client.GetProcessEnv(handle)
	require.NoError(t, err)
	assert.Equal(t, newEnv, gotEnv)
}

func TestOpenProcessByPid(t *testing.T) {
	_, client, _ := bootServer(t)

	_, pid, err := client.CreateProcess("target", []byte{1}, nil, nil)
	require.NoError(t, err)

	h2, err := client.OpenProcess(pid)
	require.NoError(t, err)

	name, err := client.GetProcessName(h2)
	require.NoError(t, err)
	assert.Equal(t, "target", name)

	require.NoError(t, client.CloseProcess(h2))

	// A closed handle no longer resolves.
	_, err = client.GetProcessName(h2)
	code, ok := ErrorFromReply(err)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidArgument, code)

	// Unknown pids are NotFound.
	_, err = client.OpenProcess(99999)
	code, ok = ErrorFromReply(err)
	require.True(t, ok)
	assert.Equal(t, ErrNotFound, code)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
