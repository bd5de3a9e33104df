package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/helium/pkg/ipc/wire"
	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/kernel/local"
	"github.com/marmos91/helium/pkg/kobject"
)

const (
	testPort    = "echo-server"
	testVersion = uint16(3)

	typeEcho    uint16 = 1
	typeFail    uint16 = 2
	typeShout   uint16 = 3
	typePassObj uint16 = 4
)

type echoParams struct {
	Value uint64
}

func (p echoParams) MarshalWire(e *wire.Encoder)    { e.PutU64(p.Value) }
func (p *echoParams) UnmarshalWire(d *wire.Decoder) { p.Value = d.U64() }

type testError uint64

func (e testError) Error() string          { return "test error" }
func (e testError) ReplyErrorCode() uint64 { return uint64(e) }

func startEchoServer(t *testing.T, k *local.Kernel) *Server {
	t.Helper()
	rt := kobject.NewRuntime(k.Spawn("echo"))

	builder := NewServerBuilder(rt, testPort, testVersion)
	builder.Handle(typeEcho, func(req *Request) (*Reply, error) {
		var params echoParams
		params.UnmarshalWire(req.Decoder())
		return &Reply{Content: echoParams{Value: params.Value}}, nil
	})
	builder.Handle(typeFail, func(req *Request) (*Reply, error) {
		return nil, testError(17)
	})
	builder.Handle(typeShout, func(req *Request) (*Reply, error) {
		var params echoParams
		params.UnmarshalWire(req.Decoder())
		return &Reply{Content: echoParams{Value: params.Value * 10}}, nil
	})
	builder.Handle(typePassObj, func(req *Request) (*Reply, error) {
		// Bounce the received object straight back.
		reply := &Reply{Content: Empty{}}
		reply.Handles[0] = req.TakeHandle(1)
		return reply, nil
	})

	server, err := builder.Build()
	require.NoError(t, err)

	go func() {
		if err := server.Run(); err != nil {
			t.Errorf("echo server: %v", err)
		}
	}()
	t.Cleanup(server.Shutdown)
	return server
}

func TestClientServerRoundTrip(t *testing.T) {
	k := local.NewKernel()
	startEchoServer(t, k)

	clientRT := kobject.NewRuntime(k.Spawn("client"))
	client := NewClient(clientRT, testPort, testVersion)

	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	dec, _, err := client.Call(typeEcho, echoParams{Value: 424242}, noHandles)
	require.NoError(t, err)

	var reply echoParams
	reply.UnmarshalWire(dec)
	assert.Equal(t, uint64(424242), reply.Value)

	// A second call on the same client reuses the cached port.
	dec, _, err = client.Call(typeShout, echoParams{Value: 7}, noHandles)
	require.NoError(t, err)
	reply.UnmarshalWire(dec)
	assert.Equal(t, uint64(70), reply.Value)
}

func TestClientReplyError(t *testing.T) {
	k := local.NewKernel()
	startEchoServer(t, k)

	client := NewClient(kobject.NewRuntime(k.Spawn("client")), testPort, testVersion)

	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := client.Call(typeFail, Empty{}, noHandles)
	require.Error(t, err)

	code, ok := ReplyCodeOf(err)
	require.True(t, ok, "expected a reply error, got %v", err)
	assert.Equal(t, uint64(17), code)
}

func TestClientUnknownPort(t *testing.T) {
	k := local.NewKernel()
	client := NewClient(kobject.NewRuntime(k.Spawn("client")), "nobody-home", 1)

	var noHandles [kernel.MessageHandleSlots]kernel.Handle
	_, _, err := client.Call(typeEcho, Empty{}, noHandles)
	require.Error(t, err)

	var terr *TransportError
	assert.ErrorAs(t, err, &terr)
}

func TestCallMovesHandlesBothWays(t *testing.T) {
	k := local.NewKernel()
	startEchoServer(t, k)

	rt := kobject.NewRuntime(k.Spawn("client"))
	client := NewClient(rt, testPort, testVersion)

	mobj, err := rt.CreateMemoryObject(64)
	require.NoError(t, err)

	var handles [kernel.MessageHandleSlots]kernel.Handle
	handles[1] = mobj.IntoHandle()

	_, replyHandles, err := client.Call(typePassObj, Empty{}, handles)
	require.NoError(t, err)
	require.True(t, replyHandles[0].Valid())

	// The bounced handle is usable by the client again.
	bounced, err := rt.MemoryObjectFromHandle(replyHandles[0])
	require.NoError(t, err)
	size, err := bounced.Size()
	require.NoError(t, err)
	assert.Equal(t, uintptr(kernel.PageSize), size)
}

func TestConcurrentCalls(t *testing.T) {
	k := local.NewKernel()
	startEchoServer(t, k)

	rt := kobject.NewRuntime(k.Spawn("client"))
	client := NewClient(rt, testPort, testVersion)

	const calls = 20
	results := make(chan uint64, calls)
	for i := 0; i < calls; i++ {
		go func(v uint64) {
			var noHandles [kernel.MessageHandleSlots]kernel.Handle
			dec, _, err := client.Call(typeEcho, echoParams{Value: v}, noHandles)
			if err != nil {
				results <- 0
				return
			}
			var reply echoParams
			reply.UnmarshalWire(dec)
			results <- reply.Value
		}(uint64(i + 1))
	}

	sum := uint64(0)
	deadline := time.After(10 * time.Second)
	for i := 0; i < calls; i++ {
		select {
		case v := <-results:
			sum += v
		case <-deadline:
			t.Fatal("calls did not complete")
		}
	}
	assert.Equal(t, uint64(calls*(calls+1)/2), sum)
}

func TestBufferViewRejectsOversizedDescriptor(t *testing.T) {
	k := local.NewKernel()
	rt := kobject.NewRuntime(k.Spawn("p"))

	mobj, desc, err := NewLocalBuffer(rt, []byte("hello"), BufferRead)
	require.NoError(t, err)

	// A hostile sender claims more than the object holds.
	desc.Length = uint32(2 * kernel.PageSize)
	_, err = NewBufferView(rt, mobj.IntoHandle(), desc)
	assert.Error(t, err)
}

func TestBufferRoundTrip(t *testing.T) {
	k := local.NewKernel()
	rt := kobject.NewRuntime(k.Spawn("p"))

	payload := []byte("the quick brown fox")
	mobj, desc, err := NewLocalBuffer(rt, payload, BufferRead)
	require.NoError(t, err)
	require.Equal(t, uint32(len(payload)), desc.Length)

	view, err := NewBufferView(rt, mobj.IntoHandle(), desc)
	require.NoError(t, err)
	defer view.Close()

	got, err := view.Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
