package udp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/boap.go/pkg/acp"
)

type frameRecord struct {
	frame []byte
}

func collect(l *Link) chan frameRecord {
	ch := make(chan frameRecord, 8)
	l.Subscribe(acp.FrameHandlerFunc(func(addr string, frame []byte) {
		ch <- frameRecord{frame: append([]byte(nil), frame...)}
	}))
	return ch
}

func await(t *testing.T, ch chan frameRecord) frameRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return frameRecord{}
	}
}

func TestLoopbackExchange(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	require.NotEqual(t, a.LocalAddress(), b.LocalAddress())
	require.NoError(t, a.AddPeer(b.LocalAddress()))

	got := collect(b)
	frame := []byte{0x04, 0x00, 0x01, 0x02, 0xaa, 0xbb}
	require.NoError(t, a.Send(b.LocalAddress(), frame))
	require.Equal(t, frame, await(t, got).frame)

	// Unregistered peers resolve on first use.
	back := collect(a)
	require.NoError(t, b.Send(a.LocalAddress(), frame[:4]))
	require.Equal(t, frame[:4], await(t, back).frame)
}

func TestOversizedFrameRejected(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	require.Error(t, l.Send("127.0.0.1:9", make([]byte, DefaultMTU+1)))
}

func TestStacksOverLoopback(t *testing.T) {
	la, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	lb, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	dir, err := acp.NewDirectory([]string{la.LocalAddress(), lb.LocalAddress()})
	require.NoError(t, err)
	a, err := acp.New(&acp.Config{Directory: dir, Transport: la})
	require.NoError(t, err)
	defer a.Close()
	b, err := acp.New(&acp.Config{Directory: dir, Transport: lb})
	require.NoError(t, err)
	defer b.Close()

	msg, err := a.NewMessage(1, 0x02, 2)
	require.NoError(t, err)
	copy(msg.Payload(), []byte{7, 9})
	require.NoError(t, a.Send(msg))

	got, err := b.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, acp.MsgID(0x02), got.ID())
	require.Equal(t, acp.NodeID(0), got.Sender())
	require.Equal(t, []byte{7, 9}, got.Payload())
	got.Destroy()
}

func TestCloseStopsReader(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
