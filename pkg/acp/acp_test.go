package acp

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testStations = []string{"sta-plant", "sta-ctl", "sta-pc"}

// fakeLink is an in-test transport that records outbound frames and
// lets tests inject inbound ones.
type fakeLink struct {
	addr string
	mtu  int

	// gate, when set, blocks Send until the channel closes. calls
	// counts Send entries before the gate.
	gate  chan struct{}
	calls int32

	lock    sync.Mutex
	handler FrameHandler
	status  SendStatusHandler
	peers   []string
	peerErr error
	sendErr error
	sentTo  []string
	sent    [][]byte
	closed  bool
}

func newFakeLink(addr string) *fakeLink {
	return &fakeLink{addr: addr, mtu: 250}
}

func (f *fakeLink) LocalAddress() string { return f.addr }

func (f *fakeLink) MTU() int { return f.mtu }

func (f *fakeLink) Send(addr string, frame []byte) error {
	atomic.AddInt32(&f.calls, 1)
	if f.gate != nil {
		<-f.gate
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTo = append(f.sentTo, addr)
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeLink) Subscribe(h FrameHandler) {
	f.lock.Lock()
	f.handler = h
	f.lock.Unlock()
}

func (f *fakeLink) NotifyStatus(h SendStatusHandler) {
	f.lock.Lock()
	f.status = h
	f.lock.Unlock()
}

func (f *fakeLink) AddPeer(addr string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.peerErr != nil {
		return f.peerErr
	}
	f.peers = append(f.peers, addr)
	return nil
}

func (f *fakeLink) Close() error {
	f.lock.Lock()
	f.closed = true
	f.lock.Unlock()
	return nil
}

// inject delivers an inbound frame the way the transport would, on the
// caller's goroutine.
func (f *fakeLink) inject(frame []byte) {
	f.lock.Lock()
	h := f.handler
	f.lock.Unlock()
	if h != nil {
		h.HandleFrame("sta-somewhere", frame)
	}
}

// report delivers an asynchronous send status the way the transport
// would.
func (f *fakeLink) report(addr string, err error) {
	f.lock.Lock()
	h := f.status
	f.lock.Unlock()
	if h != nil {
		h.HandleSendStatus(addr, err)
	}
}

func (f *fakeLink) sentCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.sent)
}

func (f *fakeLink) sentFrame(i int) ([]byte, string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.sent[i], f.sentTo[i]
}

func (f *fakeLink) subscribed() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.handler != nil
}

func newTestStack(t *testing.T, link *fakeLink, cfg Config) *Stack {
	t.Helper()
	dir, err := NewDirectory(testStations)
	require.NoError(t, err)
	cfg.Directory = dir
	cfg.Transport = link
	s, err := New(&cfg)
	require.NoError(t, err)
	return s
}

func buildFrame(id MsgID, sender, receiver NodeID, payload ...byte) []byte {
	frame := []byte{byte(id), byte(sender), byte(receiver), byte(len(payload))}
	return append(frame, payload...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type txRecord struct {
	reason   TxDropReason
	receiver NodeID
}

type rxRecord struct {
	reason RxDropReason
	sender NodeID
}

func hookTx(s *Stack) chan txRecord {
	ch := make(chan txRecord, 8)
	s.HookTxDropped(TxDropFunc(func(reason TxDropReason, receiver NodeID) {
		ch <- txRecord{reason, receiver}
	}))
	return ch
}

func hookRx(s *Stack) chan rxRecord {
	ch := make(chan rxRecord, 8)
	s.HookRxDropped(RxDropFunc(func(reason RxDropReason, sender NodeID) {
		ch <- rxRecord{reason, sender}
	}))
	return ch
}

func awaitTx(t *testing.T, ch chan txRecord) txRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no tx drop reported")
		return txRecord{}
	}
}

func awaitRx(t *testing.T, ch chan rxRecord) rxRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no rx drop reported")
		return rxRecord{}
	}
}

func TestNewValidation(t *testing.T) {
	dir, err := NewDirectory(testStations)
	require.NoError(t, err)

	_, err = New(nil)
	require.Error(t, err)

	_, err = New(&Config{Directory: dir})
	require.Error(t, err)

	// Local address absent from the directory.
	_, err = New(&Config{Directory: dir, Transport: newFakeLink("sta-stranger")})
	require.Error(t, err)

	// MTU too small to carry a header.
	tiny := newFakeLink("sta-plant")
	tiny.mtu = HeaderSize
	_, err = New(&Config{Directory: dir, Transport: tiny})
	require.Error(t, err)
}

func TestNewRegistersPeers(t *testing.T) {
	link := newFakeLink("sta-ctl")
	s := newTestStack(t, link, Config{})
	defer s.Close()

	require.Equal(t, NodeID(1), s.LocalID())
	require.Equal(t, []string{"sta-plant", "sta-pc"}, link.peers)
	require.True(t, link.subscribed())
}

func TestNewPeerFailureRollsBack(t *testing.T) {
	dir, err := NewDirectory(testStations)
	require.NoError(t, err)
	link := newFakeLink("sta-plant")
	link.peerErr = errors.New("no route")

	_, err = New(&Config{Directory: dir, Transport: link})
	require.Error(t, err)
	// The frame subscription must have been unwound.
	require.False(t, link.subscribed())
	require.False(t, link.closed)
}

func TestSendDelivers(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{})
	defer s.Close()

	msg, err := s.NewMessage(2, 0x04, 3)
	require.NoError(t, err)
	copy(msg.Payload(), []byte{0xaa, 0xbb, 0xcc})
	require.NoError(t, s.Send(msg))

	waitFor(t, "frame on the wire", func() bool { return link.sentCount() == 1 })
	frame, addr := link.sentFrame(0)
	require.Equal(t, "sta-pc", addr)
	require.Equal(t, buildFrame(0x04, 0, 2, 0xaa, 0xbb, 0xcc), frame)
	waitFor(t, "message released", func() bool { return s.LiveMessages() == 0 })
}

func TestSendInvalidReceiver(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{})
	defer s.Close()
	txCh := hookTx(s)

	msg, err := s.NewMessage(9, 0x04, 0)
	require.NoError(t, err)
	require.NoError(t, s.Send(msg))

	rec := awaitTx(t, txCh)
	require.Equal(t, TxDropInvalidReceiver, rec.reason)
	require.Equal(t, NodeID(9), rec.receiver)
	waitFor(t, "message released", func() bool { return s.LiveMessages() == 0 })
	// The transport was never asked to send.
	require.Zero(t, link.sentCount())
}

func TestSendQueueStarvation(t *testing.T) {
	link := newFakeLink("sta-plant")
	link.gate = make(chan struct{})
	s := newTestStack(t, link, Config{TxCapacity: 1})
	defer s.Close()
	txCh := hookTx(s)

	// First message occupies the gateway, held at the gate.
	first, err := s.NewMessage(1, 0x00, 0)
	require.NoError(t, err)
	require.NoError(t, s.Send(first))
	waitFor(t, "gateway to pick up the first message", func() bool {
		return atomic.LoadInt32(&link.calls) == 1
	})

	// Second fills the queue, third starves it.
	second, err := s.NewMessage(1, 0x00, 0)
	require.NoError(t, err)
	require.NoError(t, s.Send(second))
	third, err := s.NewMessage(1, 0x00, 0)
	require.NoError(t, err)
	require.Equal(t, ErrQueueFull, s.Send(third))

	rec := awaitTx(t, txCh)
	require.Equal(t, TxDropQueueStarvation, rec.reason)
	require.Equal(t, NodeID(1), rec.receiver)

	close(link.gate)
	waitFor(t, "remaining messages to flush", func() bool { return link.sentCount() == 2 })
	waitFor(t, "messages released", func() bool { return s.LiveMessages() == 0 })
}

func TestSendTransportFailure(t *testing.T) {
	link := newFakeLink("sta-plant")
	link.sendErr = errors.New("radio silence")
	s := newTestStack(t, link, Config{})
	defer s.Close()
	txCh := hookTx(s)

	msg, err := s.NewMessage(2, 0x04, 0)
	require.NoError(t, err)
	require.NoError(t, s.Send(msg))

	rec := awaitTx(t, txCh)
	require.Equal(t, TxDropTransportSendFailed, rec.reason)
	require.Equal(t, NodeID(2), rec.receiver)
	waitFor(t, "message released", func() bool { return s.LiveMessages() == 0 })
}

func TestLinkLayerFailureReport(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{})
	defer s.Close()
	txCh := hookTx(s)

	link.report("sta-ctl", errors.New("no ack"))
	rec := awaitTx(t, txCh)
	require.Equal(t, TxDropMacLayerError, rec.reason)
	require.Equal(t, NodeID(1), rec.receiver)

	// Successes and unknown stations are not reported.
	link.report("sta-ctl", nil)
	link.report("sta-stranger", errors.New("no ack"))
	select {
	case rec := <-txCh:
		t.Fatalf("unexpected tx drop %v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiveDelivers(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{})
	defer s.Close()

	link.inject(buildFrame(0x02, 1, 0, 0x11, 0x22))
	msg, err := s.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, MsgID(0x02), msg.ID())
	require.Equal(t, NodeID(1), msg.Sender())
	require.Equal(t, NodeID(0), msg.Receiver())
	require.Equal(t, []byte{0x11, 0x22}, msg.Payload())
	msg.Destroy()
	require.Zero(t, s.LiveMessages())
}

func TestReceiveTimeout(t *testing.T) {
	s := newTestStack(t, newFakeLink("sta-plant"), Config{})
	defer s.Close()

	// Zero polls without blocking.
	start := time.Now()
	_, err := s.Receive(0)
	require.Equal(t, ErrTimeout, err)
	require.True(t, time.Since(start) < 500*time.Millisecond)

	_, err = s.Receive(20 * time.Millisecond)
	require.Equal(t, ErrTimeout, err)
}

func TestReceiveWaitForever(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{})
	defer s.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		link.inject(buildFrame(0x00, 2, 0))
	}()
	msg, err := s.Receive(WaitForever)
	require.NoError(t, err)
	require.Equal(t, MsgID(0x00), msg.ID())
	msg.Destroy()
}

func TestReceiveDropsMalformedFrames(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{})
	defer s.Close()
	rxCh := hookRx(s)

	link.inject([]byte{0x02, 1})                         // short
	link.inject([]byte{0x02, 1, 0, 4, 0xaa})             // size mismatch
	link.inject(buildFrame(0x02, 1, 2, 0x11))            // not for us
	_, err := s.Receive(50 * time.Millisecond)
	require.Equal(t, ErrTimeout, err)
	require.Zero(t, s.LiveMessages())

	// Malformed and mismatched frames drop silently.
	select {
	case rec := <-rxCh:
		t.Fatalf("unexpected rx drop %v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiveObservesMismatch(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{ObserveMismatch: true})
	defer s.Close()
	rxCh := hookRx(s)

	link.inject(buildFrame(0x02, 1, 2, 0x11))
	rec := awaitRx(t, rxCh)
	require.Equal(t, RxDropReceiverMismatch, rec.reason)
	require.Equal(t, NodeID(1), rec.sender)
	require.Zero(t, s.LiveMessages())
}

func TestReceiveAllocationFailure(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{PoolLimit: 1})
	defer s.Close()
	rxCh := hookRx(s)

	held, err := s.NewMessage(1, 0x00, 0)
	require.NoError(t, err)

	link.inject(buildFrame(0x02, 1, 0, 0x11))
	rec := awaitRx(t, rxCh)
	require.Equal(t, RxDropAllocationFailure, rec.reason)
	require.Equal(t, NodeID(1), rec.sender)

	held.Destroy()
	link.inject(buildFrame(0x02, 1, 0, 0x11))
	msg, err := s.Receive(time.Second)
	require.NoError(t, err)
	msg.Destroy()
	require.Zero(t, s.LiveMessages())
}

func TestReceiveQueueStarvation(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{RxCapacity: 1})
	defer s.Close()
	rxCh := hookRx(s)

	link.inject(buildFrame(0x02, 1, 0, 0x01))
	link.inject(buildFrame(0x02, 2, 0, 0x02))
	rec := awaitRx(t, rxCh)
	require.Equal(t, RxDropQueueStarvation, rec.reason)
	require.Equal(t, NodeID(2), rec.sender)

	// The queued message survives, the dropped one was released.
	require.Equal(t, int64(1), s.LiveMessages())
	msg, err := s.Receive(time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, msg.Payload())
	msg.Destroy()
	require.Zero(t, s.LiveMessages())
}

func TestEchoSwapsEndpoints(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{})
	defer s.Close()

	// Echo a received request back to its sender.
	link.inject(buildFrame(0x00, 1, 0, 0x42))
	msg, err := s.Receive(time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Echo(msg))

	// Building the reply by hand must put the same bytes on the wire.
	reply, err := s.NewMessage(1, 0x00, 1)
	require.NoError(t, err)
	reply.Payload()[0] = 0x42
	require.NoError(t, s.Send(reply))

	waitFor(t, "both frames on the wire", func() bool { return link.sentCount() == 2 })
	echoed, echoedAddr := link.sentFrame(0)
	manual, manualAddr := link.sentFrame(1)
	require.Equal(t, "sta-ctl", echoedAddr)
	require.Equal(t, echoedAddr, manualAddr)
	require.Equal(t, manual, echoed)
	require.Equal(t, buildFrame(0x00, 0, 1, 0x42), echoed)
	waitFor(t, "messages released", func() bool { return s.LiveMessages() == 0 })
}

func TestTraceFiltersByID(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{})
	defer s.Close()

	traced := make(chan MsgID, 8)
	s.Trace(TraceFunc(func(msg *Message) { traced <- msg.ID() }), 0x02)

	link.inject(buildFrame(0x02, 1, 0, 0x11))
	msg, err := s.Receive(time.Second)
	require.NoError(t, err)
	msg.Destroy()
	select {
	case id := <-traced:
		require.Equal(t, MsgID(0x02), id)
	default:
		t.Fatal("trace did not fire before delivery")
	}

	// A different id passes untraced.
	link.inject(buildFrame(0x03, 1, 0, 0x11))
	msg, err = s.Receive(time.Second)
	require.NoError(t, err)
	msg.Destroy()
	require.Empty(t, traced)

	// Uninstalling stops tracing the original id too.
	s.Trace(nil, 0x02)
	link.inject(buildFrame(0x02, 1, 0, 0x11))
	msg, err = s.Receive(time.Second)
	require.NoError(t, err)
	msg.Destroy()
	require.Empty(t, traced)
}

func TestCloseReleasesEverything(t *testing.T) {
	link := newFakeLink("sta-plant")
	s := newTestStack(t, link, Config{})

	// Buffered inbound messages are destroyed on close.
	link.inject(buildFrame(0x02, 1, 0, 0x11))
	link.inject(buildFrame(0x02, 1, 0, 0x22))
	waitFor(t, "messages buffered", func() bool { return s.LiveMessages() == 2 })

	require.NoError(t, s.Close())
	require.True(t, link.closed)
	require.False(t, link.subscribed())
	require.Zero(t, s.LiveMessages())

	// The stack rejects further use.
	_, err := s.Receive(time.Second)
	require.Equal(t, ErrClosed, err)
	msg, err := s.NewMessage(1, 0x00, 0)
	require.NoError(t, err)
	require.Equal(t, ErrClosed, s.Send(msg))
	require.Zero(t, s.LiveMessages())

	// Close is idempotent.
	require.NoError(t, s.Close())
}

func TestCloseUnblocksReceive(t *testing.T) {
	s := newTestStack(t, newFakeLink("sta-plant"), Config{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Receive(WaitForever)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		require.Equal(t, ErrClosed, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not unblock on close")
	}
}
