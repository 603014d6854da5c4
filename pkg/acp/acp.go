// Package acp implements the node-addressed message protocol carried
// between the control-system nodes: fixed-header messages with
// exclusive ownership, bounded RX/TX queues, and a single gateway
// goroutine serializing all transport sends. Delivery is at-most-once
// and best effort; per-message failures surface only through the
// optional drop hooks.
package acp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/boap.go/pkg/framework"
)

// DefaultQueueCapacity is used for RX and TX queues when the config
// leaves them zero.
const DefaultQueueCapacity = 16

// WaitForever makes Receive block until a message arrives.
const WaitForever = framework.WaitForever

// Stack errors.
var (
	ErrInvalidMsgID    = errors.New("invalid message id")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrAllocFailure    = errors.New("message allocation failure")
	ErrQueueFull       = errors.New("queue full")
	ErrTimeout         = errors.New("timeout")
	ErrClosed          = errors.New("stack closed")
)

// Config parameterizes a Stack.
type Config struct {
	Directory *Directory
	Transport Transport
	// RxCapacity and TxCapacity bound the queues; zero selects
	// DefaultQueueCapacity.
	RxCapacity int
	TxCapacity int
	// PoolLimit bounds the number of live messages. Zero means
	// unbounded.
	PoolLimit int
	// ObserveMismatch reports inbound frames addressed to other
	// nodes through the RX drop hook instead of dropping silently.
	ObserveMismatch bool
}

// Stack is one node's protocol engine instance: local identity, both
// queues, the gateway, and the observer slots. A process typically
// runs exactly one, its lifecycle framed by New and Close.
type Stack struct {
	dir        *Directory
	tr         Transport
	local      NodeID
	maxPayload int

	rxq  *framework.Queue
	txq  *framework.Queue
	pool *msgPool

	lock    sync.RWMutex
	txDrop  TxDropHandler
	rxDrop  RxDropHandler
	trace   TraceHandler
	traceID MsgID

	observeMismatch bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New initializes a protocol stack: resolves the local node id from
// the transport address, creates both queues, starts the gateway and
// binds the transport, registering every other directory entry as a
// peer where the transport requires it. On failure everything New
// acquired is released, in reverse order; the caller keeps ownership
// of the transport until New succeeds, after which Close stops it.
func New(cfg *Config) (*Stack, error) {
	if cfg == nil || cfg.Directory == nil || cfg.Transport == nil {
		return nil, errors.New("acp: directory and transport are required")
	}
	local, err := cfg.Directory.Resolve(cfg.Transport.LocalAddress())
	if err != nil {
		return nil, fmt.Errorf("acp: local address not in directory: %v", err)
	}
	maxPayload := cfg.Transport.MTU() - HeaderSize
	if maxPayload <= 0 {
		return nil, fmt.Errorf("acp: transport mtu %d below header size", cfg.Transport.MTU())
	}
	if maxPayload > 0xFF {
		maxPayload = 0xFF
	}
	rxCap, txCap := cfg.RxCapacity, cfg.TxCapacity
	if rxCap <= 0 {
		rxCap = DefaultQueueCapacity
	}
	if txCap <= 0 {
		txCap = DefaultQueueCapacity
	}
	s := &Stack{
		dir:             cfg.Directory,
		tr:              cfg.Transport,
		local:           local,
		maxPayload:      maxPayload,
		rxq:             framework.NewQueue(rxCap),
		txq:             framework.NewQueue(txCap),
		pool:            newMsgPool(HeaderSize+maxPayload, cfg.PoolLimit),
		traceID:         InvalidMsgID,
		observeMismatch: cfg.ObserveMismatch,
	}
	s.wg.Add(1)
	go s.gateway()
	s.tr.Subscribe(FrameHandlerFunc(s.handleFrame))
	if sn, ok := s.tr.(StatusNotifier); ok {
		sn.NotifyStatus(SendStatusFunc(s.handleSendStatus))
	}
	if pr, ok := s.tr.(PeerRegistrar); ok {
		for _, peer := range s.dir.Peers(local) {
			addr, _ := s.dir.Lookup(peer)
			if err := pr.AddPeer(addr); err != nil {
				s.unbindTransport()
				s.txq.Close(destroyItem)
				s.wg.Wait()
				s.rxq.Close(destroyItem)
				return nil, fmt.Errorf("acp: register peer node %d: %v", peer, err)
			}
		}
	}
	glog.Infof("acp: node %d up at %q, rx/tx queues %d/%d, max payload %d",
		local, s.tr.LocalAddress(), rxCap, txCap, maxPayload)
	return s, nil
}

// LocalID returns the node id assigned at initialization.
func (s *Stack) LocalID() NodeID {
	return s.local
}

// Directory returns the deployment directory.
func (s *Stack) Directory() *Directory {
	return s.dir
}

// MaxPayload returns the largest payload a message can carry over
// this stack's transport.
func (s *Stack) MaxPayload() int {
	return s.maxPayload
}

// LiveMessages reports how many messages are currently alive,
// whoever owns them. It returns to zero when every created and
// received message has been destroyed.
func (s *Stack) LiveMessages() int64 {
	return s.pool.liveCount()
}

// NewMessage creates an owned message addressed to receiver. The
// sender is always the local node and the payload starts zeroed.
func (s *Stack) NewMessage(receiver NodeID, id MsgID, payloadSize int) (*Message, error) {
	if id == InvalidMsgID {
		return nil, ErrInvalidMsgID
	}
	if payloadSize < 0 || payloadSize > s.maxPayload {
		return nil, ErrPayloadTooLarge
	}
	msg := s.pool.get()
	if msg == nil {
		return nil, ErrAllocFailure
	}
	msg.reset(id, s.local, receiver, payloadSize)
	return msg, nil
}

// CopyMessage deep-clones header and payload into a new,
// independently owned message.
func (s *Stack) CopyMessage(src *Message) (*Message, error) {
	msg := s.pool.get()
	if msg == nil {
		return nil, ErrAllocFailure
	}
	msg.clone(src)
	return msg, nil
}

// Send transfers ownership of msg into the outbound queue. The
// caller's ownership ends unconditionally on return: on queue
// starvation the TX drop hook fires and the message is destroyed.
func (s *Stack) Send(msg *Message) error {
	err := s.txq.Push(msg)
	if err == nil {
		return nil
	}
	if err == framework.ErrQueueClosed {
		msg.Destroy()
		return ErrClosed
	}
	receiver := msg.Receiver()
	glog.Warningf("acp: tx queue starvation, message %d to node %d dropped", msg.ID(), receiver)
	s.notifyTxDrop(TxDropQueueStarvation, receiver)
	msg.Destroy()
	return ErrQueueFull
}

// Echo swaps the sender and receiver of msg in place and re-enters
// Send: a zero-copy reply-to-sender shortcut. Ownership transfers
// like Send.
func (s *Stack) Echo(msg *Message) error {
	msg.swapEndpoints()
	return s.Send(msg)
}

// Receive blocks on the inbound queue up to timeout (WaitForever
// waits indefinitely, zero polls) and returns the next owned message.
// It fails with ErrTimeout when the wait expires and ErrClosed after
// Close.
func (s *Stack) Receive(timeout time.Duration) (*Message, error) {
	item, err := s.rxq.Pop(timeout)
	return s.received(item, err)
}

// ReceiveContext is Receive bound to a context instead of a timeout.
func (s *Stack) ReceiveContext(ctx context.Context) (*Message, error) {
	item, err := s.rxq.PopContext(ctx)
	return s.received(item, err)
}

// HookTxDropped installs h as the TX drop observer. nil uninstalls.
func (s *Stack) HookTxDropped(h TxDropHandler) {
	s.lock.Lock()
	s.txDrop = h
	s.lock.Unlock()
}

// HookRxDropped installs h as the RX drop observer. nil uninstalls.
func (s *Stack) HookRxDropped(h RxDropHandler) {
	s.lock.Lock()
	s.rxDrop = h
	s.lock.Unlock()
}

// Trace installs h as the trace observer for received messages with
// the given id. A nil handler or InvalidMsgID disables tracing.
func (s *Stack) Trace(h TraceHandler, id MsgID) {
	if h == nil {
		id = InvalidMsgID
	}
	s.lock.Lock()
	s.trace = h
	s.traceID = id
	s.lock.Unlock()
}

// Close deinitializes the stack: unbinds and stops the transport,
// stops the gateway and releases both queues, destroying every
// message still buffered. Pending Receives unblock with ErrClosed.
// Close is idempotent.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		s.unbindTransport()
		s.txq.Close(destroyItem)
		s.wg.Wait()
		s.closeErr = s.tr.Close()
		s.rxq.Close(destroyItem)
		glog.Infof("acp: node %d down", s.local)
	})
	return s.closeErr
}

// unbindTransport detaches every callback the stack registered on the
// transport, so nothing fires into a dying stack.
func (s *Stack) unbindTransport() {
	s.tr.Subscribe(nil)
	if sn, ok := s.tr.(StatusNotifier); ok {
		sn.NotifyStatus(nil)
	}
}

// gateway is the single execution unit permitted to invoke the
// transport send primitive. It consumes the outbound queue until the
// queue closes and destroys every message it pops, delivered or not.
func (s *Stack) gateway() {
	defer s.wg.Done()
	for {
		item, err := s.txq.Pop(framework.WaitForever)
		if err != nil {
			return
		}
		s.forward(item.(*Message))
	}
}

func (s *Stack) forward(msg *Message) {
	defer msg.Destroy()
	receiver := msg.Receiver()
	addr, err := s.dir.Lookup(receiver)
	if err != nil {
		glog.Warningf("acp: message %d to invalid receiver %d dropped", msg.ID(), receiver)
		s.notifyTxDrop(TxDropInvalidReceiver, receiver)
		return
	}
	if glog.V(2) {
		glog.Infof("acp: tx message %d to node %d, %d bytes", msg.ID(), receiver, msg.BulkSize())
	}
	if err := s.tr.Send(addr, msg.frame()); err != nil {
		glog.Warningf("acp: transport send to node %d failed: %v", receiver, err)
		s.notifyTxDrop(TxDropTransportSendFailed, receiver)
	}
}

// handleFrame runs on the transport's receive goroutine.
func (s *Stack) handleFrame(addr string, frame []byte) {
	hdr, err := ParseHeader(frame)
	if err != nil {
		glog.V(1).Infof("acp: malformed frame from %q dropped: %v", addr, err)
		return
	}
	if hdr.PayloadSize > s.maxPayload {
		glog.V(1).Infof("acp: oversized frame from %q dropped, payload %d", addr, hdr.PayloadSize)
		return
	}
	if hdr.Receiver != s.local {
		if s.observeMismatch {
			glog.V(1).Infof("acp: frame for node %d seen at node %d", hdr.Receiver, s.local)
			s.notifyRxDrop(RxDropReceiverMismatch, hdr.Sender)
		}
		return
	}
	msg := s.pool.get()
	if msg == nil {
		glog.Warningf("acp: allocation failure, rx message %d from node %d dropped", hdr.ID, hdr.Sender)
		s.notifyRxDrop(RxDropAllocationFailure, hdr.Sender)
		return
	}
	msg.load(frame)
	if glog.V(2) {
		glog.Infof("acp: rx message %d from node %d, %d bytes", hdr.ID, hdr.Sender, len(frame))
	}
	if err := s.rxq.Push(msg); err != nil {
		if err == framework.ErrQueueFull {
			glog.Warningf("acp: rx queue starvation, message %d from node %d dropped", hdr.ID, hdr.Sender)
			s.notifyRxDrop(RxDropQueueStarvation, hdr.Sender)
		}
		msg.Destroy()
	}
}

// handleSendStatus consumes asynchronous delivery reports from the
// transport.
func (s *Stack) handleSendStatus(addr string, err error) {
	if err == nil {
		return
	}
	id, rerr := s.dir.Resolve(addr)
	if rerr != nil {
		glog.Warningf("acp: delivery failure at unknown address %q: %v", addr, err)
		return
	}
	glog.Warningf("acp: link-layer delivery to node %d failed: %v", id, err)
	s.notifyTxDrop(TxDropMacLayerError, id)
}

func (s *Stack) received(item interface{}, err error) (*Message, error) {
	switch err {
	case nil:
	case framework.ErrTimeout:
		return nil, ErrTimeout
	case framework.ErrQueueClosed:
		return nil, ErrClosed
	default:
		return nil, err
	}
	msg := item.(*Message)
	s.lock.RLock()
	trace, traceID := s.trace, s.traceID
	s.lock.RUnlock()
	if trace != nil && traceID == msg.ID() {
		trace.HandleTrace(msg)
	}
	return msg, nil
}

func (s *Stack) notifyTxDrop(reason TxDropReason, receiver NodeID) {
	s.lock.RLock()
	h := s.txDrop
	s.lock.RUnlock()
	if h != nil {
		h.HandleTxDrop(reason, receiver)
	}
}

func (s *Stack) notifyRxDrop(reason RxDropReason, sender NodeID) {
	s.lock.RLock()
	h := s.rxDrop
	s.lock.RUnlock()
	if h != nil {
		h.HandleRxDrop(reason, sender)
	}
}

func destroyItem(item interface{}) {
	item.(*Message).Destroy()
}
