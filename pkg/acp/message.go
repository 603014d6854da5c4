package acp

import (
	"errors"
	"sync"
	"sync/atomic"
)

// NodeID identifies a node in the deployment.
type NodeID uint8

// InvalidNodeID is the reserved invalid node id.
const InvalidNodeID NodeID = 0xFF

// MsgID identifies an application message type.
type MsgID uint8

// InvalidMsgID is the reserved invalid message id. It doubles as the
// "no trace filter" value for Trace.
const InvalidMsgID MsgID = 0xFF

// HeaderSize is the wire size of the fixed message header.
const HeaderSize = 4

// Header byte offsets.
const (
	offMsgID      = 0
	offSender     = 1
	offReceiver   = 2
	offPayloadLen = 3
)

// Frame validation errors.
var (
	ErrShortFrame   = errors.New("frame shorter than header")
	ErrSizeMismatch = errors.New("frame size mismatch")
)

// Header is the decoded fixed header of a wire frame.
type Header struct {
	ID          MsgID
	Sender      NodeID
	Receiver    NodeID
	PayloadSize int
}

// ParseHeader decodes and validates a raw frame's header. The frame
// must carry exactly the payload byte count the header declares.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	h := Header{
		ID:          MsgID(frame[offMsgID]),
		Sender:      NodeID(frame[offSender]),
		Receiver:    NodeID(frame[offReceiver]),
		PayloadSize: int(frame[offPayloadLen]),
	}
	if len(frame) != HeaderSize+h.PayloadSize {
		return Header{}, ErrSizeMismatch
	}
	return h, nil
}

// Message is a single owned buffer holding the fixed header followed
// by the payload. Messages are created through Stack factories and
// owned by exactly one holder at a time; handing one to Send or a
// queue ends the ownership of the holder, and every message is
// destroyed exactly once by whoever finishes with it.
type Message struct {
	buf  []byte
	n    int
	pool *msgPool
}

// ID returns the message id.
func (m *Message) ID() MsgID {
	return MsgID(m.buf[offMsgID])
}

// Sender returns the sending node id.
func (m *Message) Sender() NodeID {
	return NodeID(m.buf[offSender])
}

// Receiver returns the receiving node id.
func (m *Message) Receiver() NodeID {
	return NodeID(m.buf[offReceiver])
}

// Payload returns the payload view, exactly PayloadSize bytes.
func (m *Message) Payload() []byte {
	return m.buf[HeaderSize : HeaderSize+m.n]
}

// PayloadSize returns the payload byte count.
func (m *Message) PayloadSize() int {
	return m.n
}

// BulkSize returns the total wire size, header plus payload.
func (m *Message) BulkSize() int {
	return HeaderSize + m.n
}

// Destroy releases the message. Must be called exactly once per
// message not otherwise consumed by Send, the gateway or the receive
// path.
func (m *Message) Destroy() {
	if p := m.pool; p != nil {
		m.pool = nil
		p.put(m)
	}
}

func (m *Message) frame() []byte {
	return m.buf[:HeaderSize+m.n]
}

func (m *Message) reset(id MsgID, sender, receiver NodeID, payloadSize int) {
	m.buf[offMsgID] = byte(id)
	m.buf[offSender] = byte(sender)
	m.buf[offReceiver] = byte(receiver)
	m.buf[offPayloadLen] = byte(payloadSize)
	m.n = payloadSize
	payload := m.buf[HeaderSize : HeaderSize+payloadSize]
	for i := range payload {
		payload[i] = 0
	}
}

func (m *Message) load(frame []byte) {
	copy(m.buf, frame)
	m.n = len(frame) - HeaderSize
}

func (m *Message) clone(src *Message) {
	copy(m.buf, src.frame())
	m.n = src.n
}

func (m *Message) swapEndpoints() {
	m.buf[offSender], m.buf[offReceiver] = m.buf[offReceiver], m.buf[offSender]
}

// msgPool recycles message buffers. A non-zero limit bounds the
// number of live messages; exhaustion is the allocation-failure path.
type msgPool struct {
	pool    sync.Pool
	limit   int64
	live    int64
	bufSize int
}

func newMsgPool(bufSize, limit int) *msgPool {
	p := &msgPool{limit: int64(limit), bufSize: bufSize}
	p.pool.New = func() interface{} {
		return &Message{buf: make([]byte, bufSize)}
	}
	return p
}

func (p *msgPool) get() *Message {
	for {
		n := atomic.LoadInt64(&p.live)
		if p.limit > 0 && n >= p.limit {
			return nil
		}
		if atomic.CompareAndSwapInt64(&p.live, n, n+1) {
			break
		}
	}
	m := p.pool.Get().(*Message)
	m.pool = p
	return m
}

func (p *msgPool) put(m *Message) {
	m.n = 0
	atomic.AddInt64(&p.live, -1)
	p.pool.Put(m)
}

func (p *msgPool) liveCount() int64 {
	return atomic.LoadInt64(&p.live)
}
