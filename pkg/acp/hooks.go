package acp

// TxDropReason tells why an outbound message was dropped.
type TxDropReason int

// TX drop reasons.
const (
	TxDropQueueStarvation TxDropReason = iota
	TxDropTransportSendFailed
	TxDropMacLayerError
	TxDropInvalidReceiver
)

// String implements fmt.Stringer.
func (r TxDropReason) String() string {
	switch r {
	case TxDropQueueStarvation:
		return "queue starvation"
	case TxDropTransportSendFailed:
		return "transport send failed"
	case TxDropMacLayerError:
		return "mac layer error"
	case TxDropInvalidReceiver:
		return "invalid receiver"
	}
	return "unknown"
}

// RxDropReason tells why an inbound frame was dropped.
type RxDropReason int

// RX drop reasons.
const (
	RxDropAllocationFailure RxDropReason = iota
	RxDropQueueStarvation
	RxDropReceiverMismatch
)

// String implements fmt.Stringer.
func (r RxDropReason) String() string {
	switch r {
	case RxDropAllocationFailure:
		return "allocation failure"
	case RxDropQueueStarvation:
		return "queue starvation"
	case RxDropReceiverMismatch:
		return "receiver mismatch"
	}
	return "unknown"
}

// TxDropHandler observes outbound message drops.
type TxDropHandler interface {
	HandleTxDrop(reason TxDropReason, receiver NodeID)
}

// TxDropFunc is the func form of TxDropHandler.
type TxDropFunc func(TxDropReason, NodeID)

// HandleTxDrop implements TxDropHandler.
func (f TxDropFunc) HandleTxDrop(reason TxDropReason, receiver NodeID) {
	f(reason, receiver)
}

// RxDropHandler observes inbound frame drops.
type RxDropHandler interface {
	HandleRxDrop(reason RxDropReason, sender NodeID)
}

// RxDropFunc is the func form of RxDropHandler.
type RxDropFunc func(RxDropReason, NodeID)

// HandleRxDrop implements RxDropHandler.
func (f RxDropFunc) HandleRxDrop(reason RxDropReason, sender NodeID) {
	f(reason, sender)
}

// TraceHandler observes received messages matching the trace filter.
// Handlers run on the receiver's goroutine and must be non-blocking
// and side-effect-light.
type TraceHandler interface {
	HandleTrace(msg *Message)
}

// TraceFunc is the func form of TraceHandler.
type TraceFunc func(*Message)

// HandleTrace implements TraceHandler.
func (f TraceFunc) HandleTrace(msg *Message) {
	f(msg)
}
