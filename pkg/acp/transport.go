package acp

// FrameHandler consumes inbound link-layer frames. The frame bytes
// are valid only for the duration of the call; transports may reuse
// the buffer.
type FrameHandler interface {
	HandleFrame(addr string, frame []byte)
}

// FrameHandlerFunc is the func form of FrameHandler.
type FrameHandlerFunc func(string, []byte)

// HandleFrame implements FrameHandler.
func (f FrameHandlerFunc) HandleFrame(addr string, frame []byte) {
	f(addr, frame)
}

// SendStatusHandler consumes asynchronous delivery reports.
type SendStatusHandler interface {
	HandleSendStatus(addr string, err error)
}

// SendStatusFunc is the func form of SendStatusHandler.
type SendStatusFunc func(string, error)

// HandleSendStatus implements SendStatusHandler.
func (f SendStatusFunc) HandleSendStatus(addr string, err error) {
	f(addr, err)
}

// Transport moves raw frames between link-layer addresses. The
// meaning of an address is transport-defined; the protocol treats it
// as an opaque string resolved through the Directory.
type Transport interface {
	// LocalAddress returns the address frames for this node arrive on.
	LocalAddress() string
	// MTU returns the maximum transmission size in bytes, header
	// included.
	MTU() int
	// Send transmits one frame to addr, best effort. Send must not
	// retain frame after returning; implementations delivering
	// asynchronously copy it first.
	Send(addr string, frame []byte) error
	// Subscribe replaces the inbound frame handler. A nil handler
	// stops delivery. The handler is invoked from the transport's
	// own goroutine.
	Subscribe(h FrameHandler)
	// Close stops the transport.
	Close() error
}

// PeerRegistrar is implemented by transports that must learn peer
// addresses before frames can flow.
type PeerRegistrar interface {
	AddPeer(addr string) error
}

// StatusNotifier is implemented by transports reporting delivery
// status asynchronously, after Send has already returned.
type StatusNotifier interface {
	NotifyStatus(h SendStatusHandler)
}
