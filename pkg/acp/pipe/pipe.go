// Package pipe provides an in-process transport hub wiring multiple
// protocol stacks together, standing in for the radio link in tests
// and single-process simulations.
package pipe

import (
	"fmt"
	"sync"

	"github.com/robotalks/boap.go/pkg/acp"
)

// DefaultMTU mirrors the frame limit of the reference radio link.
const DefaultMTU = 250

// Hub connects endpoints by station address and moves frames between
// them on dedicated delivery goroutines.
type Hub struct {
	mtu int

	lock sync.RWMutex
	ends map[string]*Endpoint
}

// NewHub creates a hub with the default MTU.
func NewHub() *Hub {
	return NewHubMTU(DefaultMTU)
}

// NewHubMTU creates a hub with a specific MTU.
func NewHubMTU(mtu int) *Hub {
	return &Hub{mtu: mtu, ends: make(map[string]*Endpoint)}
}

// Endpoint binds (or returns) the endpoint at addr.
func (h *Hub) Endpoint(addr string) *Endpoint {
	h.lock.Lock()
	defer h.lock.Unlock()
	ep := h.ends[addr]
	if ep == nil {
		ep = &Endpoint{
			hub:    h,
			addr:   addr,
			frames: make(chan delivery, 64),
			done:   make(chan struct{}),
			peers:  make(map[string]bool),
		}
		h.ends[addr] = ep
		go ep.deliverLoop()
	}
	return ep
}

func (h *Hub) find(addr string) *Endpoint {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.ends[addr]
}

func (h *Hub) drop(addr string) {
	h.lock.Lock()
	delete(h.ends, addr)
	h.lock.Unlock()
}

type delivery struct {
	from  string
	frame []byte
}

// Endpoint is one station on the hub. It implements acp.Transport,
// acp.PeerRegistrar and acp.StatusNotifier.
type Endpoint struct {
	hub  *Hub
	addr string

	frames chan delivery
	done   chan struct{}

	lock      sync.RWMutex
	handler   acp.FrameHandler
	status    acp.SendStatusHandler
	peers     map[string]bool
	sendErr   error
	linkErr   error
	peerErr   error
	closeOnce sync.Once
}

// LocalAddress implements acp.Transport.
func (e *Endpoint) LocalAddress() string {
	return e.addr
}

// MTU implements acp.Transport.
func (e *Endpoint) MTU() int {
	return e.hub.mtu
}

// Send implements acp.Transport. The frame is copied before delivery.
func (e *Endpoint) Send(addr string, frame []byte) error {
	if len(frame) > e.hub.mtu {
		return fmt.Errorf("frame exceeds mtu: %d > %d", len(frame), e.hub.mtu)
	}
	e.lock.RLock()
	sendErr, linkErr := e.sendErr, e.linkErr
	e.lock.RUnlock()
	if sendErr != nil {
		return sendErr
	}
	if linkErr != nil {
		e.notifyStatus(addr, linkErr)
		return nil
	}
	peer := e.hub.find(addr)
	if peer == nil {
		return fmt.Errorf("no station at %q", addr)
	}
	buf := append([]byte(nil), frame...)
	select {
	case peer.frames <- delivery{from: e.addr, frame: buf}:
	default:
		// Lossy link: the station is not draining, the frame is gone.
	}
	return nil
}

// Subscribe implements acp.Transport.
func (e *Endpoint) Subscribe(h acp.FrameHandler) {
	e.lock.Lock()
	e.handler = h
	e.lock.Unlock()
}

// NotifyStatus implements acp.StatusNotifier.
func (e *Endpoint) NotifyStatus(h acp.SendStatusHandler) {
	e.lock.Lock()
	e.status = h
	e.lock.Unlock()
}

// AddPeer implements acp.PeerRegistrar.
func (e *Endpoint) AddPeer(addr string) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.peerErr != nil {
		return e.peerErr
	}
	e.peers[addr] = true
	return nil
}

// Peers returns the addresses registered through AddPeer.
func (e *Endpoint) Peers() []string {
	e.lock.RLock()
	defer e.lock.RUnlock()
	peers := make([]string, 0, len(e.peers))
	for addr := range e.peers {
		peers = append(peers, addr)
	}
	return peers
}

// Close implements acp.Transport.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.hub.drop(e.addr)
		close(e.done)
	})
	return nil
}

// FailSends makes every Send return err. nil restores delivery.
func (e *Endpoint) FailSends(err error) {
	e.lock.Lock()
	e.sendErr = err
	e.lock.Unlock()
}

// FailLink makes Send accept frames but report err through the
// asynchronous status handler, like a radio that lost its peer.
// nil restores delivery.
func (e *Endpoint) FailLink(err error) {
	e.lock.Lock()
	e.linkErr = err
	e.lock.Unlock()
}

// RefusePeers makes AddPeer fail with err. nil restores registration.
func (e *Endpoint) RefusePeers(err error) {
	e.lock.Lock()
	e.peerErr = err
	e.lock.Unlock()
}

func (e *Endpoint) deliverLoop() {
	for {
		select {
		case d := <-e.frames:
			e.lock.RLock()
			h := e.handler
			e.lock.RUnlock()
			if h != nil {
				h.HandleFrame(d.from, d.frame)
			}
		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) notifyStatus(addr string, err error) {
	e.lock.RLock()
	h := e.status
	e.lock.RUnlock()
	if h != nil {
		h.HandleSendStatus(addr, err)
	}
}
