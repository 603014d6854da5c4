// Package udp carries frames as raw datagrams between stations
// addressed by host:port. One datagram is one frame; nothing is added
// on the wire, so any datagram source speaking the frame layout can
// join a deployment.
package udp

import (
	"fmt"
	"net"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/boap.go/pkg/acp"
)

// DefaultMTU keeps one frame inside a single non-fragmented Ethernet
// datagram.
const DefaultMTU = 1472

// Link implements acp.Transport over a bound UDP socket.
type Link struct {
	conn  *net.UDPConn
	local string
	mtu   int

	lock    sync.RWMutex
	handler acp.FrameHandler
	peers   map[string]*net.UDPAddr

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Listen binds addr and starts the reader. The bound address is the
// station's transport address; listening on port 0 picks a free port,
// reflected by LocalAddress.
func Listen(addr string) (*Link, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %q: %v", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %q: %v", addr, err)
	}
	local := addr
	if laddr.Port == 0 {
		local = conn.LocalAddr().String()
	}
	l := &Link{
		conn:   conn,
		local:  local,
		mtu:    DefaultMTU,
		peers:  make(map[string]*net.UDPAddr),
		closed: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	glog.Infof("udp: station listening at %q", local)
	return l, nil
}

// LocalAddress implements acp.Transport.
func (l *Link) LocalAddress() string {
	return l.local
}

// MTU implements acp.Transport.
func (l *Link) MTU() int {
	return l.mtu
}

// Send implements acp.Transport. The frame is written out before Send
// returns, never retained.
func (l *Link) Send(addr string, frame []byte) error {
	if len(frame) > l.mtu {
		return fmt.Errorf("udp: frame exceeds mtu: %d > %d", len(frame), l.mtu)
	}
	raddr, err := l.resolve(addr)
	if err != nil {
		return err
	}
	_, err = l.conn.WriteToUDP(frame, raddr)
	return err
}

// Subscribe implements acp.Transport.
func (l *Link) Subscribe(h acp.FrameHandler) {
	l.lock.Lock()
	l.handler = h
	l.lock.Unlock()
}

// AddPeer implements acp.PeerRegistrar by resolving the peer address
// once up front, so sends skip per-frame resolution and a bad
// deployment surfaces at startup.
func (l *Link) AddPeer(addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("udp: resolve peer %q: %v", addr, err)
	}
	l.lock.Lock()
	l.peers[addr] = raddr
	l.lock.Unlock()
	return nil
}

// Close implements acp.Transport. It stops the reader and releases
// the socket.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.closeErr = l.conn.Close()
		l.wg.Wait()
	})
	return l.closeErr
}

func (l *Link) resolve(addr string) (*net.UDPAddr, error) {
	l.lock.RLock()
	raddr := l.peers[addr]
	l.lock.RUnlock()
	if raddr != nil {
		return raddr, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %q: %v", addr, err)
	}
	l.lock.Lock()
	l.peers[addr] = raddr
	l.lock.Unlock()
	return raddr, nil
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, l.mtu)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closed:
			default:
				glog.Warningf("udp: station %q reader stopped: %v", l.local, err)
			}
			return
		}
		l.lock.RLock()
		h := l.handler
		l.lock.RUnlock()
		if h != nil {
			h.HandleFrame(raddr.String(), buf[:n])
		}
	}
}
