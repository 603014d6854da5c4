// Package keepalive probes peer stations with periodic pings and
// tracks which of them answer.
package keepalive

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/msgs"
)

// Defaults.
const (
	DefaultPeriod = 10 * time.Second
	DefaultWindow = time.Second
)

// Responses supplies the ping responses routed back to the prober,
// usually a route.Subscription on MsgPingResp.
type Responses interface {
	Receive(timeout time.Duration) (*acp.Message, error)
}

// StateHandler observes peer liveness transitions.
type StateHandler interface {
	HandleNodeState(node acp.NodeID, alive bool)
}

// StateFunc is the func form of StateHandler.
type StateFunc func(node acp.NodeID, alive bool)

// HandleNodeState implements StateHandler.
func (f StateFunc) HandleNodeState(node acp.NodeID, alive bool) {
	f(node, alive)
}

// Config parameterizes a Prober.
type Config struct {
	// Period is the pause between probe rounds.
	Period time.Duration
	// Window is how long a peer has to answer one ping.
	Window time.Duration
	// Peers lists the nodes to probe; nil selects every directory
	// peer of the local node.
	Peers []acp.NodeID
	// OnState observes liveness transitions. nil disables.
	OnState StateHandler
}

type nodeState int8

const (
	stateUnknown nodeState = iota
	stateAlive
	stateDead
)

// Prober implements framework.Runnable: each round it pings every
// peer in turn and waits out the response window. A peer answering
// with the wrong sender id is called out but changes nothing.
type Prober struct {
	stack     *acp.Stack
	responses Responses
	period    time.Duration
	window    time.Duration
	peers     []acp.NodeID
	onState   StateHandler
	states    map[acp.NodeID]nodeState
}

// NewProber creates a Prober over s consuming responses from rsp.
func NewProber(s *acp.Stack, rsp Responses, cfg Config) *Prober {
	period, window := cfg.Period, cfg.Window
	if period <= 0 {
		period = DefaultPeriod
	}
	if window <= 0 {
		window = DefaultWindow
	}
	peers := cfg.Peers
	if peers == nil {
		peers = s.Directory().Peers(s.LocalID())
	}
	return &Prober{
		stack:     s,
		responses: rsp,
		period:    period,
		window:    window,
		peers:     peers,
		onState:   cfg.OnState,
		states:    make(map[acp.NodeID]nodeState),
	}
}

// Run implements framework.Runnable.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := p.Probe(); err != nil {
			return nil
		}
	}
}

// Probe runs one round immediately, pinging every peer in turn and
// waiting out the response window for each. It fails only when the
// stack has closed underneath it.
func (p *Prober) Probe() error {
	for _, peer := range p.peers {
		if err := p.probe(peer); err != nil {
			return err
		}
	}
	return nil
}

// probe fails only when the stack has closed underneath it.
func (p *Prober) probe(peer acp.NodeID) error {
	req, err := p.stack.NewMessage(peer, msgs.MsgPingReq, 0)
	if err != nil {
		glog.Warningf("keepalive: cannot ping node %d: %v", peer, err)
		return nil
	}
	if err := p.stack.Send(req); err != nil {
		if err == acp.ErrClosed {
			return err
		}
		glog.Warningf("keepalive: cannot ping node %d: %v", peer, err)
		return nil
	}
	rsp, err := p.responses.Receive(p.window)
	switch err {
	case nil:
	case acp.ErrTimeout:
		glog.Warningf("keepalive: node %d failed to respond to ping", peer)
		p.transition(peer, stateDead)
		return nil
	default:
		return err
	}
	defer rsp.Destroy()
	if rsp.Sender() != peer {
		glog.Warningf("keepalive: pinged node %d, node %d responded instead", peer, rsp.Sender())
		return nil
	}
	p.transition(peer, stateAlive)
	return nil
}

func (p *Prober) transition(peer acp.NodeID, next nodeState) {
	if p.states[peer] == next {
		return
	}
	p.states[peer] = next
	alive := next == stateAlive
	if alive {
		glog.Infof("keepalive: node %d is up", peer)
	} else {
		glog.Warningf("keepalive: node %d is down", peer)
	}
	if p.onState != nil {
		p.onState.HandleNodeState(peer, alive)
	}
}
