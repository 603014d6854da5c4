// Package route fans a station's inbound messages out to consumers by
// message id. Interactive stations keep several conversations open at
// once; the router gives each one its own bounded queue while a single
// loop owns the stack's receive side.
package route

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/framework"
	"github.com/robotalks/boap.go/pkg/msgs"
)

// Router errors.
var (
	ErrAlreadyRouted = errors.New("message id already routed")
)

// LogTap consumes log lines forwarded by other stations.
type LogTap func(sender acp.NodeID, line string)

// Options parameterizes a Router.
type Options struct {
	// AutoPong answers ping requests from the routing loop itself.
	AutoPong bool
	// LogLines, when set, consumes forwarded log commits instead of
	// routing them.
	LogLines LogTap
}

// Router implements framework.Runnable: its loop receives from the
// stack and pushes every message into the subscription owning its id.
// Messages nobody subscribed to are destroyed.
type Router struct {
	stack *acp.Stack
	opts  Options

	lock   sync.RWMutex
	routes map[acp.MsgID]*Subscription
}

// NewRouter creates a Router over s.
func NewRouter(s *acp.Stack, opts Options) *Router {
	return &Router{
		stack:  s,
		opts:   opts,
		routes: make(map[acp.MsgID]*Subscription),
	}
}

// Subscribe routes ids to a new queue of the given capacity (zero
// selects the stack default). An id can belong to at most one
// subscription at a time.
func (r *Router) Subscribe(capacity int, ids ...acp.MsgID) (*Subscription, error) {
	if capacity <= 0 {
		capacity = acp.DefaultQueueCapacity
	}
	sub := &Subscription{
		router: r,
		queue:  framework.NewQueue(capacity),
		ids:    append([]acp.MsgID(nil), ids...),
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, id := range ids {
		if _, taken := r.routes[id]; taken {
			return nil, ErrAlreadyRouted
		}
	}
	for _, id := range ids {
		r.routes[id] = sub
	}
	return sub, nil
}

// Run implements framework.Runnable. It stops when the context ends
// or the stack closes, closing every subscription on the way out so
// blocked consumers unblock.
func (r *Router) Run(ctx context.Context) error {
	defer r.closeAll()
	for {
		msg, err := r.stack.ReceiveContext(ctx)
		if err == acp.ErrClosed {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		r.dispatch(msg)
	}
}

func (r *Router) dispatch(msg *acp.Message) {
	if r.opts.AutoPong && msg.ID() == msgs.MsgPingReq {
		r.pong(msg.Sender())
		msg.Destroy()
		return
	}
	if r.opts.LogLines != nil && msg.ID() == msgs.MsgLogCommit {
		r.tapLog(msg)
		msg.Destroy()
		return
	}
	r.lock.RLock()
	sub := r.routes[msg.ID()]
	r.lock.RUnlock()
	if sub == nil {
		glog.Warningf("route: message %d from node %d has no consumer", msg.ID(), msg.Sender())
		msg.Destroy()
		return
	}
	if err := sub.queue.Push(msg); err != nil {
		if err == framework.ErrQueueFull {
			glog.Warningf("route: consumer queue full, message %d from node %d dropped",
				msg.ID(), msg.Sender())
		}
		msg.Destroy()
	}
}

func (r *Router) pong(peer acp.NodeID) {
	pong, err := r.stack.NewMessage(peer, msgs.MsgPingResp, 0)
	if err != nil {
		glog.Warningf("route: cannot answer ping from node %d: %v", peer, err)
		return
	}
	if err := r.stack.Send(pong); err != nil {
		glog.Warningf("route: cannot answer ping from node %d: %v", peer, err)
	}
}

func (r *Router) tapLog(msg *acp.Message) {
	var line msgs.LogCommit
	if err := line.Unpack(msg.Payload()); err != nil {
		glog.Warningf("route: malformed log commit from node %d: %v", msg.Sender(), err)
		return
	}
	r.opts.LogLines(msg.Sender(), line.Message)
}

func (r *Router) closeAll() {
	r.lock.Lock()
	subs := make(map[*Subscription]bool)
	for _, sub := range r.routes {
		subs[sub] = true
	}
	r.routes = make(map[acp.MsgID]*Subscription)
	r.lock.Unlock()
	for sub := range subs {
		sub.drain()
	}
}

// Subscription is one consumer's bounded slice of the inbound
// traffic. Messages popped from it follow the usual ownership rules.
type Subscription struct {
	router *Router
	queue  *framework.Queue
	ids    []acp.MsgID
}

// Receive returns the next routed message, waiting up to timeout.
func (s *Subscription) Receive(timeout time.Duration) (*acp.Message, error) {
	item, err := s.queue.Pop(timeout)
	return received(item, err)
}

// ReceiveContext is Receive bound to a context.
func (s *Subscription) ReceiveContext(ctx context.Context) (*acp.Message, error) {
	item, err := s.queue.PopContext(ctx)
	return received(item, err)
}

// Close detaches the subscription from the router and destroys
// whatever was still queued.
func (s *Subscription) Close() error {
	s.router.lock.Lock()
	for _, id := range s.ids {
		if s.router.routes[id] == s {
			delete(s.router.routes, id)
		}
	}
	s.router.lock.Unlock()
	s.drain()
	return nil
}

func (s *Subscription) drain() {
	s.queue.Close(func(item interface{}) {
		item.(*acp.Message).Destroy()
	})
}

func received(item interface{}, err error) (*acp.Message, error) {
	switch err {
	case nil:
		return item.(*acp.Message), nil
	case framework.ErrTimeout:
		return nil, acp.ErrTimeout
	case framework.ErrQueueClosed:
		return nil, acp.ErrClosed
	default:
		return nil, err
	}
}
