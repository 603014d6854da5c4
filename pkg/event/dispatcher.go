// Package event implements a cooperative run-to-completion event
// dispatcher: a bounded queue of id-tagged events consumed by a single
// pinned loop through a fixed handler table. A handler always returns
// before the next event is popped, so handlers never observe each
// other mid-flight.
package event

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/robotalks/boap.go/pkg/framework"
)

// MaxEvents bounds the handler table; event ids range from 0 to
// MaxEvents-1.
const MaxEvents = 32

// DefaultQueueCapacity is used when the config leaves the queue
// capacity zero.
const DefaultQueueCapacity = 32

// Dispatcher errors.
var (
	ErrInvalidEvent = errors.New("event id out of range")
	ErrHandlerBound = errors.New("event handler already bound")
	ErrOverload     = errors.New("event queue overload")
	ErrClosed       = errors.New("dispatcher closed")
)

// ID names an event slot.
type ID int

// Event pairs an event id with an optional payload. Ownership of the
// payload passes to the dispatcher when Send accepts the event.
type Event struct {
	ID      ID
	Payload interface{}
}

// Handler consumes a dispatched event.
type Handler interface {
	HandleEvent(event Event)
}

// HandlerFunc is a func adapter of Handler.
type HandlerFunc func(event Event)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(event Event) {
	f(event)
}

// DiscardHandler observes events the dispatcher gives up on: events
// with no bound handler and events still queued at close. It is where
// payload ownership returns when dispatch never happens.
type DiscardHandler interface {
	HandleDiscard(event Event)
}

// DiscardFunc is a func adapter of DiscardHandler.
type DiscardFunc func(event Event)

// HandleDiscard implements DiscardHandler.
func (f DiscardFunc) HandleDiscard(event Event) {
	f(event)
}

// Config parameterizes a Dispatcher.
type Config struct {
	// QueueCapacity bounds the event queue; zero selects
	// DefaultQueueCapacity.
	QueueCapacity int
	// Discard observes undispatched events. nil drops them.
	Discard DiscardHandler
}

// Dispatcher queues events and hands them, one at a time and in
// arrival order, to the handlers bound in its table.
type Dispatcher struct {
	queue   *framework.Queue
	discard DiscardHandler

	lock     sync.RWMutex
	handlers [MaxEvents]Handler

	started   chan struct{}
	startOnce sync.Once

	dispatched uint64
	overloads  uint64
}

// New creates a Dispatcher. A nil config selects all defaults.
func New(cfg *Config) *Dispatcher {
	capacity := 0
	var discard DiscardHandler
	if cfg != nil {
		capacity = cfg.QueueCapacity
		discard = cfg.Discard
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Dispatcher{
		queue:   framework.NewQueue(capacity),
		discard: discard,
		started: make(chan struct{}),
	}
}

// Register binds h to an event id. A nil handler unbinds the id; a
// bound id must be unbound before it can change hands.
func (d *Dispatcher) Register(id ID, h Handler) error {
	if id < 0 || id >= MaxEvents {
		return ErrInvalidEvent
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if h != nil && d.handlers[id] != nil {
		return ErrHandlerBound
	}
	d.handlers[id] = h
	return nil
}

// Send enqueues an event without blocking. On acceptance the payload
// belongs to the dispatcher until a handler receives it or the discard
// observer takes it back; on failure it stays with the caller.
func (d *Dispatcher) Send(id ID, payload interface{}) error {
	if id < 0 || id >= MaxEvents {
		return ErrInvalidEvent
	}
	switch err := d.queue.Push(Event{ID: id, Payload: payload}); err {
	case nil:
		return nil
	case framework.ErrQueueClosed:
		return ErrClosed
	default:
		atomic.AddUint64(&d.overloads, 1)
		glog.Warningf("event: queue overload, event %d rejected", id)
		return ErrOverload
	}
}

// Start releases the dispatch loop. Events sent before Start stay
// queued; calling Start again has no further effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() { close(d.started) })
}

// Run implements framework.Runnable. The loop pins itself to one OS
// thread, waits for Start and consumes the queue until the context
// ends or the dispatcher closes. Events left behind go to the discard
// observer.
func (d *Dispatcher) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer d.Close()
	select {
	case <-d.started:
	case <-ctx.Done():
		return ctx.Err()
	}
	glog.V(1).Info("event: dispatch loop started")
	for {
		item, err := d.queue.PopContext(ctx)
		if err == framework.ErrQueueClosed {
			return nil
		}
		if err != nil {
			return err
		}
		d.dispatch(item.(Event))
	}
}

// Close shuts the queue and routes every undelivered event to the
// discard observer. It unblocks a running loop and is idempotent.
func (d *Dispatcher) Close() error {
	d.queue.Close(func(item interface{}) {
		event := item.(Event)
		glog.V(1).Infof("event: discarding undelivered event %d", event.ID)
		d.giveUp(event)
	})
	return nil
}

// Dispatched reports how many events reached a handler.
func (d *Dispatcher) Dispatched() uint64 {
	return atomic.LoadUint64(&d.dispatched)
}

// Overloads reports how many events the queue rejected.
func (d *Dispatcher) Overloads() uint64 {
	return atomic.LoadUint64(&d.overloads)
}

func (d *Dispatcher) dispatch(event Event) {
	d.lock.RLock()
	h := d.handlers[event.ID]
	d.lock.RUnlock()
	if h == nil {
		glog.Warningf("event: no handler for event %d", event.ID)
		d.giveUp(event)
		return
	}
	h.HandleEvent(event)
	atomic.AddUint64(&d.dispatched, 1)
}

func (d *Dispatcher) giveUp(event Event) {
	if d.discard != nil {
		d.discard.HandleDiscard(event)
	}
}
