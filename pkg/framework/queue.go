package framework

import (
	"context"
	"errors"
	"sync"
	"time"
)

// WaitForever makes Pop block until an item arrives.
const WaitForever time.Duration = -1

// Queue errors.
var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
	ErrTimeout     = errors.New("timeout")
)

// Queue is a bounded FIFO handing items between goroutines.
// Push never blocks. Pop blocks up to a timeout. An item popped from
// the queue belongs to the popper; items still buffered when the queue
// closes are resolved through the drain callback.
type Queue struct {
	ch   chan interface{}
	done chan struct{}

	lock   sync.RWMutex
	closed bool
}

// NewQueue creates a queue buffering at most capacity items.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan interface{}, capacity),
		done: make(chan struct{}),
	}
}

// Push appends an item without blocking. It fails with ErrQueueFull
// at capacity and ErrQueueClosed after Close.
func (q *Queue) Push(item interface{}) error {
	q.lock.RLock()
	defer q.lock.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pop removes the oldest item, waiting up to timeout for one to
// arrive. A zero timeout polls; WaitForever (any negative duration)
// waits indefinitely. Pop fails with ErrTimeout when the wait expires
// and ErrQueueClosed once the queue is closed and empty.
func (q *Queue) Pop(timeout time.Duration) (interface{}, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	if timeout == 0 {
		if q.isClosed() {
			return nil, ErrQueueClosed
		}
		return nil, ErrTimeout
	}
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case item := <-q.ch:
		return item, nil
	case <-expire:
		return nil, ErrTimeout
	case <-q.done:
		return q.popDrained()
	}
}

// PopContext is Pop bound to a context instead of a timeout.
func (q *Queue) PopContext(ctx context.Context) (interface{}, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return q.popDrained()
	}
}

// Close marks the queue closed and hands every still-buffered item to
// drain. Blocked Pops are unblocked with ErrQueueClosed. Close is
// idempotent; drain may be nil when items need no cleanup.
func (q *Queue) Close(drain func(interface{})) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	for {
		select {
		case item := <-q.ch:
			if drain != nil {
				drain(item)
			}
		default:
			return
		}
	}
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

func (q *Queue) popDrained() (interface{}, error) {
	// A pop racing the closing drain may still win an item.
	select {
	case item := <-q.ch:
		return item, nil
	default:
		return nil, ErrQueueClosed
	}
}

func (q *Queue) isClosed() bool {
	q.lock.RLock()
	defer q.lock.RUnlock()
	return q.closed
}
