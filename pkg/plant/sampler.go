package plant

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robotalks/boap.go/pkg/event"
	"github.com/robotalks/boap.go/pkg/stats"
)

// DefaultSamplingPeriod is the control loop period until changed over
// the wire.
const DefaultSamplingPeriod = 20 * time.Millisecond

// Sampler is the control loop clock. It ticks twice per sampling
// period, once per axis, posting EvSamplingTick to the dispatcher.
// A tick firing before the previous one was handled is dropped and
// counted as a false start.
type Sampler struct {
	disp  *event.Dispatcher
	table *stats.Table

	lock   sync.Mutex
	period time.Duration
	rearm  chan struct{}

	ticks uint64
	busy  uint32
}

// NewSampler creates a sampler with the default period. table may be
// nil.
func NewSampler(disp *event.Dispatcher, table *stats.Table) *Sampler {
	return &Sampler{
		disp:   disp,
		table:  table,
		period: DefaultSamplingPeriod,
		rearm:  make(chan struct{}, 1),
	}
}

// Period returns the current sampling period.
func (s *Sampler) Period() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.period
}

// SetPeriod rearms the sampler and returns the previous period.
func (s *Sampler) SetPeriod(d time.Duration) time.Duration {
	s.lock.Lock()
	old := s.period
	s.period = d
	s.lock.Unlock()
	select {
	case s.rearm <- struct{}{}:
	default:
	}
	return old
}

// SampleNumber returns the number of full sampling periods elapsed.
func (s *Sampler) SampleNumber() uint64 {
	return atomic.LoadUint64(&s.ticks) / 2
}

// Run implements framework.Runnable. It stops without error when the
// dispatcher closes.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Period() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.rearm:
			ticker.Reset(s.Period() / 2)
		case <-ticker.C:
			if s.tick() == event.ErrClosed {
				return nil
			}
		}
	}
}

func (s *Sampler) tick() error {
	atomic.AddUint64(&s.ticks, 1)
	if !atomic.CompareAndSwapUint32(&s.busy, 0, 1) {
		// The previous tick is still in flight: the sampling period
		// is too low for the handler.
		if s.table != nil {
			s.table.FalseStart()
		}
		return nil
	}
	err := s.disp.Send(EvSamplingTick, nil)
	if err == nil {
		return nil
	}
	atomic.StoreUint32(&s.busy, 0)
	// An overload was already counted by the dispatcher.
	return err
}

// done marks the current tick handled, admitting the next one.
func (s *Sampler) done() {
	atomic.StoreUint32(&s.busy, 0)
}
