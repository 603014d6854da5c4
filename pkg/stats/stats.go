// Package stats aggregates runtime counters from the messaging and
// event layers and periodically logs a one-line summary.
package stats

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/boap.go/pkg/acp"
	"github.com/robotalks/boap.go/pkg/event"
)

// DefaultPeriod is how often the reporter logs a summary line.
const DefaultPeriod = 10 * time.Second

// Table is a set of atomic counters fed by the instrumentation hooks
// of the messaging stack, the event dispatcher and the sampling timer.
// A single Table may be shared by all of them.
type Table struct {
	txDropped     uint64
	rxDropped     uint64
	allocFailures uint64
	discarded     uint64
	falseStarts   uint64
}

// NewTable creates an empty counter table.
func NewTable() *Table {
	return &Table{}
}

// HandleTxDrop implements acp.TxDropHandler.
func (t *Table) HandleTxDrop(reason acp.TxDropReason, receiver acp.NodeID) {
	atomic.AddUint64(&t.txDropped, 1)
}

// HandleRxDrop implements acp.RxDropHandler.
func (t *Table) HandleRxDrop(reason acp.RxDropReason, sender acp.NodeID) {
	atomic.AddUint64(&t.rxDropped, 1)
	if reason == acp.RxDropAllocationFailure {
		atomic.AddUint64(&t.allocFailures, 1)
	}
}

// HandleDiscard implements event.DiscardHandler.
func (t *Table) HandleDiscard(ev event.Event) {
	atomic.AddUint64(&t.discarded, 1)
}

// FalseStart records a sampling tick that fired before the previous
// one was consumed.
func (t *Table) FalseStart() {
	atomic.AddUint64(&t.falseStarts, 1)
}

// TxDropped returns the number of dropped outbound messages.
func (t *Table) TxDropped() uint64 {
	return atomic.LoadUint64(&t.txDropped)
}

// RxDropped returns the number of dropped inbound frames.
func (t *Table) RxDropped() uint64 {
	return atomic.LoadUint64(&t.rxDropped)
}

// AllocationFailures returns the number of message allocation failures.
func (t *Table) AllocationFailures() uint64 {
	return atomic.LoadUint64(&t.allocFailures)
}

// Discarded returns the number of events given up on undispatched.
func (t *Table) Discarded() uint64 {
	return atomic.LoadUint64(&t.discarded)
}

// FalseStarts returns the number of sampling timer false starts.
func (t *Table) FalseStarts() uint64 {
	return atomic.LoadUint64(&t.falseStarts)
}

// Reporter logs a snapshot of the counters at a fixed period.
type Reporter struct {
	// Table provides the drop and false start counters.
	Table *Table
	// Dispatcher, if set, provides the event counters.
	Dispatcher *event.Dispatcher
	// Period between summary lines. Defaults to DefaultPeriod.
	Period time.Duration
}

// Summary renders the current counter values as a log line.
func (r *Reporter) Summary() string {
	var dispatched, overloads uint64
	if r.Dispatcher != nil {
		dispatched = r.Dispatcher.Dispatched()
		overloads = r.Dispatcher.Overloads()
	}
	return fmt.Sprintf("ED=%d, EQS=%d, EDC=%d, ATX=%d, ARX=%d, AF=%d, STFS=%d",
		dispatched, overloads,
		r.Table.Discarded(),
		r.Table.TxDropped(), r.Table.RxDropped(),
		r.Table.AllocationFailures(),
		r.Table.FalseStarts())
}

// Run implements framework.Runnable.
func (r *Reporter) Run(ctx context.Context) error {
	period := r.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			glog.Info(r.Summary())
		}
	}
}
