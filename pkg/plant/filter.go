package plant

import "errors"

// ErrBadOrder is returned for a non-positive filter order.
var ErrBadOrder = errors.New("plant: filter order must be positive")

// MovingAverage is a rolling mean over the last N input samples.
type MovingAverage struct {
	ring []float32
	idx  int
	avg  float32
}

// NewMovingAverage creates a filter of the given order with a zeroed
// sample window.
func NewMovingAverage(order int) (*MovingAverage, error) {
	if order < 1 {
		return nil, ErrBadOrder
	}
	return &MovingAverage{ring: make([]float32, order)}, nil
}

// Sample pushes one input sample and returns the updated mean.
func (f *MovingAverage) Sample(in float32) float32 {
	oldest := f.ring[f.idx]
	f.avg += (in - oldest) / float32(len(f.ring))
	f.ring[f.idx] = in
	f.idx = (f.idx + 1) % len(f.ring)
	return f.avg
}

// Order returns the filter order.
func (f *MovingAverage) Order() int {
	return len(f.ring)
}

// Reset fills the sample window with the given value.
func (f *MovingAverage) Reset(initial float32) {
	for i := range f.ring {
		f.ring[i] = initial
	}
	f.idx = 0
	f.avg = initial
}

// Resize changes the filter order in place, keeping the newest samples.
// A grown window is padded with the current mean so the output stays
// continuous.
func (f *MovingAverage) Resize(order int) error {
	if order < 1 {
		return ErrBadOrder
	}
	if order == len(f.ring) {
		return nil
	}

	// Samples in arrival order, oldest first.
	chron := make([]float32, len(f.ring))
	for i := range chron {
		chron[i] = f.ring[(f.idx+i)%len(f.ring)]
	}

	keep := order
	if keep > len(chron) {
		keep = len(chron)
	}
	ring := make([]float32, order)
	var sum float32
	for i := 0; i < order-keep; i++ {
		ring[i] = f.avg
		sum += f.avg
	}
	copy(ring[order-keep:], chron[len(chron)-keep:])
	for _, v := range chron[len(chron)-keep:] {
		sum += v
	}

	f.ring = ring
	f.idx = 0
	f.avg = sum / float32(order)
	return nil
}
