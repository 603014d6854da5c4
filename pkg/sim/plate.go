// Package sim provides a kinematic stand-in for the balancing rig: a
// ball rolling on a tiltable plate, measured the way the resistive
// touchscreen measures it. It implements the control node's hardware
// boundaries so a full plant station can run without the rig.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/robotalks/boap.go/pkg/msgs"
)

// Reference rig dimensions in millimeters. Positions are measured from
// the plate center, so each axis spans half the extent both ways.
const (
	DefaultExtentX = 322.0
	DefaultExtentY = 247.0
)

// DefaultStep is the integration step of the physics loop.
const DefaultStep = 5 * time.Millisecond

// Acceleration of a solid ball rolling without slipping, per sine of
// the plate tilt.
const rollAccel = 5.0 / 7.0 * 9.81

// Config parameterizes a Plate.
type Config struct {
	// ExtentX and ExtentY are the plate dimensions in millimeters;
	// zero selects the reference rig's screen.
	ExtentX float64
	ExtentY float64
	// Step is the integration step; zero selects DefaultStep.
	Step time.Duration
	// NoiseStdDev adds gaussian measurement noise, in millimeters.
	NoiseStdDev float64
	// Seed seeds the noise source; zero derives one from the clock.
	Seed int64
}

// Plate simulates the ball-on-plate kinematics. It implements the
// plant's PositionSource and ServoDriver boundaries and advances the
// ball on a fixed step while running.
type Plate struct {
	step time.Duration

	lock  sync.Mutex
	half  [2]float64 // m
	sigma float64    // mm
	rng   *rand.Rand
	tilt  [2]float64 // rad
	pos   [2]float64 // m
	vel   [2]float64 // m/s
	off   bool
}

// NewPlate creates a plate with the ball resting at the center. cfg
// may be nil.
func NewPlate(cfg *Config) *Plate {
	if cfg == nil {
		cfg = &Config{}
	}
	extentX, extentY := cfg.ExtentX, cfg.ExtentY
	if extentX <= 0 {
		extentX = DefaultExtentX
	}
	if extentY <= 0 {
		extentY = DefaultExtentY
	}
	step := cfg.Step
	if step <= 0 {
		step = DefaultStep
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Plate{
		step:  step,
		half:  [2]float64{extentX / 2000, extentY / 2000},
		sigma: cfg.NoiseStdDev,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Place puts the ball at rest at the given position in millimeters.
func (p *Plate) Place(x, y float32) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pos = [2]float64{float64(x) / 1000, float64(y) / 1000}
	p.vel = [2]float64{}
	p.off = math.Abs(p.pos[0]) > p.half[0] || math.Abs(p.pos[1]) > p.half[1]
}

// SetAngle implements ServoDriver. The commanded tilt takes effect on
// the next integration step.
func (p *Plate) SetAngle(axis msgs.Axis, rad float32) {
	p.lock.Lock()
	p.tilt[axis] = float64(rad)
	p.lock.Unlock()
}

// Position implements PositionSource, reporting millimeters from the
// plate center and whether the ball is on the plate at all.
func (p *Plate) Position(axis msgs.Axis) (float32, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.off {
		return 0, false
	}
	mm := p.pos[axis] * 1000
	if p.sigma > 0 {
		mm += p.rng.NormFloat64() * p.sigma
	}
	return float32(mm), true
}

// Run implements framework.Runnable, integrating the ball motion until
// ctx ends.
func (p *Plate) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.advance(p.step.Seconds())
		}
	}
}

// advance integrates one step. A ball past the plate edge has fallen
// off and stays off until placed again.
func (p *Plate) advance(dt float64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.off {
		return
	}
	for axis := range p.pos {
		a := rollAccel * math.Sin(p.tilt[axis])
		p.vel[axis] += a * dt
		p.pos[axis] += p.vel[axis] * dt
		if math.Abs(p.pos[axis]) > p.half[axis] {
			p.off = true
			p.vel = [2]float64{}
		}
	}
}
