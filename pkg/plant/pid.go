package plant

// PID is a discrete PID regulator with trapezoidal integration,
// derivative on measurement and a saturated output with integrator
// anti-windup.
type PID struct {
	setpoint float32
	kp       float32
	ki       float32
	kd       float32
	ts       float32
	sat      float32

	prevError       float32
	prevMeasurement float32
	runningSum      float32
	prevUnbounded   float32
	prevBounded     float32
}

// NewPID creates a regulator. ts is the sampling period in seconds,
// sat the symmetric output bound.
func NewPID(setpoint, kp, ki, kd, ts, sat float32) *PID {
	return &PID{setpoint: setpoint, kp: kp, ki: ki, kd: kd, ts: ts, sat: sat}
}

// Sample advances the regulator by one measurement of the process
// variable and returns the bounded control output.
func (p *PID) Sample(pv float32) float32 {
	e := p.setpoint - pv
	step := p.ki * p.ts * 0.5 * (e + p.prevError)

	out := p.kp * e
	out -= p.kd * (pv - p.prevMeasurement) / p.ts

	// Integrate only while not saturated, or while the step counters
	// the windup.
	if (p.prevUnbounded-p.prevBounded)*step <= 0 {
		p.runningSum += step
	}
	out += p.runningSum

	p.prevError = e
	p.prevMeasurement = pv
	p.prevUnbounded = out

	if out > p.sat {
		out = p.sat
	} else if out < -p.sat {
		out = -p.sat
	}
	p.prevBounded = out

	return out
}

// Reset clears the regulator state, keeping the tuning.
func (p *PID) Reset() {
	p.prevError = 0
	p.prevMeasurement = 0
	p.runningSum = 0
	p.prevUnbounded = 0
	p.prevBounded = 0
}

// Setpoint returns the current setpoint.
func (p *PID) Setpoint() float32 {
	return p.setpoint
}

// SetSetpoint changes the setpoint and returns the previous one.
func (p *PID) SetSetpoint(sp float32) float32 {
	old := p.setpoint
	p.setpoint = sp
	return old
}

// Gains returns the proportional, integral and derivative gains.
func (p *PID) Gains() (kp, ki, kd float32) {
	return p.kp, p.ki, p.kd
}

// SetGains changes all three gains and returns the previous ones.
func (p *PID) SetGains(kp, ki, kd float32) (oldKp, oldKi, oldKd float32) {
	oldKp, oldKi, oldKd = p.kp, p.ki, p.kd
	p.kp, p.ki, p.kd = kp, ki, kd
	return
}

// SetSamplingPeriod changes the sampling period in seconds and returns
// the previous one.
func (p *PID) SetSamplingPeriod(ts float32) float32 {
	old := p.ts
	p.ts = ts
	return old
}
