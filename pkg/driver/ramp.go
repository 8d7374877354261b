package driver

import (
	"math"
	"time"
)

// Ramp slews the drive duty toward a target in bounded steps so excitation
// never jumps. Stops bypass the ramp.
type Ramp struct {
	step     float64
	interval time.Duration

	target   float64
	current  float64
	lastStep time.Time
	started  bool
}

// NewRamp creates a ramp stepping by step at most once per interval.
func NewRamp(step float64, interval time.Duration) *Ramp {
	return &Ramp{step: step, interval: interval}
}

// SetTarget sets the duty the ramp slews toward.
func (r *Ramp) SetTarget(duty float64) {
	r.target = math.Max(0, math.Min(1, duty))
}

// Target returns the current target duty.
func (r *Ramp) Target() float64 {
	return r.target
}

// Current returns the last duty produced by Next.
func (r *Ramp) Current() float64 {
	return r.current
}

// Cut drops the output to zero immediately. Used for safe stops, where
// slewing down would keep the drive energized.
func (r *Ramp) Cut() {
	r.target = 0
	r.current = 0
}

// Next advances the ramp and returns the duty to apply. Calls within the same
// interval window return the current value unchanged.
func (r *Ramp) Next(now time.Time) float64 {
	if !r.started {
		r.started = true
		r.lastStep = now
	}
	if r.current == r.target {
		return r.current
	}
	if now.Sub(r.lastStep) < r.interval {
		return r.current
	}
	r.lastStep = now

	diff := r.target - r.current
	if math.Abs(diff) <= r.step {
		r.current = r.target
	} else if diff > 0 {
		r.current += r.step
	} else {
		r.current -= r.step
	}
	return r.current
}
