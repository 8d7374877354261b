// Package dsp contains the signal-processing engines of the instrument: the
// streaming lock-in demodulator, the resonance sweep tracker and the health
// scorer. All of them are driven synchronously from the control loop and keep
// no goroutines of their own.
package dsp

import (
	"math"
	"time"
)

// Demod is a snapshot of the lock-in output.
type Demod struct {
	Magnitude float64
	PhaseDeg  float64 // [0, 360)
	I         float64
	Q         float64
}

// LockIn is a streaming synchronous demodulator. Each Update call mixes one
// raw sample with quadrature references at the tracked frequency and low-pass
// filters the products, yielding a continuously updated magnitude and phase.
type LockIn struct {
	sampleRate float64
	refFreq    float64
	dt         float64
	alpha      float64

	phaseAcc float64
	iLPF     float64
	qLPF     float64

	out Demod
}

// NewLockIn creates a lock-in running at sampleRateHz with the given reference
// frequency and filter time constant.
func NewLockIn(sampleRateHz, refFreqHz float64, tau time.Duration) *LockIn {
	l := &LockIn{
		sampleRate: sampleRateHz,
		refFreq:    refFreqHz,
	}
	if sampleRateHz > 0 {
		l.dt = 1.0 / sampleRateHz
	} else {
		l.dt = 0.005
	}
	l.setTau(tau)
	return l
}

// setTau computes the first-order IIR coefficient alpha = dt / (tau + dt).
func (l *LockIn) setTau(tau time.Duration) {
	t := tau.Seconds()
	if t <= 0 {
		l.alpha = 1.0
		return
	}
	l.alpha = l.dt / (t + l.dt)
}

// SetRefFreq changes the reference frequency used by the phase accumulator for
// subsequent samples. The accumulator phase and the filter state are kept, so
// a frequency change introduces no phase discontinuity. This is what makes
// closed-loop tracking possible.
func (l *LockIn) SetRefFreq(hz float64) {
	l.refFreq = hz
}

// RefFreq returns the current reference frequency.
func (l *LockIn) RefFreq() float64 {
	return l.refFreq
}

// Update processes a single raw sample and returns the new output snapshot.
// A non-finite sample is rejected and the prior state retained.
func (l *LockIn) Update(sample float64) Demod {
	if math.IsNaN(sample) || math.IsInf(sample, 0) {
		return l.out
	}

	l.phaseAcc += 2.0 * math.Pi * l.refFreq * l.dt
	if l.phaseAcc >= 2.0*math.Pi {
		l.phaseAcc -= 2.0 * math.Pi
	}

	refI := math.Cos(l.phaseAcc)
	refQ := math.Sin(l.phaseAcc)

	// Factor 2 recovers the true amplitude: avg(sin^2) = 0.5.
	rawI := sample * refI * 2.0
	rawQ := sample * refQ * 2.0

	l.iLPF = (1.0-l.alpha)*l.iLPF + l.alpha*rawI
	l.qLPF = (1.0-l.alpha)*l.qLPF + l.alpha*rawQ

	phase := math.Atan2(l.qLPF, l.iLPF) * 180.0 / math.Pi
	if phase < 0 {
		phase += 360.0
	}

	l.out = Demod{
		Magnitude: math.Sqrt(l.iLPF*l.iLPF + l.qLPF*l.qLPF),
		PhaseDeg:  phase,
		I:         l.iLPF,
		Q:         l.qLPF,
	}
	return l.out
}

// Output returns the most recent snapshot without processing a sample.
func (l *LockIn) Output() Demod {
	return l.out
}
