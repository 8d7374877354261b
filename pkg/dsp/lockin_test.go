package dsp

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func feedSine(l *LockIn, fs, freq, amp float64, seconds float64) {
	n := int(fs * seconds)
	for i := 0; i < n; i++ {
		t := float64(i) / fs
		l.Update(amp * math.Sin(2.0*math.Pi*freq*t))
	}
}

func TestLockIn_ConvergesToAmplitude(t *testing.T) {
	fs := 1000.0
	f0 := 180.0
	amp := 0.05
	tau := 200 * time.Millisecond
	l := NewLockIn(fs, f0, tau)

	// 2 s is ten time constants, well past the ~5*tau settling window.
	feedSine(l, fs, f0, amp, 2.0)

	out := l.Output()
	assert.InDelta(t, amp, out.Magnitude, amp*0.05)
}

func TestLockIn_PhaseStabilizes(t *testing.T) {
	fs := 1000.0
	f0 := 180.0
	l := NewLockIn(fs, f0, 200*time.Millisecond)

	feedSine(l, fs, f0, 0.05, 2.0)
	p1 := l.Output().PhaseDeg
	feedSine(l, fs, f0, 0.05, 0.5)
	p2 := l.Output().PhaseDeg

	diff := math.Abs(p1 - p2)
	if diff > 180 {
		diff = 360 - diff
	}
	assert.Less(t, diff, 5.0)
}

func TestLockIn_RejectsOffFrequency(t *testing.T) {
	fs := 1000.0
	l := NewLockIn(fs, 180.0, 200*time.Millisecond)

	// Input well away from the reference decays toward zero as the filter
	// settles.
	feedSine(l, fs, 300.0, 0.05, 2.0)

	assert.Less(t, l.Output().Magnitude, 0.01)
}

func TestLockIn_SetRefFreqKeepsPhaseContinuity(t *testing.T) {
	fs := 1000.0
	l := NewLockIn(fs, 180.0, 200*time.Millisecond)
	feedSine(l, fs, 180.0, 0.05, 1.0)

	before := l.Output()
	l.SetRefFreq(180.1)
	after := l.Update(0.05 * math.Sin(0))

	// One sample at the new frequency must not discontinuously move the
	// filtered output.
	assert.InDelta(t, before.Magnitude, after.Magnitude, before.Magnitude*0.05)
	assert.Equal(t, 180.1, l.RefFreq())
}

func TestLockIn_RejectsNonFiniteInput(t *testing.T) {
	fs := 1000.0
	l := NewLockIn(fs, 180.0, 200*time.Millisecond)
	feedSine(l, fs, 180.0, 0.05, 1.0)

	before := l.Output()
	assert.Equal(t, before, l.Update(math.NaN()))
	assert.Equal(t, before, l.Update(math.Inf(1)))
	assert.Equal(t, before, l.Update(math.Inf(-1)))
	assert.Equal(t, before, l.Output())
}

func TestLockIn_NoiseStability(t *testing.T) {
	fs := 1000.0
	l := NewLockIn(fs, 180.0, 200*time.Millisecond)

	// Deterministic pseudo-noise, uncorrelated with the reference.
	for i := 0; i < 2000; i++ {
		x := 0.01 * math.Sin(float64(i)*12.9898+78.233)
		l.Update(x)
	}

	assert.Less(t, l.Output().Magnitude, 0.05)
}
