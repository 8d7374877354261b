package dsp

import (
	"math"
	"time"

	"go.einride.tech/pid"
)

// SweepPoint is one (frequency, magnitude, phase) sample collected during a
// sweep session. Points live only for the duration of a session and are
// discarded on completion or reset.
type SweepPoint struct {
	FreqHz    float64
	Magnitude float64
	PhaseDeg  float64
	valid     bool
}

// SweepTracker plans a frequency sweep across the resonance band, collects one
// authoritative magnitude point per planned frequency and selects the peak.
// After the sweep it runs continuous closed-loop tracking, nudging the
// reference frequency toward the phase setpoint.
type SweepTracker struct {
	freqs  []float64
	points []SweepPoint
	index  int

	dwell       time.Duration
	lastAdvance time.Time
	started     bool

	phaseTarget float64
	maxNudgeHz  float64
	tracker     pid.Controller
}

// NewSweepTracker creates a tracker. nudgeGain is the proportional gain in Hz
// per degree of phase error; each tracking step is bounded to maxNudgeHz.
func NewSweepTracker(dwell time.Duration, phaseTargetDeg, nudgeGain, maxNudgeHz float64) *SweepTracker {
	return &SweepTracker{
		dwell:       dwell,
		phaseTarget: phaseTargetDeg,
		maxNudgeHz:  maxNudgeHz,
		tracker: pid.Controller{
			Config: pid.ControllerConfig{
				ProportionalGain: nudgeGain,
			},
		},
	}
}

// Plan builds the ordered frequency list from center-span to center+span
// inclusive at step resolution and resets the session.
func (s *SweepTracker) Plan(centerHz, spanHz, stepHz float64) {
	s.freqs = s.freqs[:0]
	start := centerHz - spanHz
	stop := centerHz + spanHz
	for f := start; f <= stop+1e-9; f += stepHz {
		// Round to step resolution so accumulated float error does not drift
		// the planned grid.
		s.freqs = append(s.freqs, math.Round(f*1e4)/1e4)
	}
	s.points = make([]SweepPoint, len(s.freqs))
	s.index = 0
	s.started = false
}

// PlannedCount returns the number of planned frequencies.
func (s *SweepTracker) PlannedCount() int {
	return len(s.freqs)
}

// CurrentFreq returns the frequency for the active index. Once the dwell time
// has elapsed since the index last advanced, it moves to the next entry;
// between advances the call is idempotent.
func (s *SweepTracker) CurrentFreq(now time.Time) float64 {
	if len(s.freqs) == 0 {
		return 0
	}
	if !s.started {
		s.started = true
		s.lastAdvance = now
	}
	if s.index < len(s.freqs) && now.Sub(s.lastAdvance) >= s.dwell {
		s.index++
		s.lastAdvance = now
	}
	if s.index >= len(s.freqs) {
		return s.freqs[len(s.freqs)-1]
	}
	return s.freqs[s.index]
}

// SubmitPoint records a point for the current index. Later submissions within
// the same dwell window overwrite, leaving one authoritative point per index.
func (s *SweepTracker) SubmitPoint(freqHz, magnitude, phaseDeg float64) {
	if s.index >= len(s.points) {
		return
	}
	s.points[s.index] = SweepPoint{
		FreqHz:    freqHz,
		Magnitude: magnitude,
		PhaseDeg:  phaseDeg,
		valid:     true,
	}
}

// IsComplete reports whether the index has advanced past the last planned
// entry.
func (s *SweepTracker) IsComplete() bool {
	return len(s.freqs) > 0 && s.index >= len(s.freqs)
}

// BestFreqHz selects the frequency of the point with maximum magnitude; ties
// resolve to the lowest frequency. When valid neighbors exist on both sides of
// the peak, a 3-point centroid refines the estimate below step resolution.
// The second return value is false when no point was collected.
func (s *SweepTracker) BestFreqHz() (float64, bool) {
	best := -1
	for i := range s.points {
		if !s.points[i].valid {
			continue
		}
		if best < 0 || s.points[i].Magnitude > s.points[best].Magnitude {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}

	if best > 0 && best < len(s.points)-1 &&
		s.points[best-1].valid && s.points[best+1].valid {
		return centroid3(s.points[best-1], s.points[best], s.points[best+1]), true
	}
	return s.points[best].FreqHz, true
}

// centroid3 computes the amplitude-weighted centroid of three neighboring
// points: (fL*aL + fM*aM + fR*aR) / (aL+aM+aR).
func centroid3(left, mid, right SweepPoint) float64 {
	denom := left.Magnitude + mid.Magnitude + right.Magnitude
	if denom <= 1e-12 {
		return mid.FreqHz
	}
	return (left.FreqHz*left.Magnitude + mid.FreqHz*mid.Magnitude + right.FreqHz*right.Magnitude) / denom
}

// Track performs one closed-loop tracking step: the reference frequency is
// nudged proportionally to the signed phase error, bounded to maxNudgeHz per
// call. Returns the new frequency.
func (s *SweepTracker) Track(currentHz, phaseDeg float64, dt time.Duration) float64 {
	err := phaseErrorDeg(phaseDeg, s.phaseTarget)
	s.tracker.Update(pid.ControllerInput{
		ReferenceSignal:  0,
		ActualSignal:     err,
		SamplingInterval: dt,
	})
	nudge := s.tracker.State.ControlSignal
	if nudge > s.maxNudgeHz {
		nudge = s.maxNudgeHz
	} else if nudge < -s.maxNudgeHz {
		nudge = -s.maxNudgeHz
	}
	return currentHz + nudge
}

// ResetSweep clears all points and the index so the planner can be reused.
// Tracking state is reset as well.
func (s *SweepTracker) ResetSweep() {
	for i := range s.points {
		s.points[i] = SweepPoint{}
	}
	s.index = 0
	s.started = false
	s.tracker.Reset()
}

// phaseErrorDeg returns the shortest signed error phase-target in degrees,
// wrapped into [-180, 180].
func phaseErrorDeg(phase, target float64) float64 {
	e := math.Mod(phase-target, 360.0)
	if e > 180.0 {
		e -= 360.0
	} else if e < -180.0 {
		e += 360.0
	}
	return e
}
