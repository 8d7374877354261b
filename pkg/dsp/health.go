package dsp

import (
	"math"

	"github.com/lalitmahajn/Viscosity/pkg/config"
)

// Sub-score weights. They sum to 1.0.
const (
	weightSignal  = 0.40
	weightLock    = 0.25
	weightSensors = 0.20
	weightSafety  = 0.15
)

// Composite penalties subtracted after the weighted sum.
const (
	penaltyFault = 30.0
	penaltyAlarm = 5.0
)

// HealthInput is everything the scorer looks at for one tick.
type HealthInput struct {
	Magnitude  float64
	NoiseFloor float64
	Locked     bool
	FreqJumpHz float64 // reference frequency change since last tick
	Dropouts   int     // dropouts observed in the last minute

	ADCOK  bool
	TempOK bool

	FaultLatched bool
	ActiveAlarms int
}

// HealthScore is the composite confidence value with its named sub-scores.
type HealthScore struct {
	Total   float64 // [0, 100]
	Signal  float64
	Lock    float64
	Sensors float64
	Safety  float64
}

// HealthScorer derives a single 0-100 confidence score from DSP and safety
// signals. It is pure: all state lives in the thresholds taken from
// configuration at construction.
type HealthScorer struct {
	maxNoiseRatio float64
	maxFreqJumpHz float64
	maxDropouts   int
}

// NewHealthScorer creates a scorer with thresholds from cfg.
func NewHealthScorer(cfg config.HealthConfig) *HealthScorer {
	return &HealthScorer{
		maxNoiseRatio: cfg.MaxNoiseRatio,
		maxFreqJumpHz: cfg.MaxFreqJumpHz,
		maxDropouts:   cfg.MaxDropoutsPerMin,
	}
}

// Compute derives the composite score for in. Deterministic for a given input.
func (h *HealthScorer) Compute(in HealthInput) HealthScore {
	signal := h.signalScore(in)
	lock := h.lockScore(in)
	sensors := sensorScore(in)
	safety := safetyScore(in)

	total := weightSignal*signal + weightLock*lock + weightSensors*sensors + weightSafety*safety
	if in.FaultLatched {
		total -= penaltyFault
	}
	total -= float64(in.ActiveAlarms) * penaltyAlarm

	return HealthScore{
		Total:   clamp100(total),
		Signal:  signal,
		Lock:    lock,
		Sensors: sensors,
		Safety:  safety,
	}
}

// signalScore maps the magnitude-to-noise ratio onto [0, 100]: full score when
// the noise fraction is zero, zero score at or beyond the configured limit.
func (h *HealthScorer) signalScore(in HealthInput) float64 {
	if in.Magnitude <= 0 {
		return 0
	}
	if in.NoiseFloor <= 0 {
		return 100
	}
	ratio := in.NoiseFloor / in.Magnitude
	if h.maxNoiseRatio <= 0 {
		return 100
	}
	return clamp100(100.0 * (1.0 - ratio/h.maxNoiseRatio))
}

// lockScore starts from whether the loop is locked and deducts for frequency
// jitter and dropouts.
func (h *HealthScorer) lockScore(in HealthInput) float64 {
	score := 40.0
	if in.Locked {
		score = 100.0
	}
	if h.maxFreqJumpHz > 0 {
		jump := math.Abs(in.FreqJumpHz)
		score -= 50.0 * math.Min(1.0, jump/h.maxFreqJumpHz)
	}
	if h.maxDropouts > 0 && in.Dropouts > 0 {
		score -= 50.0 * math.Min(1.0, float64(in.Dropouts)/float64(h.maxDropouts))
	}
	return clamp100(score)
}

func sensorScore(in HealthInput) float64 {
	score := 100.0
	if !in.ADCOK {
		score -= 50
	}
	if !in.TempOK {
		score -= 30
	}
	return clamp100(score)
}

func safetyScore(in HealthInput) float64 {
	score := 100.0
	if in.FaultLatched {
		score -= 60
	}
	score -= float64(in.ActiveAlarms) * 10
	return clamp100(score)
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
