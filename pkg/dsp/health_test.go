package dsp

import (
	"testing"

	"github.com/lalitmahajn/Viscosity/pkg/config"
	"github.com/stretchr/testify/assert"
)

func perfectInput() HealthInput {
	return HealthInput{
		Magnitude:  0.05,
		NoiseFloor: 0,
		Locked:     true,
		ADCOK:      true,
		TempOK:     true,
	}
}

func TestHealth_PerfectScoreIs100(t *testing.T) {
	h := NewHealthScorer(config.Default().Health)
	score := h.Compute(perfectInput())

	assert.Equal(t, 100.0, score.Total)
	assert.Equal(t, 100.0, score.Signal)
	assert.Equal(t, 100.0, score.Lock)
	assert.Equal(t, 100.0, score.Sensors)
	assert.Equal(t, 100.0, score.Safety)
}

func TestHealth_AlarmPenaltyStrictlyDecreases(t *testing.T) {
	h := NewHealthScorer(config.Default().Health)

	in := perfectInput()
	base := h.Compute(in).Total

	in.ActiveAlarms = 1
	withAlarm := h.Compute(in)

	assert.Less(t, withAlarm.Total, base)
	assert.Less(t, withAlarm.Safety, 100.0)
}

func TestHealth_ClampedAtZero(t *testing.T) {
	h := NewHealthScorer(config.Default().Health)

	in := HealthInput{
		Magnitude:    0,
		Locked:       false,
		ADCOK:        false,
		TempOK:       false,
		FaultLatched: true,
		ActiveAlarms: 12,
	}
	score := h.Compute(in)

	assert.Equal(t, 0.0, score.Total)
	assert.GreaterOrEqual(t, score.Safety, 0.0)
}

func TestHealth_NoiseRatioDegradesSignal(t *testing.T) {
	h := NewHealthScorer(config.Default().Health)

	clean := perfectInput()
	noisy := perfectInput()
	noisy.NoiseFloor = noisy.Magnitude * 0.25 // half of the 0.5 limit

	cleanScore := h.Compute(clean)
	noisyScore := h.Compute(noisy)

	assert.Less(t, noisyScore.Signal, cleanScore.Signal)
	assert.InDelta(t, 50.0, noisyScore.Signal, 1.0)
}

func TestHealth_FreqJumpAndDropoutsDegradeLock(t *testing.T) {
	h := NewHealthScorer(config.Default().Health)

	in := perfectInput()
	in.FreqJumpHz = 0.5 // half of the 1 Hz limit
	score := h.Compute(in)
	assert.InDelta(t, 75.0, score.Lock, 1.0)

	in.Dropouts = 10 // above the per-minute limit
	score = h.Compute(in)
	assert.InDelta(t, 25.0, score.Lock, 1.0)
}

func TestHealth_Deterministic(t *testing.T) {
	h := NewHealthScorer(config.Default().Health)
	in := perfectInput()
	in.FreqJumpHz = 0.3
	in.ActiveAlarms = 2

	assert.Equal(t, h.Compute(in), h.Compute(in))
}
