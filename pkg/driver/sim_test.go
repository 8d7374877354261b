package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalitmahajn/Viscosity/pkg/config"
	"github.com/lalitmahajn/Viscosity/pkg/dsp"
)

func simConfig() config.SimConfig {
	return config.SimConfig{
		ResonanceHz: 179.8,
		PeakVolts:   0.05,
		WidthHz:     0.6,
		NoiseVolts:  0.0,
		TempC:       24.5,
	}
}

func TestSimLifecycle(t *testing.T) {
	s := NewSim(simConfig(), 200)
	assert.False(t, s.IsConnected())

	_, err := s.ReadSampleVolts()
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect())
	assert.True(t, s.IsConnected())
	assert.Error(t, s.Connect())

	require.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
}

func TestSimDutyClamped(t *testing.T) {
	s := NewSim(simConfig(), 200)
	require.NoError(t, s.Connect())

	require.NoError(t, s.SetDuty(1.7))
	assert.Equal(t, 1.0, s.Duty())

	require.NoError(t, s.SetDuty(-0.5))
	assert.Equal(t, 0.0, s.Duty())

	require.NoError(t, s.SetDuty(0.3))
	require.NoError(t, s.Stop())
	assert.Equal(t, 0.0, s.Duty())
}

func TestSimFaultInjection(t *testing.T) {
	s := NewSim(simConfig(), 200)
	require.NoError(t, s.Connect())

	s.SetADCFault(true)
	_, err := s.ReadSampleVolts()
	assert.ErrorIs(t, err, ErrHardwareFault)

	s.SetTempFault(true)
	_, err = s.ReadTempC()
	assert.ErrorIs(t, err, ErrHardwareFault)

	s.SetADCFault(false)
	s.SetTempFault(false)
	_, err = s.ReadSampleVolts()
	assert.NoError(t, err)
	temp, err := s.ReadTempC()
	assert.NoError(t, err)
	assert.Equal(t, 24.5, temp)
}

// Drive the sim at its resonance and demodulate: the lock-in should recover
// the configured peak amplitude and a phase of 90 degrees.
func TestSimResonantResponse(t *testing.T) {
	const sampleRate = 200.0
	cfg := simConfig()

	s := NewSim(cfg, sampleRate)
	require.NoError(t, s.Connect())
	require.NoError(t, s.SetFrequency(cfg.ResonanceHz))
	require.NoError(t, s.SetDuty(0.15))

	li := dsp.NewLockIn(sampleRate, cfg.ResonanceHz, 200*time.Millisecond)
	var out dsp.Demod
	for i := 0; i < 3000; i++ {
		v, err := s.ReadSampleVolts()
		require.NoError(t, err)
		out = li.Update(v)
	}

	assert.InDelta(t, cfg.PeakVolts, out.Magnitude, cfg.PeakVolts*0.05)
	assert.InDelta(t, 90.0, out.PhaseDeg, 3.0)
}

// Off the resonance peak the amplitude drops and the phase rotates past 90 on
// the high side, which is what the tracking loop keys on.
func TestSimOffResonanceResponse(t *testing.T) {
	const sampleRate = 200.0
	cfg := simConfig()
	freq := cfg.ResonanceHz + cfg.WidthHz

	s := NewSim(cfg, sampleRate)
	require.NoError(t, s.Connect())
	require.NoError(t, s.SetFrequency(freq))
	require.NoError(t, s.SetDuty(0.15))

	li := dsp.NewLockIn(sampleRate, freq, 200*time.Millisecond)
	var out dsp.Demod
	for i := 0; i < 3000; i++ {
		v, err := s.ReadSampleVolts()
		require.NoError(t, err)
		out = li.Update(v)
	}

	// One linewidth out: amplitude down by exp(-1/2), phase up by 45 deg.
	assert.InDelta(t, cfg.PeakVolts*0.6065, out.Magnitude, cfg.PeakVolts*0.05)
	assert.InDelta(t, 135.0, out.PhaseDeg, 3.0)
	assert.Greater(t, out.PhaseDeg, 90.0)
}

func TestSimZeroDutyIsQuiet(t *testing.T) {
	cfg := simConfig()
	cfg.NoiseVolts = 0.001
	s := NewSim(cfg, 200)
	require.NoError(t, s.Connect())
	require.NoError(t, s.SetFrequency(cfg.ResonanceHz))

	for i := 0; i < 100; i++ {
		v, err := s.ReadSampleVolts()
		require.NoError(t, err)
		assert.LessOrEqual(t, v, cfg.NoiseVolts)
		assert.GreaterOrEqual(t, v, -cfg.NoiseVolts)
	}
}

func TestGateAdapters(t *testing.T) {
	assert.True(t, StaticGate(true).IsAllowedToRun())
	assert.False(t, StaticGate(false).IsAllowedToRun())

	calls := 0
	g := GateFunc(func() bool { calls++; return true })
	assert.True(t, g.IsAllowedToRun())
	assert.Equal(t, 1, calls)
}

func TestSentinelErrorsWrap(t *testing.T) {
	s := NewSim(simConfig(), 200)
	require.NoError(t, s.Connect())
	s.SetADCFault(true)
	_, err := s.ReadSampleVolts()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHardwareFault))
	assert.Contains(t, err.Error(), "pickup adc")
}
