package driver

import (
	"fmt"
	"math"
	"sync"

	"github.com/lalitmahajn/Viscosity/pkg/config"
)

// Sim simulates the resonant probe front-end for development and testing.
// The pickup responds with a Gaussian amplitude peak around ResonanceHz and a
// phase that crosses 90 degrees at resonance, so the tracking loop behaves
// the way it does against real hardware.
type Sim struct {
	cfg          config.SimConfig
	sampleRateHz float64

	mu        sync.RWMutex
	connected bool
	freqHz    float64
	duty      float64
	phase     float64 // pickup oscillation phase, radians
	n         uint64  // sample counter for deterministic noise

	adcFault  bool
	tempFault bool
}

var _ Device = (*Sim)(nil)

// NewSim creates a simulated device.
func NewSim(cfg config.SimConfig, sampleRateHz float64) *Sim {
	return &Sim{
		cfg:          cfg,
		sampleRateHz: sampleRateHz,
	}
}

// Connect marks the simulated device as ready.
func (s *Sim) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return fmt.Errorf("already connected")
	}
	s.connected = true
	s.phase = 0
	s.n = 0
	return nil
}

// Close stops the simulated device.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// IsConnected returns whether the simulated device is connected.
func (s *Sim) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetFrequency sets the excitation frequency.
func (s *Sim) SetFrequency(hz float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return fmt.Errorf("invalid frequency %v", hz)
	}
	s.freqHz = hz
	return nil
}

// SetDuty sets the excitation duty cycle, clamped to [0,1].
func (s *Sim) SetDuty(duty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.duty = math.Max(0, math.Min(1, duty))
	return nil
}

// Duty returns the current duty cycle.
func (s *Sim) Duty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duty
}

// Stop drops the output to zero duty.
func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duty = 0
	return nil
}

// SetADCFault injects a pickup sensor fault.
func (s *Sim) SetADCFault(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adcFault = v
}

// SetTempFault injects a temperature sensor fault.
func (s *Sim) SetTempFault(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tempFault = v
}

// ReadSampleVolts produces the next pickup sample. The oscillation phase
// advances at the commanded drive frequency so a lock-in referenced at the
// same frequency demodulates the full response amplitude.
func (s *Sim) ReadSampleVolts() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, ErrNotConnected
	}
	if s.adcFault {
		return 0, fmt.Errorf("pickup adc: %w", ErrHardwareFault)
	}

	s.n++
	noise := s.cfg.NoiseVolts * 0.5 *
		(math.Sin(float64(s.n)*1.7) + math.Cos(float64(s.n)*2.3))

	if s.duty <= 0 || s.freqHz <= 0 {
		return noise, nil
	}

	s.phase += 2 * math.Pi * s.freqHz / s.sampleRateHz
	if s.phase >= 2*math.Pi {
		s.phase -= 2 * math.Pi
	}

	amp := s.responseAmplitude(s.freqHz)
	shift := s.responsePhaseRad(s.freqHz)
	return amp*math.Cos(s.phase-shift) + noise, nil
}

// ReadTempC returns the simulated bath temperature.
func (s *Sim) ReadTempC() (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return 0, ErrNotConnected
	}
	if s.tempFault {
		return 0, fmt.Errorf("temp sensor: %w", ErrHardwareFault)
	}
	return s.cfg.TempC, nil
}

func (s *Sim) responseAmplitude(freqHz float64) float64 {
	d := freqHz - s.cfg.ResonanceHz
	return s.cfg.PeakVolts * math.Exp(-d*d/(2*s.cfg.WidthHz*s.cfg.WidthHz))
}

// responsePhaseRad models the phase rotation through resonance: exactly 90
// degrees at the peak, climbing above it on the high side.
func (s *Sim) responsePhaseRad(freqHz float64) float64 {
	return math.Pi/2 + math.Atan((freqHz-s.cfg.ResonanceHz)/s.cfg.WidthHz)
}
