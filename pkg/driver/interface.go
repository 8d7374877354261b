// Package driver contains the hardware capability interfaces consumed by the
// control loop, backed by either a real MCU front-end over serial or a
// simulated resonator.
package driver

import "errors"

var (
	// ErrNotConnected is returned when an operation requires an open device.
	ErrNotConnected = errors.New("driver: not connected")
	// ErrHardwareFault is returned when the front-end reports a sensor fault.
	ErrHardwareFault = errors.New("driver: hardware fault")
	// ErrStale is returned when no fresh sample has arrived from the MCU.
	ErrStale = errors.New("driver: stale sample")
)

// ADC reads the pickup coil voltage, one sample per control tick.
type ADC interface {
	ReadSampleVolts() (float64, error)
}

// TempSensor reads the probe temperature.
type TempSensor interface {
	ReadTempC() (float64, error)
}

// Drive controls the excitation output. SetDuty clamps to [0,1]; operational
// limits are enforced by the caller.
type Drive interface {
	SetFrequency(hz float64) error
	SetDuty(duty float64) error
	Duty() float64
	Stop() error
}

// Device is the full front-end surface: sensors plus drive plus lifecycle.
type Device interface {
	ADC
	TempSensor
	Drive
	Connect() error
	Close() error
	IsConnected() bool
}

// Gate is the commissioning check consulted before the device may leave idle.
type Gate interface {
	IsAllowedToRun() bool
}

// GateFunc adapts a plain function to the Gate interface.
type GateFunc func() bool

func (f GateFunc) IsAllowedToRun() bool { return f() }

// StaticGate is a Gate with a fixed answer.
type StaticGate bool

func (g StaticGate) IsAllowedToRun() bool { return bool(g) }
