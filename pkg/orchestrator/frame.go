package orchestrator

import (
	"math"
	"time"

	"github.com/lalitmahajn/Viscosity/pkg/regmap"
)

// Frame is the per-tick snapshot of the instrument. It is created once per
// tick, published atomically and never mutated afterwards.
type Frame struct {
	Timestamp time.Time

	ViscosityCP    float64 // temperature-normalized display value
	ViscosityRawCP float64
	TempC          float64
	FreqHz         float64
	Magnitude      float64
	PhaseDeg       float64
	Health         float64
	Quality        uint16

	Mode          uint16
	ControlSource uint16
	RemoteEnable  bool
	ActiveControl bool
	State         string
	Duty          float64

	Status uint16
	Alarms uint16
}

func boolReg(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}

// encodeFrame writes the device-owned register region from a frame. Scaled
// integer fields saturate instead of wrapping.
func encodeFrame(b *regmap.Bank, f Frame) {
	b.SetI32(regmap.RegViscosityX100I32, saturateI32(f.ViscosityCP*100))
	b.SetI16(regmap.RegTempX100I16, saturateI16(f.TempC*100))
	b.SetI16(regmap.RegFreqX100I16, saturateI16(f.FreqHz*100))
	b.SetU16(regmap.RegHealthU16, uint16(math.Max(0, math.Min(100, f.Health))))
	b.SetU16(regmap.RegQualityU16, f.Quality)

	b.SetU16(regmap.RegStatusWord, f.Status)
	b.SetU16(regmap.RegAlarmWord, f.Alarms)
	b.SetU16(regmap.RegMode, f.Mode)
	b.SetU16(regmap.RegControlSource, f.ControlSource)
	b.SetU16(regmap.RegRemoteEnable, boolReg(f.RemoteEnable))
	b.SetU16(regmap.RegActiveControl, boolReg(f.ActiveControl))

	b.SetF32(regmap.RegViscosityF32, float32(f.ViscosityCP))
	b.SetF32(regmap.RegTempF32, float32(f.TempC))
	b.SetF32(regmap.RegFreqF32, float32(f.FreqHz))
	b.SetF32(regmap.RegMagnitudeF32, float32(f.Magnitude))
	b.SetF32(regmap.RegConfidenceF32, float32(f.Health))

	b.BumpHeartbeat()
}

func saturateI16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}

func saturateI32(v float64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(math.Round(v))
}
