// Package viscosity converts the demodulated amplitude feature into a
// viscosity reading using a calibration curve, with optional normalization to
// a reference temperature.
package viscosity

import (
	"math"
	"sort"

	"github.com/lalitmahajn/Viscosity/pkg/config"
)

// Result carries one conversion. Raw is the as-measured value, Ref the value
// normalized to the reference temperature. When no valid temperature is
// available Ref equals Raw.
type Result struct {
	FeatureValue float64
	RawCP        float64
	RefCP        float64
	OutOfRange   bool
}

// Model evaluates the calibration curve. It is immutable after construction
// so the control loop can call it without locking.
type Model struct {
	points   []config.CalPoint
	coeff    float64
	refTempC float64
}

// NewModel builds a model from configured calibration points. Points are
// sorted by feature value; duplicate feature values are merged by averaging.
func NewModel(cfg config.ModelConfig) *Model {
	pts := make([]config.CalPoint, len(cfg.Points))
	copy(pts, cfg.Points)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Feature < pts[j].Feature })

	merged := pts[:0]
	for i := 0; i < len(pts); {
		x := pts[i].Feature
		sum := 0.0
		n := 0
		for i < len(pts) && math.Abs(pts[i].Feature-x) < 1e-12 {
			sum += pts[i].ViscosityCP
			n++
			i++
		}
		merged = append(merged, config.CalPoint{Feature: x, ViscosityCP: sum / float64(n)})
	}

	return &Model{
		points:   merged,
		coeff:    cfg.TempCompCoeff,
		refTempC: cfg.RefTempC,
	}
}

// Calibrated reports whether the model has enough points to interpolate.
func (m *Model) Calibrated() bool {
	return len(m.points) >= 2
}

// Convert maps an amplitude feature to viscosity by piecewise-linear
// interpolation. Features outside the calibrated range clamp to the nearest
// edge and are flagged.
func (m *Model) Convert(feature float64) (float64, bool) {
	if len(m.points) == 0 {
		return 0, true
	}
	if len(m.points) == 1 {
		return m.points[0].ViscosityCP, feature != m.points[0].Feature
	}

	first, last := m.points[0], m.points[len(m.points)-1]
	if feature <= first.Feature {
		return first.ViscosityCP, feature < first.Feature
	}
	if feature >= last.Feature {
		return last.ViscosityCP, feature > last.Feature
	}

	for i := 1; i < len(m.points); i++ {
		p0, p1 := m.points[i-1], m.points[i]
		if feature <= p1.Feature {
			t := (feature - p0.Feature) / (p1.Feature - p0.Feature)
			return p0.ViscosityCP + t*(p1.ViscosityCP-p0.ViscosityCP), false
		}
	}
	return last.ViscosityCP, false
}

// Compensate normalizes a measured viscosity to the reference temperature
// using a linear fractional coefficient per degree.
func (m *Model) Compensate(cp, tempC float64) float64 {
	factor := 1.0 + m.coeff*(tempC-m.refTempC)
	if factor < 0.1 {
		factor = 0.1
	}
	out := cp / factor
	if out < 0 {
		out = 0
	}
	return out
}

// Compute runs the full conversion: feature to raw viscosity, then optional
// temperature normalization.
func (m *Model) Compute(feature, tempC float64, tempValid bool) Result {
	raw, oor := m.Convert(feature)
	ref := raw
	if tempValid {
		ref = m.Compensate(raw, tempC)
	}
	return Result{
		FeatureValue: feature,
		RawCP:        raw,
		RefCP:        ref,
		OutOfRange:   oor,
	}
}
