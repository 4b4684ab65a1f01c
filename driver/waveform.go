package driver

import (
	"math"

	"github.com/galvana-labs/galvana/fault"
)

// WaveKind is the waveform shape applied during an experiment.
type WaveKind string

const (
	// WaveStep holds the initial voltage for the whole duration.
	WaveStep WaveKind = "step"
	// WaveRamp sweeps linearly from initial to final voltage.
	WaveRamp WaveKind = "ramp"
	// WaveTriangle sweeps initial→final→initial, one cycle per duration.
	WaveTriangle WaveKind = "triangle"
	// WaveSine oscillates around the initial voltage.
	WaveSine WaveKind = "sine"
)

// Waveform describes the potential program for an experiment.
type Waveform struct {
	Kind        WaveKind `json:"type"`
	InitialV    float64  `json:"initial_value"`
	FinalV      float64  `json:"final_value,omitempty"`
	DurationS   float64  `json:"duration"`
	ScanRate    float64  `json:"scan_rate,omitempty"`    // V/s, voltammetry
	FrequencyHz float64  `json:"frequency,omitempty"`    // sine
	AmplitudeV  float64  `json:"amplitude,omitempty"`    // sine
	SamplingHz  float64  `json:"sampling_rate,omitempty"` // frames per second
}

// Validate checks the structural requirements of the waveform: shape known,
// duration positive, sampling rate usable. Voltage range enforcement is the
// safety interlock's job, not validation's.
func (w Waveform) Validate() error {
	switch w.Kind {
	case WaveStep, WaveRamp, WaveTriangle, WaveSine:
	case "":
		return fault.New(fault.InvalidInput, "waveform type is required")
	default:
		return fault.Errorf(fault.InvalidInput, "unknown waveform type %q", w.Kind)
	}
	if w.DurationS <= 0 {
		return fault.New(fault.InvalidInput, "waveform duration must be positive")
	}
	if w.SamplingHz < 0 {
		return fault.New(fault.InvalidInput, "sampling rate must be non-negative")
	}
	if w.Kind == WaveSine && w.FrequencyHz < 0 {
		return fault.New(fault.InvalidInput, "sine frequency must be non-negative")
	}
	return nil
}

// Sampling returns the effective sampling rate in Hz, defaulting to 100.
func (w Waveform) Sampling() float64 {
	if w.SamplingHz <= 0 {
		return 100
	}
	return w.SamplingHz
}

// VoltageAt evaluates the programmed potential at elapsed time t seconds.
func (w Waveform) VoltageAt(t float64) float64 {
	switch w.Kind {
	case WaveRamp:
		if w.DurationS <= 0 {
			return w.InitialV
		}
		return w.InitialV + (w.FinalV-w.InitialV)*(t/w.DurationS)

	case WaveTriangle:
		vMin := w.InitialV
		vMax := w.FinalV
		if vMax == 0 && w.InitialV != 0 {
			vMax = -w.InitialV
		}
		half := w.DurationS / 2
		if half <= 0 {
			return vMin
		}
		if t < half {
			return vMin + (vMax-vMin)*(t/half)
		}
		return vMax - (vMax-vMin)*((t-half)/half)

	case WaveSine:
		freq := w.FrequencyHz
		if freq <= 0 {
			freq = 1.0
		}
		amp := w.AmplitudeV
		if amp <= 0 {
			amp = 0.01
		}
		return w.InitialV + amp*math.Sin(2*math.Pi*freq*t)

	default: // step
		return w.InitialV
	}
}

// EffectiveScanRate returns the sweep rate in V/s used by voltammetry
// current models: the explicit scan rate when set, otherwise derived from
// the voltage span, otherwise a 0.1 V/s fallback.
func (w Waveform) EffectiveScanRate() float64 {
	if w.ScanRate > 0 {
		return w.ScanRate
	}
	if w.DurationS > 0 {
		span := math.Abs(w.FinalV - w.InitialV)
		if span > 0 {
			return span / (w.DurationS / 2)
		}
	}
	return 0.1
}
