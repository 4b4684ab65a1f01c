// Package driver defines the potentiostat driver contract: the instrument
// control surface, the telemetry frame model, waveform programming, and the
// registry that maps driver names to factories.
//
// Implementations live in subpackages (mock, sim); real hardware backends
// plug in through the same interface without the rest of the system knowing.
package driver

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Status is the instrument lifecycle state as reported by a driver.
type Status string

const (
	// StatusDisconnected means no session with the instrument exists.
	StatusDisconnected Status = "disconnected"
	// StatusIdle means connected and ready to accept a program.
	StatusIdle Status = "idle"
	// StatusRunning means an experiment is producing data.
	StatusRunning Status = "running"
	// StatusPaused means an experiment is suspended but resumable.
	StatusPaused Status = "paused"
	// StatusError means the instrument needs intervention before reuse.
	StatusError Status = "error"
)

// Technique identifies an electrochemical measurement technique.
type Technique string

const (
	CyclicVoltammetry     Technique = "cyclic_voltammetry"
	Chronoamperometry     Technique = "chronoamperometry"
	Chronopotentiometry   Technique = "chronopotentiometry"
	ImpedanceSpectroscopy Technique = "electrochemical_impedance_spectroscopy"
	LinearSweep           Technique = "linear_sweep_voltammetry"
	DifferentialPulse     Technique = "differential_pulse_voltammetry"
)

// Info describes the physical (or simulated) instrument.
type Info struct {
	Vendor          string `json:"vendor"`
	Model           string `json:"model"`
	SerialNumber    string `json:"serial_number"`
	FirmwareVersion string `json:"firmware_version"`
}

// Config carries connection parameters for a driver instance. Fields not
// relevant to a given transport are left zero; e.g. the mock driver only
// reads Seed and NoiseLevel.
type Config struct {
	Host       string  `json:"host,omitempty"`
	Port       int     `json:"port,omitempty"`
	SerialPort string  `json:"serial_port,omitempty"`
	DeviceID   string  `json:"device_id,omitempty"`
	TimeoutS   float64 `json:"timeout,omitempty"`
	Seed       int64   `json:"seed,omitempty"`
	// NoiseLevel scales simulated measurement noise. Nil means the driver
	// default; an explicit zero disables noise entirely.
	NoiseLevel *float64 `json:"noise_level,omitempty"`
}

// Timeout returns the connect timeout, defaulting to 5s.
func (c Config) Timeout() time.Duration {
	if c.TimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutS * float64(time.Second))
}

// Item is one element of a telemetry stream: a frame, or the terminal error.
// After an Item with Err != nil the stream channel is closed.
type Item struct {
	Frame *Frame
	Err   error
}

// Driver is the contract every instrument backend implements.
//
// Lifecycle: Connect → (Program → Start → [Pause ↔ Resume] → Stop)* →
// Disconnect. EmergencyStop is valid in any connected state and must bring
// outputs to 0 V / 0 A within 100 ms. Implementations are safe for
// concurrent use; long-running calls honor ctx cancellation.
type Driver interface {
	// Connect establishes the instrument session. Idle on success.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Safe to call in any state.
	Disconnect(ctx context.Context) error

	// Info returns instrument identity. Requires a connected session.
	Info(ctx context.Context) (Info, error)

	// Capabilities lists the techniques this instrument supports.
	Capabilities() []Technique

	// Status reports the current lifecycle state without blocking.
	Status() Status

	// Program loads a waveform for the given technique. Only legal while
	// idle, where it is idempotent; an unsupported technique or malformed
	// waveform fails without touching instrument state.
	Program(ctx context.Context, w Waveform, t Technique) error

	// Start begins the programmed experiment.
	Start(ctx context.Context) error

	// Pause suspends acquisition without discarding the experiment.
	Pause(ctx context.Context) error

	// Resume continues a paused experiment.
	Resume(ctx context.Context) error

	// Stop ends the experiment gracefully and zeroes outputs.
	Stop(ctx context.Context) error

	// EmergencyStop forces outputs to 0 V / 0 A within 100 ms and aborts
	// any experiment. Idempotent.
	EmergencyStop(ctx context.Context) error

	// SetVoltage applies a potential in volts.
	SetVoltage(ctx context.Context, v float64) error

	// SetCurrent applies a current in amperes.
	SetCurrent(ctx context.Context, a float64) error

	// ReadOnce samples a single measurement frame outside of a stream.
	ReadOnce(ctx context.Context) (*Frame, error)

	// Stream returns the telemetry channel for the running experiment.
	// The stream is lazy (production starts on first receive or
	// immediately, per implementation), finite (closes when the programmed
	// duration elapses or the run ends), and non-restartable: a second
	// Stream call for the same run fails.
	Stream(ctx context.Context) (<-chan Item, error)
}

// Factory constructs a driver instance from connection config.
type Factory func(cfg Config, logger hclog.Logger) Driver
