package driver

import "time"

// FrameKind distinguishes measurement frames from control-plane messages
// that travel the same telemetry channel.
type FrameKind string

const (
	// KindFrame is a measurement sample.
	KindFrame FrameKind = "frame"
	// KindStatus announces a run state transition (completed, failed, ...).
	KindStatus FrameKind = "status"
	// KindLog carries an informational message for the client.
	KindLog FrameKind = "log"
	// KindEvent carries a gateway event (connected, bus_error, ...).
	KindEvent FrameKind = "event"
)

// Frame is one telemetry message. Measurement frames carry the electrical
// readings; status/log/event frames carry Status or Event plus Message.
// Frames are immutable once published to the bus: every subscriber shares
// the same instance.
type Frame struct {
	Kind      FrameKind `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Timestep  int64     `json:"timestep"`
	Timestamp float64   `json:"timestamp"` // unix epoch milliseconds
	TimeS     float64   `json:"time"`      // seconds since experiment start

	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`

	Charge        *float64 `json:"charge,omitempty"`
	Frequency     *float64 `json:"frequency,omitempty"`
	ImpedanceReal *float64 `json:"impedance_real,omitempty"`
	ImpedanceImag *float64 `json:"impedance_imag,omitempty"`

	IsKeyframe bool `json:"is_keyframe"`

	Status        string `json:"status,omitempty"` // run state, for status frames
	Event         string `json:"event,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	FinalTimestep *int64 `json:"final_timestep,omitempty"`
}

// Terminal reports whether this frame announces the end of a run. The
// telemetry bridge guarantees a terminal frame is the last message
// published for its run.
func (f *Frame) Terminal() bool {
	if f.Kind != KindStatus {
		return false
	}
	switch f.Status {
	case "completed", "failed", "aborted", "emergency-stopped":
		return true
	}
	return false
}

// NowMillis returns the wall clock as unix epoch milliseconds, the frame
// timestamp representation.
func NowMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}
