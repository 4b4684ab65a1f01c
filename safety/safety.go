// Package safety wraps an instrument driver with the hardware interlock:
// voltage/current range enforcement, an experiment duration ceiling, and the
// emergency-stop latch. Every driver handed to the rest of the system goes
// through a Guard; nothing else talks to raw drivers.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
)

// ViolationType classifies a safety violation.
type ViolationType string

const (
	VoltageTooHigh  ViolationType = "voltage_too_high"
	VoltageTooLow   ViolationType = "voltage_too_low"
	CurrentTooHigh  ViolationType = "current_too_high"
	CurrentTooLow   ViolationType = "current_too_low"
	TimeoutExceeded ViolationType = "timeout_exceeded"
	EmergencyStop   ViolationType = "emergency_stop"
)

// Violation is one recorded safety event. The history survives latch resets.
type Violation struct {
	Type      ViolationType `json:"type"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// Limits are the enforced operating bounds.
type Limits struct {
	VoltageMin  float64
	VoltageMax  float64
	CurrentMin  float64
	CurrentMax  float64
	MaxDuration time.Duration
}

// DefaultLimits returns the stock bench limits: ±10 V, ±1 A, 1 hour.
func DefaultLimits() Limits {
	return Limits{
		VoltageMin:  -10,
		VoltageMax:  10,
		CurrentMin:  -1,
		CurrentMax:  1,
		MaxDuration: time.Hour,
	}
}

// Guard enforces Limits around an underlying driver. It implements
// driver.Driver so callers cannot tell the difference, except that unsafe
// operations fail, trip the instrument, and set the latch.
type Guard struct {
	inner  driver.Driver
	limits Limits
	logger hclog.Logger

	mu         sync.Mutex
	latched    bool
	violations []Violation
	runStarted time.Time // zero when no experiment is in flight
}

// Wrap places a Guard around d.
func Wrap(d driver.Driver, limits Limits, logger hclog.Logger) *Guard {
	return &Guard{inner: d, limits: limits, logger: logger.Named("safety")}
}

// Inner exposes the wrapped driver for teardown paths that must bypass the
// interlock (e.g. disconnect after a latch).
func (g *Guard) Inner() driver.Driver { return g.inner }

// EmergencyStopped reports whether the latch is set.
func (g *Guard) EmergencyStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latched
}

// Violations returns a copy of the recorded violation history.
func (g *Guard) Violations() []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Violation, len(g.violations))
	copy(out, g.violations)
	return out
}

// ResetEmergencyStop clears the latch. The violation history is retained.
// Privileged: only the instrument service's reset surface calls this.
func (g *Guard) ResetEmergencyStop() {
	g.mu.Lock()
	wasLatched := g.latched
	g.latched = false
	g.mu.Unlock()
	if wasLatched {
		g.logger.Info("emergency stop latch reset")
	}
}

// trip records a violation, sets the latch, and emergency-stops the
// instrument. The driver call happens outside the lock.
func (g *Guard) trip(vtype ViolationType, msg string) {
	v := Violation{Type: vtype, Message: msg, Timestamp: time.Now()}
	g.mu.Lock()
	g.violations = append(g.violations, v)
	g.latched = true
	g.runStarted = time.Time{}
	g.mu.Unlock()

	g.logger.Error("safety violation", "type", string(vtype), "message", msg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.inner.EmergencyStop(ctx); err != nil {
		g.logger.Error("emergency stop after violation failed", "error", err)
	}
}

func (g *Guard) checkVoltage(v float64) error {
	switch {
	case v > g.limits.VoltageMax:
		msg := fmt.Sprintf("voltage %gV exceeds maximum %gV", v, g.limits.VoltageMax)
		g.trip(VoltageTooHigh, msg)
		return fault.New(fault.SafetyViolation, msg)
	case v < g.limits.VoltageMin:
		msg := fmt.Sprintf("voltage %gV below minimum %gV", v, g.limits.VoltageMin)
		g.trip(VoltageTooLow, msg)
		return fault.New(fault.SafetyViolation, msg)
	}
	return nil
}

func (g *Guard) checkCurrent(a float64) error {
	switch {
	case a > g.limits.CurrentMax:
		msg := fmt.Sprintf("current %gA exceeds maximum %gA", a, g.limits.CurrentMax)
		g.trip(CurrentTooHigh, msg)
		return fault.New(fault.SafetyViolation, msg)
	case a < g.limits.CurrentMin:
		msg := fmt.Sprintf("current %gA below minimum %gA", a, g.limits.CurrentMin)
		g.trip(CurrentTooLow, msg)
		return fault.New(fault.SafetyViolation, msg)
	}
	return nil
}

// checkDuration trips when the running experiment outlives MaxDuration.
func (g *Guard) checkDuration() error {
	g.mu.Lock()
	started := g.runStarted
	max := g.limits.MaxDuration
	g.mu.Unlock()

	if started.IsZero() || max <= 0 {
		return nil
	}
	if elapsed := time.Since(started); elapsed > max {
		msg := fmtElapsed(elapsed, max)
		g.trip(TimeoutExceeded, msg)
		return fault.New(fault.SafetyViolation, msg)
	}
	return nil
}

// ---- driver.Driver ----

func (g *Guard) Connect(ctx context.Context) error    { return g.inner.Connect(ctx) }
func (g *Guard) Disconnect(ctx context.Context) error { return g.inner.Disconnect(ctx) }

func (g *Guard) Info(ctx context.Context) (driver.Info, error) { return g.inner.Info(ctx) }
func (g *Guard) Capabilities() []driver.Technique              { return g.inner.Capabilities() }
func (g *Guard) Status() driver.Status                         { return g.inner.Status() }

// Program verifies the waveform endpoints against the voltage bounds before
// the driver ever sees it. A violation trips the interlock and the
// underlying Program is not invoked. Blocked while latched.
func (g *Guard) Program(ctx context.Context, w driver.Waveform, t driver.Technique) error {
	g.mu.Lock()
	if g.latched {
		g.mu.Unlock()
		return fault.New(fault.EmergencyStopActive, "emergency stop active; reset required before programming")
	}
	g.mu.Unlock()

	if err := g.checkVoltage(w.InitialV); err != nil {
		return err
	}
	if err := g.checkVoltage(w.FinalV); err != nil {
		return err
	}
	return g.inner.Program(ctx, w, t)
}

// Start is blocked while the latch is set.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.latched {
		g.mu.Unlock()
		return fault.New(fault.EmergencyStopActive, "emergency stop active; reset required before starting")
	}
	g.mu.Unlock()

	if err := g.inner.Start(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	g.runStarted = time.Now()
	g.mu.Unlock()
	return nil
}

func (g *Guard) Pause(ctx context.Context) error { return g.inner.Pause(ctx) }

// Resume is blocked while latched and re-verifies the duration ceiling.
func (g *Guard) Resume(ctx context.Context) error {
	g.mu.Lock()
	if g.latched {
		g.mu.Unlock()
		return fault.New(fault.EmergencyStopActive, "emergency stop active; reset required before resuming")
	}
	g.mu.Unlock()

	if err := g.checkDuration(); err != nil {
		return err
	}
	return g.inner.Resume(ctx)
}

func (g *Guard) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.runStarted = time.Time{}
	g.mu.Unlock()
	return g.inner.Stop(ctx)
}

// EmergencyStop latches and stops the instrument. Calling it again while
// latched is a no-op success.
func (g *Guard) EmergencyStop(ctx context.Context) error {
	g.mu.Lock()
	if g.latched {
		g.mu.Unlock()
		return nil
	}
	g.latched = true
	g.runStarted = time.Time{}
	g.violations = append(g.violations, Violation{
		Type:      EmergencyStop,
		Message:   "emergency stop requested",
		Timestamp: time.Now(),
	})
	g.mu.Unlock()

	g.logger.Warn("emergency stop requested")
	return g.inner.EmergencyStop(ctx)
}

func (g *Guard) SetVoltage(ctx context.Context, v float64) error {
	if err := g.checkVoltage(v); err != nil {
		return err
	}
	return g.inner.SetVoltage(ctx, v)
}

func (g *Guard) SetCurrent(ctx context.Context, a float64) error {
	if err := g.checkCurrent(a); err != nil {
		return err
	}
	return g.inner.SetCurrent(ctx, a)
}

func (g *Guard) ReadOnce(ctx context.Context) (*driver.Frame, error) {
	if err := g.checkDuration(); err != nil {
		return nil, err
	}
	return g.inner.ReadOnce(ctx)
}

// Stream proxies the inner telemetry stream, enforcing the duration ceiling
// on every frame and tripping the interlock on driver stream errors.
func (g *Guard) Stream(ctx context.Context) (<-chan driver.Item, error) {
	in, err := g.inner.Stream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan driver.Item)
	go func() {
		defer close(out)
		for item := range in {
			if item.Err != nil {
				// Driver fault mid-stream: stop the hardware, then surface
				// the original error.
				g.trip(EmergencyStop, "stream error: "+item.Err.Error())
				send(ctx, out, item)
				return
			}
			if err := g.checkDuration(); err != nil {
				send(ctx, out, driver.Item{Err: err})
				return
			}
			if !send(ctx, out, item) {
				return
			}
		}
		g.mu.Lock()
		g.runStarted = time.Time{}
		g.mu.Unlock()
	}()
	return out, nil
}

func send(ctx context.Context, ch chan<- driver.Item, item driver.Item) bool {
	select {
	case ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func fmtElapsed(elapsed, max time.Duration) string {
	return fmt.Sprintf("experiment duration %s exceeds maximum %s",
		elapsed.Truncate(time.Second), max)
}
