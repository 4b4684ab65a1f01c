// Package sim implements a potentiostat backed by a one-dimensional
// diffusion solver. Unlike the mock driver's closed-form kinetics, this one
// integrates Fick's second law over a finite grid each sampling interval, so
// the current shows true diffusion-limited peaks on cyclic sweeps.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
)

// Name is the registry name for this driver.
const Name = "sim"

const (
	faraday  = 96485.0
	gasConst = 8.314
	tempK    = 298.0

	formalPotential = 0.2
	electrons       = 1.0
	electrodeArea   = 0.01   // cm²
	diffusionCoeff  = 7.6e-6 // cm²/s
	bulkConc        = 1e-3   // mol/cm³

	gridNodes     = 50
	gridSpacing   = 2e-4 // cm, ~100 µm diffusion domain
	pausePoll     = 10 * time.Millisecond
	keyframeEvery = 10
)

// Sim is the diffusion-solver instrument.
type Sim struct {
	logger hclog.Logger

	mu         sync.Mutex
	status     driver.Status
	wave       driver.Waveform
	technique  driver.Technique
	programmed bool
	streamed   bool
	voltage    float64
	current    float64
	elapsed    float64
	conc       []float64 // reduced species profile, node 0 at the electrode
	seed       int64
	timescale  float64
}

// New constructs the simulator.
func New(cfg driver.Config, logger hclog.Logger) *Sim {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sim{
		logger:    logger,
		status:    driver.StatusDisconnected,
		seed:      seed,
		timescale: 1,
	}
}

// Factory adapts New to the registry signature.
func Factory(cfg driver.Config, logger hclog.Logger) driver.Driver {
	return New(cfg, logger)
}

// SetTimescale accelerates frame production; 1 keeps real-time pacing.
func (s *Sim) SetTimescale(x float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if x > 0 {
		s.timescale = x
	}
}

func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != driver.StatusDisconnected {
		return nil
	}
	s.status = driver.StatusIdle
	s.resetGridLocked()
	s.logger.Info("diffusion simulator connected", "nodes", gridNodes)
	return nil
}

func (s *Sim) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = driver.StatusDisconnected
	s.voltage, s.current = 0, 0
	return nil
}

func (s *Sim) Info(ctx context.Context) (driver.Info, error) {
	if err := s.requireConnected(); err != nil {
		return driver.Info{}, err
	}
	return driver.Info{
		Vendor:          "Galvana Labs",
		Model:           "DiffusionSim FD-1",
		SerialNumber:    fmt.Sprintf("SIM-%05d", s.seed%100000),
		FirmwareVersion: "0.9.0-sim",
	}, nil
}

func (s *Sim) Capabilities() []driver.Technique {
	return []driver.Technique{
		driver.CyclicVoltammetry,
		driver.LinearSweep,
		driver.Chronoamperometry,
	}
}

func (s *Sim) Status() driver.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sim) Program(ctx context.Context, w driver.Waveform, t driver.Technique) error {
	if err := w.Validate(); err != nil {
		return err
	}
	supported := false
	for _, c := range s.Capabilities() {
		if c == t {
			supported = true
			break
		}
	}
	if !supported {
		return fault.Errorf(fault.InvalidInput, "technique %q not supported by simulator", t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != driver.StatusIdle {
		return fault.Errorf(fault.Conflict, "cannot program while %s", s.status)
	}
	s.wave = w
	s.technique = t
	s.programmed = true
	s.streamed = false
	s.elapsed = 0
	s.resetGridLocked()
	return nil
}

func (s *Sim) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.status == driver.StatusDisconnected:
		return fault.New(fault.Conflict, "simulator is not connected")
	case s.status == driver.StatusRunning || s.status == driver.StatusPaused:
		return fault.New(fault.Conflict, "an experiment is already in progress")
	case !s.programmed:
		return fault.New(fault.Conflict, "no waveform programmed")
	}
	s.status = driver.StatusRunning
	s.elapsed = 0
	s.resetGridLocked()
	return nil
}

func (s *Sim) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != driver.StatusRunning {
		return fault.Errorf(fault.Conflict, "cannot pause while %s", s.status)
	}
	s.status = driver.StatusPaused
	return nil
}

func (s *Sim) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != driver.StatusPaused {
		return fault.Errorf(fault.Conflict, "cannot resume while %s", s.status)
	}
	s.status = driver.StatusRunning
	return nil
}

func (s *Sim) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == driver.StatusDisconnected {
		return fault.New(fault.Conflict, "simulator is not connected")
	}
	s.status = driver.StatusIdle
	s.programmed = false
	s.voltage, s.current = 0, 0
	return nil
}

func (s *Sim) EmergencyStop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == driver.StatusDisconnected {
		return fault.New(fault.Conflict, "simulator is not connected")
	}
	s.status = driver.StatusIdle
	s.programmed = false
	s.voltage, s.current = 0, 0
	s.logger.Warn("emergency stop executed")
	return nil
}

func (s *Sim) SetVoltage(ctx context.Context, v float64) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	s.voltage = v
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetCurrent(ctx context.Context, a float64) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = a
	s.mu.Unlock()
	return nil
}

func (s *Sim) ReadOnce(ctx context.Context) (*driver.Frame, error) {
	if err := s.requireConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &driver.Frame{
		Kind:      driver.KindFrame,
		Timestamp: driver.NowMillis(),
		TimeS:     s.elapsed,
		Voltage:   s.voltage,
		Current:   s.current,
	}, nil
}

func (s *Sim) Stream(ctx context.Context) (<-chan driver.Item, error) {
	s.mu.Lock()
	if s.status != driver.StatusRunning && s.status != driver.StatusPaused {
		s.mu.Unlock()
		return nil, fault.New(fault.Conflict, "no experiment in progress")
	}
	if s.streamed {
		s.mu.Unlock()
		return nil, fault.New(fault.Conflict, "telemetry stream already consumed")
	}
	s.streamed = true
	w := s.wave
	scale := s.timescale
	s.mu.Unlock()

	ch := make(chan driver.Item)
	go s.produce(ctx, ch, w, scale)
	return ch, nil
}

func (s *Sim) produce(ctx context.Context, ch chan<- driver.Item, w driver.Waveform, scale float64) {
	defer close(ch)

	dt := 1.0 / w.Sampling()
	pace := time.Duration(dt / scale * float64(time.Second))

	// Explicit FTCS stability: D·dtSub/dx² ≤ 0.5.
	dtMax := gridSpacing * gridSpacing / (2 * diffusionCoeff)
	substeps := int(math.Ceil(dt / dtMax))
	if substeps < 1 {
		substeps = 1
	}
	dtSub := dt / float64(substeps)

	t := 0.0
	var timestep int64

	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		status := s.status
		s.mu.Unlock()

		switch status {
		case driver.StatusPaused:
			if err := sleep(ctx, pausePoll); err != nil {
				return
			}
			continue
		case driver.StatusRunning:
		default:
			return
		}

		if t >= w.DurationS {
			s.mu.Lock()
			s.status = driver.StatusIdle
			s.programmed = false
			s.voltage, s.current = 0, 0
			s.mu.Unlock()
			s.logger.Debug("simulation complete", "frames", timestep)
			return
		}

		v := w.VoltageAt(t)

		s.mu.Lock()
		for i := 0; i < substeps; i++ {
			s.stepGridLocked(v, dtSub)
		}
		i := s.fluxCurrentLocked()
		s.voltage, s.current = v, i
		s.elapsed = t
		s.mu.Unlock()

		frame := &driver.Frame{
			Kind:       driver.KindFrame,
			Timestep:   timestep,
			Timestamp:  driver.NowMillis(),
			TimeS:      t,
			Voltage:    v,
			Current:    i,
			IsKeyframe: timestep%keyframeEvery == 0,
		}

		select {
		case ch <- driver.Item{Frame: frame}:
		case <-ctx.Done():
			return
		}

		timestep++
		t += dt
		if err := sleep(ctx, pace); err != nil {
			return
		}
	}
}

func (s *Sim) resetGridLocked() {
	if s.conc == nil {
		s.conc = make([]float64, gridNodes)
	}
	for i := range s.conc {
		s.conc[i] = bulkConc
	}
}

// stepGridLocked advances the concentration profile by one explicit
// finite-difference step with a Nernstian surface boundary.
func (s *Sim) stepGridLocked(v, dt float64) {
	lambda := diffusionCoeff * dt / (gridSpacing * gridSpacing)

	// Surface node equilibrates instantly with the applied potential.
	theta := math.Exp(electrons * faraday / (gasConst * tempK) * (v - formalPotential))
	s.conc[0] = bulkConc / (1 + theta)

	prev := s.conc[0]
	for j := 1; j < gridNodes-1; j++ {
		cur := s.conc[j]
		s.conc[j] = cur + lambda*(s.conc[j+1]-2*cur+prev)
		prev = cur
	}
	s.conc[gridNodes-1] = bulkConc // semi-infinite bulk
}

// fluxCurrentLocked converts the surface concentration gradient to current.
func (s *Sim) fluxCurrentLocked() float64 {
	grad := (s.conc[1] - s.conc[0]) / gridSpacing
	return electrons * faraday * electrodeArea * diffusionCoeff * grad
}

func (s *Sim) requireConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == driver.StatusDisconnected {
		return fault.New(fault.Conflict, "simulator is not connected")
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
