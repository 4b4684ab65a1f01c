// Package mock implements a simulated potentiostat. It reproduces the
// electrical response of a reversible one-electron redox couple using
// Butler-Volmer kinetics plus double-layer charging, good enough to exercise
// every downstream component without hardware on the bench.
package mock

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
)

// Name is the registry name for this driver.
const Name = "mock"

// Physical constants.
const (
	faraday  = 96485.0 // C/mol
	gasConst = 8.314   // J/(mol·K)
	tempK    = 298.0
)

// Simulated cell parameters for the ferri/ferrocyanide-like couple.
const (
	formalPotential = 0.2    // E0, V vs reference
	electrons       = 1.0    // n
	electrodeArea   = 0.01   // cm²
	diffusionCoeff  = 7.6e-6 // cm²/s
	bulkConc        = 1e-3   // mol/cm³
	rateConstant    = 0.01   // k0, cm/s
	transferCoeff   = 0.5    // alpha
	dlCapacitance   = 20e-6  // F/cm²
)

const (
	connectDelay    = 100 * time.Millisecond
	disconnectDelay = 50 * time.Millisecond
	pausePoll       = 10 * time.Millisecond
	keyframeEvery   = 10
	defaultNoise    = 0.05
)

// Mock is the simulated instrument. All methods are safe for concurrent use.
type Mock struct {
	logger hclog.Logger

	mu         sync.Mutex
	status     driver.Status
	wave       driver.Waveform
	technique  driver.Technique
	programmed bool
	streamed   bool
	voltage    float64
	setCurrent float64
	current    float64
	elapsed    float64
	rng        *rand.Rand

	seed       int64
	noiseLevel float64
	timescale  float64
}

// New constructs a mock driver. With a zero seed the simulation is seeded
// from the clock; a fixed seed makes every run reproducible.
func New(cfg driver.Config, logger hclog.Logger) *Mock {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	noise := defaultNoise
	if cfg.NoiseLevel != nil && *cfg.NoiseLevel >= 0 {
		noise = *cfg.NoiseLevel
	}
	return &Mock{
		logger:     logger,
		status:     driver.StatusDisconnected,
		rng:        rand.New(rand.NewSource(seed)),
		seed:       seed,
		noiseLevel: noise,
		timescale:  1,
	}
}

// Factory adapts New to the registry signature.
func Factory(cfg driver.Config, logger hclog.Logger) driver.Driver {
	return New(cfg, logger)
}

// SetTimescale accelerates frame production by the given factor without
// changing the simulated time axis. Useful for demos and tests; 1 keeps
// real-time pacing.
func (m *Mock) SetTimescale(x float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if x > 0 {
		m.timescale = x
	}
}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status != driver.StatusDisconnected {
		m.mu.Unlock()
		return nil // already connected
	}
	m.mu.Unlock()

	if err := sleep(ctx, connectDelay); err != nil {
		return err
	}

	m.mu.Lock()
	m.status = driver.StatusIdle
	m.mu.Unlock()
	m.logger.Info("mock instrument connected", "seed", m.seed)
	return nil
}

func (m *Mock) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.status == driver.StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.status = driver.StatusDisconnected
	m.voltage, m.current = 0, 0
	m.mu.Unlock()

	// Hardware teardown time.
	_ = sleep(ctx, disconnectDelay)
	m.logger.Info("mock instrument disconnected")
	return nil
}

func (m *Mock) Info(ctx context.Context) (driver.Info, error) {
	if err := m.requireConnected(); err != nil {
		return driver.Info{}, err
	}
	return driver.Info{
		Vendor:          "Mock Instruments Inc.",
		Model:           "MockStat 3000",
		SerialNumber:    fmt.Sprintf("MOCK-%05d", m.seed%100000),
		FirmwareVersion: "1.0.0-mock",
	}, nil
}

func (m *Mock) Capabilities() []driver.Technique {
	return []driver.Technique{
		driver.CyclicVoltammetry,
		driver.Chronoamperometry,
		driver.Chronopotentiometry,
		driver.LinearSweep,
	}
}

func (m *Mock) Status() driver.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Mock) Program(ctx context.Context, w driver.Waveform, t driver.Technique) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if !m.supports(t) {
		return fault.Errorf(fault.InvalidInput,
			"technique %q not supported by mock instrument", t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != driver.StatusIdle {
		return fault.Errorf(fault.Conflict, "cannot program while %s", m.status)
	}
	m.wave = w
	m.technique = t
	m.programmed = true
	m.streamed = false
	m.elapsed = 0
	return nil
}

func (m *Mock) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.status == driver.StatusDisconnected:
		return fault.New(fault.Conflict, "mock instrument is not connected")
	case m.status == driver.StatusRunning || m.status == driver.StatusPaused:
		return fault.New(fault.Conflict, "an experiment is already in progress")
	case !m.programmed:
		return fault.New(fault.Conflict, "no waveform programmed")
	}
	m.status = driver.StatusRunning
	m.elapsed = 0
	return nil
}

func (m *Mock) Pause(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != driver.StatusRunning {
		return fault.Errorf(fault.Conflict, "cannot pause while %s", m.status)
	}
	m.status = driver.StatusPaused
	return nil
}

func (m *Mock) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != driver.StatusPaused {
		return fault.Errorf(fault.Conflict, "cannot resume while %s", m.status)
	}
	m.status = driver.StatusRunning
	return nil
}

func (m *Mock) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == driver.StatusDisconnected {
		return fault.New(fault.Conflict, "mock instrument is not connected")
	}
	m.status = driver.StatusIdle
	m.programmed = false
	m.voltage, m.current = 0, 0
	return nil
}

func (m *Mock) EmergencyStop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == driver.StatusDisconnected {
		return fault.New(fault.Conflict, "mock instrument is not connected")
	}
	// Outputs open within the same lock acquisition, well under 100ms.
	m.status = driver.StatusIdle
	m.programmed = false
	m.voltage, m.current = 0, 0
	m.logger.Warn("emergency stop executed")
	return nil
}

func (m *Mock) SetVoltage(ctx context.Context, v float64) error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	m.voltage = v
	m.mu.Unlock()
	return nil
}

func (m *Mock) SetCurrent(ctx context.Context, a float64) error {
	if err := m.requireConnected(); err != nil {
		return err
	}
	m.mu.Lock()
	m.setCurrent = a
	m.current = a
	m.mu.Unlock()
	return nil
}

// ReadOnce reports the instantaneous output registers. After a stop or
// emergency stop both read exactly zero.
func (m *Mock) ReadOnce(ctx context.Context) (*driver.Frame, error) {
	if err := m.requireConnected(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return &driver.Frame{
		Kind:      driver.KindFrame,
		Timestamp: driver.NowMillis(),
		TimeS:     m.elapsed,
		Voltage:   m.voltage,
		Current:   m.current,
	}, nil
}

func (m *Mock) Stream(ctx context.Context) (<-chan driver.Item, error) {
	m.mu.Lock()
	if m.status != driver.StatusRunning && m.status != driver.StatusPaused {
		m.mu.Unlock()
		return nil, fault.New(fault.Conflict, "no experiment in progress")
	}
	if m.streamed {
		m.mu.Unlock()
		return nil, fault.New(fault.Conflict, "telemetry stream already consumed")
	}
	m.streamed = true
	w := m.wave
	scale := m.timescale
	m.mu.Unlock()

	ch := make(chan driver.Item)
	go m.produce(ctx, ch, w, scale)
	return ch, nil
}

// produce is the acquisition loop: one frame per sampling interval of
// simulated time, paced by timescale, until the programmed duration
// elapses or the experiment is stopped.
func (m *Mock) produce(ctx context.Context, ch chan<- driver.Item, w driver.Waveform, scale float64) {
	defer close(ch)

	dt := 1.0 / w.Sampling()
	pace := time.Duration(dt / scale * float64(time.Second))
	t := 0.0
	var timestep int64

	for {
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		status := m.status
		m.mu.Unlock()

		switch status {
		case driver.StatusPaused:
			if err := sleep(ctx, pausePoll); err != nil {
				return
			}
			continue
		case driver.StatusRunning:
			// fall through to sampling
		default:
			// Stopped, e-stopped or disconnected while streaming.
			return
		}

		if t >= w.DurationS {
			m.mu.Lock()
			m.status = driver.StatusIdle
			m.programmed = false
			m.voltage, m.current = 0, 0
			m.mu.Unlock()
			m.logger.Debug("experiment complete", "frames", timestep)
			return
		}

		v := w.VoltageAt(t)
		m.mu.Lock()
		i := m.sampleCurrentLocked(v, t)
		m.voltage, m.current = v, i
		m.elapsed = t
		m.mu.Unlock()

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

// sampleCurrentLocked computes the cell current for the applied potential at
// simulated time t. Caller holds m.mu.
func (m *Mock) sampleCurrentLocked(v, t float64) float64 {
	var i float64
	switch m.technique {
	case driver.Chronoamperometry:
		// Cottrell decay; clamp t to keep the 1/sqrt(t) singularity finite.
		tc := math.Max(t, 1e-3)
		i = electrons * faraday * electrodeArea * bulkConc *
			math.Sqrt(diffusionCoeff/(math.Pi*tc))

	case driver.Chronopotentiometry:
		i = m.setCurrent
		if i == 0 {
			i = 1e-6
		}

	default: // voltammetry: CV, LSV
		i = faradaicCurrent(v) + capacitiveCurrent(m.wave)
	}

	return i + m.rng.NormFloat64()*math.Abs(i)*m.noiseLevel
}

// faradaicCurrent evaluates Butler-Volmer kinetics with Nernstian surface
// concentrations for the reduced/oxidized couple.
func faradaicCurrent(v float64) float64 {
	fOverRT := electrons * faraday / (gasConst * tempK)
	eta := v - formalPotential

	kRed := rateConstant * math.Exp(-transferCoeff*fOverRT*eta)
	kOx := rateConstant * math.Exp((1-transferCoeff)*fOverRT*eta)

	theta := math.Exp(fOverRT * (v - formalPotential))
	cRedSurf := bulkConc / (1 + theta)
	cOxSurf := bulkConc - cRedSurf

	return electrons * faraday * electrodeArea * (kOx*cRedSurf - kRed*cOxSurf)
}

// capacitiveCurrent is the double-layer charging contribution, proportional
// to the sweep rate.
func capacitiveCurrent(w driver.Waveform) float64 {
	return electrodeArea * dlCapacitance * w.EffectiveScanRate()
}

func (m *Mock) supports(t driver.Technique) bool {
	for _, c := range m.Capabilities() {
		if c == t {
			return true
		}
	}
	return false
}

func (m *Mock) requireConnected() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == driver.StatusDisconnected {
		return fault.New(fault.Conflict, "mock instrument is not connected")
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
