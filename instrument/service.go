// Package instrument is the hardware abstraction service: it owns every
// driver connection, enforces the safety interlock around them, runs one
// telemetry bridge per active run, and exposes the whole thing over HTTP for
// split deployments. The gateway talks to this package either in-process
// (mode=all) or through Client (mode=gateway).
package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/galvana-labs/galvana/bus"
	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
	"github.com/galvana-labs/galvana/safety"
	"github.com/galvana-labs/galvana/store"
)

// Options wires a Service. Store is optional; without it run records and
// violations live only in memory.
type Options struct {
	Registry *driver.Registry
	Bus      bus.Bus
	Store    store.Store
	Limits   safety.Limits
	Logger   hclog.Logger

	ConnectTimeout    time.Duration // default 5s
	KeyframeInterval  int           // default 10
	DefaultSamplingHz float64       // applied when a waveform omits its sampling rate
	StopOnDisconnect  bool          // e-stop when a connection disappears mid-run
}

// RunSpec is a request to execute one experiment.
type RunSpec struct {
	RunID     string           `json:"run_id,omitempty"`
	Technique driver.Technique `json:"technique"`
	Waveform  driver.Waveform  `json:"waveform"`
}

// ConnectionInfo is the externally visible state of one instrument
// connection.
type ConnectionInfo struct {
	ConnectionID     string             `json:"connection_id"`
	Driver           string             `json:"driver"`
	Status           driver.Status      `json:"status"`
	Info             driver.Info        `json:"info"`
	Capabilities     []driver.Technique `json:"capabilities"`
	IsRunning        bool               `json:"is_running"`
	ActiveRun        string             `json:"active_run,omitempty"`
	EmergencyStopped bool               `json:"emergency_stopped"`
	Violations       int                `json:"violations"`
}

// Health is the instrument service liveness summary.
type Health struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"active_connections"`
	ActiveStreams     int    `json:"active_streams"`
	BusConnected      bool   `json:"bus_connected"`
}

// conn is one driver connection and its interlock. The per-conn mutex guards
// fields only; driver calls always happen with no lock held.
type conn struct {
	id         string
	driverName string
	guard      *safety.Guard
	info       driver.Info
	caps       []driver.Technique

	mu        sync.Mutex
	activeRun string
	cancelRun context.CancelFunc
	persisted int // violations already copied to the store
}

// Service owns the connection and session tables.
type Service struct {
	registry *driver.Registry
	bus      bus.Bus
	store    store.Store
	limits   safety.Limits
	logger   hclog.Logger

	connectTimeout   time.Duration
	keyframeInterval int
	samplingHz       float64
	stopOnDisconnect bool

	runCtx    context.Context
	runCancel context.CancelFunc
	bridges   sync.WaitGroup

	mu       sync.RWMutex
	conns    map[string]*conn
	sessions map[string]*session
	closed   bool
}

// NewService builds a Service from Options, applying defaults.
func NewService(o Options) *Service {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.KeyframeInterval <= 0 {
		o.KeyframeInterval = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry:         o.Registry,
		bus:              o.Bus,
		store:            o.Store,
		limits:           o.Limits,
		logger:           o.Logger.Named("instrument"),
		connectTimeout:   o.ConnectTimeout,
		keyframeInterval: o.KeyframeInterval,
		samplingHz:       o.DefaultSamplingHz,
		stopOnDisconnect: o.StopOnDisconnect,
		runCtx:           ctx,
		runCancel:        cancel,
		conns:            make(map[string]*conn),
		sessions:         make(map[string]*session),
	}
}

// ---- connections ----

// Connect builds the named driver, wraps it in the safety interlock, and
// attaches to the hardware. The connection id must be unused.
func (s *Service) Connect(ctx context.Context, connID, driverName string, cfg driver.Config) (*ConnectionInfo, error) {
	drv, err := s.registry.New(driverName, cfg)
	if err != nil {
		return nil, err
	}
	guard := safety.Wrap(drv, s.limits, s.logger.With("connection_id", connID))
	c := &conn{id: connID, driverName: driverName, guard: guard}

	// Reserve the id before touching hardware so concurrent connects with
	// the same id cannot both proceed.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fault.New(fault.Internal, "instrument service is shut down")
	}
	if _, exists := s.conns[connID]; exists {
		s.mu.Unlock()
		return nil, fault.Errorf(fault.Conflict, "connection %s already exists", connID)
	}
	s.conns[connID] = c
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := guard.Connect(cctx); err != nil {
		s.removeConn(connID)
		return nil, fault.Wrap(fault.ConnectionFailed, err, "connect "+driverName)
	}
	info, err := guard.Info(cctx)
	if err != nil {
		_ = guard.Disconnect(context.Background())
		s.removeConn(connID)
		return nil, fault.Wrap(fault.ConnectionFailed, err, "identify "+driverName)
	}
	c.info = info
	c.caps = guard.Capabilities()

	s.logger.Info("instrument connected",
		"connection_id", connID, "driver", driverName,
		"model", info.Model, "serial", info.SerialNumber)
	return s.describe(c), nil
}

// Disconnect stops any active run on the connection, detaches the driver,
// and forgets the connection.
func (s *Service) Disconnect(ctx context.Context, connID string) error {
	s.mu.Lock()
	c, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
	}
	s.mu.Unlock()
	if !ok {
		return fault.Errorf(fault.NotFound, "connection %s not found", connID)
	}

	s.stopActiveRun(ctx, c, stopDisconnect)

	if err := c.guard.Disconnect(ctx); err != nil {
		s.logger.Warn("disconnect failed", "connection_id", connID, "error", err)
	}
	s.persistViolations(c)
	s.logger.Info("instrument disconnected", "connection_id", connID)
	return nil
}

// stopActiveRun halts whatever the connection is doing. With
// stop_on_disconnect the hardware is emergency-stopped; otherwise the run is
// stopped gracefully and marked aborted by its bridge.
func (s *Service) stopActiveRun(ctx context.Context, c *conn, reason string) {
	c.mu.Lock()
	runID := c.activeRun
	cancel := c.cancelRun
	c.mu.Unlock()
	if runID == "" {
		return
	}

	if sess := s.session(runID); sess != nil {
		sess.markStop(reason)
	}
	if reason == stopDisconnect && s.stopOnDisconnect {
		if err := c.guard.EmergencyStop(ctx); err != nil {
			s.logger.Error("emergency stop on disconnect failed",
				"connection_id", c.id, "error", err)
		}
	} else {
		if err := c.guard.Stop(ctx); err != nil {
			s.logger.Warn("stop on teardown failed", "connection_id", c.id, "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// ---- runs ----

// StartRun programs and starts an experiment on the connection, launches its
// telemetry bridge, and returns the run id plus the bus topic carrying its
// frames.
func (s *Service) StartRun(ctx context.Context, connID string, spec RunSpec) (string, string, error) {
	c, err := s.conn(connID)
	if err != nil {
		return "", "", err
	}
	if !s.bus.Connected() {
		return "", "", fault.New(fault.BusUnavailable, "telemetry bus unavailable")
	}
	if err := spec.Waveform.Validate(); err != nil {
		return "", "", err
	}
	if spec.Waveform.SamplingHz <= 0 {
		spec.Waveform.SamplingHz = s.samplingHz
	}

	runID := spec.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	topic := bus.RunTopic(runID)

	// Reserve the connection for this run.
	c.mu.Lock()
	if c.activeRun != "" {
		active := c.activeRun
		c.mu.Unlock()
		return "", "", fault.Errorf(fault.Conflict,
			"connection %s is already executing run %s", connID, active)
	}
	c.activeRun = runID
	c.mu.Unlock()

	sess := newSession(runID, connID, topic)
	s.mu.Lock()
	if _, dup := s.sessions[runID]; dup {
		s.mu.Unlock()
		s.releaseRun(c)
		return "", "", fault.Errorf(fault.Conflict, "run %s already exists", runID)
	}
	s.sessions[runID] = sess
	s.mu.Unlock()

	fail := func(err error) (string, string, error) {
		s.dropSession(runID)
		s.releaseRun(c)
		s.persistViolations(c)
		return "", "", err
	}

	if err := c.guard.Program(ctx, spec.Waveform, spec.Technique); err != nil {
		if fault.Is(err, fault.SafetyViolation) {
			// The interlock latched; broadcast the terminal state for anyone
			// already watching the topic and persist the run outcome.
			s.finishSession(sess, c, store.RunEmergencyStopped, err.Error())
			s.persistViolations(c)
			return "", "", err
		}
		return fail(err)
	}
	if err := c.guard.Start(ctx); err != nil {
		if fault.KindOf(err) == fault.Internal {
			err = fault.Wrap(fault.StartFailed, err, "start acquisition")
		}
		return fail(err)
	}

	runCtx, cancel := context.WithCancel(s.runCtx)
	items, err := c.guard.Stream(runCtx)
	if err != nil {
		cancel()
		_ = c.guard.Stop(ctx)
		return fail(err)
	}

	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()

	if err := sess.transition(store.RunRunning); err != nil {
		cancel()
		_ = c.guard.Stop(ctx)
		return fail(err)
	}
	s.storeRunStatus(runID, store.RunRunning, "")

	b := &bridge{
		svc:    s,
		sess:   sess,
		conn:   c,
		logger: s.logger.Named("bridge").With("run_id", runID),
	}
	s.bridges.Add(1)
	go func() {
		defer s.bridges.Done()
		b.run(runCtx, items)
	}()

	s.logger.Info("run started",
		"run_id", runID, "connection_id", connID,
		"technique", string(spec.Technique), "topic", topic)
	return runID, topic, nil
}

// PauseRun suspends acquisition; the session survives and can be resumed.
func (s *Service) PauseRun(ctx context.Context, runID string) error {
	sess, c, err := s.sessionConn(runID)
	if err != nil {
		return err
	}
	if state := sess.current(); state != store.RunRunning {
		return fault.Errorf(fault.Conflict, "run %s is %s, cannot pause", runID, state)
	}
	if err := c.guard.Pause(ctx); err != nil {
		return err
	}
	return sess.transition(store.RunPaused)
}

// ResumeRun continues a paused run.
func (s *Service) ResumeRun(ctx context.Context, runID string) error {
	sess, c, err := s.sessionConn(runID)
	if err != nil {
		return err
	}
	if state := sess.current(); state != store.RunPaused {
		return fault.Errorf(fault.Conflict, "run %s is %s, cannot resume", runID, state)
	}
	if err := c.guard.Resume(ctx); err != nil {
		return err
	}
	return sess.transition(store.RunRunning)
}

// StopRun ends a run early; its bridge marks it aborted.
func (s *Service) StopRun(ctx context.Context, runID string) error {
	sess, c, err := s.sessionConn(runID)
	if err != nil {
		return err
	}
	sess.markStop(stopUser)
	return c.guard.Stop(ctx)
}

// ---- emergency stop ----

// EmergencyStop halts one connection, or every connection when connID is
// nil. Latched connections are counted as stopped (idempotent success).
func (s *Service) EmergencyStop(ctx context.Context, connID *string) ([]string, error) {
	var targets []*conn
	if connID == nil {
		s.mu.RLock()
		targets = make([]*conn, 0, len(s.conns))
		for _, c := range s.conns {
			targets = append(targets, c)
		}
		s.mu.RUnlock()
	} else {
		c, err := s.conn(*connID)
		if err != nil {
			return nil, err
		}
		targets = []*conn{c}
	}

	stopped := make([]string, 0, len(targets))
	for _, c := range targets {
		if err := c.guard.EmergencyStop(ctx); err != nil {
			s.logger.Error("emergency stop failed", "connection_id", c.id, "error", err)
			continue
		}
		s.persistViolations(c)
		stopped = append(stopped, c.id)
	}
	s.logger.Warn("emergency stop", "connections", stopped)
	return stopped, nil
}

// ResetEmergencyStop clears a connection's latch. Violation history is kept.
func (s *Service) ResetEmergencyStop(ctx context.Context, connID string) error {
	c, err := s.conn(connID)
	if err != nil {
		return err
	}
	c.guard.ResetEmergencyStop()
	return nil
}

// ---- introspection ----

// Connections snapshots every connection.
func (s *Service) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, *s.describe(c))
	}
	return out, nil
}

// Violations returns the live interlock history for one connection.
func (s *Service) Violations(ctx context.Context, connID string) ([]safety.Violation, error) {
	c, err := s.conn(connID)
	if err != nil {
		return nil, err
	}
	return c.guard.Violations(), nil
}

// Health summarises service state; status degrades when the bus is down.
func (s *Service) Health(ctx context.Context) (Health, error) {
	s.mu.RLock()
	conns := len(s.conns)
	streams := len(s.sessions)
	s.mu.RUnlock()

	h := Health{
		Status:            "ok",
		ActiveConnections: conns,
		ActiveStreams:     streams,
		BusConnected:      s.bus.Connected(),
	}
	if !h.BusConnected {
		h.Status = "degraded"
	}
	return h, nil
}

// Close cancels every bridge, stops active runs, and disconnects all
// drivers. Bounded by ctx; disconnect failures are aggregated, not fatal.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*conn)
	s.mu.Unlock()

	for _, c := range conns {
		s.stopActiveRun(ctx, c, stopShutdown)
	}
	s.runCancel()

	done := make(chan struct{})
	go func() {
		s.bridges.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("bridges did not drain before shutdown deadline")
	}

	var errs *multierror.Error
	for _, c := range conns {
		if err := c.guard.Disconnect(ctx); err != nil {
			s.logger.Warn("disconnect during shutdown failed",
				"connection_id", c.id, "error", err)
			errs = multierror.Append(errs, fault.Wrap(fault.Internal, err, "disconnect "+c.id))
		}
	}
	s.logger.Info("instrument service closed", "connections", len(conns))
	return errs.ErrorOrNil()
}

// ---- internal helpers ----

func (s *Service) conn(connID string) (*conn, error) {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "connection %s not found", connID)
	}
	return c, nil
}

func (s *Service) session(runID string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[runID]
}

func (s *Service) sessionConn(runID string) (*session, *conn, error) {
	s.mu.RLock()
	sess := s.sessions[runID]
	s.mu.RUnlock()
	if sess == nil {
		return nil, nil, fault.Errorf(fault.NotFound, "run %s not found", runID)
	}
	c, err := s.conn(sess.connID)
	if err != nil {
		return nil, nil, err
	}
	return sess, c, nil
}

func (s *Service) removeConn(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

func (s *Service) dropSession(runID string) {
	s.mu.Lock()
	delete(s.sessions, runID)
	s.mu.Unlock()
}

func (s *Service) releaseRun(c *conn) {
	c.mu.Lock()
	c.activeRun = ""
	c.cancelRun = nil
	c.mu.Unlock()
}

func (s *Service) describe(c *conn) *ConnectionInfo {
	c.mu.Lock()
	active := c.activeRun
	c.mu.Unlock()
	return &ConnectionInfo{
		ConnectionID:     c.id,
		Driver:           c.driverName,
		Status:           c.guard.Status(),
		Info:             c.info,
		Capabilities:     c.caps,
		IsRunning:        active != "",
		ActiveRun:        active,
		EmergencyStopped: c.guard.EmergencyStopped(),
		Violations:       len(c.guard.Violations()),
	}
}

// storeRunStatus records a run transition when a store is configured.
func (s *Service) storeRunStatus(runID string, status store.RunStatus, errMsg string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.UpdateRunStatus(ctx, runID, status, errMsg); err != nil {
		s.logger.Error("persist run status failed",
			"run_id", runID, "status", string(status), "error", err)
	}
}

// persistViolations copies interlock entries the store has not seen yet.
func (s *Service) persistViolations(c *conn) {
	if s.store == nil {
		return
	}
	vs := c.guard.Violations()

	c.mu.Lock()
	start := c.persisted
	if start >= len(vs) {
		c.mu.Unlock()
		return
	}
	c.persisted = len(vs)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, v := range vs[start:] {
		if err := s.store.RecordViolation(ctx, c.id, string(v.Type), v.Message, v.Timestamp); err != nil {
			s.logger.Error("persist violation failed", "connection_id", c.id, "error", err)
		}
	}
}

// finishSession moves the session to a terminal state, broadcasts the
// terminal status frame, persists the outcome, and releases the tables.
// Safe to call from StartRun failures and from bridges.
func (s *Service) finishSession(sess *session, c *conn, status store.RunStatus, detail string) {
	if err := sess.transition(status); err != nil {
		// Already terminal; someone else finished it first.
		return
	}

	frame := &driver.Frame{
		Kind:       driver.KindStatus,
		RunID:      sess.runID,
		Timestamp:  driver.NowMillis(),
		Status:     string(status),
		IsKeyframe: true,
	}
	if last := sess.lastTimestep(); last >= 0 {
		frame.Timestep = last + 1
		frame.FinalTimestep = &last
	}
	switch status {
	case store.RunCompleted:
		frame.Message = "experiment completed"
	case store.RunAborted:
		frame.Message = detail
	default:
		frame.Error = detail
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, sess.topic, frame); err != nil {
		s.logger.Warn("terminal status frame not delivered",
			"run_id", sess.runID, "status", string(status), "error", err)
	}

	s.storeRunStatus(sess.runID, status, frame.Error)
	s.dropSession(sess.runID)

	c.mu.Lock()
	if c.activeRun == sess.runID {
		c.activeRun = ""
		c.cancelRun = nil
	}
	c.mu.Unlock()

	s.logger.Info("run finished",
		"run_id", sess.runID, "status", string(status),
		"frames", sess.framesPublished())
}
