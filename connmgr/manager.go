// Package connmgr admits WebSocket subscribers onto run telemetry topics and
// owns their whole lifecycle: token authentication, run ownership checks,
// per-user connection quotas, the per-subscriber backpressure queue, and
// single-flight teardown with close-code mapping.
package connmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/auth"
	"github.com/galvana-labs/galvana/backpressure"
	"github.com/galvana-labs/galvana/bus"
	"github.com/galvana-labs/galvana/fault"
	"github.com/galvana-labs/galvana/metrics"
	"github.com/galvana-labs/galvana/store"
)

// DefaultMaxPerUser is the connection quota applied when config leaves it 0.
const DefaultMaxPerUser = 3

// Options wires a Manager. Metrics and Monitor may be nil.
type Options struct {
	Oracle  auth.Oracle
	Store   store.Store
	Bus     bus.Bus
	Monitor *backpressure.Monitor
	Metrics *metrics.Metrics
	Logger  hclog.Logger

	Policy     backpressure.Policy
	MaxPerUser int
}

// Stats is the gateway-facing view of live subscribers.
type Stats struct {
	ActiveConnections int            `json:"active_connections"`
	SubscribersByRun  map[string]int `json:"subscribers_by_run"`
}

// Manager is the WebSocket connection manager.
type Manager struct {
	oracle  auth.Oracle
	store   store.Store
	bus     bus.Bus
	monitor *backpressure.Monitor
	met     *metrics.Metrics
	logger  hclog.Logger
	policy  backpressure.Policy
	perUser int

	upgrader websocket.Upgrader

	mu     sync.Mutex
	byUser map[int64]int
	subs   map[string]*subscriber
	closed bool

	wg sync.WaitGroup
}

// New builds a Manager from Options, applying defaults.
func New(o Options) *Manager {
	if o.MaxPerUser <= 0 {
		o.MaxPerUser = DefaultMaxPerUser
	}
	return &Manager{
		oracle:  o.Oracle,
		store:   o.Store,
		bus:     o.Bus,
		monitor: o.Monitor,
		met:     o.Metrics,
		logger:  o.Logger.Named("connmgr"),
		policy:  o.Policy,
		perUser: o.MaxPerUser,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The lab UI is served from a different origin than the API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		byUser: make(map[int64]int),
		subs:   make(map[string]*subscriber),
	}
}

// ServeWS handles GET /ws/runs/{run_id}. Everything that can be decided
// before the upgrade is rejected with a plain HTTP status; once the socket
// exists, failures close it with the mapped WebSocket code instead.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	principal, err := m.authenticate(r)
	if err != nil {
		m.countConn("unauthenticated")
		writeWSError(w, err)
		return
	}
	if err := m.authorizeRun(r.Context(), principal, runID); err != nil {
		m.countConn("denied")
		writeWSError(w, err)
		return
	}
	if err := m.reserve(principal.UserID); err != nil {
		m.countConn("quota_exceeded")
		writeWSError(w, err)
		return
	}

	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own HTTP error.
		m.releaseQuota(principal.UserID)
		m.countConn("upgrade_failed")
		m.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}

	sub := m.newSubscriber(wsConn, principal, runID)
	if err := m.attach(sub); err != nil {
		m.countConn("rejected")
		sub.teardown(reasonError, fault.CloseCode(err), err.Error())
		return
	}

	m.countConn("accepted")
	m.logger.Info("subscriber connected",
		"subscriber_id", sub.id, "run_id", runID,
		"user", principal.Username, "user_id", principal.UserID)

	m.wg.Add(1)
	go sub.run()
}

// authenticate resolves the principal from the token query parameter, falling
// back to a bearer header for non-browser clients.
func (m *Manager) authenticate(r *http.Request) (auth.Principal, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h := r.Header.Get("Authorization")
		token = strings.TrimPrefix(h, "Bearer ")
		if token == h {
			token = ""
		}
	}
	return m.oracle.Authenticate(r.Context(), token)
}

// authorizeRun requires the run to exist and to belong to the principal,
// unless the principal is a superuser.
func (m *Manager) authorizeRun(ctx context.Context, p auth.Principal, runID string) error {
	run, err := m.store.RunByID(ctx, runID)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "load run")
	}
	if run == nil {
		return fault.Errorf(fault.NotFound, "run %s not found", runID)
	}
	if !p.Superuser && run.OwnerID != p.UserID {
		return fault.Errorf(fault.AccessDenied, "run %s belongs to another user", runID)
	}
	return nil
}

// reserve atomically checks and claims one quota slot for the user.
func (m *Manager) reserve(userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fault.New(fault.Internal, "connection manager is shut down")
	}
	if m.byUser[userID] >= m.perUser {
		return fault.Errorf(fault.QuotaExceeded,
			"Connection limit exceeded (max %d per user)", m.perUser)
	}
	m.byUser[userID]++
	if m.met != nil {
		m.met.WSActive.WithLabelValues(strconv.FormatInt(userID, 10)).Inc()
	}
	return nil
}

func (m *Manager) releaseQuota(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseQuotaLocked(userID)
}

func (m *Manager) releaseQuotaLocked(userID int64) {
	switch n := m.byUser[userID]; {
	case n <= 1:
		delete(m.byUser, userID)
		if m.met != nil {
			m.met.WSActive.DeleteLabelValues(strconv.FormatInt(userID, 10))
		}
	default:
		m.byUser[userID] = n - 1
		if m.met != nil {
			m.met.WSActive.WithLabelValues(strconv.FormatInt(userID, 10)).Dec()
		}
	}
}

func (m *Manager) newSubscriber(wsConn *websocket.Conn, p auth.Principal, runID string) *subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &subscriber{
		id:     id,
		runID:  runID,
		topic:  bus.RunTopic(runID),
		user:   p,
		conn:   wsConn,
		ctrl:   backpressure.NewController(runID, m.policy, m.logger, m.met),
		mgr:    m,
		logger: m.logger.Named("subscriber").With("subscriber_id", id, "run_id", runID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// attach registers the subscriber, hooks its queue into the bus, and sends
// the connected event. On error the caller tears the subscriber down; the
// teardown path is safe whether or not attach got as far as registering.
func (m *Manager) attach(s *subscriber) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fault.New(fault.Internal, "connection manager is shut down")
	}
	m.subs[s.id] = s
	m.mu.Unlock()

	if m.monitor != nil {
		m.monitor.Track(s.ctrl)
	}
	if err := m.bus.Subscribe(s.ctx, s.topic, s.id, s.ctrl.Offer); err != nil {
		return err
	}
	return s.sendConnected()
}

// detach is the manager half of a subscriber teardown: drop it from the
// tables and give the quota slot back. Runs exactly once per subscriber,
// and every subscriber holds exactly one reserved slot.
func (m *Manager) detach(s *subscriber, reason string) {
	m.mu.Lock()
	delete(m.subs, s.id)
	m.releaseQuotaLocked(s.user.UserID)
	m.mu.Unlock()

	if m.met != nil {
		m.met.WSDisconnections.WithLabelValues(reason).Inc()
	}
}

// Revoke tears down every socket the user holds and frees their quota. It
// backs the admin path that disables an account while streams are live.
func (m *Manager) Revoke(userID int64) int {
	m.mu.Lock()
	var victims []*subscriber
	for _, s := range m.subs {
		if s.user.UserID == userID {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.close(reasonQuotaRevoked)
	}
	return len(victims)
}

// CloseAll tears down every subscriber with a normal close and waits for
// their pumps, bounded by ctx.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.close(reasonServerClose)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("subscriber pumps did not drain before shutdown deadline")
	}
	m.logger.Info("connection manager closed", "subscribers", len(subs))
	return nil
}

// Stats snapshots live subscriber counts for the health endpoint.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRun := make(map[string]int)
	for _, s := range m.subs {
		byRun[s.runID]++
	}
	return Stats{
		ActiveConnections: len(m.subs),
		SubscribersByRun:  byRun,
	}
}

func (m *Manager) countConn(status string) {
	if m.met != nil {
		m.met.WSConnections.WithLabelValues(status).Inc()
	}
}

// writeWSError is the pre-upgrade rejection: plain JSON over HTTP.
func writeWSError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
