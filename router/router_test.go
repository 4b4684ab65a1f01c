package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/auth"
	"github.com/galvana-labs/galvana/backpressure"
	"github.com/galvana-labs/galvana/bus"
	"github.com/galvana-labs/galvana/connmgr"
	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/driver/mock"
	"github.com/galvana-labs/galvana/instrument"
	"github.com/galvana-labs/galvana/metrics"
	"github.com/galvana-labs/galvana/safety"
	"github.com/galvana-labs/galvana/store"
	"github.com/galvana-labs/galvana/store/sqlite"
)

// gateway wires the full single-process stack behind the router: sqlite
// store, memory bus, real instrument service with an accelerated mock
// driver, and the connection manager.
type gateway struct {
	srv    *httptest.Server
	store  store.Store
	bus    *bus.Memory
	svc    *instrument.Service
	mgr    *connmgr.Manager
	secret []byte
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	logger := hclog.NewNullLogger()
	memBus := bus.NewMemory(logger)

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "galvana.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	met := metrics.New()
	secret := []byte("router-test-secret")
	oracle := auth.NewTokenOracle(secret)
	monitor := backpressure.NewMonitor(logger, met)

	registry := driver.NewRegistry(logger)
	registry.Register(mock.Name, func(cfg driver.Config, l hclog.Logger) driver.Driver {
		m := mock.New(cfg, l)
		m.SetTimescale(500)
		return m
	})

	svc := instrument.NewService(instrument.Options{
		Registry:       registry,
		Bus:            memBus,
		Store:          st,
		Limits:         safety.DefaultLimits(),
		Logger:         logger,
		ConnectTimeout: 2 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	mgr := connmgr.New(connmgr.Options{
		Oracle:  oracle,
		Store:   st,
		Bus:     memBus,
		Monitor: monitor,
		Metrics: met,
		Logger:  logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.CloseAll(ctx)
	})

	h := New(Deps{
		Store:      st,
		Oracle:     oracle,
		Instrument: svc,
		ConnMgr:    mgr,
		Monitor:    monitor,
		Metrics:    met,
		Bus:        memBus,
		Logger:     logger,
		JWTSecret:  secret,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &gateway{srv: srv, store: st, bus: memBus, svc: svc, mgr: mgr, secret: secret}
}

// seedUser creates an account with a real bcrypt hash so login works.
func (g *gateway) seedUser(t *testing.T, username, password string, superuser bool) *store.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u, err := g.store.CreateUser(context.Background(), username, hash, superuser)
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func (g *gateway) login(t *testing.T, username, password string) string {
	t.Helper()
	status, body := g.post(t, "/api/v1/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	if status != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, status, body)
	}
	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	decode(t, body, &out)
	if out.TokenType != "bearer" || out.AccessToken == "" {
		t.Fatalf("login body = %s", body)
	}
	return out.AccessToken
}

func (g *gateway) do(t *testing.T, method, path, token string, in any) (int, []byte) {
	t.Helper()
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, buf.Bytes()
}

func (g *gateway) get(t *testing.T, path, token string) (int, []byte) {
	t.Helper()
	return g.do(t, http.MethodGet, path, token, nil)
}

func (g *gateway) post(t *testing.T, path, token string, in any) (int, []byte) {
	t.Helper()
	return g.do(t, http.MethodPost, path, token, in)
}

func decode(t *testing.T, raw []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func (g *gateway) connectMock(t *testing.T, connID string) {
	t.Helper()
	_, err := g.svc.Connect(context.Background(), connID, mock.Name, driver.Config{Seed: 11})
	if err != nil {
		t.Fatalf("connect %s: %v", connID, err)
	}
}

func cvWaveform(durationS float64) driver.Waveform {
	return driver.Waveform{
		Kind:       driver.WaveTriangle,
		InitialV:   -0.2,
		FinalV:     0.6,
		DurationS:  durationS,
		SamplingHz: 100,
	}
}

func TestLoginAndMe(t *testing.T) {
	g := newGateway(t)
	u := g.seedUser(t, "alice", "correct horse", false)

	if status, _ := g.post(t, "/api/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	}); status != http.StatusUnauthorized {
		t.Fatalf("wrong password: status %d", status)
	}
	if status, _ := g.post(t, "/api/v1/auth/login", "", map[string]string{
		"username": "nobody", "password": "x",
	}); status != http.StatusUnauthorized {
		t.Fatalf("unknown user: status %d", status)
	}
	if status, _ := g.post(t, "/api/v1/auth/login", "", map[string]string{
		"username": "alice",
	}); status != http.StatusBadRequest {
		t.Fatalf("missing password: status %d", status)
	}

	tok := g.login(t, "alice", "correct horse")

	status, body := g.get(t, "/api/v1/auth/me", tok)
	if status != http.StatusOK {
		t.Fatalf("me: status %d body %s", status, body)
	}
	var me struct {
		ID          int64  `json:"id"`
		Username    string `json:"username"`
		IsSuperuser bool   `json:"is_superuser"`
	}
	decode(t, body, &me)
	if me.ID != u.ID || me.Username != "alice" || me.IsSuperuser {
		t.Fatalf("me = %+v", me)
	}

	if status, _ := g.get(t, "/api/v1/auth/me", ""); status != http.StatusUnauthorized {
		t.Fatalf("me without token: status %d", status)
	}
	if status, _ := g.get(t, "/api/v1/auth/me", "garbage"); status != http.StatusUnauthorized {
		t.Fatalf("me with garbage token: status %d", status)
	}
}

func TestHealthReflectsBus(t *testing.T) {
	g := newGateway(t)

	status, body := g.get(t, "/health", "")
	if status != http.StatusOK {
		t.Fatalf("health: status %d", status)
	}
	var h struct {
		Status       string `json:"status"`
		BusConnected bool   `json:"bus_connected"`
	}
	decode(t, body, &h)
	if h.Status != "ok" || !h.BusConnected {
		t.Fatalf("health = %+v", h)
	}

	_ = g.bus.Close()
	status, body = g.get(t, "/health", "")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("degraded health: status %d body %s", status, body)
	}
}

func TestCreateRunRecordOnly(t *testing.T) {
	g := newGateway(t)
	u := g.seedUser(t, "alice", "pw", false)
	tok := g.login(t, "alice", "pw")

	status, body := g.post(t, "/api/v1/runs", tok, map[string]any{
		"name":      "baseline sweep",
		"technique": "cyclic_voltammetry",
		"waveform":  cvWaveform(10),
	})
	if status != http.StatusAccepted {
		t.Fatalf("create run: status %d body %s", status, body)
	}
	var out struct {
		RunID     string `json:"run_id"`
		Status    string `json:"status"`
		StreamURL string `json:"stream_url"`
	}
	decode(t, body, &out)
	if out.Status != "queued" {
		t.Fatalf("status = %q, want queued", out.Status)
	}
	if out.StreamURL != "/ws/runs/"+out.RunID {
		t.Fatalf("stream_url = %q", out.StreamURL)
	}

	rec, err := g.store.RunByID(context.Background(), out.RunID)
	if err != nil || rec == nil {
		t.Fatalf("run record: %v %v", rec, err)
	}
	if rec.OwnerID != u.ID || rec.Status != store.RunQueued || rec.Name != "baseline sweep" {
		t.Fatalf("record = %+v", rec)
	}

	// Technique is mandatory.
	if status, _ := g.post(t, "/api/v1/runs", tok, map[string]any{
		"name": "no technique",
	}); status != http.StatusBadRequest {
		t.Fatalf("missing technique: status %d", status)
	}
}

func TestCreateRunStartsInstrument(t *testing.T) {
	g := newGateway(t)
	g.seedUser(t, "alice", "pw", false)
	tok := g.login(t, "alice", "pw")
	g.connectMock(t, "bench-1")

	// Long enough (at the mock's accelerated timescale) that the run is
	// still streaming when the WebSocket attaches.
	status, body := g.post(t, "/api/v1/runs", tok, map[string]any{
		"technique":     "cyclic_voltammetry",
		"waveform":      cvWaveform(60),
		"connection_id": "bench-1",
	})
	if status != http.StatusAccepted {
		t.Fatalf("create run: status %d body %s", status, body)
	}
	var out struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	decode(t, body, &out)
	if out.Status != "running" {
		t.Fatalf("status = %q, want running", out.Status)
	}

	// Stream the run to completion over the WebSocket surface.
	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") +
		"/ws/runs/" + out.RunID + "?token=" + url.QueryEscape(tok)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	frames := 0
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f driver.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("stream read after %d frames: %v", frames, err)
		}
		if f.Kind == driver.KindFrame {
			frames++
		}
		if f.Terminal() {
			if f.Status != "completed" {
				t.Fatalf("terminal status = %q", f.Status)
			}
			break
		}
	}
	if frames == 0 {
		t.Fatal("no measurement frames streamed")
	}

	// The bridge persists the final state.
	checkDeadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := g.store.RunByID(context.Background(), out.RunID)
		if err != nil {
			t.Fatalf("run record: %v", err)
		}
		if rec != nil && rec.Status == store.RunCompleted {
			break
		}
		if time.Now().After(checkDeadline) {
			t.Fatalf("run record never completed: %+v", rec)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateRunResolvesDriverName(t *testing.T) {
	g := newGateway(t)
	g.seedUser(t, "alice", "pw", false)
	tok := g.login(t, "alice", "pw")
	g.connectMock(t, "bench-a")

	status, body := g.post(t, "/api/v1/runs", tok, map[string]any{
		"technique": "cyclic_voltammetry",
		"waveform":  cvWaveform(0.3),
		"driver":    "mock",
	})
	if status != http.StatusAccepted {
		t.Fatalf("create by driver: status %d body %s", status, body)
	}
	var out struct {
		Status string `json:"status"`
	}
	decode(t, body, &out)
	if out.Status != "running" {
		t.Fatalf("status = %q, want running", out.Status)
	}

	status, body = g.post(t, "/api/v1/runs", tok, map[string]any{
		"technique": "cyclic_voltammetry",
		"waveform":  cvWaveform(0.3),
		"driver":    "gamry",
	})
	if status != http.StatusNotFound {
		t.Fatalf("unknown driver: status %d body %s", status, body)
	}
}

func TestCreateRunInstrumentFaults(t *testing.T) {
	g := newGateway(t)
	alice := g.seedUser(t, "alice", "pw", false)
	tok := g.login(t, "alice", "pw")
	g.connectMock(t, "bench-x")

	// Ghost connection.
	if status, _ := g.post(t, "/api/v1/runs", tok, map[string]any{
		"technique":     "cyclic_voltammetry",
		"waveform":      cvWaveform(0.3),
		"connection_id": "bench-ghost",
	}); status != http.StatusNotFound {
		t.Fatalf("ghost connection: status %d", status)
	}

	// Invalid waveform.
	bad := cvWaveform(0.3)
	bad.DurationS = 0
	if status, _ := g.post(t, "/api/v1/runs", tok, map[string]any{
		"technique":     "cyclic_voltammetry",
		"waveform":      bad,
		"connection_id": "bench-x",
	}); status != http.StatusBadRequest {
		t.Fatalf("invalid waveform: status %d", status)
	}

	// Latched interlock blocks starts and the record keeps the failure.
	if _, err := g.svc.EmergencyStop(context.Background(), nil); err != nil {
		t.Fatalf("emergency stop: %v", err)
	}
	status, body := g.post(t, "/api/v1/runs", tok, map[string]any{
		"technique":     "cyclic_voltammetry",
		"waveform":      cvWaveform(0.3),
		"connection_id": "bench-x",
	})
	if status != http.StatusConflict {
		t.Fatalf("latched start: status %d body %s", status, body)
	}

	runs, err := g.store.RunsByOwner(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	var failed *store.Run
	for _, r := range runs {
		if r.Status == store.RunFailed {
			failed = r
		}
	}
	if failed == nil {
		t.Fatalf("no failed run recorded; runs = %v", runs)
	}
	if failed.Error == "" {
		t.Fatal("failed run has empty error")
	}
}

func TestRunVisibility(t *testing.T) {
	g := newGateway(t)
	g.seedUser(t, "alice", "pw", false)
	g.seedUser(t, "bob", "pw", false)
	g.seedUser(t, "root", "pw", true)
	aliceTok := g.login(t, "alice", "pw")
	bobTok := g.login(t, "bob", "pw")
	rootTok := g.login(t, "root", "pw")

	status, body := g.post(t, "/api/v1/runs", aliceTok, map[string]any{
		"technique": "chronoamperometry",
	})
	if status != http.StatusAccepted {
		t.Fatalf("create: status %d", status)
	}
	var created struct {
		RunID string `json:"run_id"`
	}
	decode(t, body, &created)

	var listed struct {
		Runs []*store.Run `json:"runs"`
	}
	_, body = g.get(t, "/api/v1/runs", aliceTok)
	decode(t, body, &listed)
	if len(listed.Runs) != 1 {
		t.Fatalf("alice sees %d runs", len(listed.Runs))
	}

	_, body = g.get(t, "/api/v1/runs", bobTok)
	decode(t, body, &listed)
	if len(listed.Runs) != 0 {
		t.Fatalf("bob sees %d runs", len(listed.Runs))
	}

	_, body = g.get(t, "/api/v1/runs", rootTok)
	decode(t, body, &listed)
	if len(listed.Runs) != 1 {
		t.Fatalf("superuser sees %d runs", len(listed.Runs))
	}

	if status, _ := g.get(t, "/api/v1/runs/"+created.RunID, bobTok); status != http.StatusForbidden {
		t.Fatalf("bob get: status %d", status)
	}
	if status, _ := g.get(t, "/api/v1/runs/"+created.RunID, rootTok); status != http.StatusOK {
		t.Fatalf("superuser get: status %d", status)
	}
	if status, _ := g.get(t, "/api/v1/runs/run-ghost", aliceTok); status != http.StatusNotFound {
		t.Fatalf("ghost get: status %d", status)
	}
}

func TestBackpressureStats(t *testing.T) {
	g := newGateway(t)
	g.seedUser(t, "alice", "pw", false)
	tok := g.login(t, "alice", "pw")

	if status, _ := g.get(t, "/api/v1/backpressure/stats", ""); status != http.StatusUnauthorized {
		t.Fatalf("stats without token: status %d", status)
	}

	status, body := g.get(t, "/api/v1/backpressure/stats", tok)
	if status != http.StatusOK {
		t.Fatalf("stats: status %d", status)
	}
	var rep backpressure.Report
	decode(t, body, &rep)
	if rep.Subscribers != 0 || len(rep.Runs) != 0 {
		t.Fatalf("fresh report = %+v", rep)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newGateway(t)
	status, body := g.get(t, "/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("metrics: status %d", status)
	}
	if !bytes.Contains(body, []byte("go_goroutines")) {
		t.Fatal("metrics output missing runtime collectors")
	}
}
