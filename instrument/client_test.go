package instrument

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
	"github.com/galvana-labs/galvana/safety"
)

func TestClientRoundTrip(t *testing.T) {
	_, memBus, srv := newHTTPHarness(t)
	cli := NewClient(srv.URL, 5*time.Second)
	ctx := context.Background()

	info, err := cli.Connect(ctx, "conn-1", "mock", driver.Config{Seed: 7})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.ConnectionID != "conn-1" || info.Driver != "mock" {
		t.Fatalf("info = %+v", info)
	}
	if info.Info.Model != "MockStat 3000" {
		t.Fatalf("model = %q", info.Info.Model)
	}
	if len(info.Capabilities) == 0 {
		t.Fatal("no capabilities reported")
	}

	conns, err := cli.Connections(ctx)
	if err != nil || len(conns) != 1 {
		t.Fatalf("Connections = %v, %v", conns, err)
	}

	col := subscribe(t, memBus, "run-cli")
	runID, topic, err := cli.StartRun(ctx, "conn-1", RunSpec{
		RunID:     "run-cli",
		Technique: driver.CyclicVoltammetry,
		Waveform:  cvWaveform(3600),
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if runID != "run-cli" || topic != "run:run-cli:telemetry" {
		t.Fatalf("StartRun = %q, %q", runID, topic)
	}
	col.waitMeasurements(t, 3, 5*time.Second)

	if err := cli.PauseRun(ctx, "run-cli"); err != nil {
		t.Fatalf("PauseRun: %v", err)
	}
	if err := cli.ResumeRun(ctx, "run-cli"); err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}

	connID := "conn-1"
	stopped, err := cli.EmergencyStop(ctx, &connID)
	if err != nil || len(stopped) != 1 {
		t.Fatalf("EmergencyStop = %v, %v", stopped, err)
	}
	col.waitTerminal(t, 5*time.Second)

	vs, err := cli.Violations(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Violations: %v", err)
	}
	if len(vs) != 1 || vs[0].Type != safety.EmergencyStop {
		t.Fatalf("violations = %+v", vs)
	}

	if err := cli.ResetEmergencyStop(ctx, "conn-1"); err != nil {
		t.Fatalf("ResetEmergencyStop: %v", err)
	}

	h, err := cli.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.ActiveConnections != 1 {
		t.Fatalf("health = %+v", h)
	}

	if err := cli.Disconnect(ctx, "conn-1"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if conns, _ := cli.Connections(ctx); len(conns) != 0 {
		t.Fatalf("connections after disconnect = %v", conns)
	}
}

// Fault kinds must survive the HTTP hop so gateway error mapping behaves the
// same in split and single-process deployments.
func TestClientPreservesFaultKinds(t *testing.T) {
	_, _, srv := newHTTPHarness(t)
	cli := NewClient(srv.URL, 5*time.Second)
	ctx := context.Background()

	if _, err := cli.Connect(ctx, "conn-x", "gamry", driver.Config{}); !fault.Is(err, fault.UnknownDriver) {
		t.Errorf("unknown driver: kind = %v, want unknown-driver", fault.KindOf(err))
	}

	if _, err := cli.Connect(ctx, "conn-1", "mock", driver.Config{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := cli.Connect(ctx, "conn-1", "mock", driver.Config{}); !fault.Is(err, fault.Conflict) {
		t.Errorf("duplicate: kind = %v, want conflict", fault.KindOf(err))
	}

	if _, _, err := cli.StartRun(ctx, "ghost", RunSpec{Waveform: cvWaveform(1)}); !fault.Is(err, fault.NotFound) {
		t.Errorf("ghost connection: kind = %v, want not-found", fault.KindOf(err))
	}

	connID := "conn-1"
	if _, err := cli.EmergencyStop(ctx, &connID); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	_, _, err := cli.StartRun(ctx, "conn-1", RunSpec{
		Technique: driver.CyclicVoltammetry,
		Waveform:  cvWaveform(1),
	})
	if !fault.Is(err, fault.EmergencyStopActive) {
		t.Errorf("latched start: kind = %v, want emergency-stop-active", fault.KindOf(err))
	}
	if err == nil || err.Error() == "" {
		t.Error("fault message lost in transit")
	}
}

func TestClientUnreachableService(t *testing.T) {
	cli := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	cli.retryWait = time.Millisecond
	if _, err := cli.Connections(context.Background()); !fault.Is(err, fault.ConnectionFailed) {
		t.Fatalf("kind = %v, want connection-failed", fault.KindOf(err))
	}
	if _, err := cli.Health(context.Background()); !fault.Is(err, fault.ConnectionFailed) {
		t.Fatalf("health kind = %v, want connection-failed", fault.KindOf(err))
	}
}

// A briefly failing instrument side recovers within the client's backoff
// window, so transient 5xx responses never surface to the gateway.
func TestClientRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"connections":[]}`))
	}))
	defer srv.Close()

	cli := NewClient(srv.URL, time.Second)
	cli.retryWait = time.Millisecond

	conns, err := cli.Connections(context.Background())
	if err != nil {
		t.Fatalf("Connections after transient 500s: %v", err)
	}
	if len(conns) != 0 {
		t.Fatalf("connections = %v", conns)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"connection \"ghost\" not found","kind":"not-found"}`))
	}))
	defer srv.Close()

	cli := NewClient(srv.URL, time.Second)
	cli.retryWait = time.Millisecond

	if err := cli.Disconnect(context.Background(), "ghost"); !fault.Is(err, fault.NotFound) {
		t.Fatalf("kind = %v, want not-found", fault.KindOf(err))
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestClientExhaustedRetriesKeepFaultKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"telemetry bus unavailable","kind":"bus-unavailable"}`))
	}))
	defer srv.Close()

	cli := NewClient(srv.URL, time.Second)
	cli.retryWait = time.Millisecond

	_, _, err := cli.StartRun(context.Background(), "conn-1", RunSpec{})
	if !fault.Is(err, fault.BusUnavailable) {
		t.Fatalf("kind = %v, want bus-unavailable", fault.KindOf(err))
	}
}
