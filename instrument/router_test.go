package instrument

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/galvana-labs/galvana/bus"
)

func newHTTPHarness(t *testing.T, mutate ...func(*Options)) (*Service, *bus.Memory, *httptest.Server) {
	t.Helper()
	svc, memBus, _ := newTestService(t, mutate...)
	srv := httptest.NewServer(NewRouter(svc))
	t.Cleanup(srv.Close)
	return svc, memBus, srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func getJSON(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func TestRouterHealth(t *testing.T) {
	_, memBus, srv := newHTTPHarness(t)

	resp := getJSON(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" || body["bus_connected"] != true {
		t.Fatalf("body = %v", body)
	}

	_ = memBus.Close()
	resp = getJSON(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "degraded" {
		t.Fatalf("degraded body = %v", body)
	}
}

func TestRouterConnectLifecycle(t *testing.T) {
	_, _, srv := newHTTPHarness(t)

	resp := postJSON(t, srv.URL+"/connect",
		`{"connection_id":"conn-1","driver":"mock","config":{"seed":7}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("connect status = %d, want 201", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["connection_id"] != "conn-1" || body["driver"] != "mock" {
		t.Fatalf("connect body = %v", body)
	}
	info, ok := body["info"].(map[string]any)
	if !ok || info["model"] != "MockStat 3000" {
		t.Fatalf("info = %v", body["info"])
	}

	// Duplicate id conflicts, and the kind survives serialization.
	resp = postJSON(t, srv.URL+"/connect",
		`{"connection_id":"conn-1","driver":"mock","config":{}}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["kind"] != "conflict" {
		t.Fatalf("duplicate body = %v", body)
	}

	resp = postJSON(t, srv.URL+"/connect",
		`{"connection_id":"conn-2","driver":"gamry","config":{}}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown driver status = %d, want 404", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["kind"] != "unknown-driver" {
		t.Fatalf("unknown driver body = %v", body)
	}

	for _, bad := range []string{
		`not json`,
		`{"driver":"mock"}`,
		`{"connection_id":"conn-3"}`,
	} {
		resp = postJSON(t, srv.URL+"/connect", bad)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("connect %q status = %d, want 400", bad, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp = getJSON(t, srv.URL+"/connections")
	conns, ok := decodeBody(t, resp)["connections"].([]any)
	if !ok || len(conns) != 1 {
		t.Fatalf("connections = %v", conns)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/connections/conn-1", nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if dresp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", dresp.StatusCode)
	}
	if body := decodeBody(t, dresp); body["disconnected"] != true {
		t.Fatalf("delete body = %v", body)
	}

	dresp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE again: %v", err)
	}
	defer dresp2.Body.Close()
	if dresp2.StatusCode != http.StatusNotFound {
		t.Fatalf("repeat delete status = %d, want 404", dresp2.StatusCode)
	}
}

func TestRouterRunFlow(t *testing.T) {
	_, memBus, srv := newHTTPHarness(t)

	resp := postJSON(t, srv.URL+"/connect",
		`{"connection_id":"conn-1","driver":"mock","config":{"seed":7}}`)
	decodeBody(t, resp)

	col := subscribe(t, memBus, "run-http")
	resp = postJSON(t, srv.URL+"/start_run", `{
		"connection_id": "conn-1",
		"run_id": "run-http",
		"technique": "cyclic_voltammetry",
		"waveform": {"type":"triangle","initial_value":-0.2,"final_value":0.6,"duration":3600,"sampling_rate":100}
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start_run status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["run_id"] != "run-http" {
		t.Fatalf("start_run body = %v", body)
	}
	if body["telemetry_channel"] != "run:run-http:telemetry" {
		t.Fatalf("telemetry_channel = %v", body["telemetry_channel"])
	}
	col.waitMeasurements(t, 3, 5*time.Second)

	resp = postJSON(t, srv.URL+"/runs/run-http/pause", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d, want 200", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "paused" {
		t.Fatalf("pause body = %v", body)
	}

	resp = postJSON(t, srv.URL+"/runs/run-http/resume", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp)

	resp = postJSON(t, srv.URL+"/runs/run-http/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp)
	col.waitTerminal(t, 5*time.Second)

	resp = postJSON(t, srv.URL+"/runs/run-http/stop", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop finished run status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/start_run", `{"connection_id":"conn-1","waveform":{"type":"nope","duration":1}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad waveform status = %d, want 400", resp.StatusCode)
	}
}

func TestRouterEmergencyStop(t *testing.T) {
	_, _, srv := newHTTPHarness(t)

	for _, id := range []string{"conn-a", "conn-b"} {
		resp := postJSON(t, srv.URL+"/connect",
			`{"connection_id":"`+id+`","driver":"mock","config":{}}`)
		decodeBody(t, resp)
	}

	// Targeted stop.
	resp := postJSON(t, srv.URL+"/emergency_stop", `{"connection_id":"conn-a"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("targeted e-stop status = %d, want 200", resp.StatusCode)
	}
	stopped, ok := decodeBody(t, resp)["stopped"].([]any)
	if !ok || len(stopped) != 1 || stopped[0] != "conn-a" {
		t.Fatalf("stopped = %v", stopped)
	}

	// Empty body stops the rest.
	resp = postJSON(t, srv.URL+"/emergency_stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("broadcast e-stop status = %d, want 200", resp.StatusCode)
	}
	if stopped, _ := decodeBody(t, resp)["stopped"].([]any); len(stopped) != 2 {
		t.Fatalf("broadcast stopped = %v", stopped)
	}

	resp = getJSON(t, srv.URL+"/violations/conn-a")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("violations status = %d, want 200", resp.StatusCode)
	}
	vs, ok := decodeBody(t, resp)["violations"].([]any)
	if !ok || len(vs) == 0 {
		t.Fatalf("violations = %v", vs)
	}
	first, _ := vs[0].(map[string]any)
	if first["type"] != "emergency_stop" {
		t.Fatalf("violation = %v", first)
	}

	resp = postJSON(t, srv.URL+"/reset_emergency_stop", `{"connection_id":"conn-a"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["reset"] != true {
		t.Fatalf("reset body = %v", body)
	}

	resp = postJSON(t, srv.URL+"/reset_emergency_stop", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reset without id status = %d, want 400", resp.StatusCode)
	}

	resp2 := postJSON(t, srv.URL+"/reset_emergency_stop", `{"connection_id":"ghost"}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("reset unknown status = %d, want 404", resp2.StatusCode)
	}
}
