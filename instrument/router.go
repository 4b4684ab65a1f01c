package instrument

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
)

// NewRouter exposes the instrument service over HTTP. In split deployments
// the gateway talks to this surface through Client; error responses carry
// the fault kind so it survives the hop.
func NewRouter(svc *Service) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", instrumentHealth(svc))
	mux.HandleFunc("POST /connect", connectInstrument(svc))
	mux.HandleFunc("DELETE /connections/{id}", disconnectInstrument(svc))
	mux.HandleFunc("GET /connections", listConnections(svc))
	mux.HandleFunc("POST /start_run", startRun(svc))
	mux.HandleFunc("POST /runs/{run_id}/pause", pauseRun(svc))
	mux.HandleFunc("POST /runs/{run_id}/resume", resumeRun(svc))
	mux.HandleFunc("POST /runs/{run_id}/stop", stopRun(svc))
	mux.HandleFunc("POST /emergency_stop", emergencyStop(svc))
	mux.HandleFunc("POST /reset_emergency_stop", resetEmergencyStop(svc))
	mux.HandleFunc("GET /violations/{connection_id}", listViolations(svc))

	return mux
}

func instrumentHealth(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, _ := svc.Health(r.Context())
		code := http.StatusOK
		if h.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	}
}

func connectInstrument(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConnectionID string        `json:"connection_id"`
			Driver       string        `json:"driver"`
			Config       driver.Config `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ConnectionID == "" {
			writeError(w, http.StatusBadRequest, "connection_id is required")
			return
		}
		if req.Driver == "" {
			writeError(w, http.StatusBadRequest, "driver is required")
			return
		}

		info, err := svc.Connect(r.Context(), req.ConnectionID, req.Driver, req.Config)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
	}
}

func disconnectInstrument(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Disconnect(r.Context(), r.PathValue("id")); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"disconnected": true})
	}
}

func listConnections(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, _ := svc.Connections(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
	}
}

func startRun(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConnectionID string           `json:"connection_id"`
			RunID        string           `json:"run_id"`
			Technique    driver.Technique `json:"technique"`
			Waveform     driver.Waveform  `json:"waveform"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ConnectionID == "" {
			writeError(w, http.StatusBadRequest, "connection_id is required")
			return
		}

		runID, topic, err := svc.StartRun(r.Context(), req.ConnectionID, RunSpec{
			RunID:     req.RunID,
			Technique: req.Technique,
			Waveform:  req.Waveform,
		})
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":            runID,
			"telemetry_channel": topic,
		})
	}
}

func pauseRun(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("run_id")
		if err := svc.PauseRun(r.Context(), runID); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": "paused"})
	}
}

func resumeRun(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("run_id")
		if err := svc.ResumeRun(r.Context(), runID); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": "running"})
	}
}

func stopRun(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("run_id")
		if err := svc.StopRun(r.Context(), runID); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "status": "stopping"})
	}
}

func emergencyStop(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Body is optional: absent or empty means stop everything.
		var req struct {
			ConnectionID *string `json:"connection_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		stopped, err := svc.EmergencyStop(r.Context(), req.ConnectionID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
	}
}

func resetEmergencyStop(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConnectionID string `json:"connection_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.ConnectionID == "" {
			writeError(w, http.StatusBadRequest, "connection_id is required")
			return
		}

		if err := svc.ResetEmergencyStop(r.Context(), req.ConnectionID); err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"connection_id": req.ConnectionID,
			"reset":         true,
		})
	}
}

func listViolations(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connID := r.PathValue("connection_id")
		vs, err := svc.Violations(r.Context(), connID)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"connection_id": connID,
			"violations":    vs,
		})
	}
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeFault renders a classified error. The kind rides along so Client can
// rebuild the original fault on the gateway side.
func writeFault(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}
