// Package router registers the gateway HTTP endpoints using vanilla net/http
// (Go 1.22+ mux): the REST API, the telemetry WebSocket, and Prometheus.
package router

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/auth"
	"github.com/galvana-labs/galvana/backpressure"
	"github.com/galvana-labs/galvana/bus"
	"github.com/galvana-labs/galvana/connmgr"
	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
	"github.com/galvana-labs/galvana/instrument"
	"github.com/galvana-labs/galvana/metrics"
	"github.com/galvana-labs/galvana/middleware"
	"github.com/galvana-labs/galvana/store"
)

// Instrument is the slice of the instrument service the gateway consumes.
// In single-process deployments *instrument.Service satisfies it directly;
// in split deployments *instrument.Client speaks to the remote service.
type Instrument interface {
	StartRun(ctx context.Context, connID string, spec instrument.RunSpec) (string, string, error)
	Connections(ctx context.Context) ([]instrument.ConnectionInfo, error)
}

// Deps holds all dependencies for the gateway router.
type Deps struct {
	Store      store.Store
	Oracle     auth.Oracle
	Instrument Instrument
	ConnMgr    *connmgr.Manager
	Monitor    *backpressure.Monitor
	Metrics    *metrics.Metrics
	Bus        bus.Bus
	Logger     hclog.Logger
	JWTSecret  []byte
}

// New builds and returns the gateway HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	requireAuth := middleware.RequireAuth(d.Oracle)

	// ---- system ----
	mux.HandleFunc("GET /health", health(d))
	mux.Handle("GET /metrics", d.Metrics.Handler())

	// ---- telemetry stream (token in query, handled by connmgr) ----
	mux.HandleFunc("GET /ws/runs/{run_id}", d.ConnMgr.ServeWS)

	// ---- auth ----
	mux.HandleFunc("POST /api/v1/auth/login", login(d))
	mux.Handle("GET /api/v1/auth/me", requireAuth(http.HandlerFunc(me(d))))

	// ---- runs ----
	mux.Handle("POST /api/v1/runs", requireAuth(http.HandlerFunc(createRun(d))))
	mux.Handle("GET /api/v1/runs", requireAuth(http.HandlerFunc(listRuns(d))))
	mux.Handle("GET /api/v1/runs/{run_id}", requireAuth(http.HandlerFunc(getRun(d))))

	// ---- diagnostics ----
	mux.Handle("GET /api/v1/backpressure/stats",
		requireAuth(http.HandlerFunc(backpressureStats(d))))

	return mux
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

func writeFault(w http.ResponseWriter, err error) {
	writeError(w, fault.HTTPStatus(err), err.Error())
}

// ---- system handlers ----

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := d.ConnMgr.Stats()
		connected := d.Bus.Connected()

		status, code := "ok", http.StatusOK
		if !connected {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":             status,
			"active_connections": stats.ActiveConnections,
			"active_streams":     len(stats.SubscribersByRun),
			"bus_connected":      connected,
		})
	}
}

// ---- auth handlers ----

func login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.Username == "" || body.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		u, err := d.Store.UserByUsername(r.Context(), body.Username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if u == nil || !auth.CheckPassword(u.PasswordHash, body.Password) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		token, err := auth.IssueAccessToken(d.JWTSecret, auth.Principal{
			UserID:    u.ID,
			Username:  u.Username,
			Superuser: u.Superuser,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"access_token": token,
			"token_type":   "bearer",
		})
	}
}

func me(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := middleware.ContextPrincipal(r)
		u, err := d.Store.UserByID(r.Context(), p.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if u == nil {
			writeError(w, http.StatusUnauthorized, "user no longer exists")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":           u.ID,
			"username":     u.Username,
			"is_superuser": u.Superuser,
		})
	}
}

// ---- run handlers ----

func createRun(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := middleware.ContextPrincipal(r)
		var body struct {
			Name         string           `json:"name"`
			Technique    driver.Technique `json:"technique"`
			Waveform     driver.Waveform  `json:"waveform"`
			ConnectionID string           `json:"connection_id"`
			Driver       string           `json:"driver"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if body.Technique == "" {
			writeError(w, http.StatusBadRequest, "technique is required")
			return
		}

		connID := body.ConnectionID
		if connID == "" && body.Driver != "" {
			id, err := resolveConnection(r.Context(), d.Instrument, body.Driver)
			if err != nil {
				writeFault(w, err)
				return
			}
			connID = id
		}

		runID := uuid.NewString()
		rec := &store.Run{
			ID:           runID,
			OwnerID:      p.UserID,
			Name:         body.Name,
			Technique:    string(body.Technique),
			Status:       store.RunQueued,
			ConnectionID: connID,
		}
		if err := d.Store.CreateRun(r.Context(), rec); err != nil {
			d.Logger.Error("create run failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		status := store.RunQueued
		if connID != "" {
			spec := instrument.RunSpec{
				RunID:     runID,
				Technique: body.Technique,
				Waveform:  body.Waveform,
			}
			if _, _, err := d.Instrument.StartRun(r.Context(), connID, spec); err != nil {
				// Keep the record as an audit trail of the failed attempt.
				if uerr := d.Store.UpdateRunStatus(r.Context(), runID, store.RunFailed, err.Error()); uerr != nil {
					d.Logger.Error("mark run failed", "run_id", runID, "error", uerr)
				}
				writeFault(w, err)
				return
			}
			status = store.RunRunning
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"run_id":     runID,
			"status":     string(status),
			"stream_url": "/ws/runs/" + runID,
		})
	}
}

// resolveConnection finds a live instrument connection using the named
// driver. Lab benches typically hold one connection per instrument type, so
// the first idle match wins, falling back to any match for a precise
// busy/conflict error from StartRun.
func resolveConnection(ctx context.Context, inst Instrument, driverName string) (string, error) {
	conns, err := inst.Connections(ctx)
	if err != nil {
		return "", err
	}
	match := ""
	for _, c := range conns {
		if c.Driver != driverName {
			continue
		}
		if !c.IsRunning {
			return c.ConnectionID, nil
		}
		match = c.ConnectionID
	}
	if match == "" {
		return "", fault.Errorf(fault.NotFound, "no connection using driver %q", driverName)
	}
	return match, nil
}

func listRuns(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := middleware.ContextPrincipal(r)
		var (
			runs []*store.Run
			err  error
		)
		if p.Superuser {
			runs, err = d.Store.AllRuns(r.Context())
		} else {
			runs, err = d.Store.RunsByOwner(r.Context(), p.UserID)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func getRun(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := middleware.ContextPrincipal(r)
		runID := r.PathValue("run_id")

		run, err := d.Store.RunByID(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "run "+runID+" not found")
			return
		}
		if !p.Superuser && run.OwnerID != p.UserID {
			writeError(w, http.StatusForbidden, "run "+runID+" belongs to another user")
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

// ---- diagnostics handlers ----

func backpressureStats(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Monitor.Report())
	}
}
