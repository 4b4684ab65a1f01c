package instrument

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
	"github.com/galvana-labs/galvana/safety"
)

// Client talks to a remote instrument service over its HTTP surface. It
// exposes the same call shapes as Service, so the gateway runs unchanged
// whether the instrument side is in-process or across the network.
type Client struct {
	base string
	http *http.Client

	attempts  int
	retryWait time.Duration
}

// NewClient returns a Client for the instrument service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:      strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		attempts:  3,
		retryWait: time.Second,
	}
}

// Connect opens a named driver connection on the remote service.
func (c *Client) Connect(ctx context.Context, connID, driverName string, cfg driver.Config) (*ConnectionInfo, error) {
	req := map[string]any{
		"connection_id": connID,
		"driver":        driverName,
		"config":        cfg,
	}
	var info ConnectionInfo
	if err := c.do(ctx, http.MethodPost, "/connect", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Disconnect tears down a remote connection.
func (c *Client) Disconnect(ctx context.Context, connID string) error {
	return c.do(ctx, http.MethodDelete, "/connections/"+url.PathEscape(connID), nil, nil)
}

// Connections lists the remote service's connections.
func (c *Client) Connections(ctx context.Context) ([]ConnectionInfo, error) {
	var out struct {
		Connections []ConnectionInfo `json:"connections"`
	}
	if err := c.do(ctx, http.MethodGet, "/connections", nil, &out); err != nil {
		return nil, err
	}
	return out.Connections, nil
}

// StartRun starts an experiment and returns the run ID and telemetry topic.
func (c *Client) StartRun(ctx context.Context, connID string, spec RunSpec) (string, string, error) {
	req := map[string]any{
		"connection_id": connID,
		"run_id":        spec.RunID,
		"technique":     spec.Technique,
		"waveform":      spec.Waveform,
	}
	var out struct {
		RunID            string `json:"run_id"`
		TelemetryChannel string `json:"telemetry_channel"`
	}
	if err := c.do(ctx, http.MethodPost, "/start_run", req, &out); err != nil {
		return "", "", err
	}
	return out.RunID, out.TelemetryChannel, nil
}

// PauseRun pauses a running experiment.
func (c *Client) PauseRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/pause", nil, nil)
}

// ResumeRun resumes a paused experiment.
func (c *Client) ResumeRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/resume", nil, nil)
}

// StopRun requests a graceful stop of a running experiment.
func (c *Client) StopRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/stop", nil, nil)
}

// EmergencyStop trips the interlock on one connection, or on all of them
// when connID is nil. Returns the IDs that were stopped.
func (c *Client) EmergencyStop(ctx context.Context, connID *string) ([]string, error) {
	req := map[string]any{}
	if connID != nil {
		req["connection_id"] = *connID
	}
	var out struct {
		Stopped []string `json:"stopped"`
	}
	if err := c.do(ctx, http.MethodPost, "/emergency_stop", req, &out); err != nil {
		return nil, err
	}
	return out.Stopped, nil
}

// ResetEmergencyStop clears the interlock latch on a connection.
func (c *Client) ResetEmergencyStop(ctx context.Context, connID string) error {
	req := map[string]any{"connection_id": connID}
	return c.do(ctx, http.MethodPost, "/reset_emergency_stop", req, nil)
}

// Violations returns the violation history of a connection.
func (c *Client) Violations(ctx context.Context, connID string) ([]safety.Violation, error) {
	var out struct {
		Violations []safety.Violation `json:"violations"`
	}
	if err := c.do(ctx, http.MethodGet, "/violations/"+url.PathEscape(connID), nil, &out); err != nil {
		return nil, err
	}
	return out.Violations, nil
}

// Health fetches the remote liveness summary. A degraded service answers
// 503 with a valid body, so the status code is not treated as an error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Health{}, fault.Wrap(fault.ConnectionFailed, err, "instrument service unreachable")
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fault.Wrap(fault.Internal, err, "decode health response")
	}
	return h, nil
}

// do issues a JSON request and decodes the response into out (when
// non-nil). Transport errors and 5xx responses are retried with exponential
// backoff (1s, 2s between the three attempts); 4xx responses never are.
// Responses with status >= 400 become faults.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var raw []byte
	if in != nil {
		var err error
		raw, err = json.Marshal(in)
		if err != nil {
			return fault.Wrap(fault.Internal, err, "marshal request")
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			wait := c.retryWait << (attempt - 1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return fault.Wrap(fault.KindOf(ctx.Err()), ctx.Err(), "instrument request")
			}
		}

		var body io.Reader
		if raw != nil {
			body = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
		if err != nil {
			return fault.Wrap(fault.Internal, err, "build request")
		}
		if raw != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fault.Wrap(fault.ConnectionFailed, err, "instrument service unreachable")
			continue
		}
		if resp.StatusCode >= 400 {
			ferr := decodeFault(resp)
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				lastErr = ferr
				continue
			}
			return ferr
		}
		var derr error
		if out != nil {
			derr = json.NewDecoder(resp.Body).Decode(out)
		}
		resp.Body.Close()
		if derr != nil {
			return fault.Wrap(fault.Internal, derr, "decode instrument response")
		}
		return nil
	}
	return lastErr
}

// decodeFault rebuilds a classified error from an error response. The kind
// field written by writeFault takes precedence; status-code mapping is the
// fallback for bodies produced by plain writeError.
func decodeFault(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		kind := fault.Kind(body.Kind)
		if kind == "" {
			kind = kindFromStatus(resp.StatusCode)
		}
		return fault.New(kind, body.Error)
	}
	return fault.Errorf(kindFromStatus(resp.StatusCode), "instrument service returned %s", resp.Status)
}

func kindFromStatus(code int) fault.Kind {
	switch code {
	case http.StatusUnauthorized:
		return fault.Unauthenticated
	case http.StatusForbidden:
		return fault.AccessDenied
	case http.StatusNotFound:
		return fault.NotFound
	case http.StatusConflict:
		return fault.Conflict
	case http.StatusTooManyRequests:
		return fault.QuotaExceeded
	case http.StatusBadRequest:
		return fault.InvalidInput
	case http.StatusServiceUnavailable:
		return fault.BusUnavailable
	case http.StatusGatewayTimeout:
		return fault.Timeout
	default:
		return fault.Internal
	}
}
