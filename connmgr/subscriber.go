package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/auth"
	"github.com/galvana-labs/galvana/backpressure"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxInboundBytes = 4096
)

// Teardown reasons, used as the disconnect metric label and logged.
const (
	reasonClientDisconnect = "client_disconnect"
	reasonError            = "error"
	reasonServerClose      = "server_close"
	reasonQuotaRevoked     = "quota_revoked"
)

// subscriber is one WebSocket client attached to one run topic. Two pumps
// run per subscriber: ingest reads the socket (pongs and chatter), egest
// drains the backpressure queue onto the socket. Either pump may initiate
// teardown; sync.Once makes it single-flight.
type subscriber struct {
	id    string
	runID string
	topic string
	user  auth.Principal

	conn    *websocket.Conn
	writeMu sync.Mutex
	ctrl    *backpressure.Controller
	mgr     *Manager
	logger  hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// connectedEvent is the first message on every accepted socket. It tells the
// client which run it is attached to and what the queue policy looks like,
// so UIs can surface "frames may be dropped" messaging.
type connectedEvent struct {
	Type         string           `json:"type"`
	Event        string           `json:"event"`
	RunID        string           `json:"run_id"`
	Timestamp    string           `json:"timestamp"`
	Message      string           `json:"message"`
	Backpressure backpressureInfo `json:"backpressure"`
}

type backpressureInfo struct {
	MaxQueueSize         int     `json:"max_queue_size"`
	SlowThreshold        float64 `json:"slow_threshold"`
	FrameDroppingEnabled bool    `json:"frame_dropping_enabled"`
}

func (s *subscriber) sendConnected() error {
	p := s.ctrl.Policy()
	return s.writeJSON(connectedEvent{
		Type:      "event",
		Event:     "connected",
		RunID:     s.runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   "Connected to run " + s.runID + " telemetry stream",
		Backpressure: backpressureInfo{
			MaxQueueSize:         p.Capacity,
			SlowThreshold:        p.SlowThreshold,
			FrameDroppingEnabled: true,
		},
	})
}

// run drives both pumps and returns when the subscriber is fully torn down.
func (s *subscriber) run() {
	defer s.mgr.wg.Done()
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.ingest()
	}()
	go func() {
		defer pumps.Done()
		s.egest()
	}()
	pumps.Wait()
}

// ingest consumes the client side of the socket. There are no client
// commands on this stream; inbound traffic only keeps the read deadline
// honest and surfaces disconnects.
func (s *subscriber) ingest() {
	s.conn.SetReadLimit(maxInboundBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			reason := reasonError
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				reason = reasonClientDisconnect
			}
			s.close(reason)
			return
		}
		s.logger.Debug("ignoring inbound message", "bytes", len(msg))
	}
}

// egest moves frames from the backpressure queue to the socket. When the
// queue idles for a ping period, it pings instead; after forwarding a
// terminal frame the server closes the socket normally.
func (s *subscriber) egest() {
	for {
		waitCtx, cancel := context.WithTimeout(s.ctx, pingPeriod)
		f, ok := s.ctrl.Next(waitCtx)
		cancel()
		if !ok {
			if s.ctx.Err() != nil {
				// Teardown already in flight.
				return
			}
			if err := s.ping(); err != nil {
				s.close(reasonError)
				return
			}
			continue
		}

		if err := s.writeJSON(f); err != nil {
			s.logger.Warn("frame write failed", "error", err)
			s.close(reasonError)
			return
		}
		if s.mgr.met != nil {
			s.mgr.met.WSMessages.WithLabelValues(s.runID, string(f.Kind)).Inc()
		}
		if f.Terminal() {
			s.logger.Info("run finished, closing stream", "status", f.Status)
			s.close(reasonServerClose)
			return
		}
	}
}

func (s *subscriber) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *subscriber) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close tears the subscriber down with the close code implied by the reason.
func (s *subscriber) close(reason string) {
	s.teardown(reason, closeCodeFor(reason), reason)
}

func closeCodeFor(reason string) int {
	switch reason {
	case reasonServerClose, reasonClientDisconnect:
		return websocket.CloseNormalClosure
	case reasonQuotaRevoked:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseInternalServerErr
	}
}

// teardown runs at most once. Ordering matters: cancel stops the egester,
// closing the socket unblocks the ingester, and Unsubscribe guarantees the
// bus will never invoke Offer again before the controller drains.
func (s *subscriber) teardown(reason string, code int, text string) {
	s.once.Do(func() {
		s.cancel()

		msg := websocket.FormatCloseMessage(code, truncateCloseText(text))
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()

		if err := s.mgr.bus.Unsubscribe(context.Background(), s.topic, s.id); err != nil {
			s.logger.Warn("unsubscribe failed", "error", err)
		}
		snap := s.ctrl.Close()
		if s.mgr.monitor != nil {
			s.mgr.monitor.Untrack(s.ctrl)
		}
		s.mgr.detach(s, reason)

		s.logger.Info("subscriber disconnected",
			"reason", reason,
			"user", s.user.Username,
			"frames_transmitted", snap.FramesTransmitted,
			"frames_dropped", snap.FramesDropped)
	})
}

// truncateCloseText keeps close payloads inside the 125-byte control frame
// limit (2 bytes go to the status code).
func truncateCloseText(text string) string {
	const max = 123
	if len(text) <= max {
		return text
	}
	return text[:max]
}
