package instrument

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
	"github.com/galvana-labs/galvana/store"
)

// Bus outage backoff bounds. Frames produced during an outage are dropped,
// not buffered; the driver never blocks on the bus.
const (
	busRetryBase = 100 * time.Millisecond
	busRetryMax  = 5 * time.Second
)

// bridge moves one run's frames from the driver stream to the bus topic. It
// owns the run's timestep sequence and the terminal status frame.
type bridge struct {
	svc    *Service
	sess   *session
	conn   *conn
	logger hclog.Logger

	busDown   bool
	backoff   time.Duration
	nextRetry time.Time
	lost      int64
}

func (b *bridge) run(ctx context.Context, items <-chan driver.Item) {
	for {
		select {
		case item, ok := <-items:
			if !ok {
				b.finishFromClose()
				return
			}
			if item.Err != nil {
				b.finishFromError(item.Err)
				return
			}
			b.forward(ctx, item.Frame)

		case <-ctx.Done():
			b.finishFromCancel()
			return
		}
	}
}

// forward stamps identity and ordering onto the frame and publishes it.
// The bridge's counter is authoritative: downstream consumers rely on
// strictly increasing timesteps regardless of what the driver produced.
func (b *bridge) forward(ctx context.Context, f *driver.Frame) {
	f.RunID = b.sess.runID
	f.Timestep = b.sess.nextTimestep()
	f.Timestamp = driver.NowMillis()
	if interval := int64(b.svc.keyframeInterval); interval > 0 && f.Timestep%interval == 0 {
		f.IsKeyframe = true
	}

	b.publish(ctx, f)

	if n := b.sess.framesPublished(); n%100 == 0 {
		b.logger.Debug("telemetry flowing",
			"frames", n, "timestep", f.Timestep, "lost_to_bus", b.lost)
	}
}

// publish sends one frame, tracking bus health. On the first failure the
// subscribers get a best-effort bus_error event and the bridge enters an
// exponential backoff: frames offered before the retry deadline are lost.
func (b *bridge) publish(ctx context.Context, f *driver.Frame) {
	if b.busDown && time.Now().Before(b.nextRetry) {
		b.lost++
		return
	}

	pctx, cancel := context.WithTimeout(ctx, time.Second)
	err := b.svc.bus.Publish(pctx, b.sess.topic, f)
	cancel()

	if err == nil {
		if b.busDown {
			b.busDown = false
			b.backoff = 0
			b.logger.Info("bus restored", "frames_lost", b.lost)
		}
		return
	}

	b.lost++
	if !b.busDown {
		b.busDown = true
		b.backoff = busRetryBase
		b.logger.Error("bus publish failed, backing off", "error", err)
		b.emitBusError(ctx, err)
	} else {
		b.backoff *= 2
		if b.backoff > busRetryMax {
			b.backoff = busRetryMax
		}
	}
	b.nextRetry = time.Now().Add(b.backoff)
}

// emitBusError tells subscribers the stream is degraded. Best effort: if the
// bus is down this fails too and the event is simply lost.
func (b *bridge) emitBusError(ctx context.Context, cause error) {
	ev := &driver.Frame{
		Kind:      driver.KindEvent,
		RunID:     b.sess.runID,
		Timestamp: driver.NowMillis(),
		Event:     "bus_error",
		Message:   "telemetry bus unavailable, frames may be lost",
		Error:     cause.Error(),
	}
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = b.svc.bus.Publish(pctx, b.sess.topic, ev)
}

// finishFromClose handles the driver closing its stream: a latched interlock
// means an emergency stop ended the run, a recorded stop reason means an
// abort, anything else is natural completion.
func (b *bridge) finishFromClose() {
	switch {
	case b.conn.guard.EmergencyStopped():
		b.svc.finishSession(b.sess, b.conn, store.RunEmergencyStopped, b.lastViolationMessage())
		b.svc.persistViolations(b.conn)
	case b.sess.stoppedBecause() != "":
		b.svc.finishSession(b.sess, b.conn, store.RunAborted, b.sess.stoppedBecause())
	default:
		b.svc.finishSession(b.sess, b.conn, store.RunCompleted, "")
	}
}

func (b *bridge) finishFromError(err error) {
	switch {
	case fault.Is(err, fault.SafetyViolation):
		b.svc.finishSession(b.sess, b.conn, store.RunEmergencyStopped, err.Error())
		b.svc.persistViolations(b.conn)
	case fault.Is(err, fault.Cancelled):
		b.svc.finishSession(b.sess, b.conn, store.RunAborted, stopShutdown)
	default:
		b.svc.finishSession(b.sess, b.conn, store.RunFailed, err.Error())
	}
}

// finishFromCancel handles bridge context cancellation (service shutdown or
// connection teardown). The driver is stopped so hardware does not keep
// sweeping into a void.
func (b *bridge) finishFromCancel() {
	sctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.conn.guard.Stop(sctx); err != nil {
		b.logger.Warn("stop after cancel failed", "error", err)
	}

	if b.conn.guard.EmergencyStopped() {
		b.svc.finishSession(b.sess, b.conn, store.RunEmergencyStopped, b.lastViolationMessage())
		b.svc.persistViolations(b.conn)
		return
	}
	reason := b.sess.stoppedBecause()
	if reason == "" {
		reason = stopShutdown
	}
	b.svc.finishSession(b.sess, b.conn, store.RunAborted, reason)
}

func (b *bridge) lastViolationMessage() string {
	vs := b.conn.guard.Violations()
	if len(vs) == 0 {
		return "emergency stop"
	}
	return vs[len(vs)-1].Message
}
