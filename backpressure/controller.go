// Package backpressure implements per-subscriber flow control between the
// telemetry bus and a WebSocket client. Each subscriber owns one bounded
// queue; a three-tier policy keyed on queue utilization decides whether a
// published frame is enqueued, enqueued with a warning, or dropped in favor
// of keyframes. Producers are never blocked longer than the enqueue timeout.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/metrics"
)

// Drop reasons recorded in metrics and logs.
const (
	DropSlowNonKeyframe  = "slow_client_non_keyframe"
	DropQueueFullTimeout = "queue_full_timeout"
	DropConnectionClosed = "connection_closed"
)

// Policy are the tuning knobs for one subscriber queue.
type Policy struct {
	Capacity        int
	MediumThreshold float64 // warn above this utilization
	SlowThreshold   float64 // drop non-keyframes above this utilization
	EnqueueTimeout  time.Duration
	WarningCooldown time.Duration
}

// DefaultPolicy mirrors the service configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		Capacity:        100,
		MediumThreshold: 0.3,
		SlowThreshold:   0.7,
		EnqueueTimeout:  time.Second,
		WarningCooldown: 5 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.Capacity <= 0 {
		p.Capacity = 100
	}
	if p.MediumThreshold <= 0 || p.MediumThreshold > 1 {
		p.MediumThreshold = 0.3
	}
	if p.SlowThreshold <= p.MediumThreshold || p.SlowThreshold > 1 {
		p.SlowThreshold = 0.7
	}
	if p.EnqueueTimeout <= 0 {
		p.EnqueueTimeout = time.Second
	}
	if p.WarningCooldown <= 0 {
		p.WarningCooldown = 5 * time.Second
	}
	return p
}

// queued wraps a frame with its enqueue stamp. The stamp never leaves the
// process; dequeue converts it to a latency observation.
type queued struct {
	frame      *driver.Frame
	enqueuedAt time.Time
}

// Snapshot is a point-in-time view of one subscriber queue.
type Snapshot struct {
	RunID              string           `json:"run_id"`
	QueueSize          int              `json:"queue_size"`
	MaxSize            int              `json:"max_size"`
	Utilization        float64          `json:"utilization"`
	FramesDropped      int64            `json:"frames_dropped"`
	FramesTransmitted  int64            `json:"frames_transmitted"`
	KeyframesPreserved int64            `json:"keyframes_preserved"`
	AverageLatencyMS   float64          `json:"average_latency_ms"`
	DroppedByReason    map[string]int64 `json:"dropped_by_reason,omitempty"`
}

// Controller is one subscriber's queue plus its drop/latency accounting.
// Offer runs on the bus fanout goroutine, Next on the egester: a
// single-producer single-consumer pair.
type Controller struct {
	runID  string
	policy Policy
	logger hclog.Logger
	met    *metrics.Metrics

	ch   chan queued
	done chan struct{}

	mu          sync.Mutex
	closed      bool
	lastWarn    time.Time
	transmitted int64
	preserved   int64
	latencySum  time.Duration
	dropped     map[string]int64
}

// NewController builds a queue for one subscriber of the given run.
func NewController(runID string, p Policy, logger hclog.Logger, met *metrics.Metrics) *Controller {
	p = p.normalized()
	return &Controller{
		runID:   runID,
		policy:  p,
		logger:  logger.Named("backpressure").With("run_id", runID),
		met:     met,
		ch:      make(chan queued, p.Capacity),
		done:    make(chan struct{}),
		dropped: make(map[string]int64),
	}
}

// Offer applies the tier policy to one published frame. It reports whether
// the frame was accepted; rejected frames are already accounted for.
func (c *Controller) Offer(f *driver.Frame) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	size := len(c.ch)
	u := float64(size) / float64(c.policy.Capacity)

	switch {
	case size >= c.policy.Capacity:
		// Stalled: the queue is full. Block for at most the enqueue
		// timeout, then drop regardless of keyframe status.
		return c.enqueueTimed(f)

	case u > c.policy.SlowThreshold:
		// Slow consumer: only keyframes get through. The preserved count
		// follows the enqueue so a keyframe lost to a fill race is only
		// ever accounted as dropped.
		if !f.IsKeyframe {
			c.drop(f, DropSlowNonKeyframe)
			return false
		}
		if !c.enqueue(f) {
			return false
		}
		c.mu.Lock()
		c.preserved++
		c.mu.Unlock()
		return true

	case u > c.policy.MediumThreshold:
		c.warnIfDue(u, size)
		return c.enqueue(f)

	default:
		return c.enqueue(f)
	}
}

// enqueue is the fast path: the utilization check said there is room, so a
// full channel here is a momentary race and falls back to the timed path.
func (c *Controller) enqueue(f *driver.Frame) bool {
	select {
	case c.ch <- queued{frame: f, enqueuedAt: time.Now()}:
		c.gauges()
		return true
	default:
		return c.enqueueTimed(f)
	}
}

func (c *Controller) enqueueTimed(f *driver.Frame) bool {
	timer := time.NewTimer(c.policy.EnqueueTimeout)
	defer timer.Stop()
	select {
	case c.ch <- queued{frame: f, enqueuedAt: time.Now()}:
		c.gauges()
		return true
	case <-timer.C:
		c.drop(f, DropQueueFullTimeout)
		return false
	case <-c.done:
		c.drop(f, DropConnectionClosed)
		return false
	}
}

// Next blocks for the next frame. ok is false once the controller is closed
// or ctx is cancelled; the frame handed out carries no queue internals.
func (c *Controller) Next(ctx context.Context) (*driver.Frame, bool) {
	select {
	case item := <-c.ch:
		c.dequeued(item)
		return item.frame, true
	case <-c.done:
		// Drain-free exit: Close owns whatever is still queued.
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (c *Controller) dequeued(item queued) {
	latency := time.Since(item.enqueuedAt)

	c.mu.Lock()
	c.transmitted++
	c.latencySum += latency
	c.mu.Unlock()

	if c.met != nil {
		c.met.FrameLatency.WithLabelValues(c.runID).Observe(latency.Seconds())
	}
	c.gauges()
}

func (c *Controller) drop(f *driver.Frame, reason string) {
	c.mu.Lock()
	c.dropped[reason]++
	c.mu.Unlock()

	if c.met != nil {
		c.met.FramesDropped.WithLabelValues(c.runID, reason).Inc()
	}
	c.logger.Debug("frame dropped", "reason", reason,
		"timestep", f.Timestep, "keyframe", f.IsKeyframe)
}

func (c *Controller) warnIfDue(u float64, size int) {
	now := time.Now()
	c.mu.Lock()
	due := now.Sub(c.lastWarn) >= c.policy.WarningCooldown
	if due {
		c.lastWarn = now
	}
	c.mu.Unlock()

	if due {
		c.logger.Warn("client consuming slowly",
			"utilization", u, "queue_size", size, "capacity", c.policy.Capacity)
	}
}

func (c *Controller) gauges() {
	if c.met == nil {
		return
	}
	size := float64(len(c.ch))
	c.met.QueueSize.WithLabelValues(c.runID).Set(size)
	c.met.QueueUtilization.WithLabelValues(c.runID).Set(size / float64(c.policy.Capacity))
}

// Metrics returns the current accounting snapshot.
func (c *Controller) Metrics() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	size := len(c.ch)
	var totalDropped int64
	byReason := make(map[string]int64, len(c.dropped))
	for reason, n := range c.dropped {
		byReason[reason] = n
		totalDropped += n
	}
	var avgMS float64
	if c.transmitted > 0 {
		avgMS = float64(c.latencySum.Milliseconds()) / float64(c.transmitted)
	}
	return Snapshot{
		RunID:              c.runID,
		QueueSize:          size,
		MaxSize:            c.policy.Capacity,
		Utilization:        float64(size) / float64(c.policy.Capacity),
		FramesDropped:      totalDropped,
		FramesTransmitted:  c.transmitted,
		KeyframesPreserved: c.preserved,
		AverageLatencyMS:   avgMS,
		DroppedByReason:    byReason,
	}
}

// Close stops the queue, drains whatever is still buffered into the drop
// accounting, and returns the final snapshot. Idempotent.
func (c *Controller) Close() Snapshot {
	c.mu.Lock()
	if c.closed {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)

	// Anything still queued will never reach the client.
	for {
		select {
		case item := <-c.ch:
			c.drop(item.frame, DropConnectionClosed)
		default:
			snap := c.Metrics()
			c.logger.Info("subscriber queue closed",
				"transmitted", snap.FramesTransmitted,
				"dropped", snap.FramesDropped,
				"keyframes_preserved", snap.KeyframesPreserved,
				"avg_latency_ms", snap.AverageLatencyMS)
			c.gauges()
			return snap
		}
	}
}

// RunID names the run this controller feeds.
func (c *Controller) RunID() string { return c.runID }

// Policy returns the effective (normalized) policy.
func (c *Controller) Policy() Policy { return c.policy }

// Len reports the current queue depth.
func (c *Controller) Len() int { return len(c.ch) }
