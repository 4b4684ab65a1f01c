// Package bus moves telemetry frames from run bridges to subscribers.
// One publisher per topic, many subscribers, no persistence: a frame
// published while nobody listens is gone. Subscribers register a non-owning
// inbound hook; queueing and backpressure stay on the subscriber's side of
// the hook.
package bus

import (
	"context"

	"github.com/galvana-labs/galvana/driver"
)

// Hook receives one published frame. It must not block beyond its own
// bounded enqueue policy and reports whether the frame was accepted.
// Frames are shared across subscribers and must be treated as read-only.
type Hook func(*driver.Frame) bool

// Bus is the pub/sub contract. Implementations: Memory (in-process) and
// redisbus.Bus (broker-backed, for split deployments).
type Bus interface {
	// Publish fans the frame out to the topic's subscribers. It never
	// blocks the publisher beyond the subscribers' bounded hooks.
	Publish(ctx context.Context, topic string, f *driver.Frame) error

	// Subscribe registers a hook under subscriberID. After Subscribe
	// returns, the hook sees every frame published to the topic until
	// Unsubscribe.
	Subscribe(ctx context.Context, topic, subscriberID string, h Hook) error

	// Unsubscribe removes the subscriber. Idempotent; once it returns the
	// hook is never invoked again.
	Unsubscribe(ctx context.Context, topic, subscriberID string) error

	// SubscriberCount reports the live subscribers on a topic.
	SubscriberCount(topic string) int

	// Connected reports whether the bus can currently accept publishes.
	Connected() bool

	// Close shuts the bus down and drops all subscriptions.
	Close() error
}

// RunTopic is the canonical telemetry topic for a run.
func RunTopic(runID string) string {
	return "run:" + runID + ":telemetry"
}
