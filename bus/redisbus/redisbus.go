// Package redisbus implements the telemetry bus on Redis pub/sub, letting
// the gateway and instrument service run as separate processes. Frames
// travel as JSON on the canonical run topic.
package redisbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/galvana-labs/galvana/bus"
	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
)

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Bus is the broker-backed bus.Bus implementation. Each subscriber holds its
// own PubSub connection; go-redis reconnects those transparently.
type Bus struct {
	client *redis.Client
	logger hclog.Logger

	mu     sync.Mutex
	subs   map[string]map[string]*subscription
	closed bool
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

var _ bus.Bus = (*Bus)(nil)

// New connects to Redis and verifies it responds before returning.
func New(ctx context.Context, opts Options, logger hclog.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fault.Wrap(fault.BusUnavailable, err, "redis ping")
	}

	return &Bus{
		client: client,
		logger: logger.Named("redisbus"),
		subs:   make(map[string]map[string]*subscription),
	}, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, f *driver.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "marshal frame")
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fault.Wrap(fault.BusUnavailable, err, "redis publish")
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic, subscriberID string, h bus.Hook) error {
	if h == nil {
		return fault.New(fault.InvalidInput, "nil subscriber hook")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fault.New(fault.BusUnavailable, "bus is closed")
	}
	if _, dup := b.subs[topic][subscriberID]; dup {
		b.mu.Unlock()
		return fault.Errorf(fault.Conflict, "subscriber %q already on topic %q", subscriberID, topic)
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, topic)
	// Force the subscription handshake so frames published after Subscribe
	// returns are guaranteed to be seen.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fault.Wrap(fault.BusUnavailable, err, "redis subscribe")
	}

	sub := &subscription{pubsub: ps, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return fault.New(fault.BusUnavailable, "bus is closed")
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*subscription)
	}
	b.subs[topic][subscriberID] = sub
	b.mu.Unlock()

	go b.pump(topic, subscriberID, ps, h, sub.done)
	return nil
}

// pump decodes frames off the PubSub channel and feeds the hook until the
// subscription closes.
func (b *Bus) pump(topic, subscriberID string, ps *redis.PubSub, h bus.Hook, done chan struct{}) {
	defer close(done)
	for msg := range ps.Channel() {
		var f driver.Frame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			b.logger.Warn("dropping undecodable frame",
				"topic", topic, "subscriber", subscriberID, "error", err)
			continue
		}
		if !h(&f) {
			b.logger.Debug("subscriber rejected frame",
				"topic", topic, "subscriber", subscriberID, "timestep", f.Timestep)
		}
	}
}

func (b *Bus) Unsubscribe(ctx context.Context, topic, subscriberID string) error {
	b.mu.Lock()
	sub, ok := b.subs[topic][subscriberID]
	if ok {
		delete(b.subs[topic], subscriberID)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
	b.mu.Unlock()

	if !ok {
		return nil // idempotent
	}

	_ = sub.pubsub.Close()
	select {
	case <-sub.done:
	case <-time.After(2 * time.Second):
		b.logger.Warn("subscriber pump did not stop in time",
			"topic", topic, "subscriber", subscriberID)
	case <-ctx.Done():
	}
	return nil
}

// SubscriberCount reports subscribers registered through this process.
// Remote processes sharing the broker are not visible here.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *Bus) Connected() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var pending []*subscription
	for _, topicSubs := range b.subs {
		for _, sub := range topicSubs {
			pending = append(pending, sub)
		}
	}
	b.subs = make(map[string]map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range pending {
		_ = sub.pubsub.Close()
		<-sub.done
	}
	return b.client.Close()
}
