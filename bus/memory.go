package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
)

// Memory is the in-process Bus. Fanout happens on the publisher's goroutine
// under a read lock, so Unsubscribe (which takes the write lock) returning
// guarantees the hook will not run again.
type Memory struct {
	logger hclog.Logger

	mu     sync.RWMutex
	topics map[string]map[string]Hook
	closed bool

	delivered atomic.Int64
	rejected  atomic.Int64
}

// NewMemory returns an empty in-process bus.
func NewMemory(logger hclog.Logger) *Memory {
	return &Memory{
		logger: logger.Named("bus"),
		topics: make(map[string]map[string]Hook),
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, f *driver.Frame) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fault.New(fault.BusUnavailable, "bus is closed")
	}
	for id, hook := range m.topics[topic] {
		if hook(f) {
			m.delivered.Add(1)
		} else {
			m.rejected.Add(1)
			m.logger.Debug("subscriber rejected frame",
				"topic", topic, "subscriber", id, "timestep", f.Timestep)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic, subscriberID string, h Hook) error {
	if h == nil {
		return fault.New(fault.InvalidInput, "nil subscriber hook")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fault.New(fault.BusUnavailable, "bus is closed")
	}
	subs := m.topics[topic]
	if subs == nil {
		subs = make(map[string]Hook)
		m.topics[topic] = subs
	}
	if _, dup := subs[subscriberID]; dup {
		return fault.Errorf(fault.Conflict, "subscriber %q already on topic %q", subscriberID, topic)
	}
	subs[subscriberID] = h
	m.logger.Debug("subscribed", "topic", topic, "subscriber", subscriberID)
	return nil
}

func (m *Memory) Unsubscribe(ctx context.Context, topic, subscriberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.topics[topic]
	if _, ok := subs[subscriberID]; !ok {
		return nil // idempotent
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
	m.logger.Debug("unsubscribed", "topic", topic, "subscriber", subscriberID)
	return nil
}

func (m *Memory) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

func (m *Memory) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.topics = make(map[string]map[string]Hook)
	return nil
}

// Delivered reports frames accepted by hooks since startup.
func (m *Memory) Delivered() int64 { return m.delivered.Load() }

// Rejected reports frames refused by hooks since startup.
func (m *Memory) Rejected() int64 { return m.rejected.Load() }
