package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/galvana-labs/galvana/driver"
	"github.com/galvana-labs/galvana/fault"
)

func frame(ts int64) *driver.Frame {
	return &driver.Frame{Kind: driver.KindFrame, Timestep: ts}
}

// recorder is a hook that appends accepted frames under a lock.
type recorder struct {
	mu     sync.Mutex
	frames []*driver.Frame
	accept bool
}

func newRecorder() *recorder { return &recorder{accept: true} }

func (r *recorder) hook(f *driver.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.accept {
		return false
	}
	r.frames = append(r.frames, f)
	return true
}

func (r *recorder) timesteps() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Timestep
	}
	return out
}

func TestPublishFansOutInOrder(t *testing.T) {
	m := NewMemory(hclog.NewNullLogger())
	ctx := context.Background()
	topic := RunTopic("r1")

	a, b := newRecorder(), newRecorder()
	if err := m.Subscribe(ctx, topic, "sub-a", a.hook); err != nil {
		t.Fatal(err)
	}
	if err := m.Subscribe(ctx, topic, "sub-b", b.hook); err != nil {
		t.Fatal(err)
	}

	for ts := int64(0); ts < 5; ts++ {
		if err := m.Publish(ctx, topic, frame(ts)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for name, r := range map[string]*recorder{"a": a, "b": b} {
		got := r.timesteps()
		if len(got) != 5 {
			t.Fatalf("subscriber %s got %d frames", name, len(got))
		}
		for i, ts := range got {
			if ts != int64(i) {
				t.Fatalf("subscriber %s out of order: %v", name, got)
			}
		}
	}
	if m.Delivered() != 10 {
		t.Errorf("Delivered = %d, want 10", m.Delivered())
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	m := NewMemory(hclog.NewNullLogger())
	ctx := context.Background()

	a := newRecorder()
	if err := m.Subscribe(ctx, RunTopic("r1"), "sub-a", a.hook); err != nil {
		t.Fatal(err)
	}
	if err := m.Publish(ctx, RunTopic("r2"), frame(1)); err != nil {
		t.Fatal(err)
	}
	if len(a.timesteps()) != 0 {
		t.Fatal("frame crossed topics")
	}
}

func TestRejectionIsCounted(t *testing.T) {
	m := NewMemory(hclog.NewNullLogger())
	ctx := context.Background()
	topic := RunTopic("r1")

	r := newRecorder()
	r.accept = false
	if err := m.Subscribe(ctx, topic, "sub", r.hook); err != nil {
		t.Fatal(err)
	}
	if err := m.Publish(ctx, topic, frame(1)); err != nil {
		t.Fatal(err)
	}
	if m.Rejected() != 1 {
		t.Errorf("Rejected = %d, want 1", m.Rejected())
	}
	if m.Delivered() != 0 {
		t.Errorf("Delivered = %d, want 0", m.Delivered())
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	m := NewMemory(hclog.NewNullLogger())
	ctx := context.Background()
	topic := RunTopic("r1")

	if err := m.Publish(ctx, topic, frame(1)); err != nil {
		t.Fatal(err)
	}
	r := newRecorder()
	if err := m.Subscribe(ctx, topic, "late", r.hook); err != nil {
		t.Fatal(err)
	}
	if len(r.timesteps()) != 0 {
		t.Fatal("late subscriber saw a historical frame")
	}
}

func TestUnsubscribeIdempotentAndFinal(t *testing.T) {
	m := NewMemory(hclog.NewNullLogger())
	ctx := context.Background()
	topic := RunTopic("r1")

	r := newRecorder()
	if err := m.Subscribe(ctx, topic, "sub", r.hook); err != nil {
		t.Fatal(err)
	}
	if err := m.Unsubscribe(ctx, topic, "sub"); err != nil {
		t.Fatal(err)
	}
	if err := m.Unsubscribe(ctx, topic, "sub"); err != nil {
		t.Fatalf("second Unsubscribe: %v", err)
	}
	if err := m.Unsubscribe(ctx, "run:ghost:telemetry", "nobody"); err != nil {
		t.Fatalf("Unsubscribe unknown topic: %v", err)
	}

	if err := m.Publish(ctx, topic, frame(2)); err != nil {
		t.Fatal(err)
	}
	if len(r.timesteps()) != 0 {
		t.Fatal("hook invoked after Unsubscribe returned")
	}
	if got := m.SubscriberCount(topic); got != 0 {
		t.Fatalf("SubscriberCount = %d", got)
	}
}

func TestDuplicateSubscriberIDRejected(t *testing.T) {
	m := NewMemory(hclog.NewNullLogger())
	ctx := context.Background()
	topic := RunTopic("r1")

	r := newRecorder()
	if err := m.Subscribe(ctx, topic, "sub", r.hook); err != nil {
		t.Fatal(err)
	}
	err := m.Subscribe(ctx, topic, "sub", r.hook)
	if fault.KindOf(err) != fault.Conflict {
		t.Fatalf("duplicate subscribe: %v", err)
	}
}

func TestClosedBusRefusesTraffic(t *testing.T) {
	m := NewMemory(hclog.NewNullLogger())
	ctx := context.Background()

	if !m.Connected() {
		t.Fatal("fresh bus not connected")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.Connected() {
		t.Fatal("closed bus reports connected")
	}
	if err := m.Publish(ctx, RunTopic("r"), frame(1)); fault.KindOf(err) != fault.BusUnavailable {
		t.Fatalf("Publish after close: %v", err)
	}
	if err := m.Subscribe(ctx, RunTopic("r"), "s", newRecorder().hook); fault.KindOf(err) != fault.BusUnavailable {
		t.Fatalf("Subscribe after close: %v", err)
	}
}

func TestConcurrentPublishersOnDistinctTopics(t *testing.T) {
	m := NewMemory(hclog.NewNullLogger())
	ctx := context.Background()

	recs := make([]*recorder, 4)
	for i := range recs {
		recs[i] = newRecorder()
		topic := RunTopic(string(rune('a' + i)))
		if err := m.Subscribe(ctx, topic, "sub", recs[i].hook); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			topic := RunTopic(string(rune('a' + i)))
			for ts := int64(0); ts < 100; ts++ {
				if err := m.Publish(ctx, topic, frame(ts)); err != nil {
					t.Errorf("Publish: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i, r := range recs {
		got := r.timesteps()
		if len(got) != 100 {
			t.Fatalf("topic %d delivered %d frames", i, len(got))
		}
		for j, ts := range got {
			if ts != int64(j) {
				t.Fatalf("topic %d out of order at %d", i, j)
			}
		}
	}
}
