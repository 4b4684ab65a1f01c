package instrument

import (
	"sync"

	"github.com/galvana-labs/galvana/fault"
	"github.com/galvana-labs/galvana/store"
)

// Why a run stopped before its waveform finished. The bridge turns the
// reason into the terminal status message.
const (
	stopUser       = "stopped by user"
	stopDisconnect = "connection closed"
	stopShutdown   = "service shutting down"
)

// legalTransitions is the session state machine. Terminal states have no
// entry and therefore absorb.
var legalTransitions = map[store.RunStatus][]store.RunStatus{
	store.RunQueued: {
		store.RunRunning, store.RunFailed, store.RunAborted, store.RunEmergencyStopped,
	},
	store.RunRunning: {
		store.RunPaused, store.RunCompleted, store.RunFailed, store.RunAborted, store.RunEmergencyStopped,
	},
	store.RunPaused: {
		store.RunRunning, store.RunFailed, store.RunAborted, store.RunEmergencyStopped,
	},
}

// session tracks one run on the instrument side: its lifecycle state, the
// bridge's timestep counter, and why it was asked to stop.
type session struct {
	runID  string
	connID string
	topic  string

	mu         sync.Mutex
	state      store.RunStatus
	stopReason string
	timestep   int64
	published  int64
}

func newSession(runID, connID, topic string) *session {
	return &session{runID: runID, connID: connID, topic: topic, state: store.RunQueued}
}

// transition serialises state changes. Moving to the current state is a
// no-op; anything the table does not allow is a conflict.
func (s *session) transition(next store.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return nil
	}
	for _, allowed := range legalTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fault.Errorf(fault.Conflict, "run %s is %s, cannot become %s", s.runID, s.state, next)
}

func (s *session) current() store.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// nextTimestep hands out 0, 1, 2, ... across the whole run.
func (s *session) nextTimestep() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.timestep
	s.timestep++
	s.published++
	return ts
}

// lastTimestep is the highest timestep assigned so far, -1 before the first
// frame.
func (s *session) lastTimestep() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestep - 1
}

func (s *session) framesPublished() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// markStop records why the run is being stopped; the first reason wins.
func (s *session) markStop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopReason == "" {
		s.stopReason = reason
	}
}

func (s *session) stoppedBecause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}
