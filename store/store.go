// Package store defines the persistence abstraction for the gateway.
// The default implementation is SQLite; Postgres is selected by config for
// deployments that already run one. Both backends speak the same interface,
// so call sites never branch on the engine.
package store

import (
	"context"
	"time"
)

// ---- run states ----

// RunStatus is the persisted lifecycle state of an experiment run.
type RunStatus string

const (
	// RunQueued means the run is accepted and programmed but the instrument
	// has not started producing telemetry yet.
	RunQueued RunStatus = "queued"

	// RunRunning means telemetry is flowing.
	RunRunning RunStatus = "running"

	// RunPaused means the user suspended acquisition; the session survives.
	RunPaused RunStatus = "paused"

	// RunCompleted means the programmed waveform finished normally.
	RunCompleted RunStatus = "completed"

	// RunFailed means the driver or bus reported an unrecoverable error.
	RunFailed RunStatus = "failed"

	// RunAborted means the user stopped the run before completion.
	RunAborted RunStatus = "aborted"

	// RunEmergencyStopped means the safety interlock terminated the run.
	RunEmergencyStopped RunStatus = "emergency-stopped"
)

// Terminal reports whether the status is final; terminal runs never change
// state again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted, RunEmergencyStopped:
		return true
	}
	return false
}

// ---- records ----

// User is a persisted account. PasswordHash never leaves the store layer
// in API responses.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Superuser    bool      `json:"superuser"`
	CreatedAt    time.Time `json:"created_at"`
}

// Run is the persisted record of one experiment run. ID is the UUID minted
// when the run is accepted; ConnectionID names the instrument connection
// that executed it.
type Run struct {
	ID           string    `json:"id"`
	OwnerID      int64     `json:"owner_id"`
	Name         string    `json:"name"`
	Technique    string    `json:"technique"`
	Status       RunStatus `json:"status"`
	ConnectionID string    `json:"connection_id"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Violation is a persisted safety interlock entry, kept for audit beyond the
// lifetime of the in-memory guard.
type Violation struct {
	ID           int64     `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	TS           time.Time `json:"ts"`
}

// ---- store interface ----

// Store is the persistence abstraction. All methods are context-aware.
// Lookup methods return (nil, nil) when the record does not exist.
type Store interface {
	// ---- users ----

	// CreateUser inserts a new account and returns it with ID populated.
	// An existing username is a conflict and returns an error.
	CreateUser(ctx context.Context, username, passwordHash string, superuser bool) (*User, error)

	// UserByUsername fetches an account by its unique username.
	UserByUsername(ctx context.Context, username string) (*User, error)

	// UserByID fetches an account by primary key.
	UserByID(ctx context.Context, id int64) (*User, error)

	// ---- runs ----

	// CreateRun persists a freshly accepted run. Status should be RunQueued;
	// CreatedAt/UpdatedAt are stamped by the store.
	CreateRun(ctx context.Context, run *Run) error

	// RunByID fetches a run by its UUID.
	RunByID(ctx context.Context, id string) (*Run, error)

	// RunsByOwner returns the runs owned by one user, newest first.
	RunsByOwner(ctx context.Context, ownerID int64) ([]*Run, error)

	// AllRuns returns every run, newest first. Superuser surfaces only.
	AllRuns(ctx context.Context) ([]*Run, error)

	// UpdateRunStatus transitions a run. For RunFailed and
	// RunEmergencyStopped, errMsg should describe the cause.
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error

	// ---- safety violations ----

	// RecordViolation appends one interlock entry for a connection.
	RecordViolation(ctx context.Context, connectionID, vtype, message string, ts time.Time) error

	// ViolationsByConnection returns a connection's violations, oldest first,
	// matching the order the interlock recorded them.
	ViolationsByConnection(ctx context.Context, connectionID string) ([]Violation, error)

	// ---- lifecycle ----

	Close() error
}
