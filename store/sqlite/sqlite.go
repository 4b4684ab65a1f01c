// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/galvana-labs/galvana/store"
)

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema.  New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT    NOT NULL UNIQUE,
			password_hash TEXT    NOT NULL,
			superuser     INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id            TEXT    PRIMARY KEY,
			owner_id      INTEGER NOT NULL REFERENCES users(id),
			name          TEXT    NOT NULL DEFAULT '',
			technique     TEXT    NOT NULL,
			status        TEXT    NOT NULL DEFAULT 'queued',
			connection_id TEXT    NOT NULL DEFAULT '',
			error         TEXT    NOT NULL DEFAULT '',
			created_at    TEXT    NOT NULL,
			updated_at    TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS violations (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT    NOT NULL,
			type          TEXT    NOT NULL,
			message       TEXT    NOT NULL,
			ts            TEXT    NOT NULL
		)`,

		// Run listings filter on owner and order by recency; violation reads
		// are always per connection.
		`CREATE INDEX IF NOT EXISTS idx_runs_owner_created
			ON runs(owner_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_conn
			ON violations(connection_id, id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- users ----

func (s *DB) CreateUser(ctx context.Context, username, passwordHash string, superuser bool) (*store.User, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, superuser, created_at)
		VALUES (?, ?, ?, ?)
	`, username, passwordHash, boolInt(superuser), now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.UserByID(ctx, id)
}

func (s *DB) UserByUsername(ctx context.Context, username string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, superuser, created_at
		   FROM users WHERE username = ?`, username)
	return scanUser(row.Scan)
}

func (s *DB) UserByID(ctx context.Context, id int64) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, superuser, created_at
		   FROM users WHERE id = ?`, id)
	return scanUser(row.Scan)
}

// ---- runs ----

func (s *DB) CreateRun(ctx context.Context, run *store.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = store.RunQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, owner_id, name, technique, status, connection_id, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.OwnerID, run.Name, run.Technique, string(run.Status), run.ConnectionID,
		run.Error, now.Format(time.RFC3339), now.Format(time.RFC3339))
	return err
}

func (s *DB) RunByID(ctx context.Context, id string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, technique, status, connection_id, error, created_at, updated_at
		   FROM runs WHERE id = ?`, id)
	return scanRun(row.Scan)
}

func (s *DB) RunsByOwner(ctx context.Context, ownerID int64) ([]*store.Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, owner_id, name, technique, status, connection_id, error, created_at, updated_at
		  FROM runs
		 WHERE owner_id = ?
		 ORDER BY created_at DESC, id DESC
	`, ownerID)
}

func (s *DB) AllRuns(ctx context.Context) ([]*store.Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, owner_id, name, technique, status, connection_id, error, created_at, updated_at
		  FROM runs
		 ORDER BY created_at DESC, id DESC
	`)
}

func (s *DB) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

// ---- safety violations ----

func (s *DB) RecordViolation(ctx context.Context, connectionID, vtype, message string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violations (connection_id, type, message, ts)
		VALUES (?, ?, ?, ?)
	`, connectionID, vtype, message, ts.UTC().Format(time.RFC3339))
	return err
}

func (s *DB) ViolationsByConnection(ctx context.Context, connectionID string) ([]store.Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, type, message, ts
		  FROM violations
		 WHERE connection_id = ?
		 ORDER BY id ASC
	`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Violation
	for rows.Next() {
		var v store.Violation
		var ts string
		if err := rows.Scan(&v.ID, &v.ConnectionID, &v.Type, &v.Message, &ts); err != nil {
			return nil, err
		}
		v.TS, _ = time.Parse(time.RFC3339, ts)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanUser(scan scanFn) (*store.User, error) {
	var u store.User
	var superuser int
	var createdAt string
	err := scan(&u.ID, &u.Username, &u.PasswordHash, &superuser, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Superuser = superuser != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

func scanRun(scan scanFn) (*store.Run, error) {
	var r store.Run
	var createdAt, updatedAt string
	err := scan(&r.ID, &r.OwnerID, &r.Name, &r.Technique, &r.Status, &r.ConnectionID,
		&r.Error, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &r, nil
}

func (s *DB) queryRuns(ctx context.Context, q string, args ...any) ([]*store.Run, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
