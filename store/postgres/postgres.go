// Package postgres provides the PostgreSQL-backed Store implementation.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/galvana-labs/galvana/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	migrateURL := toMigrateURL(dsn)
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5:// scheme
// expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// ---- users ----

func (d *DB) CreateUser(ctx context.Context, username, passwordHash string, superuser bool) (*store.User, error) {
	var u store.User
	err := d.pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, superuser)
		VALUES ($1, $2, $3)
		RETURNING id, username, password_hash, superuser, created_at
	`, username, passwordHash, superuser).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Superuser, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *DB) UserByUsername(ctx context.Context, username string) (*store.User, error) {
	var u store.User
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, superuser, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Superuser, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (d *DB) UserByID(ctx context.Context, id int64) (*store.User, error) {
	var u store.User
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, superuser, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Superuser, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

// ---- runs ----

func (d *DB) CreateRun(ctx context.Context, run *store.Run) error {
	if run.Status == "" {
		run.Status = store.RunQueued
	}
	return d.pool.QueryRow(ctx, `
		INSERT INTO runs (id, owner_id, name, technique, status, connection_id, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, run.ID, run.OwnerID, run.Name, run.Technique, string(run.Status), run.ConnectionID, run.Error).
		Scan(&run.CreatedAt, &run.UpdatedAt)
}

func (d *DB) RunByID(ctx context.Context, id string) (*store.Run, error) {
	var r store.Run
	err := d.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, technique, status, connection_id, error, created_at, updated_at
		FROM runs WHERE id = $1
	`, id).Scan(&r.ID, &r.OwnerID, &r.Name, &r.Technique, &r.Status, &r.ConnectionID,
		&r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &r, err
}

func (d *DB) RunsByOwner(ctx context.Context, ownerID int64) ([]*store.Run, error) {
	return d.queryRuns(ctx, `
		SELECT id, owner_id, name, technique, status, connection_id, error, created_at, updated_at
		FROM runs WHERE owner_id = $1 ORDER BY created_at DESC, id DESC
	`, ownerID)
}

func (d *DB) AllRuns(ctx context.Context) ([]*store.Run, error) {
	return d.queryRuns(ctx, `
		SELECT id, owner_id, name, technique, status, connection_id, error, created_at, updated_at
		FROM runs ORDER BY created_at DESC, id DESC
	`)
}

func (d *DB) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, errMsg string) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE runs SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, string(status), errMsg)
	return err
}

func (d *DB) queryRuns(ctx context.Context, q string, args ...any) ([]*store.Run, error) {
	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		var r store.Run
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Technique, &r.Status,
			&r.ConnectionID, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// ---- safety violations ----

func (d *DB) RecordViolation(ctx context.Context, connectionID, vtype, message string, ts time.Time) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO violations (connection_id, type, message, ts)
		VALUES ($1, $2, $3, $4)
	`, connectionID, vtype, message, ts)
	return err
}

func (d *DB) ViolationsByConnection(ctx context.Context, connectionID string) ([]store.Violation, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, connection_id, type, message, ts
		FROM violations
		WHERE connection_id = $1
		ORDER BY id
	`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Violation
	for rows.Next() {
		var v store.Violation
		if err := rows.Scan(&v.ID, &v.ConnectionID, &v.Type, &v.Message, &v.TS); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
