// Package stores persists the deployment registry and the TTL index in
// SQLite. The per-deployment event logs remain the source of truth for
// status; this store exists so listings and the TTL sweep do not have
// to walk every deployment directory.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore is the SQLite-backed registry and TTL index.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateDeployment inserts a new registry row.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *Deployment) error {
	query := `
		INSERT INTO deployments (id, repo, instructions, region, status, public_url, error, created_at, updated_at, destroyed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.Repo,
		d.Instructions,
		d.Region,
		d.Status,
		d.PublicURL,
		d.Error,
		d.CreatedAt,
		d.UpdatedAt,
		d.DestroyedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// GetDeployment retrieves a registry row by id.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	query := `
		SELECT id, repo, instructions, region, status, public_url, error, created_at, updated_at, destroyed_at
		FROM deployments
		WHERE id = ?
	`

	d := &Deployment{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID,
		&d.Repo,
		&d.Instructions,
		&d.Region,
		&d.Status,
		&d.PublicURL,
		&d.Error,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.DestroyedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// UpdateDeploymentStatus records the latest derived status for a
// deployment, along with its public URL or error once known.
func (s *SQLiteStore) UpdateDeploymentStatus(ctx context.Context, id, status string, publicURL, errMsg *string) error {
	query := `
		UPDATE deployments
		SET status = ?,
		    public_url = COALESCE(?, public_url),
		    error = COALESCE(?, error),
		    destroyed_at = CASE WHEN ? = 'destroyed' THEN ? ELSE destroyed_at END,
		    updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, status, publicURL, errMsg, status, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListDeployments lists registry rows newest first.
func (s *SQLiteStore) ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, error) {
	query := `
		SELECT id, repo, instructions, region, status, public_url, error, created_at, updated_at, destroyed_at
		FROM deployments
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*Deployment
	for rows.Next() {
		d := &Deployment{}
		err := rows.Scan(
			&d.ID,
			&d.Repo,
			&d.Instructions,
			&d.Region,
			&d.Status,
			&d.PublicURL,
			&d.Error,
			&d.CreatedAt,
			&d.UpdatedAt,
			&d.DestroyedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deployments: %w", err)
	}
	return deployments, nil
}

// DeleteDeployment removes a registry row and its TTL entry.
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM deployments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertTTL schedules or reschedules a deployment's expiry.
func (s *SQLiteStore) UpsertTTL(ctx context.Context, entry *TTLEntry) error {
	query := `
		INSERT INTO ttl_index (deployment_id, ttl_hours, created_at, expires_at, cancelled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(deployment_id) DO UPDATE SET
			ttl_hours = excluded.ttl_hours,
			expires_at = excluded.expires_at,
			cancelled = excluded.cancelled
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.DeploymentID,
		entry.TTLHours,
		entry.CreatedAt,
		entry.ExpiresAt,
		entry.Cancelled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert TTL entry: %w", err)
	}
	return nil
}

// GetTTL retrieves the TTL entry for a deployment.
func (s *SQLiteStore) GetTTL(ctx context.Context, deploymentID string) (*TTLEntry, error) {
	query := `
		SELECT deployment_id, ttl_hours, created_at, expires_at, cancelled
		FROM ttl_index
		WHERE deployment_id = ?
	`

	entry := &TTLEntry{}
	err := s.db.QueryRowContext(ctx, query, deploymentID).Scan(
		&entry.DeploymentID,
		&entry.TTLHours,
		&entry.CreatedAt,
		&entry.ExpiresAt,
		&entry.Cancelled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ttl entry for %s: %w", deploymentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get TTL entry: %w", err)
	}
	return entry, nil
}

// CancelTTL marks a deployment's TTL entry as cancelled.
func (s *SQLiteStore) CancelTTL(ctx context.Context, deploymentID string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE ttl_index SET cancelled = 1 WHERE deployment_id = ?", deploymentID)
	if err != nil {
		return fmt.Errorf("failed to cancel TTL entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("ttl entry for %s: %w", deploymentID, ErrNotFound)
	}
	return nil
}

// ListTTLs lists all TTL entries, soonest expiry first.
func (s *SQLiteStore) ListTTLs(ctx context.Context) ([]*TTLEntry, error) {
	return s.queryTTLs(ctx, `
		SELECT deployment_id, ttl_hours, created_at, expires_at, cancelled
		FROM ttl_index
		ORDER BY expires_at ASC
	`)
}

// ActiveTTLs lists TTL entries that have not been cancelled.
func (s *SQLiteStore) ActiveTTLs(ctx context.Context) ([]*TTLEntry, error) {
	return s.queryTTLs(ctx, `
		SELECT deployment_id, ttl_hours, created_at, expires_at, cancelled
		FROM ttl_index
		WHERE cancelled = 0
		ORDER BY expires_at ASC
	`)
}

func (s *SQLiteStore) queryTTLs(ctx context.Context, query string, args ...any) ([]*TTLEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list TTL entries: %w", err)
	}
	defer rows.Close()

	var entries []*TTLEntry
	for rows.Next() {
		entry := &TTLEntry{}
		err := rows.Scan(
			&entry.DeploymentID,
			&entry.TTLHours,
			&entry.CreatedAt,
			&entry.ExpiresAt,
			&entry.Cancelled,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan TTL entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate TTL entries: %w", err)
	}
	return entries, nil
}
