// Package postgres is the durable storage backend. All component storage
// interfaces are implemented over one pgx connection pool; uniqueness and
// retry polling semantics lean on the database (unique constraints,
// FOR UPDATE SKIP LOCKED) rather than application locking.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements the warmth, entitlement, webhook, and outbound storage
// interfaces on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Config holds PostgreSQL connection settings.
type Config struct {
	// ConnectionString is the PostgreSQL DSN.
	ConnectionString string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates all tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS warmth_anchors (
		contact_id TEXT PRIMARY KEY,
		score      DOUBLE PRECISION NOT NULL,
		anchor_at  TIMESTAMPTZ NOT NULL,
		mode       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS warmth_events (
		id         BIGSERIAL PRIMARY KEY,
		contact_id TEXT NOT NULL,
		type       TEXT NOT NULL,
		delta      DOUBLE PRECISION NOT NULL,
		mode       TEXT NOT NULL,
		note       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_warmth_events_contact
		ON warmth_events (contact_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS subscription_snapshots (
		id                 BIGSERIAL PRIMARY KEY,
		user_id            TEXT NOT NULL,
		product_id         TEXT NOT NULL DEFAULT '',
		store              TEXT NOT NULL,
		store_account_id   TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		current_period_end TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_user
		ON subscription_snapshots (user_id, current_period_end DESC)`,
	`CREATE TABLE IF NOT EXISTS entitlements (
		user_id     TEXT PRIMARY KEY,
		plan        TEXT NOT NULL,
		valid_until TIMESTAMPTZ,
		source      TEXT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entitlements_expiry
		ON entitlements (valid_until) WHERE plan = 'pro'`,
	`CREATE TABLE IF NOT EXISTS trial_devices (
		user_id       TEXT NOT NULL,
		device_hash   TEXT NOT NULL,
		platform      TEXT NOT NULL DEFAULT '',
		app_version   TEXT NOT NULL DEFAULT '',
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, device_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trial_devices_hash
		ON trial_devices (device_hash)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		idempotency_key TEXT PRIMARY KEY,
		provider        TEXT NOT NULL,
		type            TEXT NOT NULL,
		payload         BYTEA NOT NULL,
		signature_valid BOOLEAN NOT NULL,
		received_at     TIMESTAMPTZ NOT NULL,
		processed_at    TIMESTAMPTZ,
		attempt_count   INT NOT NULL DEFAULT 0,
		next_retry_at   TIMESTAMPTZ,
		status          TEXT NOT NULL,
		last_error      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_retry
		ON webhook_events (next_retry_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS outbound_subscribers (
		id         TEXT PRIMARY KEY,
		url        TEXT NOT NULL,
		secret     TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbound_deliveries (
		id              TEXT PRIMARY KEY,
		subscriber_id   TEXT NOT NULL,
		event_id        TEXT NOT NULL,
		payload         BYTEA NOT NULL,
		attempt_count   INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL,
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		delivered_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbound_deliveries_due
		ON outbound_deliveries (next_attempt_at) WHERE status = 'pending'`,
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
