// Package postgres provides a PostgreSQL implementation of the
// entitlement.Store and entitlement.Ledger interfaces. Grant operations are
// single UPDATE statements that compute the new expiration server-side from
// the stored value, so concurrent grants for the same account serialize on
// the row instead of racing through a read-then-write cycle.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/entitlementd/pkg/entitlement"
)

// Storage implements entitlement.Store and entitlement.Ledger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background ledger cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration for expired ledger rows
	CleanupEnabled  bool
	CleanupInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
	}
}

// Schema contains the DDL for the tables this adapter uses. The profiles
// table mirrors the hosted account store's schema; webhook_events is owned by
// this service.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	plan_type TEXT NOT NULL DEFAULT 'free',
	premium_expires_at TIMESTAMPTZ,
	trial_used BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS webhook_events (
	event_id TEXT PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ
);
`

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
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

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// EnsureSchema creates the tables this adapter needs if they do not exist.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetEntitlement implements entitlement.Store
func (s *Storage) GetEntitlement(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, plan_type, premium_expires_at, COALESCE(trial_used, FALSE), updated_at
			FROM profiles WHERE id = $1`,
		accountID)

	return scanEntitlement(row)
}

// ExtendPremium implements entitlement.Store
//
// The whole base-date rule lives in one UPDATE expression: extend from the
// stored expiration while it is still in the future, otherwise restart from
// now. Lifetime rows pass through unchanged (the CASE references the row's
// pre-update plan_type). Interval arithmetic clamps to month end, so
// Jan 31 + 1 month lands on Feb 28 here while the in-memory adapter
// normalizes to early March; both keep the extension additive.
func (s *Storage) ExtendPremium(
	ctx context.Context, accountID string, months int, now time.Time,
) (*entitlement.Entitlement, error) {
	if months <= 0 {
		return nil, fmt.Errorf("months must be positive")
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE profiles SET
			plan_type = CASE WHEN plan_type = 'lifetime' THEN plan_type ELSE 'pro' END,
			premium_expires_at = CASE
				WHEN plan_type = 'lifetime' THEN premium_expires_at
				ELSE GREATEST(COALESCE(premium_expires_at, $2), $2) + make_interval(months => $3)
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING id, plan_type, premium_expires_at, COALESCE(trial_used, FALSE), updated_at`,
		accountID, now.UTC(), months)

	return scanEntitlement(row)
}

// GrantLifetime implements entitlement.Store
func (s *Storage) GrantLifetime(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE profiles SET plan_type = 'lifetime', updated_at = NOW()
		WHERE id = $1
		RETURNING id, plan_type, premium_expires_at, COALESCE(trial_used, FALSE), updated_at`,
		accountID)

	return scanEntitlement(row)
}

// MarkProcessed implements entitlement.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	// The conflict branch only fires for rows past their TTL, reviving them;
	// a live record leaves RowsAffected at zero.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id, processed_at, expires_at)
			VALUES ($1, NOW(), $2)
			ON CONFLICT (event_id) DO UPDATE
				SET processed_at = NOW(), expires_at = EXCLUDED.expires_at
				WHERE webhook_events.expires_at IS NOT NULL AND webhook_events.expires_at <= NOW()`,
		eventID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// Release implements entitlement.Ledger
func (s *Storage) Release(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// startCleanup periodically removes expired ledger rows
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_, _ = s.pool.Exec(cleanupCtx,
				`DELETE FROM webhook_events WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
			cancel()
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row rowScanner) (*entitlement.Entitlement, error) {
	var ent entitlement.Entitlement
	var tier string
	var expiresAt *time.Time

	err := row.Scan(&ent.AccountID, &tier, &expiresAt, &ent.TrialUsed, &ent.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}

	ent.Tier = entitlement.PlanTier(tier)
	ent.PremiumExpiresAt = expiresAt
	return &ent, nil
}
