// Package redis provides a Redis implementation of the entitlement.Ledger
// interface. Event ids are recorded with SET NX, which is atomic on the
// server, so concurrent deliveries of the same event resolve to exactly one
// winner.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "entitlementd:events:"

// Ledger implements entitlement.Ledger using Redis
type Ledger struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitlementd:events:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: defaultKeyPrefix,
	}
}

// New creates a new Redis ledger adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}

	return &Ledger{
		client: client,
		config: config,
	}, nil
}

// MarkProcessed implements entitlement.Ledger
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}

	fresh, err := l.client.SetNX(ctx, l.key(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}

	return fresh, nil
}

// Release implements entitlement.Ledger
func (l *Ledger) Release(ctx context.Context, eventID string) error {
	if err := l.client.Del(ctx, l.key(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

func (l *Ledger) key(eventID string) string {
	return l.config.KeyPrefix + eventID
}
