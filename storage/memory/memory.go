// Package memory provides an in-memory implementation of the
// entitlement.Store and entitlement.Ledger interfaces. This implementation is
// primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/entitlementd/pkg/entitlement"
)

// Storage implements entitlement.Store and entitlement.Ledger using
// mutex-guarded maps. All grant operations run under the write lock, which
// makes them atomic with respect to concurrent callers.
type Storage struct {
	mu       sync.RWMutex
	profiles map[string]*entitlement.Entitlement
	events   map[string]time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		profiles: make(map[string]*entitlement.Entitlement),
		events:   make(map[string]time.Time),
	}
}

// Seed inserts or replaces a profile row. Intended for tests and local
// development; production rows are provisioned by the account service.
func (s *Storage) Seed(ent *entitlement.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entCopy := *ent
	s.profiles[ent.AccountID] = &entCopy
}

// GetEntitlement implements entitlement.Store
func (s *Storage) GetEntitlement(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.profiles[accountID]
	if !ok {
		return nil, entitlement.ErrAccountNotFound
	}

	// Return a copy to prevent external mutations
	entCopy := *ent
	return &entCopy, nil
}

// ExtendPremium implements entitlement.Store
func (s *Storage) ExtendPremium(
	ctx context.Context, accountID string, months int, now time.Time,
) (*entitlement.Entitlement, error) {
	if months <= 0 {
		return nil, fmt.Errorf("months must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.profiles[accountID]
	if !ok {
		return nil, entitlement.ErrAccountNotFound
	}

	// Lifetime is a ceiling: never recompute below it.
	if ent.Tier == entitlement.TierLifetime {
		entCopy := *ent
		return &entCopy, nil
	}

	// Extend from the stored expiration only while it is still active; a
	// lapsed or absent one restarts from now.
	base := now
	if ent.PremiumExpiresAt != nil && ent.PremiumExpiresAt.After(now) {
		base = *ent.PremiumExpiresAt
	}

	// Calendar-month arithmetic with Go's normalization: Jan 31 + 1 month
	// rolls over into early March rather than clamping to Feb 28.
	expires := base.AddDate(0, months, 0)

	ent.Tier = entitlement.TierPro
	ent.PremiumExpiresAt = &expires
	ent.UpdatedAt = now

	entCopy := *ent
	return &entCopy, nil
}

// GrantLifetime implements entitlement.Store
func (s *Storage) GrantLifetime(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.profiles[accountID]
	if !ok {
		return nil, entitlement.ErrAccountNotFound
	}

	ent.Tier = entitlement.TierLifetime
	ent.UpdatedAt = time.Now().UTC()

	entCopy := *ent
	return &entCopy, nil
}

// MarkProcessed implements entitlement.Ledger
func (s *Storage) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expires, ok := s.events[eventID]; ok {
		if expires.IsZero() || expires.After(now) {
			return false, nil
		}
		// Expired record, treat as fresh
	}

	if ttl > 0 {
		s.events[eventID] = now.Add(ttl)
	} else {
		s.events[eventID] = time.Time{}
	}
	return true, nil
}

// Release implements entitlement.Ledger
func (s *Storage) Release(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, eventID)
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = make(map[string]*entitlement.Entitlement)
	s.events = make(map[string]time.Time)
}
