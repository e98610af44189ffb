package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/entitlementd/pkg/entitlement"
)

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func seed(s *Storage, accountID string, tier entitlement.PlanTier, expires *time.Time) {
	s.Seed(&entitlement.Entitlement{
		AccountID:        accountID,
		Tier:             tier,
		PremiumExpiresAt: expires,
	})
}

func TestGetEntitlement_NotFound(t *testing.T) {
	s := New()

	if _, err := s.GetEntitlement(context.Background(), "ghost"); err != entitlement.ErrAccountNotFound {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestGetEntitlement_ReturnsCopy(t *testing.T) {
	s := New()
	seed(s, "acc-1", entitlement.TierFree, nil)

	first, err := s.GetEntitlement(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("GetEntitlement: %v", err)
	}
	first.Tier = entitlement.TierLifetime

	second, err := s.GetEntitlement(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("GetEntitlement: %v", err)
	}
	if second.Tier != entitlement.TierFree {
		t.Errorf("stored row mutated through returned copy")
	}
}

func TestExtendPremium(t *testing.T) {
	activeExpiry := fixedNow.AddDate(0, 0, 10)
	lapsedExpiry := fixedNow.AddDate(0, -1, 0)

	tests := []struct {
		name        string
		tier        entitlement.PlanTier
		expires     *time.Time
		months      int
		wantExpires time.Time
	}{
		{"fresh account starts from now", entitlement.TierFree, nil, 3, fixedNow.AddDate(0, 3, 0)},
		{"lapsed expiry restarts from now", entitlement.TierPro, &lapsedExpiry, 1, fixedNow.AddDate(0, 1, 0)},
		{"active expiry stacks", entitlement.TierPro, &activeExpiry, 1, activeExpiry.AddDate(0, 1, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			seed(s, "acc-1", tt.tier, tt.expires)

			ent, err := s.ExtendPremium(context.Background(), "acc-1", tt.months, fixedNow)
			if err != nil {
				t.Fatalf("ExtendPremium: %v", err)
			}
			if ent.Tier != entitlement.TierPro {
				t.Errorf("tier = %s, want %s", ent.Tier, entitlement.TierPro)
			}
			if ent.PremiumExpiresAt == nil || !ent.PremiumExpiresAt.Equal(tt.wantExpires) {
				t.Errorf("expires = %v, want %v", ent.PremiumExpiresAt, tt.wantExpires)
			}
		})
	}
}

func TestExtendPremium_MonthEndRollsOver(t *testing.T) {
	s := New()
	seed(s, "acc-1", entitlement.TierFree, nil)

	jan31 := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	ent, err := s.ExtendPremium(context.Background(), "acc-1", 1, jan31)
	if err != nil {
		t.Fatalf("ExtendPremium: %v", err)
	}

	// AddDate normalizes Feb 31 into March rather than clamping
	want := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	if !ent.PremiumExpiresAt.Equal(want) {
		t.Errorf("expires = %v, want %v", ent.PremiumExpiresAt, want)
	}
}

func TestExtendPremium_LifetimeUntouched(t *testing.T) {
	s := New()
	seed(s, "acc-1", entitlement.TierLifetime, nil)

	ent, err := s.ExtendPremium(context.Background(), "acc-1", 12, fixedNow)
	if err != nil {
		t.Fatalf("ExtendPremium: %v", err)
	}
	if ent.Tier != entitlement.TierLifetime {
		t.Errorf("tier = %s, want %s", ent.Tier, entitlement.TierLifetime)
	}
	if ent.PremiumExpiresAt != nil {
		t.Errorf("expires = %v, want nil", ent.PremiumExpiresAt)
	}
}

func TestExtendPremium_Validation(t *testing.T) {
	s := New()
	seed(s, "acc-1", entitlement.TierFree, nil)

	if _, err := s.ExtendPremium(context.Background(), "acc-1", 0, fixedNow); err == nil {
		t.Error("expected error for zero months")
	}
	if _, err := s.ExtendPremium(context.Background(), "ghost", 1, fixedNow); err != entitlement.ErrAccountNotFound {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

// Two concurrent one-month grants must net exactly two months: the write lock
// serializes the read-modify-write so neither extension is lost.
func TestExtendPremium_ConcurrentGrantsStack(t *testing.T) {
	s := New()
	seed(s, "acc-1", entitlement.TierFree, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ExtendPremium(context.Background(), "acc-1", 1, fixedNow); err != nil {
				t.Errorf("ExtendPremium: %v", err)
			}
		}()
	}
	wg.Wait()

	ent, err := s.GetEntitlement(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("GetEntitlement: %v", err)
	}
	want := fixedNow.AddDate(0, 2, 0)
	if ent.PremiumExpiresAt == nil || !ent.PremiumExpiresAt.Equal(want) {
		t.Errorf("expires = %v, want %v", ent.PremiumExpiresAt, want)
	}
}

func TestGrantLifetime(t *testing.T) {
	s := New()
	expiry := fixedNow.AddDate(0, 1, 0)
	seed(s, "acc-1", entitlement.TierPro, &expiry)

	ent, err := s.GrantLifetime(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("GrantLifetime: %v", err)
	}
	if ent.Tier != entitlement.TierLifetime {
		t.Errorf("tier = %s, want %s", ent.Tier, entitlement.TierLifetime)
	}

	if _, err := s.GrantLifetime(context.Background(), "ghost"); err != entitlement.ErrAccountNotFound {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestMarkProcessed(t *testing.T) {
	s := New()

	fresh, err := s.MarkProcessed(context.Background(), "evt-1", time.Hour)
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if !fresh {
		t.Error("first mark should be fresh")
	}

	fresh, err = s.MarkProcessed(context.Background(), "evt-1", time.Hour)
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if fresh {
		t.Error("second mark should be a duplicate")
	}
}

func TestMarkProcessed_ExpiredRecordRevives(t *testing.T) {
	s := New()

	if _, err := s.MarkProcessed(context.Background(), "evt-1", time.Nanosecond); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	fresh, err := s.MarkProcessed(context.Background(), "evt-1", time.Hour)
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if !fresh {
		t.Error("expired record should be treated as fresh")
	}
}

func TestMarkProcessed_ZeroTTLNeverExpires(t *testing.T) {
	s := New()

	if _, err := s.MarkProcessed(context.Background(), "evt-1", 0); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	fresh, err := s.MarkProcessed(context.Background(), "evt-1", 0)
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if fresh {
		t.Error("zero-ttl record should never expire")
	}
}

func TestMarkProcessed_EmptyEventID(t *testing.T) {
	s := New()

	if _, err := s.MarkProcessed(context.Background(), "", time.Hour); err == nil {
		t.Error("expected error for empty event id")
	}
}

func TestRelease(t *testing.T) {
	s := New()

	if _, err := s.MarkProcessed(context.Background(), "evt-1", time.Hour); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := s.Release(context.Background(), "evt-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	fresh, err := s.MarkProcessed(context.Background(), "evt-1", time.Hour)
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if !fresh {
		t.Error("released event should be markable again")
	}
}

func TestClear(t *testing.T) {
	s := New()
	seed(s, "acc-1", entitlement.TierPro, nil)
	if _, err := s.MarkProcessed(context.Background(), "evt-1", time.Hour); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	s.Clear()

	if _, err := s.GetEntitlement(context.Background(), "acc-1"); err != entitlement.ErrAccountNotFound {
		t.Errorf("profiles should be empty after Clear")
	}
	fresh, _ := s.MarkProcessed(context.Background(), "evt-1", time.Hour)
	if !fresh {
		t.Errorf("events should be empty after Clear")
	}
}
