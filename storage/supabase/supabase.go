// Package supabase provides an entitlement.Store adapter for a hosted
// Supabase/PostgREST account store. The webhook acts on behalf of the system,
// not an end user, so requests carry the service-role key that bypasses
// row-level security.
//
// PostgREST cannot express a server-side computed update, so extension is an
// optimistic compare-and-swap loop: read the row, compute the new expiration,
// and PATCH filtered on the exact expiration that was read. A concurrent
// writer makes the filter match nothing, and the loop re-reads and retries.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/entitlementd/pkg/entitlement"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxRetries  = 3

	profilesPath  = "/rest/v1/profiles"
	selectColumns = "id,plan_type,premium_expires_at,trial_used,updated_at"
)

// Config holds Supabase store configuration
type Config struct {
	// URL is the project base URL, e.g. https://xyzcompany.supabase.co
	URL string

	// ServiceRoleKey is the elevated credential used for system writes.
	ServiceRoleKey string

	// HTTPClient is an optional HTTP client. If nil, a default client with a
	// 10s timeout is used.
	HTTPClient *http.Client

	// MaxRetries bounds the compare-and-swap loop (default: 3).
	MaxRetries int
}

// Storage implements entitlement.Store against the Supabase REST API
type Storage struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	maxRetries int
}

// New creates a new Supabase storage adapter
func New(config Config) (*Storage, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.URL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if strings.TrimSpace(config.ServiceRoleKey) == "" {
		return nil, fmt.Errorf("supabase service role key is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Storage{
		baseURL:    baseURL,
		serviceKey: strings.TrimSpace(config.ServiceRoleKey),
		httpClient: httpClient,
		maxRetries: maxRetries,
	}, nil
}

// profileRow is the PostgREST row representation. PremiumExpiresAt stays a
// raw string so the compare-and-swap filter can reuse the server's exact
// timestamp formatting.
type profileRow struct {
	ID               string  `json:"id"`
	PlanType         string  `json:"plan_type"`
	PremiumExpiresAt *string `json:"premium_expires_at"`
	TrialUsed        *bool   `json:"trial_used"`
	UpdatedAt        *string `json:"updated_at"`
}

func (r *profileRow) toEntitlement() (*entitlement.Entitlement, error) {
	ent := &entitlement.Entitlement{
		AccountID: r.ID,
		Tier:      entitlement.PlanTier(r.PlanType),
	}
	if r.TrialUsed != nil {
		ent.TrialUsed = *r.TrialUsed
	}
	if r.PremiumExpiresAt != nil && *r.PremiumExpiresAt != "" {
		t, err := parsePostgresTime(*r.PremiumExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse premium_expires_at: %w", err)
		}
		ent.PremiumExpiresAt = &t
	}
	if r.UpdatedAt != nil && *r.UpdatedAt != "" {
		if t, err := parsePostgresTime(*r.UpdatedAt); err == nil {
			ent.UpdatedAt = t
		}
	}
	return ent, nil
}

// GetEntitlement implements entitlement.Store
func (s *Storage) GetEntitlement(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	row, err := s.fetchRow(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return row.toEntitlement()
}

// ExtendPremium implements entitlement.Store
func (s *Storage) ExtendPremium(
	ctx context.Context, accountID string, months int, now time.Time,
) (*entitlement.Entitlement, error) {
	if months <= 0 {
		return nil, fmt.Errorf("months must be positive")
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		row, err := s.fetchRow(ctx, accountID)
		if err != nil {
			return nil, err
		}

		// Lifetime is a ceiling: leave the row untouched.
		if entitlement.PlanTier(row.PlanType) == entitlement.TierLifetime {
			return row.toEntitlement()
		}

		ent, err := row.toEntitlement()
		if err != nil {
			return nil, err
		}

		base := now
		if ent.PremiumExpiresAt != nil && ent.PremiumExpiresAt.After(now) {
			base = *ent.PremiumExpiresAt
		}
		expires := base.AddDate(0, months, 0).UTC()

		// CAS guard: match only while plan_type and premium_expires_at still
		// hold the values just read.
		filters := url.Values{}
		filters.Set("id", "eq."+accountID)
		filters.Set("plan_type", "eq."+row.PlanType)
		if row.PremiumExpiresAt == nil {
			filters.Set("premium_expires_at", "is.null")
		} else {
			filters.Set("premium_expires_at", "eq."+*row.PremiumExpiresAt)
		}

		update := map[string]interface{}{
			"plan_type":          string(entitlement.TierPro),
			"premium_expires_at": expires.Format(time.RFC3339Nano),
		}

		updated, err := s.patch(ctx, filters, update)
		if err != nil {
			return nil, err
		}
		if updated != nil {
			return updated.toEntitlement()
		}
		// Lost the race, re-read and retry
	}

	return nil, fmt.Errorf("%w: profile update contention for account %s",
		entitlement.ErrStoreUnavailable, accountID)
}

// GrantLifetime implements entitlement.Store
func (s *Storage) GrantLifetime(ctx context.Context, accountID string) (*entitlement.Entitlement, error) {
	filters := url.Values{}
	filters.Set("id", "eq."+accountID)

	update := map[string]interface{}{
		"plan_type": string(entitlement.TierLifetime),
	}

	updated, err := s.patch(ctx, filters, update)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, entitlement.ErrAccountNotFound
	}
	return updated.toEntitlement()
}

// fetchRow reads one profile row, returning ErrAccountNotFound for a missing id.
func (s *Storage) fetchRow(ctx context.Context, accountID string) (*profileRow, error) {
	query := url.Values{}
	query.Set("id", "eq."+accountID)
	query.Set("select", selectColumns)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+profilesPath+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)

	rows, err := s.doRows(req)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, entitlement.ErrAccountNotFound
	}
	return &rows[0], nil
}

// patch applies a filtered partial update. Returns nil (no error) when the
// filter matched no rows.
func (s *Storage) patch(
	ctx context.Context, filters url.Values, update map[string]interface{},
) (*profileRow, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		s.baseURL+profilesPath+"?"+filters.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	rows, err := s.doRows(req)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *Storage) setHeaders(req *http.Request) {
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Accept", "application/json")
}

func (s *Storage) doRows(req *http.Request) ([]profileRow, error) {
	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entitlement.ErrStoreUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("supabase API error: status %d, body: %s", res.StatusCode, string(body))
	}

	var rows []profileRow
	if len(body) > 0 {
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return rows, nil
}

// parsePostgresTime handles the timestamp shapes PostgREST emits.
func parsePostgresTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	// PostgREST omits the T separator in some configurations
	if t, err := time.Parse("2006-01-02 15:04:05.999999999-07", v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}
