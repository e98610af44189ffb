package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/entitlementd/pkg/entitlement"
	"github.com/mihaimyh/entitlementd/storage/memory"
)

func newTestHandler(t *testing.T, store *memory.Storage) http.Handler {
	t.Helper()

	h, err := NewHandler(Config{Store: store})
	require.NoError(t, err)
	return h.Routes()
}

func getEntitlement(t *testing.T, handler http.Handler, accountID string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/accounts/"+accountID+"/entitlement", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_RequiresStore(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestGetEntitlement_FreeAccount(t *testing.T) {
	store := memory.New()
	store.Seed(&entitlement.Entitlement{AccountID: "acc-1", Tier: entitlement.TierFree})
	handler := newTestHandler(t, store)

	rec := getEntitlement(t, handler, "acc-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EntitlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acc-1", resp.AccountID)
	assert.Equal(t, "free", resp.PlanType)
	assert.Equal(t, "free", resp.Status)
	assert.Nil(t, resp.PremiumExpiresAt)
}

func TestGetEntitlement_ActivePro(t *testing.T) {
	store := memory.New()
	expires := time.Now().UTC().AddDate(0, 1, 0)
	store.Seed(&entitlement.Entitlement{
		AccountID:        "acc-1",
		Tier:             entitlement.TierPro,
		PremiumExpiresAt: &expires,
	})
	handler := newTestHandler(t, store)

	rec := getEntitlement(t, handler, "acc-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EntitlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pro", resp.PlanType)
	assert.Equal(t, "active", resp.Status)
	require.NotNil(t, resp.PremiumExpiresAt)
	assert.True(t, resp.PremiumExpiresAt.Equal(expires))
}

func TestGetEntitlement_ExpiredPro(t *testing.T) {
	store := memory.New()
	expires := time.Now().UTC().AddDate(0, -1, 0)
	store.Seed(&entitlement.Entitlement{
		AccountID:        "acc-1",
		Tier:             entitlement.TierPro,
		PremiumExpiresAt: &expires,
	})
	handler := newTestHandler(t, store)

	rec := getEntitlement(t, handler, "acc-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EntitlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "expired", resp.Status)
}

func TestGetEntitlement_Lifetime(t *testing.T) {
	store := memory.New()
	store.Seed(&entitlement.Entitlement{AccountID: "acc-1", Tier: entitlement.TierLifetime})
	handler := newTestHandler(t, store)

	rec := getEntitlement(t, handler, "acc-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EntitlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "lifetime", resp.PlanType)
	assert.Equal(t, "active", resp.Status)
}

func TestGetEntitlement_TrialFlag(t *testing.T) {
	store := memory.New()
	store.Seed(&entitlement.Entitlement{
		AccountID: "acc-1",
		Tier:      entitlement.TierFree,
		TrialUsed: true,
	})
	handler := newTestHandler(t, store)

	rec := getEntitlement(t, handler, "acc-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EntitlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.TrialUsed)
}

func TestGetEntitlement_NotFound(t *testing.T) {
	handler := newTestHandler(t, memory.New())

	rec := getEntitlement(t, handler, "ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetEntitlement_OversizedAccountID(t *testing.T) {
	handler := newTestHandler(t, memory.New())

	rec := getEntitlement(t, handler, strings.Repeat("a", 300))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEntitlement_ContentType(t *testing.T) {
	store := memory.New()
	store.Seed(&entitlement.Entitlement{AccountID: "acc-1", Tier: entitlement.TierFree})
	handler := newTestHandler(t, store)

	rec := getEntitlement(t, handler, "acc-1")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
