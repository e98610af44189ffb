// Package api provides a read-only HTTP endpoint for inspecting account
// entitlements. It serves operators and the frontend's plan page; all writes
// go through the webhook reconciler.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/entitlementd/pkg/entitlement"
)

const (
	statusActive  = "active"
	statusExpired = "expired"
	statusFree    = "free"

	maxAccountIDLen = 255
)

// Config defines the configuration for the API handler
type Config struct {
	// Store is the account entitlement store. Required.
	Store entitlement.Store

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger
}

// Handler provides HTTP endpoints for entitlement inspection
type Handler struct {
	store  entitlement.Store
	logger entitlement.Logger
}

// NewHandler creates an API handler from the given config.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}

	return &Handler{
		store:  cfg.Store,
		logger: cfg.Logger,
	}, nil
}

// Routes returns a router exposing the inspection endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/accounts/{accountID}/entitlement", h.GetEntitlement)
	return r
}

// EntitlementResponse is the JSON shape returned for one account.
type EntitlementResponse struct {
	AccountID        string     `json:"account_id"`
	PlanType         string     `json:"plan_type"`
	Status           string     `json:"status"`
	PremiumExpiresAt *time.Time `json:"premium_expires_at,omitempty"`
	TrialUsed        bool       `json:"trial_used"`
}

// GetEntitlement returns the current entitlement standing for an account
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID := chi.URLParam(r, "accountID")
	if accountID == "" || len(accountID) > maxAccountIDLen {
		h.handleError(w, fmt.Errorf("invalid account id"), http.StatusBadRequest)
		return
	}

	ent, err := h.store.GetEntitlement(ctx, accountID)
	if errors.Is(err, entitlement.ErrAccountNotFound) {
		h.handleError(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get entitlement",
			entitlement.Field{Key: "account_id", Value: accountID},
			entitlement.Field{Key: "error", Value: err.Error()})
		h.handleError(w, fmt.Errorf("failed to get entitlement"), http.StatusInternalServerError)
		return
	}

	status := statusFree
	switch ent.Tier {
	case entitlement.TierLifetime:
		status = statusActive
	case entitlement.TierPro:
		if ent.Active(time.Now().UTC()) {
			status = statusActive
		} else {
			status = statusExpired
		}
	}

	resp := EntitlementResponse{
		AccountID:        ent.AccountID,
		PlanType:         string(ent.Tier),
		Status:           status,
		PremiumExpiresAt: ent.PremiumExpiresAt,
		TrialUsed:        ent.TrialUsed,
	}

	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("failed to write response",
			entitlement.Field{Key: "error", Value: err.Error()})
	}
}

func (h *Handler) handleError(w http.ResponseWriter, err error, code int) {
	_ = writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}
