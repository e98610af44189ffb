// Package mercadopago provides an outbound client for the Mercado Pago
// payments API. The webhook payload itself is not self-authenticating, so
// every inbound notification is confirmed through this side channel before
// any entitlement changes.
package mercadopago

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"

	"github.com/mihaimyh/entitlementd/pkg/entitlement"
)

const (
	defaultBaseURL     = "https://api.mercadopago.com"
	defaultHTTPTimeout = 10 * time.Second

	paymentsEndpoint = "/v1/payments"
)

var (
	// ErrAccessTokenRequired is returned by NewClient when no token is set.
	ErrAccessTokenRequired = errors.New("mercadopago access token is required")

	// ErrPaymentNotFound is returned when the API has no payment for the id.
	ErrPaymentNotFound = errors.New("payment not found")
)

// APIError is returned for non-2xx responses other than 404.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadopago API error: status %d, body: %s", e.StatusCode, e.Body)
}

// Config configures a Client. AccessToken is required; everything else
// defaults.
type Config struct {
	// AccessToken is the server-held bearer credential for the payments API.
	AccessToken string

	// BaseURL overrides the API base URL, for tests.
	BaseURL string

	// HTTPClient is an optional HTTP client. If nil, a default client with a
	// 10s timeout is used.
	HTTPClient *http.Client

	// Metrics tracks outbound API calls (default: NoopMetrics).
	Metrics entitlement.Metrics

	// DisableCircuitBreaker turns off the breaker around API calls. By
	// default repeated upstream failures open the circuit and fail fast
	// until the API recovers; the processor's redelivery covers the gap.
	DisableCircuitBreaker bool
}

// Client fetches payment detail from the Mercado Pago API.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	metrics     entitlement.Metrics
	breaker     *gobreaker.CircuitBreaker[*entitlement.Payment]
}

// NewClient creates a new Mercado Pago API client.
func NewClient(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" {
		return nil, ErrAccessTokenRequired
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &entitlement.NoopMetrics{}
	}

	c := &Client{
		baseURL:     baseURL,
		accessToken: token,
		httpClient:  httpClient,
		metrics:     metrics,
	}

	if !cfg.DisableCircuitBreaker {
		c.breaker = gobreaker.NewCircuitBreaker[*entitlement.Payment](gobreaker.Settings{
			Name:    "mercadopago",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// A 404 is an answer, not an upstream outage.
				return err == nil || errors.Is(err, ErrPaymentNotFound)
			},
		})
	}

	return c, nil
}

// GetPayment fetches the full payment detail for an event id.
func (c *Client) GetPayment(ctx context.Context, eventID string) (*entitlement.Payment, error) {
	if strings.TrimSpace(eventID) == "" {
		return nil, fmt.Errorf("event id is required")
	}

	if c.breaker == nil {
		return c.fetchPayment(ctx, eventID)
	}

	return c.breaker.Execute(func() (*entitlement.Payment, error) {
		return c.fetchPayment(ctx, eventID)
	})
}

// paymentResponse is the subset of the API payment resource consumed here.
type paymentResponse struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	Description       string          `json:"description"`
}

func (c *Client) fetchPayment(ctx context.Context, eventID string) (*entitlement.Payment, error) {
	url := fmt.Sprintf("%s%s/%s", c.baseURL, paymentsEndpoint, eventID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	res, err := c.httpClient.Do(req)
	c.metrics.RecordAPICallDuration(paymentsEndpoint, time.Since(startTime))
	if err != nil {
		c.metrics.RecordAPICall(paymentsEndpoint, "error")
		return nil, fmt.Errorf("failed to fetch payment: %w", err)
	}
	defer res.Body.Close()

	c.metrics.RecordAPICall(paymentsEndpoint, strconv.Itoa(res.StatusCode))

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, eventID)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &APIError{StatusCode: res.StatusCode, Body: string(body)}
	}

	var payload paymentResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment response: %w", err)
	}

	return &entitlement.Payment{
		EventID:           eventID,
		ExternalReference: strings.TrimSpace(payload.ExternalReference),
		Status:            strings.TrimSpace(payload.Status),
		Amount:            payload.TransactionAmount,
		Description:       payload.Description,
	}, nil
}
