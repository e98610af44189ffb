package mercadopago

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		AccessToken: "test-token",
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrAccessTokenRequired)

	_, err = NewClient(Config{AccessToken: "   "})
	assert.ErrorIs(t, err, ErrAccessTokenRequired)
}

// Tokens pasted with a leading "Bearer " must not double the scheme.
func TestNewClient_StripsBearerPrefix(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"id":1,"status":"approved"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		AccessToken: "Bearer token-123",
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)

	_, err = c.GetPayment(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-123", gotAuth)
}

func TestGetPayment_ParsesResponse(t *testing.T) {
	var gotPath, gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{
			"id": 12345,
			"status": "approved",
			"external_reference": "acc-1",
			"transaction_amount": 25.5,
			"description": "Plano 3 meses"
		}`))
	}))

	p, err := c.GetPayment(context.Background(), "12345")
	require.NoError(t, err)

	assert.Equal(t, "/v1/payments/12345", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "12345", p.EventID)
	assert.Equal(t, "acc-1", p.ExternalReference)
	assert.Equal(t, "approved", p.Status)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("25.5")))
	assert.Equal(t, "Plano 3 meses", p.Description)
}

func TestGetPayment_TrimsFields(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":1,"status":" approved ","external_reference":" acc-1 "}`))
	}))

	p, err := c.GetPayment(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "approved", p.Status)
	assert.Equal(t, "acc-1", p.ExternalReference)
}

func TestGetPayment_EmptyEventID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	}))

	_, err := c.GetPayment(context.Background(), "  ")
	assert.Error(t, err)
}

func TestGetPayment_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetPayment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestGetPayment_APIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid token"}`))
	}))

	_, err := c.GetPayment(context.Background(), "1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "invalid token")
}

func TestGetPayment_MalformedJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{broken`))
	}))

	_, err := c.GetPayment(context.Background(), "1")
	assert.Error(t, err)
}

// Five consecutive upstream failures open the breaker; the sixth call fails
// fast without reaching the server.
func TestGetPayment_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 5; i++ {
		_, err := c.GetPayment(context.Background(), "1")
		require.Error(t, err)
	}
	require.Equal(t, 5, calls)

	_, err := c.GetPayment(context.Background(), "1")
	require.Error(t, err)
	assert.Equal(t, 5, calls, "open breaker must not reach the server")
}

// A 404 is a definitive answer and must not trip the breaker.
func TestGetPayment_NotFoundDoesNotTripBreaker(t *testing.T) {
	var calls int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))

	for i := 0; i < 10; i++ {
		_, err := c.GetPayment(context.Background(), "missing")
		require.ErrorIs(t, err, ErrPaymentNotFound)
	}
	assert.Equal(t, 10, calls)
}

func TestGetPayment_BreakerDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		AccessToken:           "test-token",
		BaseURL:               srv.URL,
		DisableCircuitBreaker: true,
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := c.GetPayment(context.Background(), "1")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
	}
}

func TestGetPayment_ContextCancellation(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetPayment(ctx, "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
