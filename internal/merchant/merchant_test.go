package merchant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anastasis-provider/anastasis/internal/store"
)

func TestCreateOrderAndGetStatus(t *testing.T) {
	var createdOrderID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/private/orders":
			var body struct {
				Order struct {
					OrderID string `json:"order_id"`
				} `json:"order"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			createdOrderID = body.Order.OrderID
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			assert.Equal(t, "/private/orders/"+createdOrderID, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"order_status": "paid"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(ClientConfig{BaseURL: srv.URL})

	err := c.CreateOrder(context.Background(), "ORDER123", store.Amount{Currency: "EUR", Value: 499}, "policy storage", "https://example.com/done")
	require.NoError(t, err)

	status, err := c.GetOrderStatus(context.Background(), "ORDER123")
	require.NoError(t, err)
	assert.True(t, status.Paid)
	assert.Equal(t, "paid", status.Status)
}

func TestRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/private/orders/ORDER123/refund", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(ClientConfig{BaseURL: srv.URL})
	err := c.Refund(context.Background(), "ORDER123", store.Amount{Currency: "EUR", Value: 499}, "challenge failed")
	require.NoError(t, err)
}

func TestPayURI(t *testing.T) {
	assert.Equal(t, "taler://pay/example.com/ORDER1/", PayURI("example.com", "ORDER1", false))
	assert.Equal(t, "taler+http://pay/example.com/ORDER1/", PayURI("example.com", "ORDER1", true))
}

func TestRequestErrorSurfacesAsMerchantError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(ClientConfig{BaseURL: srv.URL})
	c.retry = RetryConfig{MaxAttempts: 1}

	err := c.CreateOrder(context.Background(), "ORDER1", store.Amount{Currency: "EUR", Value: 100}, "x", "https://example.com")
	require.Error(t, err)
}
