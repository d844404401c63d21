// Package merchant is the client for the Taler merchant backend (spec
// §4.4): creating payment orders, polling their status, and issuing
// refunds. Its HTTP-client shape and retry/circuit-breaker behavior are
// adapted from the teacher's infrastructure/httputil and
// infrastructure/resilience packages.
package merchant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anastasis-provider/anastasis/internal/store"
	"github.com/anastasis-provider/anastasis/internal/svcerrors"
)

// ClientConfig mirrors the teacher's httputil.ClientConfig: a base URL,
// an optional pre-built HTTP client, and size/timeout knobs.
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	InstanceID   string
	Timeout      time.Duration
	HTTPClient   *http.Client
	MaxBodyBytes int64
	PollCeiling  time.Duration
}

const defaultMaxBodyBytes = 1 << 20

// defaultPollCeiling bounds how long a single GetOrderStatus poll waits
// on the merchant backend, independent of whatever deadline the caller's
// context already carries (spec §4.4: long-polling honors
// min(caller deadline, internal ceiling)).
const defaultPollCeiling = 10 * time.Second

// Client talks to the Taler merchant backend for one provider instance.
type Client struct {
	baseURL      string
	apiKey       string
	instanceID   string
	http         *http.Client
	maxBodyBytes int64
	pollCeiling  time.Duration
	retry        RetryConfig
	breaker      *CircuitBreaker
}

// New builds a merchant Client from cfg.
func New(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	pollCeiling := cfg.PollCeiling
	if pollCeiling <= 0 {
		pollCeiling = defaultPollCeiling
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		instanceID:   cfg.InstanceID,
		http:         httpClient,
		maxBodyBytes: maxBody,
		pollCeiling:  pollCeiling,
		retry:        DefaultRetryConfig(),
		breaker:      NewCircuitBreaker(DefaultCircuitBreakerConfig()),
	}
}

// OrderStatus is the subset of the merchant's order-status response the
// provider needs to drive its own state machine (spec §4.6 S1).
type OrderStatus struct {
	Paid   bool
	Status string // "paid" | "unpaid" | "claimed"
}

// CreateOrder opens a payment order for amount, keyed by orderID (a
// base32-encoded payment identifier per spec §6). fulfillmentURL is
// advertised to the wallet.
func (c *Client) CreateOrder(ctx context.Context, orderID string, amount store.Amount, summary, fulfillmentURL string) error {
	body := map[string]any{
		"order": map[string]any{
			"order_id":        orderID,
			"amount":          fmt.Sprintf("%s:%d", amount.Currency, amount.Value),
			"summary":         summary,
			"fulfillment_url": fulfillmentURL,
		},
	}
	return c.doRetried(ctx, "create_order", func() error {
		_, err := c.request(ctx, http.MethodPost, "/private/orders", body)
		return err
	})
}

// GetOrderStatus polls the order's current payment status. The request
// is bounded by the caller's own deadline or c.pollCeiling, whichever is
// sooner, so a slow merchant backend cannot hold a suspended /policy or
// /truth request open indefinitely (spec §4.4, §4.8).
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollCeiling)
	defer cancel()

	var out OrderStatus
	err := c.doRetried(ctx, "get_order_status", func() error {
		raw, reqErr := c.request(ctx, http.MethodGet, "/private/orders/"+orderID, nil)
		if reqErr != nil {
			return reqErr
		}
		var decoded struct {
			OrderStatus string `json:"order_status"`
		}
		if jsonErr := json.Unmarshal(raw, &decoded); jsonErr != nil {
			return jsonErr
		}
		out.Status = decoded.OrderStatus
		out.Paid = decoded.OrderStatus == "paid"
		return nil
	})
	return out, err
}

// Refund issues a refund for the full order amount, idempotently from
// the merchant's perspective (spec §4.6 "Refunds").
func (c *Client) Refund(ctx context.Context, orderID string, amount store.Amount, reason string) error {
	body := map[string]any{
		"refund":  fmt.Sprintf("%s:%d", amount.Currency, amount.Value),
		"reason":  reason,
	}
	return c.doRetried(ctx, "refund", func() error {
		_, err := c.request(ctx, http.MethodPost, "/private/orders/"+orderID+"/refund", body)
		return err
	})
}

// PayURI builds the `taler[+http]://pay/$HOST/$ORDER_ID/` URI returned
// in the `Taler:` response header on 402 (spec §6).
func PayURI(host, orderID string, insecure bool) string {
	scheme := "taler"
	if insecure {
		scheme = "taler+http"
	}
	return fmt.Sprintf("%s://pay/%s/%s/", scheme, host, orderID)
}

func (c *Client) doRetried(ctx context.Context, op string, fn func() error) error {
	err := c.breaker.Execute(ctx, func() error {
		return Retry(ctx, c.retry, fn)
	})
	if err != nil {
		return svcerrors.MerchantError(op, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.maxBodyBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("merchant backend returned %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
