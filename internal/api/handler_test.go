package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anastasis-provider/anastasis/internal/authplugin"
	"github.com/anastasis-provider/anastasis/internal/config"
	"github.com/anastasis-provider/anastasis/internal/merchant"
	"github.com/anastasis-provider/anastasis/internal/scheduler"
	"github.com/anastasis-provider/anastasis/internal/store/memstore"
	"github.com/anastasis-provider/anastasis/pkg/logger"
)

// newTestHandler builds a Handler wired to an in-memory store and, when
// merchantURL is non-empty, a merchant client pointed at a caller-supplied
// fake Taler merchant backend (spec §8's scenarios all run against such a
// fixture rather than a live backend).
func newTestHandler(t *testing.T, merchantURL string) (*Handler, *config.Config) {
	t.Helper()

	base := merchantURL
	if base == "" {
		base = "http://unused.invalid"
	}

	cfg := config.New()
	cfg.Anastasis.Currency = "EUR"
	cfg.AuthMethod = map[string]config.AuthMethodConfig{
		"question": {Enabled: true, CostCents: 0},
	}

	mc := merchant.New(merchant.ClientConfig{BaseURL: base})
	reg := authplugin.NewRegistry()
	sched := scheduler.New()
	log := logger.New(logger.LoggingConfig{Level: "error", Format: "text", Output: "stdout"})

	h := New(cfg, memstore.New(), mc, reg, sched, log, WithInsecurePay(true))
	return h, cfg
}

func authMethod(enabled bool, costCents int64) config.AuthMethodConfig {
	return config.AuthMethodConfig{Enabled: enabled, CostCents: costCents}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	body := rec.Body.Bytes()
	if len(body) == 0 {
		t.Fatalf("decodeBody: empty response body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		t.Fatalf("decodeBody: %v (body=%s)", err, rec.Body.String())
	}
}

// fakeMerchant is a minimal stand-in for a Taler merchant backend's
// private order API (spec §4.4), just enough surface for CreateOrder,
// GetOrderStatus and Refund to round-trip against in tests. Orders start
// unpaid; the test marks one paid once it simulates the wallet paying.
type fakeMerchant struct {
	mu      sync.Mutex
	paid    map[string]bool
	refunds map[string]int
}

func newFakeMerchant(t *testing.T) (*httptest.Server, *fakeMerchant) {
	t.Helper()
	fm := &fakeMerchant{paid: make(map[string]bool), refunds: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/private/orders":
			var body struct {
				Order struct {
					OrderID string `json:"order_id"`
				} `json:"order"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			fm.mu.Lock()
			if _, ok := fm.paid[body.Order.OrderID]; !ok {
				fm.paid[body.Order.OrderID] = false
			}
			fm.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/private/orders/") && !strings.HasSuffix(r.URL.Path, "/refund"):
			orderID := strings.TrimPrefix(r.URL.Path, "/private/orders/")
			fm.mu.Lock()
			paid := fm.paid[orderID]
			fm.mu.Unlock()
			status := "unpaid"
			if paid {
				status = "paid"
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"order_status": status})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/refund"):
			orderID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/private/orders/"), "/refund")
			fm.mu.Lock()
			fm.refunds[orderID]++
			fm.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, fm
}

func (fm *fakeMerchant) markPaid(orderID string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.paid[orderID] = true
}
