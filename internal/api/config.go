// Config/terms/privacy surface (spec §4.7, C7): GET /config, GET /terms,
// GET /privacy.
package api

import (
	"crypto/sha512"
	"fmt"
	"net/http"
	"sort"

	"github.com/anastasis-provider/anastasis/internal/cryptoutil"
)

// protocolVersion follows the GNU Taler `current:revision:age` convention
// the teacher uses for its own wire-protocol constants.
const protocolVersion = "0:1:0"

// methodCost describes one enabled authorization method and its per-use
// price, as advertised by /config.
type methodCost struct {
	Type string `json:"type"`
	Cost string `json:"usage_fee"`
}

// configPayload is the `GET /config` body (spec §4.7): everything a
// client needs to derive its account key pair and plan payments before
// ever touching /policy or /truth.
type configPayload struct {
	Version          string       `json:"version"`
	BusinessName     string       `json:"business_name"`
	Currency         string       `json:"currency"`
	Methods          []methodCost `json:"methods"`
	StorageLimitInMB int          `json:"storage_limit_in_megabytes"`
	AnnualFee        string       `json:"annual_fee"`
	TruthUploadFee   string       `json:"truth_upload_fee"`
	LiabilityCover   string       `json:"liability_cover"`
	ServerSalt       string       `json:"server_salt"`
}

// formatAmount renders a minor-units amount the way the merchant client
// does for Taler order/refund requests (internal/merchant/merchant.go),
// so /config advertises costs in the same "CURRENCY:VALUE" shape a
// client will see again in a pay URI.
func formatAmount(currency string, value int64) string {
	return fmt.Sprintf("%s:%d", currency, value)
}

// getConfig implements `GET /config` (spec §4.7). The advertised salt is
// decoded once per request from the configured Crockford base32 string; a provider
// that has not set one advertises an all-zero salt rather than failing
// closed, matching New()'s free-tier-friendly defaults.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	salt := make([]byte, cryptoutil.ProviderSaltSize)
	if h.cfg.Anastasis.ServerSaltHex != "" {
		if decoded, err := cryptoutil.DecodeCrockford(h.cfg.Anastasis.ServerSaltHex); err == nil && len(decoded) == cryptoutil.ProviderSaltSize {
			salt = decoded
		}
	}

	methods := make([]methodCost, 0, len(h.cfg.AuthMethod))
	for name, m := range h.cfg.AuthMethod {
		if !m.Enabled {
			continue
		}
		methods = append(methods, methodCost{
			Type: name,
			Cost: formatAmount(h.cfg.Anastasis.Currency, m.CostCents),
		})
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Type < methods[j].Type })

	writeJSON(w, http.StatusOK, configPayload{
		Version:          protocolVersion,
		BusinessName:     h.cfg.Anastasis.BusinessName,
		Currency:         h.cfg.Anastasis.Currency,
		Methods:          methods,
		StorageLimitInMB: h.cfg.Anastasis.UploadLimitMB,
		AnnualFee:        formatAmount(h.cfg.Anastasis.Currency, h.cfg.Anastasis.AnnualFeeCents),
		TruthUploadFee:   formatAmount(h.cfg.Anastasis.Currency, h.cfg.Anastasis.TruthUploadFeeCents),
		LiabilityCover:   formatAmount(h.cfg.Anastasis.Currency, h.cfg.Anastasis.InsuranceCents),
		ServerSalt:       cryptoutil.EncodeCrockford(salt),
	})
}

// serveLegalText answers a legal-document endpoint: the configured text,
// an ETag derived from its content, and a 304 short-circuit when the
// client's If-None-Match already matches (spec §4.7: "static content
// with ETags").
func serveLegalText(w http.ResponseWriter, r *http.Request, text string) {
	sum := sha512.Sum512([]byte(text))
	etag := cryptoutil.EncodeCrockford(sum[:])
	w.Header().Set("ETag", etag)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, text)
}

// terms implements `GET /terms` (spec §4.7).
func (h *Handler) terms(w http.ResponseWriter, r *http.Request) {
	serveLegalText(w, r, h.cfg.Anastasis.TermsText)
}

// privacy implements `GET /privacy` (spec §4.7).
func (h *Handler) privacy(w http.ResponseWriter, r *http.Request) {
	serveLegalText(w, r, h.cfg.Anastasis.PrivacyText)
}
