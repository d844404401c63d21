package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anastasis-provider/anastasis/internal/cryptoutil"
)

func TestGetConfig(t *testing.T) {
	h, cfg := newTestHandler(t, "")
	cfg.Anastasis.ServerSaltHex = cryptoutil.EncodeCrockford(make([]byte, cryptoutil.ProviderSaltSize))
	cfg.Anastasis.AnnualFeeCents = 500
	cfg.AuthMethod["sms"] = authMethod(true, 250)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload configPayload
	decodeBody(t, rec, &payload)

	assert.NotEmpty(t, payload.Version)
	assert.Equal(t, cfg.Anastasis.BusinessName, payload.BusinessName)
	assert.Equal(t, "EUR", payload.Currency)
	assert.Equal(t, "EUR:500", payload.AnnualFee)
	assert.Len(t, payload.Methods, 2)

	salt, err := cryptoutil.DecodeCrockford(payload.ServerSalt)
	require.NoError(t, err)
	assert.Len(t, salt, cryptoutil.ProviderSaltSize)
}

func TestTermsAndPrivacyServeETags(t *testing.T) {
	h, cfg := newTestHandler(t, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/terms", nil)
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, cfg.Anastasis.TermsText, rec.Body.String())
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/terms", nil)
	req2.Header.Set("If-None-Match", etag)
	h.Routes().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestPrivacyServesConfiguredText(t *testing.T) {
	h, cfg := newTestHandler(t, "")
	cfg.Anastasis.PrivacyText = "We collect nothing."

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/privacy", nil)
	h.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "We collect nothing.", rec.Body.String())
}
