package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsWithinBudget(t *testing.T) {
	l := New(10, 2, nil)
	assert.True(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-a"))
	assert.False(t, l.Allow("client-a"))
}

func TestLimiterTracksKeysIndependently(t *testing.T) {
	l := New(10, 1, nil)
	assert.True(t, l.Allow("client-a"))
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
	assert.Equal(t, 2, l.Count())
}

func TestLimiterZeroRateDisablesLimiting(t *testing.T) {
	l := New(0, 0, nil)
	for i := 0; i < 50; i++ {
		assert.True(t, l.Allow("client-a"))
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	l := New(10, 1, nil)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := l.Middleware(ok)

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	req.RemoteAddr = "203.0.113.7:4100"

	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
}

func TestMiddlewareKeysByForwardedFor(t *testing.T) {
	l := New(10, 1, nil)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := l.Middleware(ok)

	req1 := httptest.NewRequest(http.MethodGet, "/config", nil)
	req1.RemoteAddr = "203.0.113.7:4100"
	req1.Header.Set("X-Forwarded-For", "198.51.100.1")

	req2 := httptest.NewRequest(http.MethodGet, "/config", nil)
	req2.RemoteAddr = "203.0.113.7:5555"
	req2.Header.Set("X-Forwarded-For", "198.51.100.2")

	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}
