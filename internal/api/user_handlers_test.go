package api

import (
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var rawKeyPattern = regexp.MustCompile(`^tfa_live_[0-9a-f]{64}$`)

func TestRegisterEndpoint(t *testing.T) {
	b := newTestBackend(t)

	rr := b.do(t, http.MethodPost, "/api/v1/users/register", map[string]any{
		"email":       "New.User@Example.COM",
		"fullName":    "New User",
		"companyName": "Example Labs",
		"plan":        "pro",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	user := body["user"].(map[string]any)
	require.Equal(t, "new.user@example.com", user["email"])

	sub := body["subscription"].(map[string]any)
	require.Equal(t, "pro", sub["plan"])
	require.Equal(t, float64(10000), sub["monthlyQuota"])

	apiKey := body["apiKey"].(map[string]any)
	raw := apiKey["key"].(string)
	require.Regexp(t, rawKeyPattern, raw)
	require.Equal(t, raw[:16], apiKey["keyPrefix"])
	require.NotEmpty(t, body["notice"])

	// Same email again, any casing: conflict.
	rr = b.do(t, http.MethodPost, "/api/v1/users/register", map[string]any{
		"email": "new.user@example.com",
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "Conflict", decodeBody(t, rr)["error"])
}

func TestRegisterValidation(t *testing.T) {
	b := newTestBackend(t)

	for name, payload := range map[string]any{
		"bad email":    map[string]any{"email": "not-an-email"},
		"empty email":  map[string]any{"email": ""},
		"unknown plan": map[string]any{"email": "plan@example.com", "plan": "platinum"},
	} {
		rr := b.do(t, http.MethodPost, "/api/v1/users/register", payload)
		require.Equal(t, http.StatusBadRequest, rr.Code, name)
		require.Equal(t, "InvalidRequest", decodeBody(t, rr)["error"], name)
	}

	rr := b.do(t, http.MethodPost, "/api/v1/users/register", []byte(`{"email": "x@example.com"}{}`))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMeEndpoint(t *testing.T) {
	b := newTestBackend(t)
	key, _ := b.registerTenant(t, "me@example.com")

	rr := b.do(t, http.MethodGet, "/api/v1/users/me", nil, withKey(key))
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	require.Equal(t, "me@example.com", body["user"].(map[string]any)["email"])
	require.Equal(t, "starter", body["subscription"].(map[string]any)["plan"])

	keyInfo := body["key"].(map[string]any)
	require.Equal(t, key[:16], keyInfo["keyPrefix"])
	// The hash never serializes.
	require.NotContains(t, rr.Body.String(), "keyHash")
	require.NotContains(t, rr.Body.String(), key[16:])
}

func TestKeyLifecycle(t *testing.T) {
	b := newTestBackend(t)
	key, _ := b.registerTenant(t, "keys@example.com")

	// Mint a second key and use it.
	rr := b.do(t, http.MethodPost, "/api/v1/users/keys", map[string]any{"name": "ci"}, withKey(key))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeBody(t, rr)
	secondKey := created["key"].(string)
	secondID := created["id"].(string)
	require.Regexp(t, rawKeyPattern, secondKey)
	require.Equal(t, "ci", created["name"])

	rr = b.do(t, http.MethodGet, "/api/v1/users/me", nil, withKey(secondKey))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = b.do(t, http.MethodGet, "/api/v1/users/keys", nil, withKey(key))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, float64(2), decodeBody(t, rr)["count"])

	// Revoke the second key; it stops authenticating immediately.
	rr = b.do(t, http.MethodDelete, "/api/v1/users/keys/"+secondID, nil, withKey(key))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decodeBody(t, rr)["revoked"])

	rr = b.do(t, http.MethodGet, "/api/v1/users/me", nil, withKey(secondKey))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Unknown key id is a 404.
	rr = b.do(t, http.MethodDelete, "/api/v1/users/keys/nonexistent", nil, withKey(key))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "NotFound", decodeBody(t, rr)["error"])
}

func TestUsageEndpoint(t *testing.T) {
	b := newTestBackend(t)
	key, _ := b.registerTenant(t, "report@example.com")

	rr := b.do(t, http.MethodGet, analyzePathURL(), nil, withKey(key))
	require.Equal(t, http.StatusOK, rr.Code)
	select {
	case <-b.store.recorded:
	case <-time.After(2 * time.Second):
		t.Fatal("usage entry never recorded")
	}

	rr = b.do(t, http.MethodGet, "/api/v1/users/usage", nil, withKey(key))
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	require.Equal(t, "starter", body["plan"])
	require.Equal(t, float64(1000), body["monthlyQuota"])
	require.Equal(t, float64(1), body["currentUsage"])
	require.Equal(t, float64(999), body["remaining"])

	recent := body["recentRequests"].([]any)
	require.Len(t, recent, 1)
	first := recent[0].(map[string]any)
	require.Equal(t, "/api/v1/analyze/path", first["endpoint"])
}

func TestChangePlanEndpoint(t *testing.T) {
	b := newTestBackend(t)
	key, _ := b.registerTenant(t, "plans@example.com")

	rr := b.do(t, http.MethodPost, "/api/v1/users/plan", map[string]any{"plan": "enterprise"}, withKey(key))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sub := decodeBody(t, rr)["subscription"].(map[string]any)
	require.Equal(t, "enterprise", sub["plan"])
	require.Equal(t, float64(100000), sub["monthlyQuota"])

	rr = b.do(t, http.MethodPost, "/api/v1/users/plan", map[string]any{"plan": "platinum"}, withKey(key))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancelEndpoint(t *testing.T) {
	b := newTestBackend(t)
	key, _ := b.registerTenant(t, "cancel@example.com")

	rr := b.do(t, http.MethodPost, "/api/v1/users/cancel", nil, withKey(key))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sub := decodeBody(t, rr)["subscription"].(map[string]any)
	require.Equal(t, "cancelled", sub["status"])

	// Metered routes close; account routes stay open so the tenant can
	// come back.
	rr = b.do(t, http.MethodGet, analyzePathURL(), nil, withKey(key))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "SubscriptionInactive", decodeBody(t, rr)["error"])

	rr = b.do(t, http.MethodGet, "/api/v1/users/me", nil, withKey(key))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), "cancelled"))
}
