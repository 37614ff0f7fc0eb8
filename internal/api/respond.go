package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokenflow/analytics-engine/internal/tenant"
	"github.com/tokenflow/analytics-engine/internal/upstream"
)

// Stable error codes of the public contract. Messages may change;
// codes must not.
const (
	CodeInvalidRequest       = "InvalidRequest"
	CodeInvalidAddress       = "InvalidAddress"
	CodeInvalidSignature     = "InvalidSignature"
	CodeInvalidTimeRange     = "InvalidTimeRange"
	CodeInvalidApiKey        = "InvalidApiKey"
	CodeSubscriptionInactive = "SubscriptionInactive"
	CodeQuotaExceeded        = "QuotaExceeded"
	CodeRateLimited          = "RateLimited"
	CodeNotFound             = "NotFound"
	CodeConflict             = "Conflict"
	CodeUnknownEvent         = "UnknownEvent"
	CodeHttpsRequired        = "HttpsRequired"
	CodeUpstreamUnavailable  = "UpstreamUnavailable"
	CodeInternal             = "Internal"
)

// respondError writes the uniform error envelope. No internal detail
// ever crosses this boundary; err text stays in the logs.
func respondError(c *gin.Context, status int, code, message string) {
	body := gin.H{"error": code}
	if message != "" {
		body["message"] = message
	}
	if rid := requestIDOf(c); rid != "" {
		body["requestId"] = rid
	}
	c.AbortWithStatusJSON(status, body)
}

// respondUpstreamError maps adapter failures onto the public taxonomy.
// Provider detail is sanitized down to the failure class.
func respondUpstreamError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, upstream.ErrRateLimited):
		respondError(c, http.StatusServiceUnavailable, CodeUpstreamUnavailable,
			"data provider is rate limiting; retry shortly")
	case errors.Is(err, upstream.ErrUnavailable), errors.Is(err, upstream.ErrCircuitOpen):
		respondError(c, http.StatusServiceUnavailable, CodeUpstreamUnavailable,
			"data provider temporarily unavailable")
	case errors.Is(err, upstream.ErrBadResponse):
		respondError(c, http.StatusBadGateway, CodeUpstreamUnavailable,
			"data provider returned an unusable response")
	default:
		respondError(c, http.StatusInternalServerError, CodeInternal, "")
	}
}

// respondTenantError maps tenant-service failures onto the taxonomy.
func respondTenantError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tenant.ErrInvalidKey):
		respondError(c, http.StatusUnauthorized, CodeInvalidApiKey, "invalid or missing API key")
	case errors.Is(err, tenant.ErrSubscriptionInactive):
		respondError(c, http.StatusUnauthorized, CodeSubscriptionInactive, "subscription is not active")
	case errors.Is(err, tenant.ErrQuotaExceeded):
		respondError(c, http.StatusTooManyRequests, CodeQuotaExceeded, "monthly quota exhausted")
	case errors.Is(err, tenant.ErrRateLimited):
		respondError(c, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
	case errors.Is(err, tenant.ErrDuplicateEmail):
		respondError(c, http.StatusConflict, CodeConflict, "email already registered")
	case errors.Is(err, tenant.ErrNotFound):
		respondError(c, http.StatusNotFound, CodeNotFound, "")
	case errors.Is(err, tenant.ErrInvalidInput), errors.Is(err, tenant.ErrInvalidEvent):
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, tenant.ErrUnknownEvent):
		respondError(c, http.StatusBadRequest, CodeUnknownEvent, "unrecognized event type")
	case errors.Is(err, tenant.ErrStoreUnavailable):
		respondError(c, http.StatusServiceUnavailable, CodeInternal, "account service temporarily unavailable")
	default:
		respondError(c, http.StatusInternalServerError, CodeInternal, "")
	}
}
