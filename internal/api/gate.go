package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenflow/analytics-engine/internal/metrics"
	"github.com/tokenflow/analytics-engine/internal/tenant"
	"github.com/tokenflow/analytics-engine/pkg/models"
)

const headerAPIKey = "x-api-key"

// requireKey authenticates the x-api-key header and parks the resolved
// credentials on the context. Quota headers ride on every
// authenticated response.
func (h *APIHandler) requireKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, err := h.tenants.Authenticate(c.Request.Context(), c.GetHeader(headerAPIKey))
		if err != nil {
			metrics.AdmissionRejects.WithLabelValues("auth").Inc()
			respondTenantError(c, err)
			return
		}
		c.Set(ctxKeyTenant, cred)

		sub := cred.Subscription
		remaining := sub.MonthlyQuota - sub.CurrentUsage
		if remaining < 0 {
			remaining = 0
		}
		setQuotaHeaders(c, sub.MonthlyQuota, remaining, sub.BillingPeriodEnd)
		c.Next()
	}
}

// meter runs the admission checks (subscription, quota, rate window)
// and books usage after the handler finishes. Must sit behind
// requireKey.
func (h *APIHandler) meter() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := tenantOf(c)
		if cred == nil {
			respondError(c, http.StatusInternalServerError, CodeInternal, "")
			return
		}

		adm, err := h.tenants.Admit(c.Request.Context(), cred)
		setRateHeaders(c, adm)
		setQuotaHeaders(c, adm.QuotaLimit, adm.QuotaRemaining, adm.QuotaReset)
		if err != nil {
			metrics.AdmissionRejects.WithLabelValues(rejectReason(err)).Inc()
			if errors.Is(err, tenant.ErrRateLimited) {
				c.Header("Retry-After", strconv.Itoa(int(adm.RetryAfter.Seconds())))
			}
			respondTenantError(c, err)
			return
		}

		start := time.Now()
		c.Next()

		// Admitted requests count whatever the handler answered; the
		// status code lands in the audit row.
		h.tenants.RecordRequest(cred, models.APIUsageLog{
			Endpoint:       c.Request.URL.Path,
			Method:         c.Request.Method,
			StatusCode:     c.Writer.Status(),
			ResponseTimeMs: time.Since(start).Milliseconds(),
			UserAgent:      c.Request.UserAgent(),
			IPAddress:      c.ClientIP(),
			RequestID:      requestIDOf(c),
		})
	}
}

func tenantOf(c *gin.Context) *tenant.Credentials {
	if v, ok := c.Get(ctxKeyTenant); ok {
		if cred, ok := v.(*tenant.Credentials); ok {
			return cred
		}
	}
	return nil
}

func setRateHeaders(c *gin.Context, adm tenant.Admission) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(adm.RateLimit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(adm.RateRemaining))
	if !adm.RateReset.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(adm.RateReset.Unix(), 10))
	}
}

func setQuotaHeaders(c *gin.Context, limit, remaining int64, reset time.Time) {
	c.Header("X-Quota-Limit", strconv.FormatInt(limit, 10))
	c.Header("X-Quota-Remaining", strconv.FormatInt(remaining, 10))
	if !reset.IsZero() {
		c.Header("X-Quota-Reset", reset.UTC().Format(time.RFC3339))
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, tenant.ErrSubscriptionInactive):
		return "suspended"
	case errors.Is(err, tenant.ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, tenant.ErrRateLimited):
		return "rate_limit"
	default:
		return "auth"
	}
}
