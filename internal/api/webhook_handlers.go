package api

import (
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenflow/analytics-engine/internal/metrics"
	"github.com/tokenflow/analytics-engine/internal/tenant"
)

const headerWebhookSignature = "x-webhook-signature"

// handleApixWebhook ingests marketplace lifecycle events. The raw body
// is authenticated before it is parsed, logged, or persisted; a payload
// that fails the signature check leaves no trace beyond a counter.
func (h *APIHandler) handleApixWebhook(c *gin.Context) {
	if ct := c.ContentType(); !strings.HasPrefix(ct, "application/json") {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "content type must be application/json")
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "unreadable request body")
		return
	}
	if !tenant.VerifySignature(h.cfg.WebhookSecret, body, c.GetHeader(headerWebhookSignature)) {
		metrics.WebhookEvents.WithLabelValues("unknown", "bad_signature").Inc()
		respondError(c, http.StatusUnauthorized, CodeInvalidSignature, "webhook signature mismatch")
		return
	}

	ev, err := tenant.ParseEvent(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err := ev.CheckFreshness(time.Now()); err != nil {
		metrics.WebhookEvents.WithLabelValues(ev.Type, "stale").Inc()
		respondError(c, http.StatusUnauthorized, CodeInvalidSignature, err.Error())
		return
	}

	result, err := h.tenants.ProcessWebhook(c.Request.Context(), "apix", ev)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(ev.Type, "failed").Inc()
		respondTenantError(c, err)
		return
	}
	metrics.WebhookEvents.WithLabelValues(ev.Type, "ok").Inc()
	log.Printf("[Webhook] apix %s processed", ev.Type)

	if result.Created {
		c.JSON(http.StatusCreated, gin.H{
			"event":        result.EventType,
			"user":         result.User,
			"subscription": result.Subscription,
			"apiKey":       gin.H{"keyPrefix": result.KeyPrefix},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": result.EventType, "processed": true})
}
