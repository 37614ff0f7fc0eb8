package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tokenflow/analytics-engine/internal/tenant"
)

type registerRequest struct {
	Email       string `json:"email"`
	FullName    string `json:"fullName"`
	CompanyName string `json:"companyName"`
	Plan        string `json:"plan"`
}

// handleRegister provisions a tenant from a direct signup. The raw API
// key appears in this response and nowhere else, ever.
func (h *APIHandler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := decodeStrictJSON(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	created, err := h.tenants.Register(c.Request.Context(), tenant.Registration{
		Email:       req.Email,
		FullName:    req.FullName,
		CompanyName: req.CompanyName,
		Plan:        req.Plan,
	})
	if err != nil {
		respondTenantError(c, err)
		return
	}
	log.Printf("[Tenant] Registered %s on plan %s", created.User.Email, created.Subscription.Plan)

	c.JSON(http.StatusCreated, gin.H{
		"user":         created.User,
		"subscription": created.Subscription,
		"apiKey": gin.H{
			"id":        created.Key.ID,
			"key":       created.RawKey,
			"keyPrefix": created.Key.KeyPrefix,
			"name":      created.Key.Name,
		},
		"notice": "Store this API key now; it cannot be shown again.",
	})
}

func (h *APIHandler) handleMe(c *gin.Context) {
	cred := tenantOf(c)
	c.JSON(http.StatusOK, gin.H{
		"user":         cred.User,
		"subscription": cred.Subscription,
		"key":          cred.Key,
	})
}

func (h *APIHandler) handleUsage(c *gin.Context) {
	cred := tenantOf(c)
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	report, err := h.tenants.Usage(c.Request.Context(), cred, limit)
	if err != nil {
		respondTenantError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *APIHandler) handleListKeys(c *gin.Context) {
	cred := tenantOf(c)
	keys, err := h.tenants.Keys(c.Request.Context(), cred.User.ID)
	if err != nil {
		respondTenantError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

type createKeyRequest struct {
	Name string `json:"name"`
}

// handleCreateKey mints an additional key for the caller. Same
// one-shot raw-key rule as registration.
func (h *APIHandler) handleCreateKey(c *gin.Context) {
	cred := tenantOf(c)
	var req createKeyRequest
	if err := decodeStrictJSON(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	raw, key, err := h.tenants.CreateKey(c.Request.Context(), cred.User.ID, req.Name)
	if err != nil {
		respondTenantError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":        key.ID,
		"key":       raw,
		"keyPrefix": key.KeyPrefix,
		"name":      key.Name,
		"notice":    "Store this API key now; it cannot be shown again.",
	})
}

// handleRevokeKey deactivates one of the caller's keys. Revoking an
// already-revoked key succeeds; a key id the caller does not own is a
// 404, not a 403, so key ids are not probeable.
func (h *APIHandler) handleRevokeKey(c *gin.Context) {
	cred := tenantOf(c)
	keyID := c.Param("keyId")
	if keyID == "" {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "key id is required")
		return
	}
	if err := h.tenants.RevokeKey(c.Request.Context(), cred.User.ID, keyID); err != nil {
		respondTenantError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true, "keyId": keyID})
}

type changePlanRequest struct {
	Plan string `json:"plan"`
}

func (h *APIHandler) handleChangePlan(c *gin.Context) {
	cred := tenantOf(c)
	var req changePlanRequest
	if err := decodeStrictJSON(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	sub, err := h.tenants.ChangePlan(c.Request.Context(), cred.User.ID, req.Plan)
	if err != nil {
		respondTenantError(c, err)
		return
	}
	log.Printf("[Tenant] %s switched to plan %s", cred.User.Email, sub.Plan)
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// handleCancelSubscription stops admission at the gate but leaves the
// caller's keys intact, so a marketplace renewal restores service
// without re-issuing credentials.
func (h *APIHandler) handleCancelSubscription(c *gin.Context) {
	cred := tenantOf(c)
	sub, err := h.tenants.Cancel(c.Request.Context(), cred.User.ID)
	if err != nil {
		respondTenantError(c, err)
		return
	}
	log.Printf("[Tenant] %s cancelled subscription", cred.User.Email)
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}
