package api

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokenflow/analytics-engine/pkg/models"
)

const headerAdminKey = "x-admin-key"

// requireAdmin guards operator-only routes with the static admin key.
// Constant-time comparison, same failure shape as the tenant gate.
func (h *APIHandler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := c.GetHeader(headerAdminKey)
		if h.cfg.AdminKey == "" ||
			subtle.ConstantTimeCompare([]byte(supplied), []byte(h.cfg.AdminKey)) != 1 {
			respondError(c, http.StatusUnauthorized, CodeInvalidApiKey, "admin key required")
			return
		}
		c.Next()
	}
}

type upsertEntityRequest struct {
	Address    string            `json:"address"`
	EntityKind string            `json:"entityKind"`
	Name       string            `json:"name"`
	RiskLevel  string            `json:"riskLevel"`
	RiskScore  int               `json:"riskScore"`
	Metadata   map[string]string `json:"metadata"`
}

var knownEntityKinds = map[string]bool{
	models.EntityKindDEX:        true,
	models.EntityKindBridge:     true,
	models.EntityKindLending:    true,
	models.EntityKindMixer:      true,
	models.EntityKindSanctioned: true,
	models.EntityKindWallet:     true,
	models.EntityKindPool:       true,
}

// handleUpsertEntity lets an operator curate the entity registry:
// label an exchange, tag a mixer, mark a sanctioned address. Writes go
// through the registry so its cache is refreshed in the same step.
func (h *APIHandler) handleUpsertEntity(c *gin.Context) {
	var req upsertEntityRequest
	if err := decodeStrictJSON(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if !validAddress(req.Address) {
		respondError(c, http.StatusBadRequest, CodeInvalidAddress, "address must be a base58 32-byte key")
		return
	}
	if !knownEntityKinds[req.EntityKind] {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "unknown entity kind")
		return
	}
	if req.RiskScore < 0 || req.RiskScore > 100 {
		respondError(c, http.StatusBadRequest, CodeInvalidRequest, "riskScore must be between 0 and 100")
		return
	}
	if req.RiskLevel == "" {
		req.RiskLevel = models.RiskLevelForScore(req.RiskScore)
	}

	entity := models.Entity{
		Address:    req.Address,
		EntityKind: req.EntityKind,
		Name:       req.Name,
		RiskLevel:  req.RiskLevel,
		RiskScore:  req.RiskScore,
		Metadata:   req.Metadata,
	}
	if err := h.registry.Upsert(c.Request.Context(), entity); err != nil {
		respondError(c, http.StatusServiceUnavailable, CodeInternal, "entity store unavailable")
		return
	}
	log.Printf("[Admin] Entity %s labeled %s", entity.Address, entity.EntityKind)
	c.JSON(http.StatusCreated, gin.H{"entity": entity})
}
