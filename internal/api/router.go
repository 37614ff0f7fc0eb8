// Package api is the HTTP surface: routing, param normalization,
// the tenant gate, analytics handlers, the marketplace webhook
// receiver, and the websocket alert stream.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokenflow/analytics-engine/internal/classifier"
	"github.com/tokenflow/analytics-engine/internal/entities"
	"github.com/tokenflow/analytics-engine/internal/tenant"
	"github.com/tokenflow/analytics-engine/pkg/models"
)

const serviceName = "tokenflow-analytics-engine"
const serviceVersion = "1.4.0"

// FlowEngine reconstructs multi-hop token paths.
type FlowEngine interface {
	BuildForwardPaths(ctx context.Context, start, mint string, maxDepth int, window time.Duration) ([]models.FlowPath, error)
	BuildBackwardPaths(ctx context.Context, end, mint string, maxDepth int, window time.Duration) ([]models.FlowPath, error)
}

// RiskScorer produces composite risk assessments.
type RiskScorer interface {
	AssessRisk(ctx context.Context, address, tokenMint string) (*models.RiskAssessment, error)
}

// IntentPredictor is the external intent classifier client.
type IntentPredictor interface {
	Predict(ctx context.Context, tx *models.ParsedTransaction) models.IntentPrediction
	Enabled() bool
	Healthy(ctx context.Context) bool
}

// TransactionSource is the cached upstream adapter surface the
// handlers consume.
type TransactionSource interface {
	GetTransaction(ctx context.Context, signature string) (*models.ParsedTransaction, error)
	GetTransactionsBatch(ctx context.Context, signatures []string) ([]*models.ParsedTransaction, error)
	GetRecentTokenActivity(ctx context.Context, mint string, limit int) ([]models.Transfer, error)
	TransfersOf(tx *models.ParsedTransaction, mint string) []models.Transfer
	Health(ctx context.Context) error
	BreakerState() string
}

// AnalyticsStore is the optional persistence behind trace ingestion.
// nil when the database is degraded.
type AnalyticsStore interface {
	SaveTransactionWithTransfers(ctx context.Context, tx *models.ParsedTransaction, txType string, transfers []models.Transfer) error
	Ping(ctx context.Context) error
}

// Config carries the deployment knobs the router needs.
type Config struct {
	Environment    string
	AllowedOrigins string
	AdminKey       string
	WebhookSecret  string
}

// Production reports whether hard transport rules apply.
func (cfg Config) Production() bool {
	return strings.EqualFold(cfg.Environment, "production")
}

// Deps bundles the wired subsystems handed to the router.
type Deps struct {
	Tenants    *tenant.Service
	Registry   *entities.Registry
	Classifier *classifier.Classifier
	Upstream   TransactionSource
	Flows      FlowEngine
	Risks      RiskScorer
	Intents    IntentPredictor
	Analytics  AnalyticsStore
	Hub        *Hub
	CacheMode  string // "redis" or "noop", surfaced on /health
}

type APIHandler struct {
	cfg        Config
	tenants    *tenant.Service
	registry   *entities.Registry
	classifier *classifier.Classifier
	upstream   TransactionSource
	flows      FlowEngine
	risks      RiskScorer
	intents    IntentPredictor
	analytics  AnalyticsStore
	hub        *Hub
	cacheMode  string
}

func SetupRouter(cfg Config, deps Deps) *gin.Engine {
	r := gin.Default()
	production := cfg.Production()

	r.Use(securityHeadersMiddleware(production))
	r.Use(httpsOnlyMiddleware(production))
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	r.Use(requestIDMiddleware())
	r.Use(bodyLimitMiddleware())
	r.Use(deadlineMiddleware())
	r.Use(metricsMiddleware())

	handler := &APIHandler{
		cfg:        cfg,
		tenants:    deps.Tenants,
		registry:   deps.Registry,
		classifier: deps.Classifier,
		upstream:   deps.Upstream,
		flows:      deps.Flows,
		risks:      deps.Risks,
		intents:    deps.Intents,
		analytics:  deps.Analytics,
		hub:        deps.Hub,
		cacheMode:  deps.CacheMode,
	}

	r.GET("/health", handler.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.Hub != nil {
		r.GET("/stream", deps.Hub.Subscribe)
	}
	r.POST("/webhooks/apix", handler.handleApixWebhook)

	api := r.Group("/api/v1")
	{
		users := api.Group("/users")
		users.POST("/register", handler.handleRegister)

		account := users.Group("", handler.requireKey())
		{
			account.GET("/me", handler.handleMe)
			account.GET("/usage", handler.handleUsage)
			account.GET("/keys", handler.handleListKeys)
			account.POST("/keys", handler.handleCreateKey)
			account.DELETE("/keys/:keyId", handler.handleRevokeKey)
			account.POST("/plan", handler.handleChangePlan)
			account.POST("/cancel", handler.handleCancelSubscription)
		}

		metered := api.Group("", handler.requireKey(), handler.meter())
		{
			metered.GET("/analyze/path", handler.handleAnalyzePath)
			metered.POST("/analyze/path", handler.handleAnalyzePath)
			metered.GET("/analyze/token", handler.handleTokenActivity)
			metered.POST("/analyze/token", handler.handleTokenActivity)
			metered.GET("/risk/:address", handler.handleRisk)
			metered.GET("/intent/:signature", handler.handleIntent)
			metered.POST("/trace", handler.handleTrace)
		}

		admin := api.Group("/admin", handler.requireAdmin())
		{
			admin.POST("/entities", handler.handleUpsertEntity)
		}
	}

	return r
}

// handleHealth reports liveness plus the state of every dependency the
// engine degrades around.
func (h *APIHandler) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	database := "absent"
	if h.analytics != nil {
		database = "connected"
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.analytics.Ping(pingCtx); err != nil {
			database = "unreachable"
		}
		cancel()
	}

	upstreamState := "unconfigured"
	if h.upstream != nil {
		upstreamState = h.upstream.BreakerState()
	}

	intentState := "disabled"
	if h.intents != nil && h.intents.Enabled() {
		intentState = "unreachable"
		if h.intents.Healthy(ctx) {
			intentState = "healthy"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "operational",
		"service": serviceName,
		"version": serviceVersion,
		"dependencies": gin.H{
			"database": database,
			"cache":    h.cacheMode,
			"upstream": upstreamState,
			"intent":   intentState,
			"tenants":  h.tenants != nil && h.tenants.Ready(),
		},
		"registrySize": h.registry.Size(),
	})
}
