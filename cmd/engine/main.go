package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/tokenflow/analytics-engine/internal/api"
	"github.com/tokenflow/analytics-engine/internal/cache"
	"github.com/tokenflow/analytics-engine/internal/classifier"
	"github.com/tokenflow/analytics-engine/internal/db"
	"github.com/tokenflow/analytics-engine/internal/entities"
	"github.com/tokenflow/analytics-engine/internal/flowgraph"
	"github.com/tokenflow/analytics-engine/internal/intent"
	"github.com/tokenflow/analytics-engine/internal/risk"
	"github.com/tokenflow/analytics-engine/internal/tenant"
	"github.com/tokenflow/analytics-engine/internal/upstream"
)

func main() {
	log.Println("Starting TokenFlow Analytics Engine (Microservice: solana-flow-analytics)...")

	// .env is a development convenience; deployments set the
	// environment directly. All secrets MUST come from environment
	// variables, never from defaults.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	dbURL := requireEnv("DATABASE_URL")
	rpcURL := requireEnv("UPSTREAM_RPC_URL")
	upstreamKey := requireEnv("UPSTREAM_API_KEY")
	salt := requireSecret("API_KEY_SALT")
	webhookSecret := requireSecret("APIX_WEBHOOK_SECRET")
	adminKey := requireSecret("ADMIN_API_KEY")

	environment := getEnvOrDefault("ENVIRONMENT", "development")
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if strings.EqualFold(environment, "production") && allowedOrigins == "" {
		log.Fatal("FATAL: ALLOWED_ORIGINS must be set when ENVIRONMENT=production")
	}

	ctx := context.Background()

	// Postgres degrades to warn: analytics skip persistence and tenant
	// operations answer 503 until the database comes back.
	dbConn, err := db.Connect(dbURL)
	if err != nil {
		log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persistence. Error: %v", err)
		dbConn = nil
	} else {
		defer dbConn.Close()
		if err := dbConn.InitSchema(); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
	}

	// Redis degrades to a no-op cache; rate windows then run on the
	// bounded in-process fallback.
	kv, cacheMode := connectCache(os.Getenv("REDIS_URL"))
	defer kv.Close()

	var entityStore entities.Store
	var tenantStore tenant.Store
	var flowSink flowgraph.PathSink
	var assessSink risk.AssessmentSink
	var analytics api.AnalyticsStore
	if dbConn != nil {
		entityStore = dbConn
		tenantStore = dbConn
		flowSink = dbConn
		assessSink = dbConn
		analytics = dbConn
	}

	registry := entities.NewRegistry(entityStore)
	registry.Bootstrap(ctx)
	class := classifier.New(registry)

	client := upstream.NewClient(upstream.Config{
		RPCURL: rpcURL,
		APIURL: getEnvOrDefault("UPSTREAM_API_URL", "https://api.helius.xyz"),
		APIKey: upstreamKey,
	})
	source := upstream.NewService(client, kv, class)

	flows := flowgraph.New(source, registry, flowSink)
	risks := risk.New(source, registry, flows, kv, assessSink)

	intentURL := os.Getenv("INTENT_SERVICE_URL")
	if intentURL == "" {
		log.Println("INTENT_SERVICE_URL not set; intent predictions disabled")
	}
	intents := intent.New(intentURL, kv)

	tenants := tenant.NewService(tenantStore, tenant.NewRateLimiter(kv), salt)

	hub := api.NewHub()
	go hub.Run()

	cfg := api.Config{
		Environment:    environment,
		AllowedOrigins: allowedOrigins,
		AdminKey:       adminKey,
		WebhookSecret:  webhookSecret,
	}
	r := api.SetupRouter(cfg, api.Deps{
		Tenants:    tenants,
		Registry:   registry,
		Classifier: class,
		Upstream:   source,
		Flows:      flows,
		Risks:      risks,
		Intents:    intents,
		Analytics:  analytics,
		Hub:        hub,
		CacheMode:  cacheMode,
	})

	port := getEnvOrDefault("PORT", "8080")
	log.Printf("Engine running on :%s (environment: %s, cache: %s)\n", port, environment, cacheMode)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// connectCache dials Redis when configured and falls back to the no-op
// store otherwise, so every caller can treat the cache as present.
func connectCache(redisURL string) (cache.Store, string) {
	if redisURL == "" {
		log.Println("REDIS_URL not set; running with no-op cache")
		return cache.NewNoop(), "noop"
	}
	store, err := cache.NewRedisStore(redisURL)
	if err != nil {
		log.Printf("Warning: Redis unreachable (%v); running with no-op cache", err)
		return cache.NewNoop(), "noop"
	}
	return store, "redis"
}

// requireEnv reads a required environment variable and exits if it is
// not set. This prevents the binary from starting with missing critical
// configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// requireSecret enforces the minimum strength rules on key material:
// at least 32 characters and no placeholder text left over from setup.
func requireSecret(key string) string {
	val := requireEnv(key)
	if len(val) < 32 {
		log.Fatalf("FATAL: %s must be at least 32 characters", key)
	}
	lower := strings.ToLower(val)
	for _, placeholder := range []string{"changeme", "change-me", "placeholder", "example"} {
		if strings.Contains(lower, placeholder) {
			log.Fatalf("FATAL: %s looks like a placeholder; generate a real secret", key)
		}
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
