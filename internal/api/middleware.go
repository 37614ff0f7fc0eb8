package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tokenflow/analytics-engine/internal/metrics"
)

const (
	ctxKeyRequestID = "requestID"
	ctxKeyTenant    = "tenantCredentials"

	headerRequestID = "X-Request-ID"

	maxBodyBytes   = 100 * 1024
	handlerTimeout = 30 * time.Second
)

// requestIDMiddleware honors a sane client-supplied id, generates one
// otherwise, and echoes it on the response.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(c.GetHeader(headerRequestID))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, rid)
		c.Header(headerRequestID, rid)
		c.Next()
	}
}

func requestIDOf(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}

// securityHeadersMiddleware sets the browser hardening headers on every
// response; HSTS only ships in production where HTTPS is mandatory.
func securityHeadersMiddleware(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'")
		if production {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		c.Next()
	}
}

// httpsOnlyMiddleware rejects plain-HTTP requests in production. The
// terminating proxy strips TLS, so X-Forwarded-Proto counts as well.
func httpsOnlyMiddleware(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !production || c.Request.TLS != nil {
			c.Next()
			return
		}
		if strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https") {
			c.Next()
			return
		}
		respondError(c, http.StatusForbidden, CodeHttpsRequired, "use https")
	}
}

// bodyLimitMiddleware caps request bodies at 100 kB before any handler
// reads them.
func bodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		c.Next()
	}
}

// deadlineMiddleware bounds every handler at 30 seconds; upstream calls
// inherit whatever budget remains.
func deadlineMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// metricsMiddleware records per-route latency; the route template keeps
// cardinality bounded.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPDuration.
			WithLabelValues(route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// corsMiddleware mirrors allowed origins. Empty or "*" config opens the
// API to any origin, which is the development default.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, x-api-key, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
