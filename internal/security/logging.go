package security

import (
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs one line per request (method, path, status,
// duration, caller). Any path in skipPaths is passed through silently
// — typically health and metrics endpoints a load balancer polls
// every few seconds, which would otherwise drown out real traffic.
func AccessLogMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		log.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"clientIP", c.ClientIP(),
			"userAgent", c.Request.UserAgent(),
		)
	}
}

const adminPathPrefix = "/v1/admin"

// AdminAuditMiddleware records who called which admin endpoint and why.
// When requireJustification is true, requests under /v1/admin are
// rejected unless they carry a reason via ?justification= or the
// X-Justification header — both checked again after the handler runs
// so the audit line always has it available to log.
func AdminAuditMiddleware(requireJustification bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, adminPathPrefix) {
			c.Next()
			return
		}

		if requireJustification && justificationFor(c) == "" {
			c.AbortWithStatusJSON(400, gin.H{"error": "justification is required"})
			return
		}

		c.Next()

		role := EffectiveAdminRole(c)
		if role == "" {
			role = "none"
		}
		log.Info("Admin audit",
			"caller", c.GetString(ContextKeyUserID),
			"role", role,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"clientIP", c.ClientIP(),
			"justification", justificationFor(c),
		)
	}
}

func justificationFor(c *gin.Context) string {
	if j := c.Query("justification"); j != "" {
		return j
	}
	return c.GetHeader("X-Justification")
}
