package serve

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsMiddleware builds a gin middleware that allows cross-origin
// requests from the comma-separated list of origins in originsCSV. An
// empty list (or a literal "*") allows any origin.
func corsMiddleware(originsCSV string) gin.HandlerFunc {
	allowed := allowedOrigins(originsCSV)
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if origin != "" && allowed.permits(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Client-ID")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// originSet is the parsed form of a CORS origin allowlist.
type originSet struct {
	wildcard bool
	set      map[string]bool
}

func (o originSet) permits(origin string) bool {
	return o.wildcard || o.set[origin]
}

func allowedOrigins(raw string) originSet {
	set := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		set[origin] = true
	}
	if len(set) == 0 || set["*"] {
		return originSet{wildcard: true}
	}
	return originSet{set: set}
}

// parseOrigins returns the allow-set from allowedOrigins as a plain map;
// a wildcard configuration collapses to {"*": true}.
func parseOrigins(raw string) map[string]bool {
	allowed := allowedOrigins(raw)
	if allowed.wildcard {
		return map[string]bool{"*": true}
	}
	return allowed.set
}
