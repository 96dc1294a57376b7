// Package system registers the management-surface routes every
// deployment needs regardless of domain config: liveness, readiness,
// and the Prometheus scrape endpoint.
package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/fieldnote/memoryd/internal/registry/route"
)

var serviceReady atomic.Bool

// MarkReady flips the readiness probe to healthy. Call this once the
// server has finished bringing up its dependencies.
func MarkReady() {
	serviceReady.Store(true)
}

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 0,
		Type:  registryroute.RouteTypeManagement,
		Loader: func(r *gin.Engine) error {
			r.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			r.GET("/ready", func(c *gin.Context) {
				if serviceReady.Load() {
					c.JSON(http.StatusOK, gin.H{"status": "ready"})
					return
				}
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			})

			r.GET("/metrics", gin.WrapH(promhttp.Handler()))

			return nil
		},
	})
}
