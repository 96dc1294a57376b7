// Package route lets each HTTP feature package mount its own routes
// without the server package importing every one of them by name; a
// feature package registers a Plugin from its own init(), and the
// server pulls the sorted list back out at startup.
package route

import (
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
)

// RouterLoader mounts one plugin's routes on a gin engine.
type RouterLoader func(r *gin.Engine) error

// RouteType distinguishes which HTTP server a plugin's routes belong on.
type RouteType int

const (
	// RouteTypeMain is the primary API server.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement is the health/metrics server. When no
	// dedicated management port is configured these routes are
	// mounted on RouteTypeMain instead.
	RouteTypeManagement
)

// Plugin mounts routes for one feature at a given point in the mount
// sequence; Order breaks ties when two plugins' routes would
// otherwise conflict (e.g. a catch-all registered after everything
// more specific).
type Plugin struct {
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	mu         sync.Mutex
	registered []Plugin
	sortOnce   sync.Once
	ordered    []Plugin
)

// Register adds a route plugin, typically from an init() in the
// plugin's own package.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	registered = append(registered, p)
}

func sorted() []Plugin {
	sortOnce.Do(func() {
		mu.Lock()
		ordered = append([]Plugin(nil), registered...)
		mu.Unlock()
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	})
	return ordered
}

func loadersFor(t RouteType) []RouterLoader {
	var loaders []RouterLoader
	for _, p := range sorted() {
		if p.Type == t {
			loaders = append(loaders, p.Loader)
		}
	}
	return loaders
}

// MainRouteLoaders returns loaders for RouteTypeMain plugins, sorted
// by Order.
func MainRouteLoaders() []RouterLoader {
	return loadersFor(RouteTypeMain)
}

// ManagementRouteLoaders returns loaders for RouteTypeManagement
// plugins, sorted by Order.
func ManagementRouteLoaders() []RouterLoader {
	return loadersFor(RouteTypeManagement)
}
