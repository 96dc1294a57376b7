package memories

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fieldnote/memoryd/internal/config"
	"github.com/fieldnote/memoryd/internal/episodic"
	registryembed "github.com/fieldnote/memoryd/internal/registry/embed"
	registryepisodic "github.com/fieldnote/memoryd/internal/registry/episodic"
	"github.com/fieldnote/memoryd/internal/security"
	"github.com/fieldnote/memoryd/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts the episodic memory REST endpoints (PUT/GET/DELETE
// /v1/memories, search, namespace listing, and the event timeline) on
// r. A nil store disables the package entirely — it's a no-op mount,
// not an error, so a deployment without episodic memory configured
// can still start.
func MountRoutes(r *gin.Engine, store registryepisodic.EpisodicStore, policy *episodic.PolicyEngine, cfg *config.Config, auth gin.HandlerFunc, embedder registryembed.Embedder) {
	if store == nil {
		return
	}
	h := &handler{store: store, policy: policy, cfg: cfg, embedder: embedder}
	g := r.Group("/v1", auth, security.ClientIDMiddleware())

	g.PUT("/memories", h.putMemory)
	g.GET("/memories", h.getMemory)
	g.DELETE("/memories", h.deleteMemory)
	g.POST("/memories/search", h.searchMemories)
	g.GET("/memories/namespaces", h.listNamespaces)
	g.GET("/memories/events", h.listMemoryEvents)
}

// handler bundles the episodic memory dependencies once per mount so
// each endpoint method reads as a plain gin.HandlerFunc.
type handler struct {
	store    registryepisodic.EpisodicStore
	policy   *episodic.PolicyEngine
	cfg      *config.Config
	embedder registryembed.Embedder
}

func (h *handler) putMemory(c *gin.Context) {
	var req struct {
		Namespace     []string               `json:"namespace" binding:"required"`
		Key           string                 `json:"key"       binding:"required"`
		Value         map[string]interface{} `json:"value"     binding:"required"`
		Attributes    map[string]interface{} `json:"attributes"`
		TTLSeconds    int                     `json:"ttlSeconds"`
		IndexFields   []string                `json:"indexFields"`
		IndexDisabled bool                    `json:"indexDisabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := validateNamespace(req.Namespace, h.cfg.EpisodicMaxDepth); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(req.Key) > 1024 {
		badRequest(c, "key must be at most 1024 bytes")
		return
	}

	putReq := registryepisodic.PutMemoryRequest{
		Namespace:     req.Namespace,
		Key:           req.Key,
		Value:         req.Value,
		Attributes:    req.Attributes,
		TTLSeconds:    req.TTLSeconds,
		IndexFields:   req.IndexFields,
		IndexDisabled: req.IndexDisabled,
	}

	if h.policy != nil {
		ctx := c.Request.Context()
		pc := policyContext(c)
		if !h.authorize(c, "write", req.Namespace, req.Key, pc) {
			return
		}
		extracted, err := h.policy.ExtractAttributes(ctx, req.Namespace, req.Key, req.Value, req.Attributes)
		if err != nil {
			serverError(c, "attribute extraction error")
			return
		}
		putReq.PolicyAttributes = extracted
	}

	result, err := h.store.PutMemory(c.Request.Context(), putReq)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) getMemory(c *gin.Context) {
	ns, key := c.QueryArray("ns"), c.Query("key")
	if err := validateNamespace(ns, h.cfg.EpisodicMaxDepth); err != nil {
		badRequest(c, err.Error())
		return
	}
	if key == "" {
		badRequest(c, "key is required")
		return
	}
	if h.policy != nil && !h.authorize(c, "read", ns, key, policyContext(c)) {
		return
	}

	item, err := h.store.GetMemory(c.Request.Context(), ns, key)
	if err != nil {
		handleError(c, err)
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "memory not found"})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *handler) deleteMemory(c *gin.Context) {
	ns, key := c.QueryArray("ns"), c.Query("key")
	if err := validateNamespace(ns, h.cfg.EpisodicMaxDepth); err != nil {
		badRequest(c, err.Error())
		return
	}
	if key == "" {
		badRequest(c, "key is required")
		return
	}
	if h.policy != nil && !h.authorize(c, "delete", ns, key, policyContext(c)) {
		return
	}

	if err := h.store.DeleteMemory(c.Request.Context(), ns, key); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) searchMemories(c *gin.Context) {
	var req struct {
		NamespacePrefix []string               `json:"namespacePrefix" binding:"required"`
		Query           string                 `json:"query"`
		Filter          map[string]interface{} `json:"filter"`
		Limit           int                    `json:"limit"`
		Offset          int                    `json:"offset"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := validateNamespace(req.NamespacePrefix, h.cfg.EpisodicMaxDepth); err != nil {
		badRequest(c, err.Error())
		return
	}

	limit := 10
	if req.Limit > 0 && req.Limit <= 100 {
		limit = req.Limit
	}
	filter := req.Filter
	if filter == nil {
		filter = map[string]interface{}{}
	}

	prefix, filter, ok := h.narrow(c, req.NamespacePrefix, filter)
	if !ok {
		return
	}

	if req.Query != "" && h.embedder != nil {
		items, err := semanticSearch(c, h.store, h.embedder, prefix, filter, req.Query, limit)
		if err != nil {
			handleError(c, err)
			return
		}
		if len(items) > 0 {
			c.JSON(http.StatusOK, gin.H{"items": items})
			return
		}
	}

	items, err := h.store.SearchMemories(c.Request.Context(), prefix, filter, limit, req.Offset)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *handler) listNamespaces(c *gin.Context) {
	prefix := c.QueryArray("prefix")
	suffix := c.QueryArray("suffix")
	maxDepth := queryInt(c, "max_depth", 0)
	if maxDepth < 0 {
		badRequest(c, "max_depth must be >= 0")
		return
	}
	if len(prefix) > 0 {
		if err := validateNamespace(prefix, h.cfg.EpisodicMaxDepth); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	for i, seg := range suffix {
		if seg == "" {
			badRequest(c, fmt.Sprintf("suffix segment %d is empty", i))
			return
		}
	}

	prefix, _, ok := h.narrow(c, prefix, nil)
	if !ok {
		return
	}

	namespaces, err := h.store.ListNamespaces(c.Request.Context(), registryepisodic.ListNamespacesRequest{
		Prefix:   prefix,
		Suffix:   suffix,
		MaxDepth: maxDepth,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	if namespaces == nil {
		namespaces = [][]string{}
	}
	c.JSON(http.StatusOK, gin.H{"namespaces": namespaces})
}

func (h *handler) listMemoryEvents(c *gin.Context) {
	var nsPrefix []string
	if ns := c.QueryArray("ns"); len(ns) > 0 {
		if err := validateNamespace(ns, h.cfg.EpisodicMaxDepth); err != nil {
			badRequest(c, err.Error())
			return
		}
		nsPrefix = ns
	}
	nsPrefix, _, ok := h.narrow(c, nsPrefix, nil)
	if !ok {
		return
	}

	req := registryepisodic.ListEventsRequest{
		NamespacePrefix: nsPrefix,
		Kinds:           c.QueryArray("kinds"),
		Limit:           queryInt(c, "limit", 50),
		AfterCursor:     c.Query("after_cursor"),
	}
	if t, ok := parseRFC3339Query(c, "after"); !ok {
		return
	} else if t != nil {
		req.After = t
	}
	if t, ok := parseRFC3339Query(c, "before"); !ok {
		return
	} else if t != nil {
		req.Before = t
	}

	page, err := h.store.ListMemoryEvents(c.Request.Context(), req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseRFC3339Query(c *gin.Context, param string) (*time.Time, bool) {
	raw := c.Query(param)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, fmt.Sprintf("invalid %q timestamp; use RFC 3339 format", param))
		return nil, false
	}
	return &t, true
}

// authorize runs the authz policy for operation and, on denial or
// error, writes the response itself and returns false.
func (h *handler) authorize(c *gin.Context, operation string, ns []string, key string, pc episodic.PolicyContext) bool {
	allowed, err := h.policy.IsAllowed(c.Request.Context(), operation, ns, key, pc)
	if err != nil {
		serverError(c, "policy evaluation error")
		return false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": "access denied"})
		return false
	}
	return true
}

// narrow applies the OPA filter-injection policy to a namespace
// prefix/filter pair, if a policy engine is configured. It is a
// no-op (ok=true, inputs unchanged) when h.policy is nil.
func (h *handler) narrow(c *gin.Context, prefix []string, filter map[string]interface{}) ([]string, map[string]interface{}, bool) {
	if h.policy == nil {
		return prefix, filter, true
	}
	narrowedPrefix, narrowedFilter, err := h.policy.InjectFilter(c.Request.Context(), prefix, filter, policyContext(c))
	if err != nil {
		serverError(c, "filter injection error")
		return nil, nil, false
	}
	return narrowedPrefix, narrowedFilter, true
}

// --- Admin endpoints ---

// MountAdminRoutes mounts the episodic memory admin surface: policy
// bundle inspection/replacement, a force-delete escape hatch, and
// indexer backlog status/trigger.
func MountAdminRoutes(r *gin.Engine, store registryepisodic.EpisodicStore, policy *episodic.PolicyEngine, cfg *config.Config, indexer *service.EpisodicIndexer, auth gin.HandlerFunc, requireAdmin gin.HandlerFunc) {
	if store == nil {
		return
	}
	a := &adminHandler{store: store, policy: policy, cfg: cfg, indexer: indexer}
	g := r.Group("/admin/v1", auth, requireAdmin)

	g.GET("/memories/policies", a.getPolicies)
	g.PUT("/memories/policies", a.putPolicies)
	g.DELETE("/memories/:id", a.forceDelete)
	g.GET("/memories/index/status", a.indexStatus)
	g.POST("/memories/index/trigger", a.triggerIndex)
}

type adminHandler struct {
	store   registryepisodic.EpisodicStore
	policy  *episodic.PolicyEngine
	cfg     *config.Config
	indexer *service.EpisodicIndexer
}

func (a *adminHandler) getPolicies(c *gin.Context) {
	if a.policy == nil {
		unavailable(c, "episodic policy engine is not configured")
		return
	}
	c.JSON(http.StatusOK, a.policy.Bundle())
}

func (a *adminHandler) putPolicies(c *gin.Context) {
	if a.policy == nil {
		unavailable(c, "episodic policy engine is not configured")
		return
	}
	var bundle episodic.PolicyBundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := a.policy.ReplaceBundle(c.Request.Context(), bundle); err != nil {
		badRequest(c, err.Error())
		return
	}
	if a.cfg != nil && a.cfg.EpisodicPolicyDir != "" {
		if err := persistPolicyBundle(a.cfg.EpisodicPolicyDir, bundle); err != nil {
			handleError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (a *adminHandler) forceDelete(c *gin.Context) {
	memID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid memory ID")
		return
	}
	if err := a.store.AdminForceDeleteMemory(c.Request.Context(), memID); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *adminHandler) indexStatus(c *gin.Context) {
	count, err := a.store.AdminCountPendingIndexing(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": count})
}

func (a *adminHandler) triggerIndex(c *gin.Context) {
	if a.indexer == nil {
		unavailable(c, "episodic indexer is not configured")
		return
	}
	stats, err := a.indexer.Trigger(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"triggered": true,
		"stats":     stats,
	})
}

// --- Helpers ---

func validateNamespace(ns []string, maxDepth int) error {
	if len(ns) == 0 {
		return fmt.Errorf("namespace must have at least one segment")
	}
	for i, seg := range ns {
		if seg == "" {
			return fmt.Errorf("namespace segment %d is empty", i)
		}
	}
	if maxDepth > 0 && len(ns) > maxDepth {
		return fmt.Errorf("namespace depth %d exceeds configured limit %d", len(ns), maxDepth)
	}
	return nil
}

func policyContext(c *gin.Context) episodic.PolicyContext {
	var roles []string
	if security.IsAdmin(c) {
		roles = append(roles, "admin")
	}
	return episodic.PolicyContext{
		UserID:   security.GetUserID(c),
		ClientID: security.GetClientID(c),
		JWTClaims: map[string]interface{}{
			"roles": roles,
		},
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func serverError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func unavailable(c *gin.Context, msg string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": msg})
}

func handleError(c *gin.Context, err error) {
	log.Error("episodic route error", "err", err, "stack", string(debug.Stack()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

// semanticSearch embeds query, runs an ANN search scoped to
// namespacePrefix/filter, hydrates the winning IDs, and returns them
// ranked best-score-first, capped at limit. A query that embeds to no
// vectors or matches nothing returns (nil, nil), letting the caller
// fall back to the plain attribute scan.
func semanticSearch(c *gin.Context, store registryepisodic.EpisodicStore, embedder registryembed.Embedder, namespacePrefix []string, filter map[string]interface{}, query string, limit int) ([]registryepisodic.MemoryItem, error) {
	ctx := c.Request.Context()
	embeddings, err := embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, nil
	}

	nsEncoded, err := episodic.EncodeNamespace(namespacePrefix, 0)
	if err != nil {
		return nil, err
	}
	vectorResults, err := store.SearchMemoryVectors(ctx, nsEncoded, embeddings[0], filter, limit)
	if err != nil {
		return nil, fmt.Errorf("search memory vectors: %w", err)
	}
	if len(vectorResults) == 0 {
		return nil, nil
	}

	// A memory can have more than one indexed field; keep its best
	// score and dedupe to one entry per memory ID.
	bestScore := make(map[uuid.UUID]float64, len(vectorResults))
	orderedIDs := make([]uuid.UUID, 0, len(vectorResults))
	for _, vr := range vectorResults {
		prev, seen := bestScore[vr.MemoryID]
		if !seen {
			orderedIDs = append(orderedIDs, vr.MemoryID)
		} else if vr.Score <= prev {
			continue
		}
		bestScore[vr.MemoryID] = vr.Score
	}

	items, err := store.GetMemoriesByIDs(ctx, orderedIDs)
	if err != nil {
		return nil, fmt.Errorf("get memories by ids: %w", err)
	}
	itemByID := make(map[uuid.UUID]registryepisodic.MemoryItem, len(items))
	for _, item := range items {
		itemByID[item.ID] = item
	}

	results := make([]registryepisodic.MemoryItem, 0, len(orderedIDs))
	for _, id := range orderedIDs {
		item, ok := itemByID[id]
		if !ok {
			continue
		}
		score := bestScore[id]
		item.Score = &score
		results = append(results, item)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return *results[i].Score > *results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}

// persistPolicyBundle writes bundle's three documents to dir so they
// survive a restart; ReplaceBundle itself only updates the in-memory
// compiled policies.
func persistPolicyBundle(dir string, bundle episodic.PolicyBundle) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policy directory: %w", err)
	}
	writes := map[string]string{
		"authz.rego":      bundle.Authz,
		"attributes.rego": bundle.Attributes,
		"filter.rego":     bundle.Filter,
	}
	for name, content := range writes {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write policy file %s: %w", name, err)
		}
	}
	return nil
}
