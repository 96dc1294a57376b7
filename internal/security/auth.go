// Package security resolves caller identity from bearer tokens (OIDC
// JWTs or static API keys) and exposes gin middleware plus gRPC
// interceptors that attach that identity to the request context.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/fieldnote/memoryd/internal/config"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "userID"
	// ContextKeyClientID is the gin context key for the agent client ID.
	ContextKeyClientID = "clientID"
	// ContextKeyRoles is the gin context key for resolved caller roles.
	ContextKeyRoles = "roles"
	// ContextKeyIsAdmin is the gin context key for admin authorization.
	ContextKeyIsAdmin = "isAdmin"
)

const (
	RoleAdmin   = "admin"
	RoleAuditor = "auditor"
	RoleIndexer = "indexer"
)

// Identity holds the resolved caller identity from a bearer token.
type Identity struct {
	UserID   string
	ClientID string
	Roles    map[string]bool
	IsAdmin  bool
}

type grpcIdentityKey struct{}

// IdentityFromContext retrieves the Identity stored in a context by the gRPC interceptor.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(grpcIdentityKey{}).(*Identity)
	return id
}

// TokenResolver resolves bearer tokens to caller identities. It is
// built once at startup and shared by the HTTP middleware and gRPC
// interceptors alike.
type TokenResolver struct {
	oidcVerifier    *oidc.IDTokenVerifier
	apiKeys         map[string]string
	adminOIDCRole   string
	auditorOIDCRole string
	indexerOIDCRole string
	adminUsers      map[string]bool
	auditorUsers    map[string]bool
	indexerUsers    map[string]bool
	adminClients    map[string]bool
	auditorClients  map[string]bool
	indexerClients  map[string]bool
	allowClientIDHeader bool
}

// NewTokenResolver creates a TokenResolver from the application config,
// performing one-time OIDC provider discovery if OIDCIssuer is set.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	adminOIDCRole := strings.TrimSpace(cfg.AdminOIDCRole)
	if adminOIDCRole == "" {
		adminOIDCRole = RoleAdmin
	}
	auditorOIDCRole := strings.TrimSpace(cfg.AuditorOIDCRole)
	if auditorOIDCRole == "" {
		auditorOIDCRole = RoleAuditor
	}

	return &TokenResolver{
		oidcVerifier:        discoverOIDCVerifier(cfg),
		apiKeys:             cfg.APIKeys,
		adminOIDCRole:       adminOIDCRole,
		auditorOIDCRole:     auditorOIDCRole,
		indexerOIDCRole:     strings.TrimSpace(cfg.IndexerOIDCRole),
		adminUsers:          splitCSV(cfg.AdminUsers),
		auditorUsers:        splitCSV(cfg.AuditorUsers),
		indexerUsers:        splitCSV(cfg.IndexerUsers),
		adminClients:        splitCSV(cfg.AdminClients),
		auditorClients:      splitCSV(cfg.AuditorClients),
		indexerClients:      splitCSV(cfg.IndexerClients),
		allowClientIDHeader: cfg.Mode == config.ModeTesting,
	}
}

// discoverOIDCVerifier performs OIDC discovery against cfg.OIDCIssuer,
// returning nil when OIDC isn't configured or discovery fails (auth
// then falls back to API keys only).
func discoverOIDCVerifier(cfg *config.Config) *oidc.IDTokenVerifier {
	issuer := cfg.OIDCIssuer
	if issuer == "" {
		return nil
	}

	ctx := context.Background()
	expectedIssuer := issuer
	discoveryURL := cfg.OIDCDiscoveryURL
	if discoveryURL != "" && discoveryURL != issuer {
		// Discovery URL differs from issuer (e.g. internal Docker hostname
		// vs external URL). NewProvider fetches from its issuer arg, so
		// point it at the discovery URL; InsecureIssuerURLContext tells it
		// to accept the resulting issuer mismatch in the discovery document.
		ctx = oidc.InsecureIssuerURLContext(ctx, issuer)
		issuer = discoveryURL
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		log.Error("Failed to initialize OIDC provider; falling back to API key auth", "issuer", issuer, "err", err)
		return nil
	}

	if expectedIssuer == issuer {
		log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		return provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	// The discovery document's issuer (internal hostname) differs from the
	// issuer tokens are actually stamped with (the external one). Build the
	// verifier against the external issuer so validation doesn't fail on
	// the mismatch, reusing the discovered JWKS endpoint.
	var claims struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&claims); err == nil && claims.JWKSURI != "" {
		keySet := oidc.NewRemoteKeySet(ctx, claims.JWKSURI)
		log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		return oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{SkipClientIDCheck: true})
	}

	log.Info("OIDC auth enabled", "issuer", expectedIssuer)
	return provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
)

// Resolve resolves a bearer token (and optional API key / client ID
// header) into a caller Identity. bearerToken is the raw token value
// without the "Bearer " prefix; apiKey is X-API-Key (may be empty);
// clientIDHeader is X-Client-ID (only honored in testing mode).
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, apiKey, clientIDHeader string) (*Identity, error) {
	clientID, apiKeyAuth := r.resolveClientID(apiKey, clientIDHeader)

	var userID string
	roles := map[string]bool{}

	if r.oidcVerifier != nil && strings.Count(bearerToken, ".") >= 2 {
		claimedUserID, claimedRoles, err := r.verifyJWT(ctx, bearerToken)
		if err != nil {
			return nil, err
		}
		userID = claimedUserID
		for role := range claimedRoles {
			roles[role] = true
		}
		apiKeyAuth = false
	} else {
		userID = bearerToken
	}

	r.applyUserRoles(userID, roles)
	if apiKeyAuth && clientID != "" {
		r.applyClientRoles(clientID, roles)
	}
	if roles[RoleAdmin] {
		// Admin implies every lesser role.
		roles[RoleAuditor] = true
		roles[RoleIndexer] = true
	}

	return &Identity{
		UserID:   userID,
		ClientID: clientID,
		Roles:    roles,
		IsAdmin:  roles[RoleAdmin],
	}, nil
}

func (r *TokenResolver) resolveClientID(apiKey, clientIDHeader string) (clientID string, apiKeyAuth bool) {
	apiKeyAuth = true
	if key := strings.TrimSpace(apiKey); key != "" {
		if resolved, ok := r.apiKeys[key]; ok {
			clientID = resolved
		} else {
			log.Warn("Received invalid API key")
		}
	}
	if r.allowClientIDHeader {
		if hdr := strings.TrimSpace(clientIDHeader); hdr != "" && clientID == "" {
			clientID = hdr
		}
	}
	return clientID, apiKeyAuth
}

func (r *TokenResolver) verifyJWT(ctx context.Context, bearerToken string) (userID string, roles map[string]bool, err error) {
	idToken, err := r.oidcVerifier.Verify(ctx, bearerToken)
	if err != nil {
		return "", nil, errors.Join(errInvalidJWT, err)
	}

	// Prefer "preferred_username" (common OIDC convention), then "upn",
	// finally fall back to "sub".
	var claims struct {
		Sub               string `json:"sub"`
		PreferredUsername string `json:"preferred_username"`
		UPN               string `json:"upn"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", nil, errors.Join(errInvalidJWT, err)
	}
	userID = claims.PreferredUsername
	if userID == "" {
		userID = claims.UPN
	}
	if userID == "" {
		userID = claims.Sub
	}
	if userID == "" {
		return "", nil, errMissingIdentity
	}

	roles = map[string]bool{}
	var rawClaims map[string]any
	if err := idToken.Claims(&rawClaims); err == nil {
		tokenRoles := extractTokenRoles(rawClaims)
		if tokenRoles[r.adminOIDCRole] {
			roles[RoleAdmin] = true
		}
		if tokenRoles[r.auditorOIDCRole] {
			roles[RoleAuditor] = true
		}
		if r.indexerOIDCRole != "" && tokenRoles[r.indexerOIDCRole] {
			roles[RoleIndexer] = true
		}
	}
	return userID, roles, nil
}

func (r *TokenResolver) applyUserRoles(userID string, roles map[string]bool) {
	if r.adminUsers[userID] {
		roles[RoleAdmin] = true
	}
	if r.auditorUsers[userID] {
		roles[RoleAuditor] = true
	}
	if r.indexerUsers[userID] {
		roles[RoleIndexer] = true
	}
}

func (r *TokenResolver) applyClientRoles(clientID string, roles map[string]bool) {
	if r.adminClients[clientID] {
		roles[RoleAdmin] = true
	}
	if r.auditorClients[clientID] {
		roles[RoleAuditor] = true
	}
	if r.indexerClients[clientID] {
		roles[RoleIndexer] = true
	}
}

// --- Gin HTTP middleware ---

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetClientID returns the agent client ID from the gin context.
func GetClientID(c *gin.Context) string {
	return c.GetString(ContextKeyClientID)
}

// IsAdmin returns true if the request is from an admin.
func IsAdmin(c *gin.Context) bool {
	v, _ := c.Get(ContextKeyIsAdmin)
	b, _ := v.(bool)
	return b
}

// HasRole returns true if the caller has the given role.
func HasRole(c *gin.Context, role string) bool {
	v, ok := c.Get(ContextKeyRoles)
	if !ok {
		return false
	}
	roles, ok := v.(map[string]bool)
	if !ok {
		return false
	}
	return roles[role]
}

// EffectiveAdminRole returns the highest resolved admin role.
func EffectiveAdminRole(c *gin.Context) string {
	switch {
	case HasRole(c, RoleAdmin):
		return RoleAdmin
	case HasRole(c, RoleAuditor):
		return RoleAuditor
	default:
		return ""
	}
}

// AuthMiddleware returns a gin middleware that extracts user identity
// from the Authorization header using resolver.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
			return
		}

		id, err := resolver.Resolve(
			c.Request.Context(),
			token,
			c.GetHeader("X-API-Key"),
			c.GetHeader("X-Client-ID"),
		)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyUserID, id.UserID)
		if id.ClientID != "" {
			c.Set(ContextKeyClientID, id.ClientID)
		}
		c.Set(ContextKeyRoles, id.Roles)
		c.Set(ContextKeyIsAdmin, id.IsAdmin)
		c.Next()
	}
}

// RequireAdminRole requires the caller to have admin role.
func RequireAdminRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c, RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireAuditorRole requires the caller to have auditor or admin role.
func RequireAuditorRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c, RoleAuditor) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// ClientIDMiddleware extracts the X-Client-ID header and sets it in context.
func ClientIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetHeader("X-Client-ID")
		if clientID != "" {
			c.Set(ContextKeyClientID, clientID)
		}
		c.Next()
	}
}

// --- gRPC interceptors ---

func grpcMetadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func resolveGRPCIdentity(ctx context.Context, resolver *TokenResolver) context.Context {
	auth := grpcMetadataValue(ctx, "authorization")
	if auth == "" {
		return ctx
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return ctx
	}

	id, err := resolver.Resolve(
		ctx,
		token,
		grpcMetadataValue(ctx, "x-api-key"),
		grpcMetadataValue(ctx, "x-client-id"),
	)
	if err != nil {
		log.Debug("gRPC auth: token resolution failed", "err", err)
		return ctx
	}
	return context.WithValue(ctx, grpcIdentityKey{}, id)
}

// GRPCUnaryInterceptor returns a gRPC unary server interceptor that resolves caller identity.
func GRPCUnaryInterceptor(resolver *TokenResolver) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(resolveGRPCIdentity(ctx, resolver), req)
	}
}

// GRPCStreamInterceptor returns a gRPC stream server interceptor that resolves caller identity.
func GRPCStreamInterceptor(resolver *TokenResolver) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          resolveGRPCIdentity(ss.Context(), resolver),
		}
		return handler(srv, wrapped)
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// --- helpers ---

func splitCSV(raw string) map[string]bool {
	result := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		result[item] = true
	}
	return result
}

func extractTokenRoles(claims map[string]any) map[string]bool {
	result := map[string]bool{}
	addList := func(values []string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			result[v] = true
		}
	}

	addList(toStringSlice(claims["roles"]))
	addList(toStringSlice(claims["groups"]))

	if scope, ok := claims["scope"].(string); ok {
		addList(strings.Fields(scope))
	}

	if realm, ok := claims["realm_access"].(map[string]any); ok {
		addList(toStringSlice(realm["roles"]))
	}

	return result
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		// Claims decoding may yield map[string]interface{} with nested
		// json.RawMessage; round-trip through JSON to coerce it.
		var out []string
		if data, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(data, &out)
		}
		return out
	}
}
