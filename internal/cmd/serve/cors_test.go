package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestAllowedOriginsDefaultsToWildcard(t *testing.T) {
	require.True(t, allowedOrigins("").wildcard)
	require.True(t, allowedOrigins("*").wildcard)
	require.True(t, allowedOrigins(" , ").wildcard)
}

func TestAllowedOriginsParsesCSVList(t *testing.T) {
	allowed := allowedOrigins("https://a.example, https://b.example")
	require.False(t, allowed.wildcard)
	require.True(t, allowed.permits("https://a.example"))
	require.True(t, allowed.permits("https://b.example"))
	require.False(t, allowed.permits("https://evil.example"))
}

func newCORSTestRouter(origins string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware(origins))
	router.GET("/v1/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestCorsMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	router := newCORSTestRouter("https://example.com")

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCorsMiddlewareRejectsUnlistedOrigin(t *testing.T) {
	router := newCORSTestRouter("https://example.com")

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "https://not-allowed.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsMiddlewareAnswersPreflightWithNoContent(t *testing.T) {
	router := newCORSTestRouter("*")

	req := httptest.NewRequest(http.MethodOptions, "/v1/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
