package serve

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIsStreamingRequest(t *testing.T) {
	cases := []struct {
		name        string
		method      string
		path        string
		contentType string
		want        bool
	}{
		{"multipart attachment upload", http.MethodPost, "/v1/attachments", "multipart/form-data; boundary=abc123", true},
		{"multipart content-type is case insensitive", http.MethodPost, "/v1/attachments", "MULTIPART/FORM-DATA; boundary=abc123", true},
		{"json attachment create", http.MethodPost, "/v1/attachments", "application/json", false},
		{"get on attachments is not streaming", http.MethodGet, "/v1/attachments", "multipart/form-data; boundary=abc123", false},
		{"multipart body on unrelated route", http.MethodPost, "/v1/admin/evict", "multipart/form-data; boundary=abc123", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader("body"))
			req.Header.Set("Content-Type", tc.contentType)
			require.Equal(t, tc.want, isStreamingRequest(req))
		})
	}
}

func TestIsStreamingRequestHandlesNilInputs(t *testing.T) {
	require.False(t, isStreamingRequest(nil))
}

func newBodySizeTestRouter(limit int64, path string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(limit))
	router.POST(path, func(c *gin.Context) {
		n, err := io.Copy(io.Discard, c.Request.Body)
		if err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.String(http.StatusOK, "%d", n)
	})
	return router
}

func TestMaxBodySizeMiddlewareSkipsStreamingUploads(t *testing.T) {
	router := newBodySizeTestRouter(4, "/v1/attachments")

	req := httptest.NewRequest(http.MethodPost, "/v1/attachments", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=abc123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "10", rec.Body.String())
}

func TestMaxBodySizeMiddlewareEnforcesLimitElsewhere(t *testing.T) {
	router := newBodySizeTestRouter(4, "/v1/admin/evict")

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/evict", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMaxBodySizeMiddlewareAllowsBodyUnderLimit(t *testing.T) {
	router := newBodySizeTestRouter(100, "/v1/admin/evict")

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/evict", strings.NewReader("short"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "5", rec.Body.String())
}
