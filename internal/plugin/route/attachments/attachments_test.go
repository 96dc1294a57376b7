package attachments_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/fieldnote/memoryd/internal/config"
	"github.com/fieldnote/memoryd/internal/plugin/route/attachments"
	"github.com/fieldnote/memoryd/internal/plugin/store/postgres"
	registryattach "github.com/fieldnote/memoryd/internal/registry/attach"
	registrymigrate "github.com/fieldnote/memoryd/internal/registry/migrate"
	registrystore "github.com/fieldnote/memoryd/internal/registry/store"
	"github.com/fieldnote/memoryd/internal/testutil/testpg"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// inMemoryAttachStore is a registryattach.AttachmentStore that keeps
// blobs in a map, so these tests exercise the route layer without a
// real S3/GCS dependency.
type inMemoryAttachStore struct {
	mu   sync.RWMutex
	blob map[string][]byte
}

func newInMemoryAttachStore() *inMemoryAttachStore {
	return &inMemoryAttachStore{blob: map[string][]byte{}}
}

func (s *inMemoryAttachStore) Store(_ context.Context, r io.Reader, maxSize int64, _ string) (*registryattach.FileStoreResult, error) {
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, maxSize+1)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n > maxSize {
		return nil, fmt.Errorf("file exceeds maximum size")
	}
	key := fmt.Sprintf("key-%d", time.Now().UnixNano())
	s.mu.Lock()
	s.blob[key] = buf.Bytes()
	s.mu.Unlock()
	return &registryattach.FileStoreResult{StorageKey: key, Size: int64(buf.Len())}, nil
}

func (s *inMemoryAttachStore) Retrieve(_ context.Context, storageKey string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.blob[storageKey]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *inMemoryAttachStore) Delete(_ context.Context, storageKey string) error {
	s.mu.Lock()
	delete(s.blob, storageKey)
	s.mu.Unlock()
	return nil
}

func (s *inMemoryAttachStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("signed url unsupported")
}

// newAttachmentsRouter connects to the Postgres named by
// MEMORYD_TEST_POSTGRES_URL (skipping the test when it is unset or
// unreachable) and mounts the attachment routes over it with encryption
// disabled, so tests can
// compare plaintext bodies directly.
func newAttachmentsRouter(t *testing.T) *gin.Engine {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DBURL = testpg.StartPostgres(t)
	cfg.MaxBodySize = 1024 * 1024
	cfg.AllowPrivateSourceURLs = true
	cfg.EncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	cfg.EncryptionDBDisabled = true
	cfg.EncryptionAttachmentsDisabled = true
	ctx := config.WithContext(context.Background(), &cfg)

	_ = postgres.ForceImport
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) { c.Set("userID", "test-user"); c.Next() }
	attachments.MountRoutes(router, store, newInMemoryAttachStore(), &cfg, auth)
	return router
}

func asUser(req *http.Request, userID string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+userID)
	return req
}

func postJSON(t *testing.T, router *gin.Engine, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := asUser(httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data)), userID)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func getAs(router *gin.Engine, path, userID string) *httptest.ResponseRecorder {
	req := asUser(httptest.NewRequest(http.MethodGet, path, nil), userID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSourceURLAttachment_CreateAndDownload(t *testing.T) {
	router := newAttachmentsRouter(t)

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello-from-source"))
	}))
	defer source.Close()

	create := postJSON(t, router, "/v1/attachments", "alice", map[string]any{
		"sourceUrl":   source.URL,
		"contentType": "text/plain",
		"name":        "hello.txt",
	})
	require.Equal(t, http.StatusCreated, create.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &created))
	require.Equal(t, "downloading", created["status"])
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	// The download runs in the background; poll until it settles.
	deadline := time.Now().Add(3 * time.Second)
	for {
		w := getAs(router, "/v1/attachments/"+id+"/download-url", "alice")
		if w.Code == http.StatusOK {
			var payload map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
			if status, _ := payload["status"].(string); status != "downloading" {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("download-url never became ready, status=%d body=%s", w.Code, w.Body.String())
		}
		time.Sleep(30 * time.Millisecond)
	}

	getResp := getAs(router, "/v1/attachments/"+id, "alice")
	require.Equal(t, http.StatusOK, getResp.Code)
	require.Equal(t, "hello-from-source", getResp.Body.String())
}

func TestSourceURLAttachment_InvalidURL(t *testing.T) {
	router := newAttachmentsRouter(t)

	create := postJSON(t, router, "/v1/attachments", "alice", map[string]any{
		"sourceUrl": "::not-a-url::",
	})
	require.Equal(t, http.StatusBadRequest, create.Code)
}

func TestAttachmentTokenDownloadAndDelete(t *testing.T) {
	router := newAttachmentsRouter(t)

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "hello.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello-token-download"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	uploadReq := asUser(httptest.NewRequest(http.MethodPost, "/v1/attachments", &form), "alice")
	uploadReq.Header.Set("Content-Type", writer.FormDataContentType())
	uploadResp := httptest.NewRecorder()
	router.ServeHTTP(uploadResp, uploadReq)
	require.Equal(t, http.StatusCreated, uploadResp.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(uploadResp.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	urlResp := getAs(router, "/v1/attachments/"+id+"/download-url", "alice")
	require.Equal(t, http.StatusOK, urlResp.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(urlResp.Body.Bytes(), &payload))
	downloadPath, _ := payload["url"].(string)
	require.NotEmpty(t, downloadPath)
	require.Contains(t, downloadPath, "/v1/attachments/download/")

	downloadReq := httptest.NewRequest(http.MethodGet, downloadPath, nil)
	downloadResp := httptest.NewRecorder()
	router.ServeHTTP(downloadResp, downloadReq)
	require.Equal(t, http.StatusOK, downloadResp.Code)
	require.Equal(t, "hello-token-download", downloadResp.Body.String())

	deleteReq := asUser(httptest.NewRequest(http.MethodDelete, "/v1/attachments/"+id, nil), "alice")
	deleteResp := httptest.NewRecorder()
	router.ServeHTTP(deleteResp, deleteReq)
	require.Equal(t, http.StatusNoContent, deleteResp.Code)

	require.Equal(t, http.StatusNotFound, getAs(router, "/v1/attachments/"+id, "alice").Code)
}
