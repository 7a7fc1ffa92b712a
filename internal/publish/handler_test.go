package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/freighter-dev/freighter/internal/index"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAuth implements Authenticator for testing
type stubAuth struct {
	allow      bool
	calls      int
	credential string
}

func (s *stubAuth) Authenticate(ctx context.Context, credential string) bool {
	s.calls++
	s.credential = credential
	return s.allow
}

// stubIndexer implements Indexer for testing
type stubIndexer struct {
	result   index.Result
	err      error
	panicMsg string
	calls    int
	received []byte
}

func (s *stubIndexer) Index(ctx context.Context, upload io.ReadSeeker) (index.Result, error) {
	s.calls++
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	data, err := io.ReadAll(upload)
	if err != nil {
		return index.ResultInvalid, err
	}
	s.received = data
	return s.result, s.err
}

// stubDeleter implements Deleter for testing
type stubDeleter struct {
	deleted bool
	err     error
	calls   int
	name    string
	version string
}

func (s *stubDeleter) TryDelete(ctx context.Context, name string, version *semver.Version) (bool, error) {
	s.calls++
	s.name = name
	s.version = version.String()
	return s.deleted, s.err
}

// stubMetadata implements MetadataStore for testing
type stubMetadata struct {
	relisted bool
	err      error
	calls    int
	name     string
	version  string
}

func (s *stubMetadata) Relist(ctx context.Context, name string, version *semver.Version) (bool, error) {
	s.calls++
	s.name = name
	s.version = version.String()
	return s.relisted, s.err
}

type testEnv struct {
	router     *gin.Engine
	auth       *stubAuth
	indexer    *stubIndexer
	deleter    *stubDeleter
	metadata   *stubMetadata
	scratchDir string
}

func setupTestHandler(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		auth:       &stubAuth{allow: true},
		indexer:    &stubIndexer{result: index.ResultSuccess},
		deleter:    &stubDeleter{deleted: true},
		metadata:   &stubMetadata{relisted: true},
		scratchDir: t.TempDir(),
	}

	handler := NewHandler(env.auth, env.indexer, env.deleter, env.metadata, env.scratchDir)
	env.router = gin.New()
	handler.Routes(env.router.Group("/"))

	return env
}

func (env *testEnv) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(env.scratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory should be clean after the request")
}

func uploadRequest(body io.Reader) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "/api/v2/package", body)
	req.Header.Set("X-NuGet-ApiKey", "test-key")
	return req
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	for name, content := range files {
		part, err := writer.CreateFormFile(name, name+".nupkg")
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestUpload_Unauthorized(t *testing.T) {
	env := setupTestHandler(t)
	env.auth.allow = false

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(bytes.NewReader([]byte("package bytes"))))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, env.indexer.calls, "indexer must not run for unauthenticated uploads")
	env.assertScratchEmpty(t)
}

func TestUpload_CredentialForwardedVerbatim(t *testing.T) {
	env := setupTestHandler(t)

	req := uploadRequest(bytes.NewReader([]byte("package bytes")))
	req.Header.Set("X-NuGet-ApiKey", "opaque-credential-value")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, 1, env.auth.calls)
	assert.Equal(t, "opaque-credential-value", env.auth.credential)
}

func TestUpload_FallbackAPIKeyHeader(t *testing.T) {
	env := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v2/package", bytes.NewReader([]byte("package bytes")))
	req.Header.Set("X-API-Key", "fallback-key")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, "fallback-key", env.auth.credential)
}

func TestUpload_MissingHeaderIsEmptyCredential(t *testing.T) {
	env := setupTestHandler(t)
	env.auth.allow = false

	req := httptest.NewRequest(http.MethodPut, "/api/v2/package", bytes.NewReader([]byte("package bytes")))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 1, env.auth.calls, "an absent header is still the gate's decision")
	assert.Equal(t, "", env.auth.credential)
}

func TestUpload_NoPayload(t *testing.T) {
	env := setupTestHandler(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(bytes.NewReader(nil)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, env.indexer.calls, "indexer must not run without a payload")
	env.assertScratchEmpty(t)
}

func TestUpload_RawBody(t *testing.T) {
	env := setupTestHandler(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(bytes.NewReader([]byte("raw package bytes"))))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []byte("raw package bytes"), env.indexer.received)
	env.assertScratchEmpty(t)
}

func TestUpload_MultipartFileFieldIsAuthoritative(t *testing.T) {
	env := setupTestHandler(t)

	body, contentType := multipartBody(t,
		map[string]string{"comment": "not the package"},
		map[string][]byte{"package": []byte("file field bytes")},
	)
	req := uploadRequest(body)
	req.Header.Set("Content-Type", contentType)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []byte("file field bytes"), env.indexer.received,
		"only the file field's bytes may reach the indexer")
	env.assertScratchEmpty(t)
}

func TestUpload_MultipartWithoutFileField(t *testing.T) {
	env := setupTestHandler(t)

	body, contentType := multipartBody(t, map[string]string{"comment": "no file here"}, nil)
	req := uploadRequest(body)
	req.Header.Set("Content-Type", contentType)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, env.indexer.calls)
	env.assertScratchEmpty(t)
}

func TestUpload_ResultMapping(t *testing.T) {
	tests := []struct {
		name   string
		result index.Result
		status int
	}{
		{"invalid package", index.ResultInvalid, http.StatusBadRequest},
		{"already exists", index.ResultAlreadyExists, http.StatusConflict},
		{"success", index.ResultSuccess, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t)
			env.indexer.result = tt.result

			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, uploadRequest(bytes.NewReader([]byte("package bytes"))))

			assert.Equal(t, tt.status, w.Code)
			env.assertScratchEmpty(t)
		})
	}
}

func TestUpload_IndexerError(t *testing.T) {
	env := setupTestHandler(t)
	env.indexer.err = fmt.Errorf("storage backend unavailable")

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(bytes.NewReader([]byte("package bytes"))))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	env.assertScratchEmpty(t)
}

func TestUpload_IndexerPanic(t *testing.T) {
	env := setupTestHandler(t)
	env.indexer.panicMsg = "collaborator blew up"

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(bytes.NewReader([]byte("package bytes"))))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	env.assertScratchEmpty(t)
}

func TestUpload_Cancelled(t *testing.T) {
	env := setupTestHandler(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := uploadRequest(bytes.NewReader([]byte("package bytes"))).WithContext(ctx)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusCreated, w.Code, "a cancelled upload must never report success")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, env.indexer.calls)
	env.assertScratchEmpty(t)
}

func deleteRequest(name, version string) *http.Request {
	req := httptest.NewRequest(http.MethodDelete, "/api/v2/package/"+name+"/"+version, nil)
	req.Header.Set("X-NuGet-ApiKey", "test-key")
	return req
}

func TestDelete_MalformedVersion(t *testing.T) {
	env := setupTestHandler(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, deleteRequest("Foo", "not-a-version"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, env.auth.calls, "version parsing precedes authentication")
	assert.Equal(t, 0, env.deleter.calls)
}

func TestDelete_Unauthorized(t *testing.T) {
	env := setupTestHandler(t)
	env.auth.allow = false

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, deleteRequest("Foo", "1.0.0"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, env.deleter.calls)
}

func TestDelete_Success(t *testing.T) {
	env := setupTestHandler(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, deleteRequest("Foo", "1.0.0"))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "Foo", env.deleter.name)
	assert.Equal(t, "1.0.0", env.deleter.version)
}

func TestDelete_NotFound(t *testing.T) {
	env := setupTestHandler(t)
	env.deleter.deleted = false

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, deleteRequest("Foo", "1.0.0"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDelete_CollaboratorError(t *testing.T) {
	env := setupTestHandler(t)
	env.deleter.deleted = false
	env.deleter.err = fmt.Errorf("database unavailable")

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, deleteRequest("Foo", "1.0.0"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func relistRequest(name, version string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v2/package/"+name+"/"+version, nil)
	req.Header.Set("X-NuGet-ApiKey", "test-key")
	return req
}

func TestRelist_MalformedVersion(t *testing.T) {
	env := setupTestHandler(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, relistRequest("Foo", "latest"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, env.auth.calls)
	assert.Equal(t, 0, env.metadata.calls)
}

func TestRelist_Unauthorized(t *testing.T) {
	env := setupTestHandler(t)
	env.auth.allow = false

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, relistRequest("Foo", "1.0.0"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, env.metadata.calls)
}

func TestRelist_Success(t *testing.T) {
	env := setupTestHandler(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, relistRequest("Foo", "1.0.0"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Foo", env.metadata.name)
	assert.Equal(t, "1.0.0", env.metadata.version)
}

func TestRelist_NotFound(t *testing.T) {
	env := setupTestHandler(t)
	env.metadata.relisted = false

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, relistRequest("Foo", "1.0.0"))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
