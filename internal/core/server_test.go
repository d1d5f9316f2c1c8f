package core_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rustycawk/rs-filestore/internal/auth"
	"github.com/rustycawk/rs-filestore/internal/core"
	"github.com/rustycawk/rs-filestore/internal/crypt"
	"github.com/rustycawk/rs-filestore/internal/storage"
)

const testBaseURL = "https://files.example.test/"

type testServer struct {
	engine *storage.Engine
	dir    string
	http   *httptest.Server
}

// NewTestServer creates a Server backed by a temporary directory and
// returns it wrapped in an httptest.Server.
func NewTestServer(t *testing.T, storageCfg storage.Config, opts ...core.ConfigOption) *testServer {
	t.Helper()

	km, err := crypt.RandomKeyMaterial()
	require.NoError(t, err)
	c, err := crypt.NewAESCBC(km)
	require.NoError(t, err)

	storageCfg.Dir = t.TempDir()
	storageCfg.BaseURL = testBaseURL
	storageCfg.Cipher = c

	engine, err := storage.New(storageCfg)
	require.NoError(t, err, "storage.New error")
	t.Cleanup(func() { _ = engine.Close() })

	opts = append([]core.ConfigOption{core.WithEngine(engine)}, opts...)
	srv, err := core.NewServer(core.NewConfig(opts...))
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	return &testServer{engine: engine, dir: storageCfg.Dir, http: httpSrv}
}

type RequestOption func(*http.Request)

func WithContentType(contentType string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set("Content-Type", contentType)
	}
}

func WithHeader(key string, value string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

func DoMethod(t *testing.T, method string, url string, body []byte, opts ...RequestOption) *http.Response {
	t.Helper()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, url, r)
	require.NoError(t, err, "creating "+method+" request")
	for _, opt := range opts {
		opt(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, method+" request error")
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func ReadBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading response body")
	return data
}

// Upload posts body raw and returns the identifier from the link.
func (s *testServer) Upload(t *testing.T, body []byte, wantStatus int) string {
	t.Helper()

	resp := DoMethod(t, http.MethodPost, s.http.URL+"/upload", body, WithContentType("application/octet-stream"))
	require.Equal(t, wantStatus, resp.StatusCode, "upload status")
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out core.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, strings.HasPrefix(out.Link, testBaseURL), "link %q should start with base url", out.Link)
	return strings.TrimPrefix(out.Link, testBaseURL)
}

func requireJSONError(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out core.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Error)
}

func TestUploadAndGet(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})

	id := srv.Upload(t, []byte("hello"), http.StatusCreated)
	require.Len(t, id, 10)

	resp := DoMethod(t, http.MethodGet, srv.http.URL+"/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Equal(t, "5", resp.Header.Get("Content-Length"))
	require.Equal(t, "hello", string(ReadBody(t, resp)))
}

func TestHeadObject(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})
	id := srv.Upload(t, []byte("hello"), http.StatusCreated)

	resp := DoMethod(t, http.MethodHead, srv.http.URL+"/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "5", resp.Header.Get("Content-Length"))
	require.Empty(t, ReadBody(t, resp))
}

func TestMultipartUpload(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("first part wins"))
	require.NoError(t, err)
	fw, err = mw.CreateFormFile("other", "ignored.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("second part"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := DoMethod(t, http.MethodPost, srv.http.URL+"/upload", buf.Bytes(), WithContentType(mw.FormDataContentType()))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out core.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	id := strings.TrimPrefix(out.Link, testBaseURL)

	resp = DoMethod(t, http.MethodGet, srv.http.URL+"/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "first part wins", string(ReadBody(t, resp)))
}

func TestMultipartUploadWithoutParts(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.Close())

	resp := DoMethod(t, http.MethodPost, srv.http.URL+"/upload", buf.Bytes(), WithContentType(mw.FormDataContentType()))
	requireJSONError(t, resp, http.StatusBadRequest)
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})

	for _, path := range []string{"/AAAAAAAAAA", "/nonexistent-id", "/.uploads", "/upload"} {
		resp := DoMethod(t, http.MethodGet, srv.http.URL+path, nil)
		requireJSONError(t, resp, http.StatusNotFound)
	}
}

func TestGetCorruptObject(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})
	require.NoError(t, os.WriteFile(filepath.Join(srv.dir, "CorruptAbc"), []byte("garbage"), 0o644))

	resp := DoMethod(t, http.MethodGet, srv.http.URL+"/CorruptAbc", nil)
	requireJSONError(t, resp, http.StatusUnprocessableEntity)
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()

	t.Run("engine limit", func(t *testing.T) {
		t.Parallel()
		srv := NewTestServer(t, storage.Config{MaxObjectSize: 4})

		resp := DoMethod(t, http.MethodPost, srv.http.URL+"/upload", []byte("hello"))
		requireJSONError(t, resp, http.StatusRequestEntityTooLarge)
	})

	t.Run("request limit", func(t *testing.T) {
		t.Parallel()
		srv := NewTestServer(t, storage.Config{}, core.WithMaxUploadSize(4))

		resp := DoMethod(t, http.MethodPost, srv.http.URL+"/upload", []byte("hello"))
		requireJSONError(t, resp, http.StatusRequestEntityTooLarge)

		stats, err := srv.engine.Stats(t.Context())
		require.NoError(t, err)
		require.Zero(t, stats.Objects)
	})
}

func TestUploadDeduplicated(t *testing.T) {
	t.Parallel()

	hash, err := storage.NewContentHash(storage.HashSHA256)
	require.NoError(t, err)
	srv := NewTestServer(t, storage.Config{Strategy: hash})

	first := srv.Upload(t, []byte("hello"), http.StatusCreated)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", first)

	second := srv.Upload(t, []byte("hello"), http.StatusOK)
	require.Equal(t, first, second)

	stats, err := srv.engine.Stats(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Objects)
}

func TestUploadIdentifierExhausted(t *testing.T) {
	t.Parallel()

	strategy := storage.RandomTokens{MaxAttempts: 2, Rand: bytes.NewReader(bytes.Repeat([]byte{7}, 1024))}
	srv := NewTestServer(t, storage.Config{Strategy: strategy})

	srv.Upload(t, []byte("first"), http.StatusCreated)

	resp := DoMethod(t, http.MethodPost, srv.http.URL+"/upload", []byte("second"))
	requireJSONError(t, resp, http.StatusServiceUnavailable)
}

func TestUploadClientGone(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})
	server, err := core.NewServer(core.NewConfig(core.WithEngine(srv.engine)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("never stored")).WithContext(ctx)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, 499, rec.Code)

	stats, err := srv.engine.Stats(t.Context())
	require.NoError(t, err)
	require.Zero(t, stats.Objects)
}

func TestUploadRequiresAuthentication(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{}, core.WithAuthEngine(auth.NewCompoundAuthEngine(
		auth.NewBasicAuthEngine("uploader", "s3cret"),
		auth.NewTokenAuthEngine("0123456789abcdef"),
	)))

	resp := DoMethod(t, http.MethodPost, srv.http.URL+"/upload", []byte("hello"))
	requireJSONError(t, resp, http.StatusUnauthorized)
	require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	resp = DoMethod(t, http.MethodPost, srv.http.URL+"/upload", []byte("hello"), func(r *http.Request) {
		r.SetBasicAuth("uploader", "s3cret")
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out core.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	resp = DoMethod(t, http.MethodPost, srv.http.URL+"/upload", []byte("token"),
		WithHeader("Authorization", "Bearer 0123456789abcdef"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Retrieval stays public.
	resp = DoMethod(t, http.MethodGet, strings.Replace(out.Link, testBaseURL, srv.http.URL+"/", 1), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(ReadBody(t, resp)))
}

func TestGetResized(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{RenditionCacheSize: 4})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 200, 100))))
	id := srv.Upload(t, buf.Bytes(), http.StatusCreated)

	resp := DoMethod(t, http.MethodGet, srv.http.URL+"/"+id+"?resize=50x50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	img, err := jpeg.Decode(resp.Body)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 50, 50), img.Bounds())

	// An unusable directive serves the original.
	resp = DoMethod(t, http.MethodGet, srv.http.URL+"/"+id+"?resize=banana", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	require.Equal(t, buf.Bytes(), ReadBody(t, resp))
}

func TestGetResizedNotAnImage(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})
	id := srv.Upload(t, []byte("just text"), http.StatusCreated)

	resp := DoMethod(t, http.MethodGet, srv.http.URL+"/"+id+"?resize=10x10", nil)
	requireJSONError(t, resp, http.StatusUnprocessableEntity)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{}, core.WithRegistry(prometheus.NewRegistry()))

	srv.Upload(t, []byte("hello"), http.StatusCreated)
	srv.Upload(t, []byte("world"), http.StatusCreated)
	DoMethod(t, http.MethodGet, srv.http.URL+"/AAAAAAAAAA", nil)

	resp := DoMethod(t, http.MethodGet, srv.http.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := string(ReadBody(t, resp))
	require.Contains(t, body, "api_file_count 2")
	require.Contains(t, body, "api_combined_size 32")
	require.Contains(t, body, `api_requests_total{code="201",method="post"} 2`)
	require.Contains(t, body, `api_requests_total{code="404",method="get"} 1`)
}

func TestCORS(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})

	resp := DoMethod(t, http.MethodOptions, srv.http.URL+"/upload", nil,
		WithHeader("Origin", "https://elsewhere.test"),
		WithHeader("Access-Control-Request-Method", "POST"),
	)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")

	resp = DoMethod(t, http.MethodGet, srv.http.URL+"/AAAAAAAAAA", nil)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, storage.Config{})

	resp := DoMethod(t, http.MethodGet, srv.http.URL+"/AAAAAAAAAA", nil)
	require.Len(t, resp.Header.Get(core.RequestIDHeader), 36)

	const id = "0d6c4c5e-8a35-4f73-9a43-1f7f3c0c9d11"
	resp = DoMethod(t, http.MethodGet, srv.http.URL+"/AAAAAAAAAA", nil, WithHeader(core.RequestIDHeader, id))
	require.Equal(t, id, resp.Header.Get(core.RequestIDHeader))
}

func TestRecoverer(t *testing.T) {
	t.Parallel()

	handler := core.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSlashFix(t *testing.T) {
	t.Parallel()

	var got string
	handler := core.SlashFix(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.URL.Path
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "//abc/", nil))
	require.Equal(t, "/abc", got)
}

func TestNewServerRequiresEngine(t *testing.T) {
	t.Parallel()

	_, err := core.NewServer(core.Config{})
	require.Error(t, err)
}
