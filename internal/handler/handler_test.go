package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/gzip"

	"github.com/josssch/simple-file-server/internal/auth"
	"github.com/josssch/simple-file-server/internal/cache"
	"github.com/josssch/simple-file-server/internal/hashutil"
	"github.com/josssch/simple-file-server/internal/store"
	"github.com/josssch/simple-file-server/internal/variant"
)

const testSecret = "test-secret"

// countingStore counts origin reads so tests can assert how many fetches
// a request pattern caused.
type countingStore struct {
	store.Store
	opens atomic.Int64
}

func (c *countingStore) Open(ctx context.Context, name string) (io.ReadCloser, *store.Metadata, error) {
	c.opens.Add(1)
	return c.Store.Open(ctx, name)
}

type testEnv struct {
	handler *Handler
	store   *countingStore
	cache   *cache.Cache
	token   string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	local, err := store.OpenLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })

	counting := &countingStore{Store: local}
	tiers := cache.New(cache.Options{MaxMemoryBytes: 1 << 20, MaxEntryBytes: 64 * 1024})

	if opts.CacheControlMaxAge == 0 {
		opts.CacheControlMaxAge = time.Hour
	}
	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = []string{"*"}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		Permissions: []string{"write"},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	return &testEnv{
		handler: New(counting, tiers, auth.NewHMAC([]byte(testSecret)), opts),
		store:   counting,
		cache:   tiers,
		token:   token,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) upload(t *testing.T, name string, body []byte, contentType string) string {
	t.Helper()
	req := httptest.NewRequest("POST", "/"+name, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+e.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := e.do(req)
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("upload failed with status %d: %s", w.Code, w.Body.String())
	}
	return hashutil.Sum(body)
}

func TestPostThenGet(t *testing.T) {
	env := newTestEnv(t, Options{})
	content := []byte("logo bytes, pretend this is a PNG")

	req := httptest.NewRequest("POST", "/logo.png", bytes.NewReader(content))
	req.Header.Set("Authorization", "Bearer "+env.token)
	req.Header.Set("Content-Type", "image/png")
	w := env.do(req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	wantETag := `"` + hashutil.Sum(content) + `"`
	w = env.do(httptest.NewRequest("GET", "/logo.png", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), content) {
		t.Errorf("body does not match uploaded bytes")
	}
	if got := w.Header().Get("ETag"); got != wantETag {
		t.Errorf("ETag: got %s, want %s", got, wantETag)
	}
	if got := w.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type: got %s", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Cache-Control: got %s", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header: got %q", got)
	}
}

func TestRepost(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.upload(t, "a.txt", []byte("v1"), "")

	req := httptest.NewRequest("POST", "/a.txt", strings.NewReader("v2"))
	req.Header.Set("Authorization", "Bearer "+env.token)
	w := env.do(req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for a replacement, got %d", w.Code)
	}

	w = env.do(httptest.NewRequest("GET", "/a.txt", nil))
	if w.Body.String() != "v2" {
		t.Errorf("expected replaced content, got %q", w.Body.String())
	}
}

func TestConditionalGet(t *testing.T) {
	env := newTestEnv(t, Options{})
	content := []byte("conditional content")
	hash := env.upload(t, "a.txt", content, "")

	for _, header := range []string{`"` + hash + `"`, hash, `W/"` + hash + `"`, "*"} {
		req := httptest.NewRequest("GET", "/a.txt", nil)
		req.Header.Set("If-None-Match", header)
		// Encoding must not matter for the conditional check.
		req.Header.Set("Accept-Encoding", "gzip, br")
		w := env.do(req)

		if w.Code != http.StatusNotModified {
			t.Errorf("If-None-Match %q: expected 304, got %d", header, w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("If-None-Match %q: expected empty body, got %d bytes", header, w.Body.Len())
		}
	}

	// A stale validator still gets the content.
	req := httptest.NewRequest("GET", "/a.txt", nil)
	req.Header.Set("If-None-Match", `"deadbeef"`)
	w := env.do(req)
	if w.Code != http.StatusOK {
		t.Errorf("stale validator: expected 200, got %d", w.Code)
	}
}

func TestDeletePurgesEveryVariant(t *testing.T) {
	env := newTestEnv(t, Options{})
	content := []byte(strings.Repeat("purge me ", 100))
	hash := env.upload(t, "a.txt", content, "")

	// Warm all variants.
	for _, enc := range []string{"identity", "gzip", "br"} {
		req := httptest.NewRequest("GET", "/a.txt", nil)
		if enc != "identity" {
			req.Header.Set("Accept-Encoding", enc)
		}
		if w := env.do(req); w.Code != http.StatusOK {
			t.Fatalf("warmup GET (%s): status %d", enc, w.Code)
		}
	}

	req := httptest.NewRequest("DELETE", "/a.txt", nil)
	req.Header.Set("Authorization", "Bearer "+env.token)
	w := env.do(req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	if w := env.do(httptest.NewRequest("GET", "/a.txt", nil)); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}

	for _, enc := range []string{variant.Identity, variant.Gzip, variant.Brotli} {
		if _, ok := env.cache.Lookup(cache.Key{Name: "a.txt", Encoding: enc}, hash); ok {
			t.Errorf("cache entry for encoding %s survived the delete", enc)
		}
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	env := newTestEnv(t, Options{})
	content := []byte(strings.Repeat("big file contents ", 500))
	env.upload(t, "bigfile.bin", content, "")
	env.store.opens.Store(0)

	const n = 20
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest("GET", "/bigfile.bin", nil)
			req.Header.Set("Accept-Encoding", "gzip")
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, req)
			if w.Code == http.StatusOK {
				bodies[i] = w.Body.Bytes()
			}
		}(i)
	}
	wg.Wait()

	if opens := env.store.opens.Load(); opens != 1 {
		t.Errorf("expected exactly 1 origin fetch, got %d", opens)
	}
	for i := 1; i < n; i++ {
		if bodies[i] == nil {
			t.Fatalf("request %d did not succeed", i)
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Errorf("request %d received different bytes", i)
		}
	}
}

func TestCompressionIdempotence(t *testing.T) {
	env := newTestEnv(t, Options{})
	content := []byte(strings.Repeat("report data ", 400))
	env.upload(t, "report.pdf", content, "application/pdf")
	env.store.opens.Store(0)

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/report.pdf", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		return env.do(req)
	}

	first := get()
	if first.Code != http.StatusOK {
		t.Fatalf("first GET: status %d", first.Code)
	}
	if got := first.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", got)
	}
	if opens := env.store.opens.Load(); opens != 1 {
		t.Fatalf("first GET should fetch origin once, got %d", opens)
	}

	second := get()
	if second.Code != http.StatusOK {
		t.Fatalf("second GET: status %d", second.Code)
	}
	if opens := env.store.opens.Load(); opens != 1 {
		t.Errorf("second GET must be served from cache, origin fetches: %d", opens)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("cached variant bytes differ from the first response")
	}

	// And the payload actually decodes back to the original content.
	r, err := gzip.NewReader(bytes.NewReader(second.Body.Bytes()))
	if err != nil {
		t.Fatalf("response is not valid gzip: %v", err)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !bytes.Equal(decoded, content) {
		t.Errorf("decoded bytes do not match the original content")
	}
}

func TestBrotliVariant(t *testing.T) {
	env := newTestEnv(t, Options{})
	content := []byte(strings.Repeat("brotli please ", 300))
	env.upload(t, "a.txt", content, "")

	req := httptest.NewRequest("GET", "/a.txt", nil)
	req.Header.Set("Accept-Encoding", "br")
	w := env.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := w.Header().Get("Content-Encoding"); got != "br" {
		t.Fatalf("expected br encoding, got %q", got)
	}
	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	if err != nil {
		t.Fatalf("failed to decode brotli: %v", err)
	}
	if !bytes.Equal(decoded, content) {
		t.Errorf("decoded bytes do not match")
	}
}

func TestLargeFileStreamsWithoutCaching(t *testing.T) {
	env := newTestEnv(t, Options{StreamBufferSize: 4 * 1024})

	// Well past the cache's 64 KiB per-entry ceiling.
	content := make([]byte, 512*1024)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("failed to generate content: %v", err)
	}
	hash := env.upload(t, "big.bin", content, "application/octet-stream")

	w := env.do(httptest.NewRequest("GET", "/big.bin", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), content) {
		t.Errorf("streamed bytes do not match")
	}
	if got := w.Header().Get("Content-Length"); got != fmt.Sprintf("%d", len(content)) {
		t.Errorf("Content-Length: got %s, want %d", got, len(content))
	}

	// Nothing this size is ever committed to the cache.
	for _, enc := range []string{variant.Identity, variant.Gzip, variant.Brotli} {
		if _, ok := env.cache.Lookup(cache.Key{Name: "big.bin", Encoding: enc}, hash); ok {
			t.Errorf("oversized file was cached under encoding %s", enc)
		}
	}

	// The compressed streaming path also round-trips.
	req := httptest.NewRequest("GET", "/big.bin", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w = env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("gzip stream: status %d", w.Code)
	}
	r, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("response is not valid gzip: %v", err)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !bytes.Equal(decoded, content) {
		t.Errorf("gzip-streamed bytes do not match")
	}
}

// brokenStore fails every operation with a fixed error.
type brokenStore struct {
	err error
}

func (b *brokenStore) Exists(context.Context, string) (bool, error) { return false, b.err }
func (b *brokenStore) Stat(context.Context, string) (*store.Metadata, error) {
	return nil, b.err
}
func (b *brokenStore) Open(context.Context, string) (io.ReadCloser, *store.Metadata, error) {
	return nil, nil, b.err
}
func (b *brokenStore) Put(context.Context, string, string, io.Reader) (*store.Metadata, bool, error) {
	return nil, false, b.err
}
func (b *brokenStore) Delete(context.Context, string) error { return b.err }
func (b *brokenStore) Close() error                         { return nil }

func TestOriginFailureStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unavailable", errors.New("origin volume detached"), http.StatusBadGateway},
		{"timeout", fmt.Errorf("failed to stat: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&brokenStore{err: tt.err}, cache.New(cache.Options{MaxMemoryBytes: 1 << 20}),
				auth.NewHMAC([]byte(testSecret)), Options{CacheControlMaxAge: time.Hour})

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/a.txt", nil))
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestReadSurvivesBrokenDiskTier(t *testing.T) {
	local, err := store.OpenLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })

	diskDir := t.TempDir()
	disk, err := cache.OpenDisk(diskDir, 1<<20)
	if err != nil {
		t.Fatalf("failed to open disk tier: %v", err)
	}

	// Memory disabled: every cached entry lives on the disk tier only.
	tiers := cache.New(cache.Options{MaxMemoryBytes: 0, MaxEntryBytes: 64 * 1024, Disk: disk})
	h := New(local, tiers, auth.NewHMAC([]byte(testSecret)), Options{CacheControlMaxAge: time.Hour})

	content := []byte("served from origin when the cache breaks")
	if _, _, err := local.Put(context.Background(), "a.txt", "", bytes.NewReader(content)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/a.txt", nil))
		return w
	}

	if w := get(); w.Code != http.StatusOK {
		t.Fatalf("warmup GET: status %d", w.Code)
	}

	// Payload files vanish underneath the tier's index.
	bins, err := filepath.Glob(filepath.Join(diskDir, "*.bin"))
	if err != nil || len(bins) == 0 {
		t.Fatalf("expected spilled payload files, got %v (err %v)", bins, err)
	}
	for _, bin := range bins {
		if err := os.Remove(bin); err != nil {
			t.Fatalf("failed to remove %s: %v", bin, err)
		}
	}

	w := get()
	if w.Code != http.StatusOK {
		t.Fatalf("GET with broken disk tier: status %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), content) {
		t.Errorf("body does not match origin content")
	}
}

func TestGetMissing(t *testing.T) {
	env := newTestEnv(t, Options{})
	if w := env.do(httptest.NewRequest("GET", "/nope.txt", nil)); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestMalformedAcceptEncoding(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.upload(t, "a.txt", []byte("x"), "")

	req := httptest.NewRequest("GET", "/a.txt", nil)
	req.Header.Set("Accept-Encoding", "gzip;q=nope")
	if w := env.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHeadHasNoBody(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.upload(t, "a.txt", []byte("head test"), "")

	w := env.do(httptest.NewRequest("HEAD", "/a.txt", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD response has a body (%d bytes)", w.Body.Len())
	}
	if w.Header().Get("ETag") == "" {
		t.Errorf("HEAD response missing ETag")
	}
}

func TestDownloadQueryForcesAttachment(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.upload(t, "notes.txt", []byte("notes"), "text/plain")

	for _, target := range []string{"/notes.txt?download", "/notes.txt?dl=1", "/notes.txt?download=yes"} {
		w := env.do(httptest.NewRequest("GET", target, nil))
		if got := w.Header().Get("Content-Type"); got != "application/octet-stream" {
			t.Errorf("%s: Content-Type got %q", target, got)
		}
		if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="notes.txt"` {
			t.Errorf("%s: Content-Disposition got %q", target, got)
		}
	}

	// An explicit negative leaves the stored type alone.
	w := env.do(httptest.NewRequest("GET", "/notes.txt?download=no", nil))
	if got := w.Header().Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type got %q", got)
	}
}
