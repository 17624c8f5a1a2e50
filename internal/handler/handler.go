package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/josssch/simple-file-server/internal/auth"
	"github.com/josssch/simple-file-server/internal/cache"
	"github.com/josssch/simple-file-server/internal/store"
	"github.com/josssch/simple-file-server/internal/variant"
)

// Handler serves files by name with tiered delivery:
//
//  1. Conditional check: a matching If-None-Match short-circuits to 304.
//  2. Encoding negotiation against {identity, gzip, br}.
//  3. Singleflight per (file, encoding): concurrent misses collapse into
//     one origin fetch and at most one compression run.
//  4. Cache tiers (memory, then disk), verified against the file's
//     current content hash.
//  5. Origin fetch on miss; the result and any compressed variant are
//     cached for the next reader.
//
// Files too large for the cache stream straight from the origin through
// a fixed-size buffer, compressing on the fly if negotiated. Mutations
// (POST/DELETE, see api.go) invalidate every cached variant before they
// are acknowledged.
type Handler struct {
	store   store.Store
	cache   *cache.Cache
	auth    auth.Validator
	opts    Options
	flights singleflight.Group
}

// Options is the handler's delivery policy.
type Options struct {
	// CacheControlMaxAge is the max-age advertised to downstream caches.
	CacheControlMaxAge time.Duration
	// AllowedOrigins configures CORS; "*" allows any origin.
	AllowedOrigins []string
	// MaxUploadBytes bounds POST bodies. Zero means unlimited.
	MaxUploadBytes int64
	// OriginTimeout bounds each origin operation. Zero means no deadline.
	OriginTimeout time.Duration
	// StreamBufferSize is the chunk size for the large-file path.
	// Defaults to 32 KiB.
	StreamBufferSize int
}

func New(st store.Store, ca *cache.Cache, av auth.Validator, opts Options) *Handler {
	if opts.StreamBufferSize <= 0 {
		opts.StreamBufferSize = 32 * 1024
	}
	return &Handler{store: st, cache: ca, auth: av, opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(r.URL.Path, "/")

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.serveFile(w, r, name)
	case http.MethodPost, http.MethodPut:
		h.upsertFile(w, r, name)
	case http.MethodDelete:
		h.deleteFile(w, r, name)
	case http.MethodOptions:
		h.preflight(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()

	meta, err := h.statOrigin(ctx, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setCORS(w, r)

	if etagMatches(r.Header.Get("If-None-Match"), meta.Hash) {
		w.Header().Set("ETag", quoteETag(meta.Hash))
		w.WriteHeader(http.StatusNotModified)
		return
	}

	encodings, err := variant.Negotiate(r.Header.Get("Accept-Encoding"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// A client that rules out every encoding still gets the bytes; a read
	// never fails over representation alone.
	encoding := variant.Identity
	if len(encodings) > 0 {
		encoding = encodings[0]
	}

	// Payloads over the cache's per-entry ceiling bypass the cache and
	// stream under a fixed-size buffer.
	if meta.Size > h.cache.MaxEntryBytes() {
		h.streamFromOrigin(w, r, meta, encoding)
		return
	}

	entry, err := h.loadVariant(ctx, meta, encoding)
	if err != nil {
		var cf *compressionFailure
		if errors.As(err, &cf) {
			// Degrade to identity; the client asked for compression, not
			// for failure.
			slog.Warn("Compression failed, serving identity", "name", name, "encoding", encoding, "error", cf.err)
			entry, err = h.loadVariant(ctx, meta, variant.Identity)
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	h.setContentHeaders(w, r, meta, entry.Key.Encoding)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(entry.Payload)))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(entry.Payload); err != nil {
		slog.Debug("Client went away mid-response", "name", name, "error", err)
	}
}

// loadVariant returns the cached entry for (file, encoding), computing
// and caching it on miss. All concurrent misses for the same key share
// one execution; late joiners stop waiting when their own context ends,
// but the shared work keeps running for whoever remains.
func (h *Handler) loadVariant(ctx context.Context, meta *store.Metadata, encoding string) (*cache.Entry, error) {
	key := cache.Key{Name: meta.Name, Encoding: encoding}

	if entry, ok := h.cache.Lookup(key, meta.Hash); ok {
		return entry, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := h.flights.DoChan(key.ID(), func() (any, error) {
		return h.computeVariant(detached, key, meta)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// compressionFailure marks a recoverable codec error: callers fall back
// to the identity encoding instead of failing the request.
type compressionFailure struct {
	err error
}

func (e *compressionFailure) Error() string { return e.err.Error() }
func (e *compressionFailure) Unwrap() error { return e.err }

func (h *Handler) computeVariant(ctx context.Context, key cache.Key, meta *store.Metadata) (*cache.Entry, error) {
	// Double check under the flight: a waiter may have stored the entry
	// between our miss and this execution.
	if entry, ok := h.cache.Lookup(key, meta.Hash); ok {
		return entry, nil
	}

	identityKey := cache.Key{Name: key.Name, Encoding: variant.Identity}

	// The identity payload is the compression input; reuse a cached one
	// before going back to the origin.
	var identity *cache.Entry
	if key.Encoding != variant.Identity {
		if entry, ok := h.cache.Lookup(identityKey, meta.Hash); ok {
			identity = entry
		}
	}

	if identity == nil {
		payload, hash, err := h.readOrigin(ctx, key.Name)
		if err != nil {
			return nil, err
		}
		identity = &cache.Entry{Key: identityKey, Payload: payload, Hash: hash, StoredAt: time.Now()}
		if err := h.cache.Store(identityKey, payload, hash); err != nil && !errors.Is(err, cache.ErrTooLarge) {
			slog.Warn("Failed to cache identity payload", "name", key.Name, "error", err)
		}
	}

	if key.Encoding == variant.Identity {
		return identity, nil
	}

	// The identity hash is known by now, so the variant can never be
	// computed from stale content.
	compressed, err := variant.Encode(key.Encoding, identity.Payload)
	if err != nil {
		return nil, &compressionFailure{err: err}
	}

	entry := &cache.Entry{Key: key, Payload: compressed, Hash: identity.Hash, StoredAt: time.Now()}
	if err := h.cache.Store(key, compressed, identity.Hash); err != nil && !errors.Is(err, cache.ErrTooLarge) {
		slog.Warn("Failed to cache variant", "name", key.Name, "encoding", key.Encoding, "error", err)
	}
	return entry, nil
}

// readOrigin reads the full identity payload for a cacheable file and
// returns it with its current content hash.
func (h *Handler) readOrigin(ctx context.Context, name string) ([]byte, string, error) {
	ctx, cancel := h.originContext(ctx)
	defer cancel()

	rc, meta, err := h.store.Open(ctx, name)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rc.Close() }()

	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read origin content: %w", err)
	}
	return payload, meta.Hash, nil
}

// streamFromOrigin serves a file too large to cache: bounded-buffer copy
// from the origin, compressing on the fly when negotiated. Nothing is
// buffered beyond the chunk size and nothing is committed to the cache.
func (h *Handler) streamFromOrigin(w http.ResponseWriter, r *http.Request, meta *store.Metadata, encoding string) {
	ctx, cancel := h.originContext(r.Context())
	defer cancel()

	rc, meta, err := h.store.Open(ctx, meta.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	out, err := variant.NewWriter(encoding, w)
	if err != nil {
		// No codec for the negotiated encoding; identity always works.
		encoding = variant.Identity
		out, _ = variant.NewWriter(variant.Identity, w)
	}

	h.setContentHeaders(w, r, meta, encoding)
	if encoding == variant.Identity {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", meta.Size))
	}
	if r.Method == http.MethodHead {
		return
	}

	buf := make([]byte, h.opts.StreamBufferSize)
	if _, err := io.CopyBuffer(out, &contextReader{ctx: r.Context(), r: rc}, buf); err != nil {
		// Headers are gone; all we can do is stop promptly.
		slog.Debug("Streaming aborted", "name", meta.Name, "error", err)
		return
	}
	if err := out.Close(); err != nil {
		slog.Debug("Failed to flush stream", "name", meta.Name, "error", err)
	}
}

// contextReader stops a long copy promptly once the request is gone.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (h *Handler) statOrigin(ctx context.Context, name string) (*store.Metadata, error) {
	ctx, cancel := h.originContext(ctx)
	defer cancel()
	return h.store.Stat(ctx, name)
}

func (h *Handler) originContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.opts.OriginTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.opts.OriginTimeout)
}

func (h *Handler) setContentHeaders(w http.ResponseWriter, r *http.Request, meta *store.Metadata, encoding string) {
	headers := w.Header()
	headers.Set("ETag", quoteETag(meta.Hash))
	headers.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.opts.CacheControlMaxAge.Seconds())))
	headers.Set("Last-Modified", meta.ModTime.UTC().Format(http.TimeFormat))
	headers.Add("Vary", "Accept-Encoding")
	if encoding != variant.Identity {
		headers.Set("Content-Encoding", encoding)
	}

	if wantsDownload(r) {
		headers.Set("Content-Type", "application/octet-stream")
		headers.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(meta.Name)))
	} else {
		headers.Set("Content-Type", meta.ContentType)
	}
}

// wantsDownload checks the ?download (alias ?dl) query parameter; bare
// presence counts as true.
func wantsDownload(r *http.Request) bool {
	query := r.URL.Query()
	for _, param := range []string{"download", "dl"} {
		values, ok := query[param]
		if !ok {
			continue
		}
		value := ""
		if len(values) > 0 {
			value = strings.ToLower(values[0])
		}
		switch value {
		case "", "y", "yes", "t", "true", "1":
			return true
		}
	}
	return false
}

func quoteETag(hash string) string {
	return `"` + hash + `"`
}

// etagMatches implements the If-None-Match comparison against the file's
// current content hash, tolerating quotes, weak validators and lists.
func etagMatches(header, hash string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == hash {
			return true
		}
	}
	return false
}

func (h *Handler) setCORS(w http.ResponseWriter, r *http.Request) {
	if len(h.opts.AllowedOrigins) == 0 {
		return
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			return
		}
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			return
		}
	}
}

func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) {
	h.setCORS(w, r)
	headers := w.Header()
	headers.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
	headers.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-None-Match")
	headers.Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps the error taxonomy onto HTTP statuses. Anything not
// recognized is an unavailable origin: cache problems never reach here,
// and reads only fail on origin failure.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.setCORS(w, r)

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "File does not exist", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidName):
		http.Error(w, "Invalid file name", http.StatusBadRequest)
	case errors.Is(err, variant.ErrMalformedHeader):
		http.Error(w, "Malformed Accept-Encoding header", http.StatusBadRequest)
	case errors.Is(err, auth.ErrMissingToken):
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "Authorization required", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrInvalidToken):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.As(err, &maxBytesErr):
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, context.DeadlineExceeded):
		slog.Error("Origin timed out", "path", r.URL.Path, "error", err)
		http.Error(w, "Origin timeout", http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled):
		// Client is gone; nothing left to write.
	default:
		slog.Error("Origin failure", "path", r.URL.Path, "error", err)
		http.Error(w, "Origin unavailable", http.StatusBadGateway)
	}
}
