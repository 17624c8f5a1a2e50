package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/josssch/simple-file-server/internal/auth"
	"github.com/josssch/simple-file-server/internal/errutil"
)

// Mutations. Both paths share the same shape: authorize, mutate the
// origin, then synchronously invalidate every cached variant of the file
// before the response is written. A failed invalidation fails the
// request; a mutation is never acknowledged while cache consistency is
// in doubt.

type upsertResponse struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	ETag string `json:"etag"`
}

func (h *Handler) upsertFile(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.authorize(r); err != nil {
		h.writeError(w, r, err)
		return
	}

	body := r.Body
	if h.opts.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}

	meta, created, err := h.store.Put(r.Context(), name, r.Header.Get("Content-Type"), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.cache.Invalidate(name); err != nil {
		slog.Error("Failed to invalidate cache after upsert", "name", name, "error", err)
		http.Error(w, "Cache invalidation failed", http.StatusInternalServerError)
		return
	}

	h.setCORS(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", quoteETag(meta.Hash))
	if created {
		w.WriteHeader(http.StatusCreated)
	}
	errutil.LogMsg(json.NewEncoder(w).Encode(upsertResponse{
		Name: meta.Name,
		Size: meta.Size,
		ETag: meta.Hash,
	}), "Failed to write upsert response", "name", name)
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.authorize(r); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.store.Delete(r.Context(), name); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.cache.Invalidate(name); err != nil {
		slog.Error("Failed to invalidate cache after delete", "name", name, "error", err)
		http.Error(w, "Cache invalidation failed", http.StatusInternalServerError)
		return
	}

	h.setCORS(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorize(r *http.Request) error {
	token, err := auth.BearerToken(r)
	if err != nil {
		return err
	}
	claims, err := h.auth.Validate(token)
	if err != nil {
		return err
	}
	slog.Debug("Authorized mutation", "path", r.URL.Path, "permissions", claims.Permissions)
	return nil
}
