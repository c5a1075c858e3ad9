package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"texture-cache/internal/imageurl"
	"texture-cache/internal/logging"
	"texture-cache/internal/texturecache"
	"texture-cache/internal/transform"
)

// Handlers bundles the HTTP endpoints of the texture cache service.
type Handlers struct {
	cache     *texturecache.Cache
	startTime time.Time
}

// New creates the handler set.
func New(cache *texturecache.Cache) *Handlers {
	return &Handlers{
		cache:     cache,
		startTime: time.Now(),
	}
}

// GetImage serves the cached derivative for ?url=<reference>, populating
// synchronously on a miss. A reference this cache cannot resolve is a
// 404; callers fall back to the original image themselves.
func (h *Handlers) GetImage(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("url")
	if reference == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	path := h.cache.ResolveCached(r.Context(), reference, true)
	if path == "" {
		var err error
		path, err = h.cache.PopulateSynchronously(r.Context(), reference)
		switch {
		case errors.Is(err, imageurl.ErrInvalidReference):
			http.Error(w, "invalid image reference", http.StatusBadRequest)
			return
		case errors.Is(err, imageurl.ErrUnresolvable),
			errors.Is(err, transform.ErrNotAnImage),
			errors.Is(err, transform.ErrUnsupportedSource):
			http.Error(w, "image not available", http.StatusNotFound)
			return
		case err != nil:
			logging.Error("population for %s failed: %v", reference, err)
			http.Error(w, "image not available", http.StatusInternalServerError)
			return
		}
	}
	// Pre-resolved references come back as the reference itself. Those
	// are never served from here: the caller already has the original,
	// and ServeFile must only ever see derivative paths below the cache
	// root, not caller-controlled strings.
	if path == "" || path == reference {
		http.Error(w, "image not available", http.StatusNotFound)
		return
	}

	http.ServeFile(w, r, path)
}

// InvalidateImage drops the cached derivative for ?url=<reference>.
func (h *Handlers) InvalidateImage(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("url")
	if reference == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	h.cache.Invalidate(r.Context(), reference, false)
	w.WriteHeader(http.StatusNoContent)
}

// PrecacheImage queues background population for ?url=<reference>.
func (h *Handlers) PrecacheImage(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("url")
	if reference == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	h.cache.BackgroundPopulate(reference)
	w.WriteHeader(http.StatusAccepted)
}

// CacheStats reports entry and in-flight counts.
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	entries, inFlight := h.cache.Stats(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"entries":  entries,
		"inFlight": inFlight,
		"uptime":   time.Since(h.startTime).String(),
	}); err != nil {
		logging.Warn("failed to encode stats response: %v", err)
	}
}

// Health is the liveness endpoint.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		logging.Warn("failed to encode health response: %v", err)
	}
}
