package handlers

import (
	"net/http"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/logging"

	"github.com/gorilla/mux"
)

// GetCacheStats returns request counters and per-tier statistics
// @Summary Get cache statistics
// @Tags cache
// @Produce json
// @Success 200 {object} cache.Statistics
// @Router /api/cache/stats [get]
func (h *Handlers) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Statistics(r.Context()))
}

// ResetCacheStats zeroes the request counters
// @Summary Reset cache statistics
// @Tags cache
// @Success 204
// @Router /api/cache/stats/reset [post]
func (h *Handlers) ResetCacheStats(w http.ResponseWriter, r *http.Request) {
	h.cache.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

// GetCacheHealth round-trips a sentinel through each tier
// @Summary Check cache tier health
// @Tags cache
// @Produce json
// @Success 200 {object} cache.HealthReport
// @Failure 503 {object} cache.HealthReport "A configured tier failed"
// @Router /api/cache/health [get]
func (h *Handlers) GetCacheHealth(w http.ResponseWriter, r *http.Request) {
	report := h.cache.HealthCheck(r.Context())

	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, report)
}

// ClearCache empties every tier
// @Summary Clear the cache
// @Tags cache
// @Produce json
// @Success 200 {object} map[string]int
// @Router /api/cache [delete]
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	removed := h.cache.Clear(r.Context())

	h.logger.WithContext(r.Context()).Info("Cache cleared via API", logging.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// DeleteKey removes one key from every tier
// @Summary Delete a cache key
// @Tags cache
// @Param key path string true "Cache key"
// @Success 204
// @Failure 404 {object} errorResponse
// @Router /api/cache/keys/{key} [delete]
func (h *Handlers) DeleteKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if !h.cache.Delete(r.Context(), key) {
		h.writeError(w, r, errors.NotFoundError("cache key"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// InvalidateTag removes every entry carrying the tag
// @Summary Invalidate a tag
// @Tags cache
// @Param tag path string true "Tag, e.g. symbol:AAPL"
// @Produce json
// @Success 200 {object} map[string]int
// @Router /api/cache/tags/{tag} [delete]
func (h *Handlers) InvalidateTag(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]

	removed := h.cache.InvalidateByTag(r.Context(), tag)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tag": tag, "removed": removed})
}

// GetBreakers lists every circuit breaker and its state
func (h *Handlers) GetBreakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, h.breakers.AllStats())
}
