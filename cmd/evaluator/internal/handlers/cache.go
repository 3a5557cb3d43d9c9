package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/evaluator/internal/services"
)

// CacheHandler serves the cache diagnostic and invalidation endpoints.
type CacheHandler struct {
	evaluation *services.EvaluationService
	logger     zerolog.Logger
}

// NewCacheHandler creates a cache handler.
func NewCacheHandler(evaluation *services.EvaluationService, logger zerolog.Logger) *CacheHandler {
	return &CacheHandler{
		evaluation: evaluation,
		logger:     logger.With().Str("handler", "cache").Logger(),
	}
}

// List handles GET /cache.
func (h *CacheHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.evaluation.CachedFlags(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list cached flags")
		sendError(w, http.StatusInternalServerError, "cache_unavailable", "Failed to list cached flags")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"cached_flags": keys,
		"stats":        h.evaluation.CacheStats(),
	})
}

// Invalidate handles DELETE /cache/{flagKey}?environment=. Without an
// environment it drops every environment's entry for the flag. The
// control plane calls this after each mutation commits.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	flagKey := chi.URLParam(r, "flagKey")
	if flagKey == "" {
		sendError(w, http.StatusBadRequest, "invalid_request", "Flag key is required")
		return
	}
	env := r.URL.Query().Get("environment")

	if err := h.evaluation.InvalidateCache(r.Context(), flagKey, env); err != nil {
		h.logger.Error().Err(err).Str("flag_key", flagKey).Msg("Cache invalidation failed")
		sendError(w, http.StatusInternalServerError, "invalidation_failed", "Cache invalidation failed")
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "flag_key": flagKey})
}
