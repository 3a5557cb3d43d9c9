package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/control-plane/internal/services"
	"github.com/yidan233/FeatureFlow/pkg/cache"
)

// CacheInspector exposes read-only cache state for operators.
type CacheInspector interface {
	Keys(ctx context.Context) ([]string, error)
	Stats() cache.Stats
	Ping(ctx context.Context) error
}

// Pinger verifies connectivity to one upstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler serves operational endpoints: health, system overview
// and cache inspection.
type SystemHandler struct {
	flags  *services.FlagService
	store  Pinger
	cache  CacheInspector
	logger zerolog.Logger
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(flags *services.FlagService, store Pinger, cacheInsp CacheInspector, logger zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		flags:  flags,
		store:  store,
		cache:  cacheInsp,
		logger: logger.With().Str("handler", "system").Logger(),
	}
}

// Health handles GET /health.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := map[string]string{"database": "connected", "cache": "connected"}
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Database health check failed")
		deps["database"] = "disconnected"
		status = http.StatusServiceUnavailable
	}
	if err := h.cache.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Redis health check failed")
		deps["cache"] = "disconnected"
		status = http.StatusServiceUnavailable
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	sendJSON(w, status, map[string]any{
		"status":    state,
		"service":   "control-plane",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  deps,
	})
}

// TestDB handles GET /test-db: a connectivity probe kept outside auth so
// deploy tooling can use it.
func (h *SystemHandler) TestDB(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		sendJSON(w, http.StatusServiceUnavailable, map[string]string{"database": "disconnected", "error": err.Error()})
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"database": "connected"})
}

// Overview handles GET /api/system/overview.
func (h *SystemHandler) Overview(w http.ResponseWriter, r *http.Request) {
	_, total, err := h.flags.List(r.Context(), 1, 1, false)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	_, active, err := h.flags.List(r.Context(), 1, 1, true)
	if err != nil {
		sendStoreError(w, err)
		return
	}

	stats := h.cache.Stats()
	sendJSON(w, http.StatusOK, map[string]any{
		"flags": map[string]int{
			"total":  total,
			"active": active,
		},
		"environments": h.flags.Environments(),
		"cache": map[string]any{
			"hits":   stats.Hits,
			"misses": stats.Misses,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// CacheStatus handles GET /api/cache/status.
func (h *SystemHandler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	keys, err := h.cache.Keys(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to scan cache keys")
		sendError(w, http.StatusInternalServerError, "cache_error", "Failed to inspect cache")
		return
	}
	if keys == nil {
		keys = []string{}
	}
	stats := h.cache.Stats()
	sendJSON(w, http.StatusOK, map[string]any{
		"cached_entries": len(keys),
		"keys":           keys,
		"stats": map[string]any{
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"evictions": stats.Evictions,
		},
	})
}

// CacheInvalidate handles DELETE /api/cache/flags/{flagKey}.
func (h *SystemHandler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "flagKey")
	if err := h.flags.InvalidateCache(r.Context(), key); err != nil {
		h.logger.Error().Err(err).Str("flag_key", key).Msg("Manual invalidation failed")
		sendError(w, http.StatusInternalServerError, "invalidation_failed", "Failed to invalidate cache")
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "flag_key": key})
}
