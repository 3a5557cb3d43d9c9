package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Pinger verifies connectivity to one upstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports process and dependency health.
type HealthHandler struct {
	service string
	store   Pinger
	cache   Pinger
	logger  zerolog.Logger
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(service string, store, cache Pinger, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		store:   store,
		cache:   cache,
		logger:  logger.With().Str("handler", "health").Logger(),
	}
}

// Get handles GET /health: 200 when the store is reachable, 503
// otherwise. A cache fault alone degrades freshness but the evaluation
// path still works off the store, so it is reported without failing the
// check.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := map[string]string{"database": "connected", "cache": "connected"}

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Database health check failed")
		deps["database"] = "disconnected"
		status = http.StatusServiceUnavailable
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			deps["cache"] = "disconnected"
		}
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	sendJSON(w, status, map[string]any{
		"status":    state,
		"service":   h.service,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  deps,
	})
}
