package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/evaluator/internal/services"
)

// SDKConfigHandler serves the ETag-conditional SDK polling endpoint.
type SDKConfigHandler struct {
	evaluation *services.EvaluationService
	logger     zerolog.Logger
}

// NewSDKConfigHandler creates an SDK config handler.
func NewSDKConfigHandler(evaluation *services.EvaluationService, logger zerolog.Logger) *SDKConfigHandler {
	return &SDKConfigHandler{
		evaluation: evaluation,
		logger:     logger.With().Str("handler", "sdk_config").Logger(),
	}
}

// Get handles GET /sdk/config?environment=. The response carries the
// full snapshot set plus the polling descriptor; a matching
// If-None-Match returns 304 with no body.
func (h *SDKConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	env := r.URL.Query().Get("environment")
	if env == "" {
		env = services.DefaultEnvironment
	}
	if !h.evaluation.KnownEnvironment(env) {
		sendError(w, http.StatusBadRequest, "unknown_environment", "Unknown environment: "+env)
		return
	}

	cfg, err := h.evaluation.SDKConfig(r.Context(), env)
	if err != nil {
		h.logger.Error().Err(err).Str("environment", env).Msg("Failed to assemble SDK config")
		sendError(w, http.StatusServiceUnavailable, "config_unavailable", "Failed to assemble SDK config")
		return
	}

	w.Header().Set("ETag", cfg.ETag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == cfg.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	sendJSON(w, http.StatusOK, cfg)
}
