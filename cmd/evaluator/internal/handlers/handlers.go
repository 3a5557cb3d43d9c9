package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/evaluator/internal/services"
)

// Handlers holds all HTTP handlers for the evaluation service.
type Handlers struct {
	Evaluation *EvaluationHandler
	Cache      *CacheHandler
	SDK        *SDKConfigHandler
	Health     *HealthHandler
}

// New creates a new handlers collection.
func New(evaluation *services.EvaluationService, health *HealthHandler, logger zerolog.Logger) *Handlers {
	return &Handlers{
		Evaluation: NewEvaluationHandler(evaluation, logger),
		Cache:      NewCacheHandler(evaluation, logger),
		SDK:        NewSDKConfigHandler(evaluation, logger),
		Health:     health,
	}
}

func sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, map[string]string{"error": code, "message": message})
}
