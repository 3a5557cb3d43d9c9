package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/evaluator/internal/services"
)

// MaxBatchSize bounds /evaluate/batch requests.
const MaxBatchSize = 50

// EvaluationHandler serves the evaluation endpoints.
type EvaluationHandler struct {
	evaluation *services.EvaluationService
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewEvaluationHandler creates an evaluation handler with the 5 s
// request-level service deadline.
func NewEvaluationHandler(evaluation *services.EvaluationService, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		evaluation: evaluation,
		timeout:    5 * time.Second,
		logger:     logger.With().Str("handler", "evaluation").Logger(),
	}
}

// Evaluate handles POST /evaluate. A well-formed body never yields a
// 5xx: faults degrade to the caller's default value with a reason.
func (h *EvaluationHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req services.EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload")
		return
	}
	if req.FlagKey == "" {
		sendError(w, http.StatusBadRequest, "invalid_request", "flag_key is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	result := h.evaluation.Evaluate(ctx, &req)
	if ctx.Err() == context.DeadlineExceeded {
		sendError(w, http.StatusRequestTimeout, "timeout", "Evaluation exceeded the service deadline")
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// EvaluateBatch handles POST /evaluate/batch. Requests are validated up
// front; an oversized or malformed batch is rejected with no partial
// evaluation side effects.
func (h *EvaluationHandler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []services.EvaluateRequest `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload")
		return
	}
	if len(body.Requests) == 0 {
		sendError(w, http.StatusBadRequest, "invalid_request", "requests must not be empty")
		return
	}
	if len(body.Requests) > MaxBatchSize {
		sendError(w, http.StatusBadRequest, "batch_too_large",
			fmt.Sprintf("Batch size %d exceeds the maximum of %d", len(body.Requests), MaxBatchSize))
		return
	}
	for i := range body.Requests {
		if body.Requests[i].FlagKey == "" {
			sendError(w, http.StatusBadRequest, "invalid_request",
				fmt.Sprintf("requests[%d].flag_key is required", i))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	results := h.evaluation.EvaluateBatch(ctx, body.Requests)
	if ctx.Err() == context.DeadlineExceeded {
		sendError(w, http.StatusRequestTimeout, "timeout", "Evaluation exceeded the service deadline")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Stats handles GET /stats.
func (h *EvaluationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	cached, total, err := h.evaluation.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to gather stats")
		sendError(w, http.StatusInternalServerError, "stats_failed", "Failed to gather stats")
		return
	}
	sendJSON(w, http.StatusOK, map[string]int{"cached_flags": cached, "total_flags": total})
}
