package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/control-plane/internal/services"
	"github.com/yidan233/FeatureFlow/pkg/model"
	"github.com/yidan233/FeatureFlow/pkg/store"
)

var flagKeyPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// FlagHandler serves the flag management API.
type FlagHandler struct {
	flags  *services.FlagService
	logger zerolog.Logger
}

// NewFlagHandler creates a flag handler.
func NewFlagHandler(flags *services.FlagService, logger zerolog.Logger) *FlagHandler {
	return &FlagHandler{
		flags:  flags,
		logger: logger.With().Str("handler", "flags").Logger(),
	}
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

// List handles GET /api/flags.
func (h *FlagHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	activeOnly := q.Get("active_only") == "true"

	flags, total, err := h.flags.List(r.Context(), page, perPage, activeOnly)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list flags")
		sendStoreError(w, err)
		return
	}
	if flags == nil {
		flags = []model.Flag{}
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"flags":    flags,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// Create handles POST /api/flags.
func (h *FlagHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req store.CreateFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if !flagKeyPattern.MatchString(req.Key) || len(req.Key) > 100 {
		sendError(w, http.StatusBadRequest, "invalid_key", "Flag key must match [a-z0-9_]+")
		return
	}
	if req.Name == "" {
		sendError(w, http.StatusBadRequest, "invalid_request", "Flag name is required")
		return
	}
	if req.Type == "" {
		req.Type = model.FlagTypeBoolean
	}
	if !model.ValidFlagType(req.Type) {
		sendError(w, http.StatusBadRequest, "invalid_type", "Flag type must be boolean, string, number or json")
		return
	}
	for _, v := range req.Variants {
		if v.Key == "" || v.Weight < 0 || v.Weight > 100 {
			sendError(w, http.StatusBadRequest, "invalid_variant", "Variant keys are required and weights must be 0-100")
			return
		}
	}

	flag, err := h.flags.Create(r.Context(), &req, actor(r))
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusCreated, flag)
}

// Get handles GET /api/flags/{flagKey}: the flag plus its snapshot per
// environment.
func (h *FlagHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.flags.GetDetail(r.Context(), chi.URLParam(r, "flagKey"))
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, detail)
}

// Update handles PUT /api/flags/{flagKey} (metadata only).
func (h *FlagHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Name == "" {
		sendError(w, http.StatusBadRequest, "invalid_request", "Flag name is required")
		return
	}

	flag, err := h.flags.Update(r.Context(), chi.URLParam(r, "flagKey"), req.Name, req.Description, actor(r))
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, flag)
}

// Delete handles DELETE /api/flags/{flagKey}.
func (h *FlagHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "flagKey")
	if err := h.flags.Delete(r.Context(), key, actor(r)); err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "deleted", "flag_key": key})
}

type updateConfigRequest struct {
	Enabled           *bool           `json:"enabled"`
	DefaultVariant    *string         `json:"default_variant"`
	RolloutPercentage *int            `json:"rollout_percentage"`
	Config            json.RawMessage `json:"config"`
	Rules             *[]model.Rule   `json:"rules"`
}

// UpdateConfig handles PUT /api/flags/{flagKey}/environments/{env}. A
// rules field, even an empty one, replaces the rule set wholesale.
func (h *FlagHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req updateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	patch := &store.ConfigPatch{
		Enabled:           req.Enabled,
		DefaultVariant:    req.DefaultVariant,
		RolloutPercentage: req.RolloutPercentage,
		Config:            req.Config,
	}
	if req.Rules != nil {
		for i := range *req.Rules {
			rule := &(*req.Rules)[i]
			if !model.ValidRuleType(rule.Type) {
				sendError(w, http.StatusBadRequest, "invalid_rule",
					"Rule type must be percentage, attribute, user_id or segment")
				return
			}
			// Attribute rules need an operator; other rule types may
			// omit it but must not carry an unknown one.
			if rule.Type == model.RuleTypeAttribute || rule.Operator != "" {
				if !model.ValidOperator(rule.Operator) {
					sendError(w, http.StatusBadRequest, "invalid_rule",
						"Rule operator is not one of the supported comparisons")
					return
				}
			}
		}
		patch.SetRules(*req.Rules)
	}

	cfg, err := h.flags.UpdateConfig(r.Context(),
		chi.URLParam(r, "flagKey"), chi.URLParam(r, "env"), patch, actor(r))
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, cfg)
}

// Toggle handles PATCH /api/flags/{flagKey}/environments/{env}/toggle.
func (h *FlagHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Body must carry a boolean enabled field")
		return
	}

	cfg, err := h.flags.Toggle(r.Context(),
		chi.URLParam(r, "flagKey"), chi.URLParam(r, "env"), *req.Enabled, actor(r))
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, cfg)
}

// KillSwitch handles POST /api/flags/{flagKey}/kill-switch.
func (h *FlagHandler) KillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	key := chi.URLParam(r, "flagKey")
	envs, err := h.flags.KillSwitch(r.Context(), key, actor(r), req.Reason)
	if err != nil {
		sendStoreError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"status":       "killed",
		"flag_key":     key,
		"environments": envs,
	})
}
