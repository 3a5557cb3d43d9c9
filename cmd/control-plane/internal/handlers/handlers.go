package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/control-plane/internal/services"
	"github.com/yidan233/FeatureFlow/pkg/store"
)

// Handlers holds all HTTP handlers for the control plane.
type Handlers struct {
	Flags  *FlagHandler
	System *SystemHandler
}

// New creates a new handlers collection.
func New(flags *services.FlagService, system *SystemHandler, logger zerolog.Logger) *Handlers {
	return &Handlers{
		Flags:  NewFlagHandler(flags, logger),
		System: system,
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

// sendStoreError maps store and invalidation errors onto status codes.
func sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendError(w, http.StatusNotFound, "not_found", "Flag not found")
	case errors.Is(err, store.ErrConflict):
		sendError(w, http.StatusConflict, "conflict", "Flag key already exists")
	case errors.Is(err, store.ErrInvalidInput):
		sendError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, services.ErrInvalidationFailed):
		sendError(w, http.StatusInternalServerError, "invalidation_failed",
			"Change saved but cache invalidation failed; retry the request")
	default:
		sendError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}
