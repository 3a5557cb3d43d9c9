package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/metrics"
	"github.com/yidan233/FeatureFlow/pkg/model"
	"github.com/yidan233/FeatureFlow/pkg/store"
)

// ErrInvalidationFailed marks a mutation whose store transaction
// committed but whose cache invalidation did not. The caller must treat
// the mutation as failed and retry it; the write itself is idempotent.
var ErrInvalidationFailed = errors.New("cache invalidation failed")

// FlagStore is the store surface the flag service needs.
type FlagStore interface {
	CreateFlag(ctx context.Context, req *store.CreateFlagRequest, actor string) (*model.Flag, error)
	GetFlag(ctx context.Context, key string) (*model.Flag, error)
	ListFlags(ctx context.Context, page, perPage int, activeOnly bool) ([]model.Flag, int, error)
	GetFlagConfig(ctx context.Context, flagKey, env string) (*model.FlagSnapshot, error)
	UpdateFlag(ctx context.Context, key, name, description, actor string) (*model.Flag, error)
	UpdateFlagConfig(ctx context.Context, flagKey, env string, patch *store.ConfigPatch, actor string) (*model.FlagConfig, error)
	ToggleFlag(ctx context.Context, flagKey, env string, enabled bool, actor string) (*model.FlagConfig, error)
	DeleteFlag(ctx context.Context, key, actor string) error
	KillFlag(ctx context.Context, key, actor, reason string) ([]string, error)
}

// FlagService implements control plane mutations. Every mutation runs
// store commit first, then synchronous cache invalidation, then the
// response; the ordering is what keeps evaluators from serving stale
// config after the caller has seen a success.
type FlagService struct {
	store        FlagStore
	invalidator  Invalidator
	environments []string
	logger       zerolog.Logger
}

// NewFlagService creates the flag service.
func NewFlagService(flagStore FlagStore, invalidator Invalidator, environments []string, logger zerolog.Logger) *FlagService {
	return &FlagService{
		store:        flagStore,
		invalidator:  invalidator,
		environments: environments,
		logger:       logger.With().Str("service", "flags").Logger(),
	}
}

// Environments returns the known environment keys.
func (s *FlagService) Environments() []string { return s.environments }

// KnownEnvironment reports whether env is configured.
func (s *FlagService) KnownEnvironment(env string) bool {
	for _, e := range s.environments {
		if e == env {
			return true
		}
	}
	return false
}

// Create creates a flag with a disabled config in every environment.
func (s *FlagService) Create(ctx context.Context, req *store.CreateFlagRequest, actor string) (*model.Flag, error) {
	flag, err := s.store.CreateFlag(ctx, req, actor)
	if err != nil {
		return nil, err
	}
	if err := s.invalidateFlag(ctx, flag.Key); err != nil {
		return nil, err
	}
	metrics.ConfigChanges.WithLabelValues("create").Inc()
	return flag, nil
}

// Get returns a flag by key.
func (s *FlagService) Get(ctx context.Context, key string) (*model.Flag, error) {
	return s.store.GetFlag(ctx, key)
}

// FlagDetail is a flag together with its per-environment snapshots.
type FlagDetail struct {
	Flag         model.Flag                     `json:"flag"`
	Environments map[string]*model.FlagSnapshot `json:"environments"`
}

// GetDetail returns a flag and its snapshot in every environment.
func (s *FlagService) GetDetail(ctx context.Context, key string) (*FlagDetail, error) {
	flag, err := s.store.GetFlag(ctx, key)
	if err != nil {
		return nil, err
	}
	detail := &FlagDetail{Flag: *flag, Environments: make(map[string]*model.FlagSnapshot, len(s.environments))}
	for _, env := range s.environments {
		snap, err := s.store.GetFlagConfig(ctx, key, env)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		detail.Environments[env] = snap
	}
	return detail, nil
}

// List returns a page of flags plus the total count.
func (s *FlagService) List(ctx context.Context, page, perPage int, activeOnly bool) ([]model.Flag, int, error) {
	return s.store.ListFlags(ctx, page, perPage, activeOnly)
}

// Update updates flag metadata.
func (s *FlagService) Update(ctx context.Context, key, name, description, actor string) (*model.Flag, error) {
	flag, err := s.store.UpdateFlag(ctx, key, name, description, actor)
	if err != nil {
		return nil, err
	}
	if err := s.invalidateFlag(ctx, key); err != nil {
		return nil, err
	}
	metrics.ConfigChanges.WithLabelValues("update").Inc()
	return flag, nil
}

// UpdateConfig applies a partial config update to one (flag, env).
func (s *FlagService) UpdateConfig(ctx context.Context, flagKey, env string, patch *store.ConfigPatch, actor string) (*model.FlagConfig, error) {
	if !s.KnownEnvironment(env) {
		return nil, fmt.Errorf("%w: unknown environment %q", store.ErrInvalidInput, env)
	}
	cfg, err := s.store.UpdateFlagConfig(ctx, flagKey, env, patch, actor)
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, flagKey, env); err != nil {
		return nil, err
	}
	metrics.ConfigChanges.WithLabelValues("update_config").Inc()
	return cfg, nil
}

// Toggle flips the enabled bit for one (flag, env).
func (s *FlagService) Toggle(ctx context.Context, flagKey, env string, enabled bool, actor string) (*model.FlagConfig, error) {
	if !s.KnownEnvironment(env) {
		return nil, fmt.Errorf("%w: unknown environment %q", store.ErrInvalidInput, env)
	}
	cfg, err := s.store.ToggleFlag(ctx, flagKey, env, enabled, actor)
	if err != nil {
		return nil, err
	}
	if err := s.invalidate(ctx, flagKey, env); err != nil {
		return nil, err
	}
	metrics.ConfigChanges.WithLabelValues("toggle").Inc()
	return cfg, nil
}

// Delete soft-deletes a flag and drops every cached snapshot for it.
func (s *FlagService) Delete(ctx context.Context, key, actor string) error {
	if err := s.store.DeleteFlag(ctx, key, actor); err != nil {
		return err
	}
	if err := s.invalidateFlag(ctx, key); err != nil {
		return err
	}
	metrics.ConfigChanges.WithLabelValues("delete").Inc()
	return nil
}

// KillSwitch disables a flag in every environment at once. The
// transaction covers all environments, so a reader never observes the
// flag half-killed.
func (s *FlagService) KillSwitch(ctx context.Context, key, actor, reason string) ([]string, error) {
	envs, err := s.store.KillFlag(ctx, key, actor, reason)
	if err != nil {
		return nil, err
	}
	if err := s.invalidateFlag(ctx, key); err != nil {
		return nil, err
	}
	metrics.KillSwitchActivations.Inc()
	metrics.ConfigChanges.WithLabelValues("kill_switch").Inc()
	return envs, nil
}

// InvalidateCache drops every cached snapshot for a flag without
// touching the store.
func (s *FlagService) InvalidateCache(ctx context.Context, flagKey string) error {
	return s.invalidator.InvalidateFlag(ctx, flagKey)
}

func (s *FlagService) invalidate(ctx context.Context, flagKey, env string) error {
	if err := s.invalidator.Invalidate(ctx, flagKey, env); err != nil {
		s.logger.Error().Err(err).Str("flag_key", flagKey).Str("environment", env).Msg("Post-commit invalidation failed")
		return fmt.Errorf("%w: %v", ErrInvalidationFailed, err)
	}
	return nil
}

func (s *FlagService) invalidateFlag(ctx context.Context, flagKey string) error {
	if err := s.invalidator.InvalidateFlag(ctx, flagKey); err != nil {
		s.logger.Error().Err(err).Str("flag_key", flagKey).Msg("Post-commit invalidation failed")
		return fmt.Errorf("%w: %v", ErrInvalidationFailed, err)
	}
	return nil
}
