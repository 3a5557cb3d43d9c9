package services

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/cache"
	"github.com/yidan233/FeatureFlow/pkg/engine"
	"github.com/yidan233/FeatureFlow/pkg/metrics"
	"github.com/yidan233/FeatureFlow/pkg/model"
	"github.com/yidan233/FeatureFlow/pkg/store"
)

// DefaultEnvironment is assumed when a request omits the environment.
const DefaultEnvironment = "production"

// FlagSource is the store surface the evaluation path needs.
type FlagSource interface {
	GetFlagConfig(ctx context.Context, flagKey, env string) (*model.FlagSnapshot, error)
	ListFlags(ctx context.Context, page, perPage int, activeOnly bool) ([]model.Flag, int, error)
}

// SnapshotCache is the config cache surface the evaluation path needs.
type SnapshotCache interface {
	Get(ctx context.Context, flagKey, env string) (*model.FlagSnapshot, error)
	Set(ctx context.Context, flagKey, env string, snap *model.FlagSnapshot) error
	Invalidate(ctx context.Context, flagKey, env string) error
	InvalidateFlag(ctx context.Context, flagKey string) (int, error)
	Keys(ctx context.Context) ([]string, error)
	Stats() cache.Stats
}

// EvaluationService orchestrates cache-miss, store read, cache fill and
// the rule engine. The evaluation path is degradation-first: every
// upstream fault resolves to the caller's default value with a
// diagnostic reason, never an error.
type EvaluationService struct {
	cache        SnapshotCache
	store        FlagSource
	engine       *engine.Engine
	environments []string
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewEvaluationService creates an evaluation service.
func NewEvaluationService(snapCache SnapshotCache, flagSource FlagSource, eng *engine.Engine, environments []string, pollInterval time.Duration, logger zerolog.Logger) *EvaluationService {
	return &EvaluationService{
		cache:        snapCache,
		store:        flagSource,
		engine:       eng,
		environments: environments,
		pollInterval: pollInterval,
		logger:       logger.With().Str("service", "evaluation").Logger(),
	}
}

// EvaluateRequest is one flag evaluation request.
type EvaluateRequest struct {
	FlagKey      string             `json:"flag_key"`
	UserContext  *model.UserContext `json:"user_context"`
	Environment  string             `json:"environment,omitempty"`
	DefaultValue any                `json:"default_value,omitempty"`
}

// EvaluateResult is the response shape for one evaluation.
type EvaluateResult struct {
	FlagKey    string       `json:"flag_key"`
	Value      any          `json:"value"`
	VariantKey string       `json:"variant_key,omitempty"`
	Reason     model.Reason `json:"reason"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Evaluate resolves one flag for a user context. It never returns an
// error: infrastructure faults degrade to the caller's default value.
func (s *EvaluationService) Evaluate(ctx context.Context, req *EvaluateRequest) *EvaluateResult {
	start := time.Now()
	env := req.Environment
	if env == "" {
		env = DefaultEnvironment
	}
	def := req.DefaultValue
	if def == nil {
		def = false
	}

	snap, err := s.cache.Get(ctx, req.FlagKey, env)
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Str("flag_key", req.FlagKey).Msg("Cache read failed, falling back to store")
		metrics.CacheMisses.Inc()
	case snap != nil:
		metrics.CacheHits.Inc()
	default:
		metrics.CacheMisses.Inc()
	}

	if snap == nil {
		snap, err = s.store.GetFlagConfig(ctx, req.FlagKey, env)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return s.finish(req.FlagKey, env, def, "", model.ReasonFlagNotFound, false, start)
			}
			s.logger.Error().Err(err).Str("flag_key", req.FlagKey).Str("environment", env).Msg("Store read failed")
			return s.finish(req.FlagKey, env, def, "", model.ReasonEvaluationError, false, start)
		}
		s.fillCache(req.FlagKey, env, snap)
	}

	if !validSnapshot(snap, env) {
		return s.finish(req.FlagKey, env, def, "", model.ReasonInvalidContext, false, start)
	}

	decision := s.engine.Evaluate(snap, req.UserContext, env)
	value := engine.Render(snap, decision, def)
	return s.finish(req.FlagKey, env, value, decision.Variant, decision.Reason, decision.Enabled, start)
}

// EvaluateBatch resolves each request independently; a failure in one
// element never affects the others.
func (s *EvaluationService) EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) []*EvaluateResult {
	results := make([]*EvaluateResult, len(reqs))
	for i := range reqs {
		results[i] = s.Evaluate(ctx, &reqs[i])
	}
	return results
}

// fillCache writes the snapshot back without blocking the request. Cache
// write failure is logged, not fatal.
func (s *EvaluationService) fillCache(flagKey, env string, snap *model.FlagSnapshot) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cache.Set(ctx, flagKey, env, snap); err != nil {
			s.logger.Warn().Err(err).Str("flag_key", flagKey).Str("environment", env).Msg("Cache fill failed")
		}
	}()
}

func (s *EvaluationService) finish(flagKey, env string, value any, variant string, reason model.Reason, enabled bool, start time.Time) *EvaluateResult {
	result := "disabled"
	if enabled {
		result = "enabled"
	}
	metrics.EvaluationsTotal.WithLabelValues(flagKey, env, result, string(reason)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	return &EvaluateResult{
		FlagKey:    flagKey,
		Value:      value,
		VariantKey: variant,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
}

func validSnapshot(snap *model.FlagSnapshot, env string) bool {
	if snap == nil || snap.Config.Environment != env {
		return false
	}
	return snap.Variants != nil && snap.Rules != nil
}

// KnownEnvironment reports whether env is one of the deploy-time
// environments.
func (s *EvaluationService) KnownEnvironment(env string) bool {
	for _, e := range s.environments {
		if e == env {
			return true
		}
	}
	return false
}

// SDKConfigResponse is the polling descriptor plus the full snapshot set
// for an environment, so SDKs can evaluate locally after one fetch.
type SDKConfigResponse struct {
	Environment    string                         `json:"environment"`
	PollIntervalMS int64                          `json:"poll_interval_ms"`
	ETag           string                         `json:"etag"`
	Flags          map[string]*model.FlagSnapshot `json:"flags"`
}

// SDKConfig assembles the snapshot set for an environment. The ETag is a
// digest of the serialized set, so it changes exactly when the content
// does.
func (s *EvaluationService) SDKConfig(ctx context.Context, env string) (*SDKConfigResponse, error) {
	flags := map[string]*model.FlagSnapshot{}
	for page := 1; ; page++ {
		batch, total, err := s.store.ListFlags(ctx, page, 100, true)
		if err != nil {
			return nil, fmt.Errorf("failed to list flags: %w", err)
		}
		for _, f := range batch {
			snap, err := s.store.GetFlagConfig(ctx, f.Key, env)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("failed to load snapshot for %s: %w", f.Key, err)
			}
			flags[f.Key] = snap
		}
		if len(flags) >= total || len(batch) == 0 {
			break
		}
	}

	payload, err := json.Marshal(flags)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)

	return &SDKConfigResponse{
		Environment:    env,
		PollIntervalMS: s.pollInterval.Milliseconds(),
		ETag:           fmt.Sprintf(`"%x"`, digest[:8]),
		Flags:          flags,
	}, nil
}

// CachedFlags lists the keys currently held by the distributed cache.
func (s *EvaluationService) CachedFlags(ctx context.Context) ([]string, error) {
	return s.cache.Keys(ctx)
}

// InvalidateCache drops one (flag, env) entry, or the whole flag when
// env is empty. Invoked by the control plane after mutations.
func (s *EvaluationService) InvalidateCache(ctx context.Context, flagKey, env string) error {
	if env == "" {
		_, err := s.cache.InvalidateFlag(ctx, flagKey)
		return err
	}
	return s.cache.Invalidate(ctx, flagKey, env)
}

// Stats reports cached and total flag counts.
func (s *EvaluationService) Stats(ctx context.Context) (cached int, total int, err error) {
	keys, err := s.cache.Keys(ctx)
	if err != nil {
		return 0, 0, err
	}
	_, total, err = s.store.ListFlags(ctx, 1, 1, true)
	if err != nil {
		return 0, 0, err
	}
	return len(keys), total, nil
}

// CacheStats exposes cache counters for diagnostics.
func (s *EvaluationService) CacheStats() cache.Stats {
	return s.cache.Stats()
}
