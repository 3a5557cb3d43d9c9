package server

import (
	"context"
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/evaluator/internal/handlers"
	"github.com/yidan233/FeatureFlow/cmd/evaluator/internal/services"
	"github.com/yidan233/FeatureFlow/pkg/auth"
	"github.com/yidan233/FeatureFlow/pkg/cache"
	"github.com/yidan233/FeatureFlow/pkg/config"
	"github.com/yidan233/FeatureFlow/pkg/engine"
	"github.com/yidan233/FeatureFlow/pkg/metrics"
	"github.com/yidan233/FeatureFlow/pkg/store"
)

// Server wires the evaluation service's dependencies. All handles are
// opened in New and torn down in Close; nothing relies on module-load
// side effects.
type Server struct {
	config *config.Config
	logger zerolog.Logger

	db    *pgxpool.Pool
	redis *redis.Client
	nats  *nats.Conn
	sub   *nats.Subscription

	store       *store.Store
	configCache *cache.ConfigCache
	evaluation  *services.EvaluationService
	handlers    *handlers.Handlers
}

// New creates a server instance and connects to the store, cache and
// invalidation fanout.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{config: cfg, logger: logger}

	var err error
	s.db, err = store.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.store = store.New(s.db, logger)

	s.redis, err = cache.ConnectRedis(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}
	s.configCache = cache.New(s.redis, cfg, logger)

	s.nats, err = cache.ConnectNATS(cfg, "evaluator", logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize NATS: %w", err)
	}
	fanout := cache.NewFanout(s.nats, logger)
	s.sub, err = fanout.Subscribe(s.configCache.DropLocal)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}

	environments, err := s.store.ListEnvironments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load environments: %w", err)
	}

	eng := engine.New(logger)
	s.evaluation = services.NewEvaluationService(
		s.configCache, s.store, eng, environments, cfg.Flags.SDKPollInterval, logger)

	health := handlers.NewHealthHandler("evaluation-service", s.store, s.configCache, logger)
	s.handlers = handlers.New(s.evaluation, health, logger)

	logger.Info().Strs("environments", environments).Msg("Evaluation service initialized")
	return s, nil
}

// SetupRoutes configures HTTP routes.
func (s *Server) SetupRoutes(r *chi.Mux) {
	r.Use(metrics.Middleware)

	r.Get("/health", s.handlers.Health.Get)
	r.Get("/stats", s.handlers.Evaluation.Stats)

	r.Post("/evaluate", s.handlers.Evaluation.Evaluate)
	r.Post("/evaluate/batch", s.handlers.Evaluation.EvaluateBatch)

	r.Get("/cache", s.handlers.Cache.List)
	// The invalidation hook mutates cache state, so it takes the shared
	// admin secret when one is configured.
	if key := s.config.Auth.APIKey; key != "" {
		r.With(auth.RequireAPIKey(key, s.logger)).Delete("/cache/{flagKey}", s.handlers.Cache.Invalidate)
	} else {
		r.Delete("/cache/{flagKey}", s.handlers.Cache.Invalidate)
	}

	r.Get("/sdk/config", s.handlers.SDK.Get)
}

// Close tears down all server resources.
func (s *Server) Close() error {
	var errs []error
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	s.logger.Info().Msg("Server resources closed")
	return nil
}
