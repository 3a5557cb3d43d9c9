package server

import (
	"context"
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/control-plane/internal/handlers"
	"github.com/yidan233/FeatureFlow/cmd/control-plane/internal/services"
	"github.com/yidan233/FeatureFlow/pkg/auth"
	"github.com/yidan233/FeatureFlow/pkg/cache"
	"github.com/yidan233/FeatureFlow/pkg/config"
	"github.com/yidan233/FeatureFlow/pkg/metrics"
	"github.com/yidan233/FeatureFlow/pkg/store"
)

// Server wires the control plane's dependencies.
type Server struct {
	config *config.Config
	logger zerolog.Logger

	db    *pgxpool.Pool
	redis *redis.Client
	nats  *nats.Conn

	store       *store.Store
	configCache *cache.ConfigCache
	flags       *services.FlagService
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

	var fanout *cache.Fanout
	s.nats, err = cache.ConnectNATS(cfg, "control-plane", logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize NATS: %w", err)
	}
	fanout = cache.NewFanout(s.nats, logger)

	environments, err := s.store.ListEnvironments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load environments: %w", err)
	}

	evaluator := services.NewEvaluatorClient(cfg.Flags.EvaluatorURL, cfg.Auth.APIKey, logger)
	invalidator := services.NewCacheInvalidator(s.configCache, evaluator, fanout, logger)
	s.flags = services.NewFlagService(s.store, invalidator, environments, logger)

	system := handlers.NewSystemHandler(s.flags, s.store, s.configCache, logger)
	s.handlers = handlers.New(s.flags, system, logger)

	logger.Info().Strs("environments", environments).Msg("Control plane initialized")
	return s, nil
}

// SetupRoutes configures HTTP routes. Everything under /api requires the
// shared API key; health and the DB probe stay open for deploy tooling.
func (s *Server) SetupRoutes(r *chi.Mux) {
	r.Use(metrics.Middleware)

	r.Get("/health", s.handlers.System.Health)
	r.Get("/test-db", s.handlers.System.TestDB)

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.RequireAPIKey(s.config.Auth.APIKey, s.logger))

		api.Get("/flags", s.handlers.Flags.List)
		api.Post("/flags", s.handlers.Flags.Create)
		api.Get("/flags/{flagKey}", s.handlers.Flags.Get)
		api.Put("/flags/{flagKey}", s.handlers.Flags.Update)
		api.Delete("/flags/{flagKey}", s.handlers.Flags.Delete)

		api.Put("/flags/{flagKey}/environments/{env}", s.handlers.Flags.UpdateConfig)
		api.Patch("/flags/{flagKey}/environments/{env}/toggle", s.handlers.Flags.Toggle)
		api.Post("/flags/{flagKey}/kill-switch", s.handlers.Flags.KillSwitch)

		api.Get("/system/overview", s.handlers.System.Overview)
		api.Get("/cache/status", s.handlers.System.CacheStatus)
		api.Delete("/cache/flags/{flagKey}", s.handlers.System.CacheInvalidate)
	})
}

// Close tears down all server resources.
func (s *Server) Close() error {
	var errs []error
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
