package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/cmd/control-plane/internal/server"
	"github.com/yidan233/FeatureFlow/pkg/config"
	"github.com/yidan233/FeatureFlow/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := setupLogger(cfg, "control-plane")
	logger.Info().Msg("Starting FeatureFlow control plane")

	metrics.Init()

	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}

	r := chi.NewRouter()
	setupMiddleware(r, cfg, logger)
	srv.SetupRoutes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.ControlPlanePort),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.Serve(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port), logger)
	}

	go func() {
		logger.Info().Int("port", cfg.Server.ControlPlanePort).Msg("Control plane listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing server resources")
	}
	logger.Info().Msg("Server exited")
}

func setupLogger(cfg *config.Config, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Structured {
		return zerolog.New(os.Stdout).With().
			Timestamp().
			Str("service", service).
			Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().
		Timestamp().
		Str("service", service).
		Logger()
}

func setupMiddleware(r *chi.Mux, cfg *config.Config, logger zerolog.Logger) {
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	if cfg.Server.RequestLogging {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				start := time.Now()
				ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)
				defer func() {
					logger.Info().
						Str("method", req.Method).
						Str("path", req.URL.Path).
						Int("status", ww.Status()).
						Dur("duration", time.Since(start)).
						Str("request_id", chimiddleware.GetReqID(req.Context())).
						Msg("HTTP request")
				}()
				next.ServeHTTP(ww, req)
			})
		})
	}

	if cfg.Server.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Actor"},
			MaxAge:         300,
		}))
	}
}
