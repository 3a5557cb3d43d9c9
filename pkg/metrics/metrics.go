package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flag_evaluations_total",
			Help: "Total flag evaluations by outcome and reason",
		},
		[]string{"flag", "environment", "result", "reason"},
	)
	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flag_evaluation_duration_seconds",
			Help:    "Flag evaluation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flag_cache_hits_total",
		Help: "Config cache hits on the evaluation path",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flag_cache_misses_total",
		Help: "Config cache misses on the evaluation path",
	})
	ConfigChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flag_config_changes_total",
			Help: "Control plane mutations by action",
		},
		[]string{"action"},
	)
	KillSwitchActivations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kill_switch_activations_total",
		Help: "Kill switch activations",
	})

	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

// Init registers all collectors. Call once per process before serving.
func Init() {
	prometheus.MustRegister(
		EvaluationsTotal, EvaluationDuration,
		CacheHits, CacheMisses,
		ConfigChanges, KillSwitchActivations,
		httpReqs, httpDur,
	)
}

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		httpReqs.WithLabelValues(route, r.Method, fmt.Sprintf("%d", ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// Serve starts the sidecar metrics listener with /metrics and /health.
// It returns the server so the caller can shut it down.
func Serve(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":"metrics","timestamp":%q}`, time.Now().UTC().Format(time.RFC3339))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics listener starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
	return srv
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
