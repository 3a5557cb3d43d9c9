// Package featureflow is the Go client SDK for the FeatureFlow
// evaluation service. The client keeps a local config snapshot fresh
// via ETag-conditional polling, evaluates flags locally with the same
// rule engine the server runs, falls back to remote evaluation when the
// snapshot cannot answer, and falls back to the caller-supplied default
// on any failure.
package featureflow

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/engine"
	"github.com/yidan233/FeatureFlow/pkg/model"
)

// State is the client lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StatePolling
	StateDestroyed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StatePolling:
		return "polling"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Config holds the SDK client configuration.
type Config struct {
	// Required
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`

	// Environment evaluated against. Defaults to production.
	Environment string `json:"environment"`

	// PollInterval between conditional config fetches. The server's
	// advertised interval, when present, takes precedence.
	PollInterval time.Duration `json:"poll_interval"`

	// Timeout for remote calls.
	Timeout time.Duration `json:"timeout"`

	EnableAnalytics       bool `json:"enable_analytics"`
	EnableLocalEvaluation bool `json:"enable_local_evaluation"`

	// FallbackValues are used before the caller default when a flag
	// cannot be evaluated at all.
	FallbackValues map[string]any `json:"fallback_values"`

	Logger zerolog.Logger `json:"-"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:               "http://localhost:8081",
		Environment:           "production",
		PollInterval:          30 * time.Second,
		Timeout:               5 * time.Second,
		EnableAnalytics:       true,
		EnableLocalEvaluation: true,
	}
}

// Validate checks required fields and fills defaulted ones.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return nil
}

// Result is the outcome of one evaluation.
type Result struct {
	FlagKey     string       `json:"flag_key"`
	Value       any          `json:"value"`
	VariantKey  string       `json:"variant_key,omitempty"`
	Reason      model.Reason `json:"reason"`
	Source      string       `json:"source"`
	DefaultUsed bool         `json:"default_used"`
}

// Client is the FeatureFlow SDK client. Evaluations may run
// concurrently with polling; only the poller mutates the snapshot.
type Client struct {
	config     *Config
	httpClient *http.Client
	engine     *engine.Engine
	events     *emitter
	analytics  *analyticsBuffer
	logger     zerolog.Logger

	state atomic.Int32

	mu       sync.RWMutex
	flags    map[string]*model.FlagSnapshot
	etag     string
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// New creates a client. Call Start to fetch the initial config and
// begin polling; register listeners with On before Start so the ready
// event is observable.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Logger.With().Str("component", "featureflow-sdk").Logger()
	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		engine:     engine.New(logger),
		events:     newEmitter(),
		analytics:  newAnalyticsBuffer(),
		logger:     logger,
		flags:      map[string]*model.FlagSnapshot{},
		interval:   config.PollInterval,
		done:       make(chan struct{}),
	}
	c.state.Store(int32(StateInitializing))
	return c, nil
}

// On registers a listener for a named event.
func (c *Client) On(event string, fn Listener) {
	c.events.on(event, fn)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Start issues the first config fetch and begins background polling.
// A failed first fetch emits the error event but does not fail Start:
// the client stays usable through remote fallback and keeps polling.
func (c *Client) Start(ctx context.Context) error {
	if c.State() == StateDestroyed {
		return fmt.Errorf("client is destroyed")
	}

	update, err := c.fetchConfig(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Initial config fetch failed")
		c.events.emit(EventError, err)
	} else {
		c.state.Store(int32(StateReady))
		c.events.emit(EventReady, update)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.poll(pollCtx)

	c.state.Store(int32(StatePolling))
	return nil
}

func (c *Client) poll(ctx context.Context) {
	defer close(c.done)
	for {
		c.mu.RLock()
		interval := c.interval
		c.mu.RUnlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		fetchCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		update, err := c.fetchConfig(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug().Err(err).Msg("Config poll failed")
			c.events.emit(EventPollError, err)
			continue
		}
		if update != nil {
			c.events.emit(EventConfigUpdated, update)
		}
	}
}

// Evaluate resolves one flag. Local snapshot first, remote second,
// caller default last; it never returns an error.
func (c *Client) Evaluate(ctx context.Context, flagKey string, user *model.UserContext, defaultValue any) *Result {
	if flagKey == "" || c.State() == StateDestroyed {
		return c.fallback(flagKey, user, defaultValue, fmt.Errorf("client unusable or flag key empty"))
	}

	if c.config.EnableLocalEvaluation {
		if result, ok := c.evaluateLocal(flagKey, user, defaultValue); ok {
			c.finish(result, user)
			return result
		}
	}

	result, err := c.evaluateRemote(ctx, flagKey, user, defaultValue)
	if err != nil {
		return c.fallback(flagKey, user, defaultValue, err)
	}
	c.finish(result, user)
	return result
}

// EvaluateBatch evaluates several flags concurrently and returns a
// keyed result map. Defaults may be nil or partial.
func (c *Client) EvaluateBatch(ctx context.Context, flagKeys []string, user *model.UserContext, defaults map[string]any) map[string]*Result {
	results := make(map[string]*Result, len(flagKeys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range flagKeys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			result := c.Evaluate(ctx, key, user, defaults[key])
			mu.Lock()
			results[key] = result
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return results
}

// Bool evaluates a boolean flag.
func (c *Client) Bool(ctx context.Context, flagKey string, user *model.UserContext, defaultValue bool) bool {
	result := c.Evaluate(ctx, flagKey, user, defaultValue)
	if v, ok := result.Value.(bool); ok {
		return v
	}
	return defaultValue
}

// String evaluates a string flag.
func (c *Client) String(ctx context.Context, flagKey string, user *model.UserContext, defaultValue string) string {
	result := c.Evaluate(ctx, flagKey, user, defaultValue)
	if v, ok := result.Value.(string); ok {
		return v
	}
	return defaultValue
}

// Number evaluates a numeric flag.
func (c *Client) Number(ctx context.Context, flagKey string, user *model.UserContext, defaultValue float64) float64 {
	result := c.Evaluate(ctx, flagKey, user, defaultValue)
	switch v := result.Value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return defaultValue
}

// JSON evaluates a JSON flag and returns the decoded value.
func (c *Client) JSON(ctx context.Context, flagKey string, user *model.UserContext, defaultValue any) any {
	return c.Evaluate(ctx, flagKey, user, defaultValue).Value
}

// FlushAnalytics emits the buffered analytics records and clears the
// buffer. The returned slice is the flushed snapshot.
func (c *Client) FlushAnalytics() []AnalyticsRecord {
	records := c.analytics.flush()
	c.events.emit(EventAnalyticsFlush, records)
	return records
}

// Snapshot returns the flag keys currently held locally.
func (c *Client) Snapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.flags))
	for k := range c.flags {
		keys = append(keys, k)
	}
	return keys
}

// Close stops polling, flushes pending analytics and removes all
// listeners. The client is unusable afterwards.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDestroyed))
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.FlushAnalytics()
		c.events.removeAll()
		c.logger.Info().Msg("SDK client closed")
	})
	return nil
}

// evaluateLocal answers from the local snapshot when it holds the flag.
// An engine panic is treated like any other evaluation failure.
func (c *Client) evaluateLocal(flagKey string, user *model.UserContext, defaultValue any) (result *Result, ok bool) {
	c.mu.RLock()
	snap := c.flags[flagKey]
	c.mu.RUnlock()
	if snap == nil {
		return nil, false
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("flag_key", flagKey).Msg("Local evaluation panicked")
			result, ok = nil, false
		}
	}()

	decision := c.engine.Evaluate(snap, user, c.config.Environment)
	value := engine.Render(snap, decision, defaultValue)
	return &Result{
		FlagKey:    flagKey,
		Value:      value,
		VariantKey: decision.Variant,
		Reason:     decision.Reason,
		Source:     "local",
	}, true
}

// fallback resolves the configured fallback value, or the caller's
// default, and reports why.
func (c *Client) fallback(flagKey string, user *model.UserContext, defaultValue any, cause error) *Result {
	value := defaultValue
	if fb, ok := c.config.FallbackValues[flagKey]; ok && value == nil {
		value = fb
	}
	result := &Result{
		FlagKey:     flagKey,
		Value:       value,
		Reason:      model.ReasonEvaluationError,
		Source:      "default",
		DefaultUsed: true,
	}
	c.events.emit(EventEvaluationError, &EvaluationError{
		FlagKey: flagKey,
		Cause:   cause.Error(),
		Default: value,
		Context: redactContext(user),
	})
	c.finish(result, user)
	return result
}

func (c *Client) finish(result *Result, user *model.UserContext) {
	if c.config.EnableAnalytics {
		c.analytics.record(result.FlagKey, result.VariantKey, result.Reason, user)
	}
	c.events.emit(EventEvaluation, result)
}
