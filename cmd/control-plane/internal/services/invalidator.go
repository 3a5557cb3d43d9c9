package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/cache"
)

// Invalidator drops cached snapshots for a committed mutation. The
// control plane calls it after the store transaction commits and before
// the mutation response is returned; a failure here fails the mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, flagKey, env string) error
	InvalidateFlag(ctx context.Context, flagKey string) error
}

type snapshotCache interface {
	Invalidate(ctx context.Context, flagKey, env string) error
	InvalidateFlag(ctx context.Context, flagKey string) (int, error)
}

// EvaluatorClient calls the evaluation service's cache hook so its
// in-process tier drops the entry before the mutation response returns.
type EvaluatorClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewEvaluatorClient creates a client for the evaluator's cache hook.
// An empty baseURL disables the hook. apiKey is the shared admin secret
// the evaluator requires on its invalidation route when configured.
func NewEvaluatorClient(baseURL, apiKey string, logger zerolog.Logger) *EvaluatorClient {
	if baseURL == "" {
		return nil
	}
	return &EvaluatorClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
		logger:  logger.With().Str("component", "evaluator_client").Logger(),
	}
}

func (c *EvaluatorClient) invalidate(ctx context.Context, flagKey, env string) error {
	endpoint := fmt.Sprintf("%s/cache/%s", c.baseURL, url.PathEscape(flagKey))
	if env != "" {
		endpoint += "?environment=" + url.QueryEscape(env)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("evaluator cache hook failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("evaluator cache hook returned %d", resp.StatusCode)
	}
	return nil
}

// CacheInvalidator is the composite invalidation pipeline: the shared
// Redis tier and the evaluator's local tier are invalidated
// synchronously; the NATS fanout is a best-effort broadcast for any
// other evaluator replicas, whose local TTL bounds residual staleness.
type CacheInvalidator struct {
	cache     snapshotCache
	evaluator *EvaluatorClient
	fanout    *cache.Fanout
	logger    zerolog.Logger
}

// NewCacheInvalidator creates the composite invalidator. evaluator and
// fanout may be nil.
func NewCacheInvalidator(snapCache snapshotCache, evaluator *EvaluatorClient, fanout *cache.Fanout, logger zerolog.Logger) *CacheInvalidator {
	return &CacheInvalidator{
		cache:     snapCache,
		evaluator: evaluator,
		fanout:    fanout,
		logger:    logger.With().Str("component", "invalidator").Logger(),
	}
}

// Invalidate drops one (flag, env) entry everywhere.
func (i *CacheInvalidator) Invalidate(ctx context.Context, flagKey, env string) error {
	if err := i.cache.Invalidate(ctx, flagKey, env); err != nil {
		return err
	}
	if i.evaluator != nil {
		if err := i.evaluator.invalidate(ctx, flagKey, env); err != nil {
			return err
		}
	}
	i.broadcast(flagKey, env)
	return nil
}

// InvalidateFlag drops every environment's entry for a flag everywhere.
func (i *CacheInvalidator) InvalidateFlag(ctx context.Context, flagKey string) error {
	if _, err := i.cache.InvalidateFlag(ctx, flagKey); err != nil {
		return err
	}
	if i.evaluator != nil {
		if err := i.evaluator.invalidate(ctx, flagKey, ""); err != nil {
			return err
		}
	}
	i.broadcast(flagKey, "")
	return nil
}

func (i *CacheInvalidator) broadcast(flagKey, env string) {
	if i.fanout == nil {
		return
	}
	if err := i.fanout.Publish(flagKey, env); err != nil {
		i.logger.Warn().Err(err).Str("flag_key", flagKey).Msg("Invalidation broadcast failed")
	}
}
