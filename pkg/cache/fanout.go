package cache

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/yidan233/FeatureFlow/pkg/config"
)

// invalidationSubject carries cache invalidation events from the control
// plane to evaluator replicas.
const invalidationSubject = "featureflow.cache.invalidate"

// InvalidationEvent names the (flag, env) entry to drop. An empty
// Environment means every environment of the flag.
type InvalidationEvent struct {
	FlagKey     string `json:"flag_key"`
	Environment string `json:"environment,omitempty"`
}

// Fanout broadcasts invalidations over NATS. The Redis tier is always
// invalidated synchronously by the mutation path; the fanout only clears
// the in-process tier of replicas the control plane does not call
// directly, whose local TTL bounds staleness if an event is missed.
type Fanout struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// NewFanout creates a fanout around an open NATS connection.
func NewFanout(nc *nats.Conn, logger zerolog.Logger) *Fanout {
	return &Fanout{nc: nc, logger: logger.With().Str("component", "cache_fanout").Logger()}
}

// ConnectNATS opens a NATS connection from configuration.
func ConnectNATS(cfg *config.Config, name string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(name),
		nats.MaxReconnects(cfg.NATS.MaxReconnect),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	return nc, nil
}

// Publish broadcasts an invalidation event.
func (f *Fanout) Publish(flagKey, env string) error {
	payload, err := json.Marshal(InvalidationEvent{FlagKey: flagKey, Environment: env})
	if err != nil {
		return err
	}
	if err := f.nc.Publish(invalidationSubject, payload); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Subscribe delivers invalidation events to fn until the subscription is
// unsubscribed or the connection closes.
func (f *Fanout) Subscribe(fn func(flagKey, env string)) (*nats.Subscription, error) {
	sub, err := f.nc.Subscribe(invalidationSubject, func(msg *nats.Msg) {
		var ev InvalidationEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			f.logger.Error().Err(err).Msg("Malformed invalidation event")
			return
		}
		f.logger.Debug().Str("flag_key", ev.FlagKey).Str("environment", ev.Environment).Msg("Invalidation event received")
		fn(ev.FlagKey, ev.Environment)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}
	return sub, nil
}
