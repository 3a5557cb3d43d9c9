package featureflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/yidan233/FeatureFlow/pkg/model"
)

type sdkConfigPayload struct {
	Environment    string                         `json:"environment"`
	PollIntervalMS int64                          `json:"poll_interval_ms"`
	ETag           string                         `json:"etag"`
	Flags          map[string]*model.FlagSnapshot `json:"flags"`
}

// fetchConfig issues a conditional GET /sdk/config. It returns nil on a
// 304 and a ConfigUpdate when the snapshot was replaced.
func (c *Client) fetchConfig(ctx context.Context) (*ConfigUpdate, error) {
	endpoint := fmt.Sprintf("%s/sdk/config?environment=%s",
		c.config.BaseURL, url.QueryEscape(c.config.Environment))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.config.APIKey)

	c.mu.RLock()
	etag := c.etag
	c.mu.RUnlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("config fetch returned %d", resp.StatusCode)
	}

	var payload sdkConfigPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("config decode failed: %w", err)
	}
	if payload.Flags == nil {
		payload.Flags = map[string]*model.FlagSnapshot{}
	}

	c.mu.Lock()
	c.flags = payload.Flags
	c.etag = payload.ETag
	if payload.PollIntervalMS > 0 {
		c.interval = time.Duration(payload.PollIntervalMS) * time.Millisecond
	}
	c.mu.Unlock()

	return &ConfigUpdate{
		Environment: payload.Environment,
		ETag:        payload.ETag,
		FlagCount:   len(payload.Flags),
	}, nil
}

type remoteEvaluateRequest struct {
	FlagKey      string             `json:"flag_key"`
	UserContext  *model.UserContext `json:"user_context,omitempty"`
	Environment  string             `json:"environment,omitempty"`
	DefaultValue any                `json:"default_value,omitempty"`
}

type remoteEvaluateResponse struct {
	FlagKey    string       `json:"flag_key"`
	Value      any          `json:"value"`
	VariantKey string       `json:"variant_key"`
	Reason     model.Reason `json:"reason"`
}

// evaluateRemote asks the evaluation service to resolve the flag.
func (c *Client) evaluateRemote(ctx context.Context, flagKey string, user *model.UserContext, defaultValue any) (*Result, error) {
	body, err := json.Marshal(remoteEvaluateRequest{
		FlagKey:      flagKey,
		UserContext:  user,
		Environment:  c.config.Environment,
		DefaultValue: defaultValue,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote evaluation failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote evaluation returned %d", resp.StatusCode)
	}

	var payload remoteEvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("remote evaluation decode failed: %w", err)
	}
	return &Result{
		FlagKey:    payload.FlagKey,
		Value:      payload.Value,
		VariantKey: payload.VariantKey,
		Reason:     payload.Reason,
		Source:     "remote",
	}, nil
}
