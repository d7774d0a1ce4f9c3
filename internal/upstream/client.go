// Package upstream is the HTTP client for the inference engine. The engine
// exposes an OpenAI-compatible surface: GET /v1/models doubles as the
// readiness probe, POST /v1/chat/completions serves blocking and streaming
// completions.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrNoModels indicates the engine answered but has no model loaded yet.
var ErrNoModels = errors.New("upstream reports no loaded models")

// StatusError is returned when the engine answered with a non-200 status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Code)
}

// Config holds client construction parameters.
type Config struct {
	BaseURL        string
	Model          string
	ConnectTimeout time.Duration
	HealthTimeout  time.Duration
}

// Client talks to the inference engine.
type Client struct {
	baseURL       string
	model         string
	healthTimeout time.Duration
	http          *http.Client
}

// New creates an upstream client. Request lifetimes are bounded by caller
// contexts, not a client-wide timeout, so streams can run for minutes.
func New(cfg Config) *Client {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		model:         cfg.Model,
		healthTimeout: cfg.HealthTimeout,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   cfg.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 0,
			},
			Timeout: 0,
		},
	}
}

// DefaultModel returns the configured model identifier.
func (c *Client) DefaultModel() string {
	return c.model
}

// modelList mirrors the engine's /v1/models response.
type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// CheckReady probes the engine's model list and returns the loaded model
// IDs. It fails when the engine is unreachable, answers non-200, or has no
// model loaded. Called on the critical path of every completion request, so
// it carries its own short timeout.
func (c *Client) CheckReady(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}
	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	if len(models) == 0 {
		return nil, ErrNoModels
	}
	return models, nil
}

// Models fetches the raw model list for passthrough. The caller owns the
// response body.
func (c *Client) Models(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// Completion posts a blocking chat completion. The caller owns the response
// body.
func (c *Client) Completion(ctx context.Context, body []byte) (*http.Response, error) {
	return c.post(ctx, body)
}

// OpenStream posts a streaming chat completion. The caller reads the SSE
// body incrementally and owns it; cancelling ctx aborts the upstream call.
func (c *Client) OpenStream(ctx context.Context, body []byte) (*http.Response, error) {
	return c.post(ctx, body)
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}
