// Package gateway wires the admission controller, the upstream client and
// the streaming relay into the HTTP surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/example/gpugate/internal/admission"
	"github.com/example/gpugate/internal/config"
	gwerrors "github.com/example/gpugate/internal/errors"
	"github.com/example/gpugate/internal/metrics"
	"github.com/example/gpugate/internal/middleware"
	"github.com/example/gpugate/internal/proxy"
	"github.com/example/gpugate/internal/upstream"
)

// Terminal request outcomes, used as metric labels.
const (
	OutcomeCompleted           = "completed"
	OutcomeUpstreamFailed      = "upstream_failed"
	OutcomeClientDisconnected  = "client_disconnected"
	OutcomeRejectedCapacity    = "rejected_capacity"
	OutcomeRejectedQueueFull   = "rejected_queue_full"
	OutcomeQueueTimeout        = "queue_timeout"
	OutcomeUpstreamUnavailable = "upstream_unavailable"
	OutcomeBadRequest          = "bad_request"
)

const (
	completionsEndpoint = "/v1/chat/completions"
	maxBodySize         = 10 * 1024 * 1024 // 10MB
)

// Retry-After values surfaced with admission refusals, in seconds.
const (
	retryAfterBusy      = 2
	retryAfterSaturated = 5
)

// Gateway orchestrates admission and proxying for one upstream engine.
type Gateway struct {
	cfg       *config.Config
	metrics   *metrics.Registry
	admission *admission.Controller
	upstream  *upstream.Client
	logger    *zap.Logger
	startTime time.Time
}

// New creates a Gateway from config. The metrics registry is injected so
// tests and main own its lifecycle.
func New(cfg *config.Config, reg *metrics.Registry, logger *zap.Logger) *Gateway {
	ctrl := admission.NewController(admission.Config{
		MaxActive:    cfg.Admission.MaxActive,
		Mode:         admission.Mode(cfg.Admission.Mode),
		QueueMax:     cfg.Admission.QueueMax,
		QueueTimeout: cfg.Admission.QueueTimeout,
	}, reg.ActiveRequests, reg.QueueDepth)

	up := upstream.New(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		Model:          cfg.Upstream.Model,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		HealthTimeout:  cfg.Upstream.HealthTimeout,
	})

	return &Gateway{
		cfg:       cfg,
		metrics:   reg,
		admission: ctrl,
		upstream:  up,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Admission exposes the controller for the admin surface and tests.
func (g *Gateway) Admission() *admission.Controller {
	return g.admission
}

// Handler returns the full middleware-wrapped HTTP handler.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/health", g.handleHealth)
	router.Handler(http.MethodGet, "/metrics", g.metrics.Handler())
	router.HandlerFunc(http.MethodGet, "/v1/models", g.handleModels)
	router.HandlerFunc(http.MethodPost, completionsEndpoint, g.handleChatCompletions)
	router.HandlerFunc(http.MethodGet, "/admin/stats", g.handleStats)

	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.AccessLog(g.logger),
	)
	return chain.Then(router)
}

// handleHealth reports gateway readiness, which reflects upstream readiness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	models, err := g.upstream.CheckReady(r.Context())
	if err != nil {
		status := "down"
		var se *upstream.StatusError
		switch {
		case errors.As(err, &se):
			status = "degraded"
		case errors.Is(err, upstream.ErrNoModels):
			status = "starting"
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   status,
			"upstream": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": models,
	})
}

// handleModels is a passthrough of the upstream model list.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	resp, err := g.upstream.Models(r.Context())
	if err != nil {
		gwerrors.ErrBadGateway.WithDetails("inference engine unreachable").WriteJSON(w)
		return
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleStats serves the admin snapshot.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": time.Since(g.startTime).Seconds(),
		"admission":      g.admission.Stats(),
		"upstream": map[string]any{
			"base_url": g.cfg.Upstream.BaseURL,
			"model":    g.cfg.Upstream.Model,
		},
	})
}

// handleChatCompletions runs the per-request state machine: parse, health
// gate, admission, proxy, metrics.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		g.count(OutcomeBadRequest)
		gwerrors.ErrBadRequest.WithDetails("failed to read request body").WriteJSON(w)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		g.count(OutcomeBadRequest)
		gwerrors.ErrBadRequest.WithDetails("invalid JSON body").WriteJSON(w)
		return
	}
	if model, _ := payload["model"].(string); model == "" {
		payload["model"] = g.upstream.DefaultModel()
	}
	stream, _ := payload["stream"].(bool)
	body, err = json.Marshal(payload)
	if err != nil {
		g.count(OutcomeBadRequest)
		gwerrors.ErrBadRequest.WithDetails("invalid request payload").WriteJSON(w)
		return
	}

	// The overall deadline spans queue wait and streaming.
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.Admission.RequestTimeout)
	defer cancel()

	// Health gate: a dead engine short-circuits admission entirely.
	if _, err := g.upstream.CheckReady(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			g.count(OutcomeClientDisconnected)
			return
		}
		g.count(OutcomeUpstreamUnavailable)
		gwerrors.ErrServiceUnavailable.WithDetails("inference engine not ready").WriteJSON(w)
		return
	}

	release, err := g.admission.Admit(ctx)
	if err != nil {
		g.refuse(w, err)
		return
	}
	defer release()

	var outcome string
	if stream {
		outcome = g.streamCompletion(ctx, w, r, body, start)
	} else {
		outcome = g.blockingCompletion(ctx, w, r, body)
	}

	elapsed := time.Since(start)
	g.metrics.RequestLatency.WithLabelValues(completionsEndpoint).Observe(elapsed.Seconds())
	g.count(outcome)
	g.logger.Info("completion finished",
		zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
		zap.String("outcome", outcome),
		zap.Bool("stream", stream),
		zap.Duration("duration", elapsed),
	)
}

// refuse maps an admission error to the client response and outcome counter.
func (g *Gateway) refuse(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrCapacity):
		g.count(OutcomeRejectedCapacity)
		gwerrors.ErrTooManyRequests.WithDetails("GPU busy").WithRetryAfter(retryAfterBusy).WriteJSON(w)
	case errors.Is(err, admission.ErrQueueFull):
		g.count(OutcomeRejectedQueueFull)
		gwerrors.ErrTooManyRequests.WithDetails("queue full").WithRetryAfter(retryAfterSaturated).WriteJSON(w)
	case errors.Is(err, admission.ErrQueueTimeout), errors.Is(err, context.DeadlineExceeded):
		g.count(OutcomeQueueTimeout)
		gwerrors.ErrServiceUnavailable.WithDetails("queue timeout").WithRetryAfter(retryAfterSaturated).WriteJSON(w)
	default:
		// Client went away while waiting; no one left to answer.
		g.count(OutcomeClientDisconnected)
	}
}

// streamCompletion relays the upstream SSE stream and returns the outcome.
func (g *Gateway) streamCompletion(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte, start time.Time) string {
	resp, err := g.upstream.OpenStream(ctx, body)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return OutcomeClientDisconnected
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			gwerrors.ErrGatewayTimeout.WithDetails("request deadline exceeded").WriteJSON(w)
			return OutcomeUpstreamFailed
		default:
			gwerrors.Wrap(err, http.StatusServiceUnavailable, "inference engine unreachable").WriteJSON(w)
			return OutcomeUpstreamUnavailable
		}
	}

	stats, err := proxy.Relay(ctx, w, resp, start)
	if stats.FirstToken > 0 {
		g.metrics.FirstToken.Observe(stats.FirstToken.Seconds())
	}
	if stats.ApproxTokens > 0 {
		g.metrics.StreamTokens.Add(float64(stats.ApproxTokens))
	}

	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, proxy.ErrClientGone):
		return OutcomeClientDisconnected
	default:
		g.logger.Warn("upstream stream failed",
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		return OutcomeUpstreamFailed
	}
}

// blockingCompletion passes a non-streaming completion through and returns
// the outcome.
func (g *Gateway) blockingCompletion(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) string {
	resp, err := g.upstream.Completion(ctx, body)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return OutcomeClientDisconnected
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			gwerrors.ErrGatewayTimeout.WithDetails("request deadline exceeded").WriteJSON(w)
			return OutcomeUpstreamFailed
		default:
			gwerrors.Wrap(err, http.StatusBadGateway, "inference engine unreachable").WriteJSON(w)
			return OutcomeUpstreamFailed
		}
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return OutcomeClientDisconnected
	}
	if resp.StatusCode != http.StatusOK {
		return OutcomeUpstreamFailed
	}
	return OutcomeCompleted
}

func (g *Gateway) count(outcome string) {
	g.metrics.RequestsTotal.WithLabelValues(completionsEndpoint, outcome).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
