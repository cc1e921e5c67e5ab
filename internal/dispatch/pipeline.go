// Package dispatch orchestrates the two request interceptors: routing
// resolution first, then quota admission, then hand-off to the upstream
// transport.
//
// The ordering is load-bearing: admission is keyed by the resolved provider
// identity, not the raw alias, so Resolve must run before Admit. The pipeline
// itself holds no retry logic — a rejected or failed request is returned to
// the caller as a structured error value, never retried internally.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/llm-dispatch/internal/logger"
	"github.com/relaymesh/llm-dispatch/internal/metrics"
	"github.com/relaymesh/llm-dispatch/internal/ratelimit"
	"github.com/relaymesh/llm-dispatch/internal/routing"
)

// Request is one inbound dispatch call.
type Request struct {
	// ID is the request correlation ID (from the X-Request-ID middleware).
	ID string

	// Alias is the model name the client asked for.
	Alias string

	// Payload is the raw request body, treated as opaque until routing
	// rewrites its connection parameters.
	Payload []byte
}

// Result is whatever the upstream transport returned, passed back to the
// caller unmodified.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Transport is the external collaborator that carries an admitted envelope
// to its upstream endpoint.
type Transport interface {
	Forward(ctx context.Context, env *routing.Envelope) (*Result, error)
}

// RateLimitedError reports a request rejected by the admission quota.
// RetryAfter is the remaining time until the provider's window elapses.
type RateLimitedError struct {
	Identity   fmt.Stringer
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("dispatch: %s quota exhausted, retry after %s", e.Identity, e.RetryAfter.Round(time.Second))
}

// Options holds optional pipeline dependencies. All fields are nil-safe.
type Options struct {
	// Logger is the structured logger for dispatch diagnostics.
	// Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables it.
	Metrics *metrics.Registry

	// Events is the async dispatch event logger. Nil disables it.
	Events *logger.Logger
}

// Pipeline wires the resolver, the admitter, and the transport together.
// It is stateless apart from its injected dependencies and safe for
// concurrent use.
type Pipeline struct {
	resolver  *routing.Resolver
	limiter   ratelimit.Admitter
	transport Transport

	log     *slog.Logger
	metrics *metrics.Registry
	events  *logger.Logger
}

// New creates a Pipeline. resolver, limiter, and transport are required.
func New(resolver *routing.Resolver, limiter ratelimit.Admitter, transport Transport, opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		resolver:  resolver,
		limiter:   limiter,
		transport: transport,
		log:       log,
		metrics:   opts.Metrics,
		events:    opts.Events,
	}
}

// Handle resolves, admits, and forwards one request.
//
// On a quota rejection it returns *RateLimitedError and nothing reaches the
// transport. Routing failures (including a missing credential) surface as-is.
// On success the transport's result is returned unmodified.
func (p *Pipeline) Handle(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	env, err := p.resolver.Resolve(req.Alias, req.Payload)
	if err != nil {
		p.log.WarnContext(ctx, "resolve_failed",
			slog.String("request_id", req.ID),
			slog.String("alias", req.Alias),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	identity := env.Identity.String()
	if p.metrics != nil {
		p.metrics.RecordResolution(identity)
	}

	d := p.limiter.Admit(ctx, env.Identity)
	if !d.Allowed {
		if p.metrics != nil {
			p.metrics.RecordAdmission(identity, "rejected")
			p.metrics.ObserveRetryAfter(identity, d.RetryAfter)
		}
		p.log.WarnContext(ctx, "admission_rejected",
			slog.String("request_id", req.ID),
			slog.String("alias", req.Alias),
			slog.String("identity", identity),
			slog.Duration("retry_after", d.RetryAfter),
		)
		p.logEvent(req, env, false, d.RetryAfter, time.Since(start), http.StatusTooManyRequests)
		return nil, &RateLimitedError{Identity: env.Identity, RetryAfter: d.RetryAfter}
	}
	if p.metrics != nil {
		p.metrics.RecordAdmission(identity, "admitted")
	}

	upStart := time.Now()
	res, err := p.transport.Forward(ctx, env)
	upDur := time.Since(upStart)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ObserveUpstream(identity, "error", upDur)
		}
		p.log.ErrorContext(ctx, "forward_failed",
			slog.String("request_id", req.ID),
			slog.String("identity", identity),
			slog.String("endpoint", env.Endpoint),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		p.logEvent(req, env, true, 0, time.Since(start), http.StatusBadGateway)
		return nil, fmt.Errorf("dispatch: forward to %s: %w", identity, err)
	}
	if p.metrics != nil {
		p.metrics.ObserveUpstream(identity, "success", upDur)
	}

	p.log.DebugContext(ctx, "dispatch_ok",
		slog.String("request_id", req.ID),
		slog.String("alias", req.Alias),
		slog.String("identity", identity),
		slog.Int("status", res.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)
	p.logEvent(req, env, true, 0, time.Since(start), res.StatusCode)

	return res, nil
}

// logEvent enqueues a DispatchEvent to the async logger. Never blocks.
func (p *Pipeline) logEvent(
	req *Request,
	env *routing.Envelope,
	admitted bool,
	retryAfter time.Duration,
	latency time.Duration,
	status int,
) {
	if p.events == nil {
		return
	}

	reqUUID, _ := uuid.Parse(req.ID)

	// Clamp to the field width.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	p.events.Log(logger.DispatchEvent{
		ID:           reqUUID,
		Alias:        req.Alias,
		Identity:     env.Identity.String(),
		Admitted:     admitted,
		RetryAfterMs: uint32(retryAfter.Milliseconds()),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		CreatedAt:    time.Now(),
	})
}
