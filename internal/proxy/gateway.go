// Package proxy is the HTTP surface of the dispatcher.
//
// The Gateway parses the inbound OpenAI-compatible request just far enough to
// extract the model alias, hands the raw body to the dispatch pipeline, and
// maps the pipeline's error values onto HTTP responses. The body itself is
// never re-serialized: what the resolved upstream receives (and returns) is
// exactly what the pipeline produced.
//
// Key design constraints:
//   - Gateway overhead on the hot path is one JSON field extraction.
//   - Logger and metrics are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaymesh/llm-dispatch/internal/dispatch"
	"github.com/relaymesh/llm-dispatch/internal/metrics"
	"github.com/relaymesh/llm-dispatch/internal/routing"
	"github.com/relaymesh/llm-dispatch/pkg/apierr"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request diagnostics.
	// Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// CORSOrigins is the allowed-origins list handed to the CORS middleware.
	CORSOrigins []string
}

// Gateway is the HTTP front of the dispatch pipeline. All dependencies are
// injected via the constructor so they can be replaced with doubles in tests.
type Gateway struct {
	pipeline *dispatch.Pipeline
	log      *slog.Logger
	metrics  *metrics.Registry

	corsOrigins []string
}

// NewGateway creates a Gateway around the given pipeline.
func NewGateway(pipeline *dispatch.Pipeline, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		pipeline:    pipeline,
		log:         log,
		metrics:     opts.Metrics,
		corsOrigins: opts.CORSOrigins,
	}
}

// inboundRequest extracts only the model alias. Everything else in the body
// is opaque to the gateway and forwarded as-is.
type inboundRequest struct {
	Model string `json:"model"`
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	body := ctx.PostBody()

	// 1. Extract the model alias. The rest of the body stays opaque.
	var req inboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
	)

	// 2. Resolve, admit, forward.
	res, err := g.pipeline.Handle(ctx, &dispatch.Request{
		ID:      reqID,
		Alias:   req.Model,
		Payload: body,
	})
	if err != nil {
		g.writeDispatchError(ctx, reqID, err)
		return
	}

	// 3. Relay the upstream response byte-for-byte.
	ctx.SetStatusCode(res.StatusCode)
	if res.ContentType != "" {
		ctx.SetContentType(res.ContentType)
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(res.Body)
}

// writeDispatchError maps pipeline error values to HTTP responses.
//
//	*dispatch.RateLimitedError        → 429 + Retry-After header
//	*routing.MissingCredentialError   → 500 (operator error, not client error)
//	context.DeadlineExceeded          → 504 Gateway Timeout
//	all other errors                  → 502 Bad Gateway
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, reqID string, err error) {
	var rle *dispatch.RateLimitedError
	if errors.As(err, &rle) {
		apierr.WriteRateLimit(ctx, rle.RetryAfter)
		return
	}

	var mce *routing.MissingCredentialError
	if errors.As(err, &mce) {
		g.log.ErrorContext(ctx, "missing_credential",
			slog.String("request_id", reqID),
			slog.String("identity", mce.Identity.String()),
		)
		apierr.WriteMissingCredential(ctx, err.Error())
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.WriteUpstreamError(ctx, err.Error())
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
