package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaymesh/llm-dispatch/internal/routing"
)

// DefaultForwardTimeout is the per-request upstream timeout used when the
// configuration does not override it.
const DefaultForwardTimeout = 30 * time.Second

// completionsPath is appended to every provider's endpoint base. All
// configured upstreams (Groq, OpenAI, the local runtime) speak the
// OpenAI-compatible chat completions protocol.
const completionsPath = "/chat/completions"

// Forwarder is the HTTP transport collaborator: it carries an admitted
// envelope to its resolved endpoint and returns the upstream's status and
// body byte-for-byte.
type Forwarder struct {
	client  *fasthttp.Client
	timeout time.Duration
}

// NewForwarder creates a Forwarder. A timeout ≤ 0 falls back to
// DefaultForwardTimeout.
func NewForwarder(timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &Forwarder{
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		timeout: timeout,
	}
}

// Forward POSTs the envelope's payload to its resolved endpoint. The
// envelope's credential, when present, is sent as a bearer token. The
// response is returned unmodified — status mapping is the caller's job.
func (f *Forwarder) Forward(ctx context.Context, env *routing.Envelope) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(env.Endpoint + completionsPath)
	req.Header.SetContentType("application/json")
	if env.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+env.Credential)
	}
	req.SetBody(env.Payload)

	timeout := f.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if err := f.client.DoTimeout(req, resp, timeout); err != nil {
		if err == fasthttp.ErrTimeout {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("upstream %s: %w", env.Identity, err)
	}

	// Copy out — the response buffer is recycled on release.
	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())

	return &Result{
		StatusCode:  resp.StatusCode(),
		ContentType: string(resp.Header.ContentType()),
		Body:        body,
	}, nil
}
