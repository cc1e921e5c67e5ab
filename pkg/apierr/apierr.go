// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeUpstreamError  = "upstream_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeMissingCredential = "missing_credential"
	CodeInternalError     = "internal_error"
	CodeUpstreamError     = "upstream_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After header derived from the
// remaining window time. The value is rounded up to whole seconds with a
// floor of 1 so clients never retry immediately into the same window.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := RetryAfterSeconds(retryAfter)
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded, retry after "+strconv.Itoa(secs)+"s",
		TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteMissingCredential writes a 500 for a provider whose credential is not
// configured. The client cannot fix this; it is an operator error.
func WriteMissingCredential(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeMissingCredential)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeUpstreamError, CodeRequestTimeout)
}

// WriteUpstreamError writes a 502 for an unreachable or failing upstream.
func WriteUpstreamError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamError)
}

// RetryAfterSeconds converts a remaining-window duration to the integer
// seconds value carried in the Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
