// Package ratelimit enforces per-provider admission quotas over a fixed
// time window.
//
// Two implementations are available:
//   - FixedWindow — in-process counters behind a single mutex. The default;
//     correct for single-instance deployments.
//   - RedisLimiter — Redis-backed fixed-window counters with an atomic Lua
//     script, for multi-replica deployments that must share one window.
//
// Both implement the Admitter interface so they are interchangeable.
// Local and unknown identities are always admitted and never counted.
package ratelimit

import (
	"context"
	"time"

	"github.com/relaymesh/llm-dispatch/internal/catalog"
)

// DefaultWindow is the fixed window length used when configuration does not
// override it.
const DefaultWindow = 60 * time.Second

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed to the transport layer.
	Allowed bool

	// RetryAfter is the remaining time until the current window elapses.
	// Set only on rejection, recomputed from the live window start.
	RetryAfter time.Duration
}

// Admitter is the admission check consulted by the dispatch pipeline after
// routing has resolved the provider identity.
type Admitter interface {
	Admit(ctx context.Context, id catalog.Identity) Decision
}

// exempt reports identities that bypass admission control entirely.
func exempt(id catalog.Identity) bool {
	return id == catalog.Local || id == catalog.Unknown
}
