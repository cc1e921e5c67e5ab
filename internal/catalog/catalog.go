// Package catalog holds the static mapping from model aliases to upstream
// providers and their connection parameters.
//
// The catalog is built once at startup from configuration and is read-only
// afterwards, so lookups need no locking. Aliases are classified by prefix:
// the longest matching prefix wins, and ties are broken by declaration order.
// Aliases that match nothing route to the local runtime.
package catalog

import (
	"fmt"
	"strings"
)

// Identity classifies which upstream service a request targets.
// It is assigned once during resolution and never changes afterwards.
type Identity uint8

const (
	Unknown Identity = iota
	Local
	Groq
	OpenAI
)

// String returns the identity name used in logs and metric labels.
func (i Identity) String() string {
	switch i {
	case Local:
		return "local"
	case Groq:
		return "groq"
	case OpenAI:
		return "openai"
	default:
		return "unknown"
	}
}

// Provider holds the connection parameters for one upstream identity.
// One instance exists per configured identity; all fields are read-only
// after startup.
type Provider struct {
	// Identity is the tag this entry serves.
	Identity Identity

	// Endpoint is the API base URL, e.g. "https://api.groq.com/openai/v1".
	Endpoint string

	// Credential is the API key sent as "Authorization: Bearer <key>".
	// Empty for the local runtime. Empty for an external identity means
	// the provider is misconfigured — resolution fails rather than
	// silently routing the request locally.
	Credential string

	// Quota is the number of requests admitted per rate window.
	// 0 means unlimited.
	Quota int
}

// Route maps an alias prefix to a provider identity.
type Route struct {
	Prefix   string
	Identity Identity
}

// DefaultRoutes is the built-in alias classification table. Order matters:
// it is the tie-breaker when two prefixes of equal length match.
var DefaultRoutes = []Route{
	{Prefix: "groq-", Identity: Groq},
	{Prefix: "openai-", Identity: OpenAI},
}

// Catalog is the static alias→provider mapping.
type Catalog struct {
	routes    []Route
	providers map[Identity]Provider
}

// New builds a Catalog from the given routes and providers.
// Returns an error if a route references an identity with no provider entry
// or an entry without an endpoint, so misconfiguration is caught at startup
// instead of per-request. An external entry missing only its credential is
// allowed here — that failure is surfaced per-request during resolution,
// never conflated with local traffic.
func New(routes []Route, providers []Provider) (*Catalog, error) {
	c := &Catalog{
		routes:    routes,
		providers: make(map[Identity]Provider, len(providers)),
	}
	for _, p := range providers {
		c.providers[p.Identity] = p
	}
	for _, r := range routes {
		if r.Prefix == "" {
			return nil, fmt.Errorf("catalog: route with empty prefix for identity %s", r.Identity)
		}
		p, ok := c.providers[r.Identity]
		if !ok {
			return nil, fmt.Errorf("catalog: route %q references unconfigured identity %s", r.Prefix, r.Identity)
		}
		if p.Endpoint == "" {
			return nil, fmt.Errorf("catalog: identity %s has no endpoint configured", r.Identity)
		}
	}
	return c, nil
}

// Match classifies alias against the route table. The longest matching
// prefix wins; among equal-length matches the first declared route wins.
// Unmatched aliases report (Route{}, false) and are treated as local.
func (c *Catalog) Match(alias string) (Route, bool) {
	var best Route
	found := false
	for _, r := range c.routes {
		if !strings.HasPrefix(alias, r.Prefix) {
			continue
		}
		// Strictly longer only — equal length keeps the earlier declaration.
		if !found || len(r.Prefix) > len(best.Prefix) {
			best = r
			found = true
		}
	}
	return best, found
}

// Provider returns the connection parameters for id.
func (c *Catalog) Provider(id Identity) (Provider, bool) {
	p, ok := c.providers[id]
	return p, ok
}

// Quotas returns the per-identity admission quotas for the rate limiter.
func (c *Catalog) Quotas() map[Identity]int {
	out := make(map[Identity]int, len(c.providers))
	for id, p := range c.providers {
		out[id] = p.Quota
	}
	return out
}
