// Package routing resolves inbound model aliases to a provider identity and
// rewrites the request's connection parameters accordingly.
//
// Resolution is deterministic and purely catalog-driven: it never touches the
// network, so two calls with the same alias and catalog always produce the
// same envelope. An alias matching an external provider whose credential is
// missing fails with MissingCredentialError — it is never downgraded to the
// local runtime, which would silently bypass that provider's admission quota.
package routing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymesh/llm-dispatch/internal/catalog"
)

// Envelope is the rewritten outbound request. It is created per inbound call,
// owned exclusively by that call until dispatch, and discarded afterwards.
type Envelope struct {
	// Alias is the model name the client asked for, untouched.
	Alias string

	// Model is the upstream model identifier: the alias with its routing
	// prefix stripped for external providers, the alias itself for local.
	Model string

	// Payload is the request body to forward. For external providers the
	// "model" field is rewritten to Model; for local it is the inbound
	// payload byte-for-byte.
	Payload []byte

	// Identity is the resolved provider tag. Immutable once set.
	Identity catalog.Identity

	// Endpoint and Credential are the resolved connection parameters.
	Endpoint   string
	Credential string
}

// MissingCredentialError reports an alias that matched an external provider
// with no usable credential configured.
type MissingCredentialError struct {
	Identity catalog.Identity
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("routing: no credential configured for provider %s", e.Identity)
}

// Resolver classifies aliases against the catalog and builds envelopes.
// It is stateless and safe for concurrent use.
type Resolver struct {
	cat *catalog.Catalog
}

// NewResolver creates a Resolver over the given catalog.
func NewResolver(cat *catalog.Catalog) *Resolver {
	return &Resolver{cat: cat}
}

// Resolve classifies alias and returns the rewritten envelope.
//
// Unmatched aliases route to the local runtime with the payload passed
// through unmodified. Matched external aliases have the routing prefix
// stripped from the model name and the payload's "model" field rewritten
// to the upstream identifier.
func (r *Resolver) Resolve(alias string, payload []byte) (*Envelope, error) {
	route, ok := r.cat.Match(alias)
	if !ok {
		return r.resolveLocal(alias, payload), nil
	}

	prov, ok := r.cat.Provider(route.Identity)
	if !ok {
		// Catalog construction validates route targets; treat a gap as local
		// rather than failing the request.
		return r.resolveLocal(alias, payload), nil
	}

	if prov.Credential == "" {
		return nil, &MissingCredentialError{Identity: route.Identity}
	}

	model := strings.TrimPrefix(alias, route.Prefix)
	rewritten, err := rewriteModel(payload, model)
	if err != nil {
		return nil, fmt.Errorf("routing: rewrite payload for %s: %w", route.Identity, err)
	}

	return &Envelope{
		Alias:      alias,
		Model:      model,
		Payload:    rewritten,
		Identity:   route.Identity,
		Endpoint:   prov.Endpoint,
		Credential: prov.Credential,
	}, nil
}

// resolveLocal builds a pass-through envelope for the local runtime.
// Endpoint falls back to the catalog's local entry; the payload and model
// name are left untouched.
func (r *Resolver) resolveLocal(alias string, payload []byte) *Envelope {
	env := &Envelope{
		Alias:    alias,
		Model:    alias,
		Payload:  payload,
		Identity: catalog.Local,
	}
	if prov, ok := r.cat.Provider(catalog.Local); ok {
		env.Endpoint = prov.Endpoint
	}
	return env
}

// rewriteModel replaces the top-level "model" field of a JSON object body
// with the upstream model name, leaving every other field untouched.
func rewriteModel(payload []byte, model string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	name, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	obj["model"] = name

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
