package catalog

import (
	"testing"
)

func testProviders() []Provider {
	return []Provider{
		{Identity: Groq, Endpoint: "https://api.groq.com/openai/v1", Credential: "gsk-test", Quota: 30},
		{Identity: OpenAI, Endpoint: "https://api.openai.com/v1", Credential: "sk-test", Quota: 60},
		{Identity: Local, Endpoint: "http://127.0.0.1:11434/v1"},
	}
}

func TestNew_RouteWithoutProvider(t *testing.T) {
	_, err := New([]Route{{Prefix: "groq-", Identity: Groq}}, []Provider{
		{Identity: Local, Endpoint: "http://127.0.0.1:11434/v1"},
	})
	if err == nil {
		t.Fatal("expected error for route referencing unconfigured identity")
	}
}

func TestNew_RoutedIdentityWithoutEndpoint(t *testing.T) {
	_, err := New(DefaultRoutes, []Provider{
		{Identity: Groq, Credential: "gsk-test"}, // endpoint missing
		{Identity: OpenAI, Endpoint: "https://api.openai.com/v1", Credential: "sk-test"},
		{Identity: Local, Endpoint: "http://127.0.0.1:11434/v1"},
	})
	if err == nil {
		t.Fatal("expected error for routed identity without an endpoint")
	}
}

func TestNew_EmptyPrefix(t *testing.T) {
	_, err := New([]Route{{Prefix: "", Identity: Groq}}, testProviders())
	if err == nil {
		t.Fatal("expected error for empty route prefix")
	}
}

func TestMatch_KnownPrefixes(t *testing.T) {
	c, err := New(DefaultRoutes, testProviders())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		alias    string
		expected Identity
	}{
		{"groq-llama-3.3-70b-versatile", Groq},
		{"groq-llama-3.1-8b-instant", Groq},
		{"openai-o4-mini", OpenAI},
		{"openai-gpt-4o", OpenAI},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			r, ok := c.Match(tt.alias)
			if !ok {
				t.Fatalf("Match(%q) found no route", tt.alias)
			}
			if r.Identity != tt.expected {
				t.Errorf("Match(%q) = %s, want %s", tt.alias, r.Identity, tt.expected)
			}
		})
	}
}

func TestMatch_Unmatched(t *testing.T) {
	c, err := New(DefaultRoutes, testProviders())
	if err != nil {
		t.Fatal(err)
	}

	for _, alias := range []string{"qwen3-coder", "unknown-model-xyz", ""} {
		if _, ok := c.Match(alias); ok {
			t.Errorf("Match(%q) matched a route, want no match", alias)
		}
	}
}

func TestMatch_LongestPrefixWins(t *testing.T) {
	routes := []Route{
		{Prefix: "groq-", Identity: Groq},
		{Prefix: "groq-oss-", Identity: OpenAI}, // more specific, declared later
	}
	c, err := New(routes, testProviders())
	if err != nil {
		t.Fatal(err)
	}

	r, ok := c.Match("groq-oss-20b")
	if !ok || r.Identity != OpenAI {
		t.Errorf("longest prefix should win: got %s, want %s", r.Identity, OpenAI)
	}
	r, ok = c.Match("groq-llama-3.1-8b-instant")
	if !ok || r.Identity != Groq {
		t.Errorf("short prefix should still match: got %s, want %s", r.Identity, Groq)
	}
}

func TestMatch_DeclarationOrderBreaksTies(t *testing.T) {
	routes := []Route{
		{Prefix: "gpt-", Identity: OpenAI},
		{Prefix: "gpt-", Identity: Groq},
	}
	c, err := New(routes, testProviders())
	if err != nil {
		t.Fatal(err)
	}

	r, ok := c.Match("gpt-4o")
	if !ok || r.Identity != OpenAI {
		t.Errorf("first declared route should win ties: got %s, want %s", r.Identity, OpenAI)
	}
}

func TestQuotas(t *testing.T) {
	c, err := New(DefaultRoutes, testProviders())
	if err != nil {
		t.Fatal(err)
	}

	q := c.Quotas()
	if q[Groq] != 30 {
		t.Errorf("groq quota = %d, want 30", q[Groq])
	}
	if q[OpenAI] != 60 {
		t.Errorf("openai quota = %d, want 60", q[OpenAI])
	}
	if q[Local] != 0 {
		t.Errorf("local quota = %d, want 0 (unlimited)", q[Local])
	}
}

func TestIdentityString(t *testing.T) {
	tests := []struct {
		id   Identity
		want string
	}{
		{Groq, "groq"},
		{OpenAI, "openai"},
		{Local, "local"},
		{Unknown, "unknown"},
		{Identity(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("Identity(%d).String() = %q, want %q", tt.id, got, tt.want)
		}
	}
}
