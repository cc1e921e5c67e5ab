package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/relaymesh/llm-dispatch/internal/catalog"
	"github.com/relaymesh/llm-dispatch/internal/dispatch"
	"github.com/relaymesh/llm-dispatch/internal/ratelimit"
	"github.com/relaymesh/llm-dispatch/internal/routing"
)

// --- helpers ----------------------------------------------------------------

// stubTransport records the envelopes it receives and answers with a canned
// upstream response.
type stubTransport struct {
	envelopes []*routing.Envelope
	result    *dispatch.Result
	err       error
}

func (s *stubTransport) Forward(_ context.Context, env *routing.Envelope) (*dispatch.Result, error) {
	s.envelopes = append(s.envelopes, env)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(catalog.DefaultRoutes, []catalog.Provider{
		{Identity: catalog.Groq, Endpoint: "https://api.groq.com/openai/v1", Credential: "gsk-test", Quota: 2},
		{Identity: catalog.OpenAI, Endpoint: "https://api.openai.com/v1", Credential: "sk-test", Quota: 60},
		{Identity: catalog.Local, Endpoint: "http://127.0.0.1:11434/v1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func newTestGateway(t *testing.T, cat *catalog.Catalog, transport dispatch.Transport) *Gateway {
	t.Helper()
	limiter := ratelimit.NewFixedWindow(time.Minute, cat.Quotas())
	pipeline := dispatch.New(routing.NewResolver(cat), limiter, transport, dispatch.Options{})
	return NewGateway(pipeline, GatewayOptions{})
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full route table and middleware chain. Returns an HTTP client
// that routes to it; the listener is closed via t.Cleanup.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// --- dispatch handler -------------------------------------------------------

func TestDispatchChat_ForwardsAndRelaysUpstreamResponse(t *testing.T) {
	upstream := []byte(`{"id":"chatcmpl-1","choices":[]}`)
	transport := &stubTransport{result: &dispatch.Result{
		StatusCode:  http.StatusOK,
		ContentType: "application/json",
		Body:        upstream,
	}}
	client := serveGateway(t, newTestGateway(t, testCatalog(t), transport))

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"openai-o4-mini","messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", resp.StatusCode, body)
	}
	if !bytes.Equal(body, upstream) {
		t.Errorf("body relayed = %s, want upstream bytes unchanged", body)
	}
	if len(transport.envelopes) != 1 {
		t.Fatalf("transport called %d times, want 1", len(transport.envelopes))
	}
	if transport.envelopes[0].Identity != catalog.OpenAI {
		t.Errorf("routed to %s, want openai", transport.envelopes[0].Identity)
	}
	if transport.envelopes[0].Model != "o4-mini" {
		t.Errorf("upstream model = %q, want prefix stripped", transport.envelopes[0].Model)
	}
}

func TestDispatchChat_UnmatchedAliasFallsThroughToLocal(t *testing.T) {
	payload := []byte(`{"model":"unknown-model-xyz","messages":[]}`)
	transport := &stubTransport{result: &dispatch.Result{StatusCode: http.StatusOK, Body: []byte(`{}`)}}
	client := serveGateway(t, newTestGateway(t, testCatalog(t), transport))

	resp := doPost(t, client, "/v1/chat/completions", payload)
	readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	env := transport.envelopes[0]
	if env.Identity != catalog.Local {
		t.Errorf("identity = %s, want local", env.Identity)
	}
	if !bytes.Equal(env.Payload, payload) {
		t.Errorf("local payload modified: %s", env.Payload)
	}
}

func TestDispatchChat_RateLimitedReturns429WithRetryAfter(t *testing.T) {
	transport := &stubTransport{result: &dispatch.Result{StatusCode: http.StatusOK, Body: []byte(`{}`)}}
	client := serveGateway(t, newTestGateway(t, testCatalog(t), transport))

	body := []byte(`{"model":"groq-llama-3.3-70b-versatile","messages":[]}`)

	// Groq quota is 2 in testCatalog.
	for i := 0; i < 2; i++ {
		resp := doPost(t, client, "/v1/chat/completions", body)
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, resp.StatusCode)
		}
	}

	resp := doPost(t, client, "/v1/chat/completions", body)
	respBody := readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	ra := resp.Header.Get("Retry-After")
	secs, err := strconv.Atoi(ra)
	if err != nil {
		t.Fatalf("Retry-After = %q, want integer seconds", ra)
	}
	if secs < 1 || secs > 60 {
		t.Errorf("Retry-After = %d, want within (0, 60]", secs)
	}

	var envlp struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envlp); err != nil {
		t.Fatalf("invalid error body: %s", respBody)
	}
	if envlp.Error.Code != "rate_limit_exceeded" {
		t.Errorf("error code = %q, want rate_limit_exceeded", envlp.Error.Code)
	}

	// The rejected request never reached the transport.
	if len(transport.envelopes) != 2 {
		t.Errorf("transport called %d times, want 2", len(transport.envelopes))
	}
}

func TestDispatchChat_MissingCredentialReturns500(t *testing.T) {
	cat, err := catalog.New(catalog.DefaultRoutes, []catalog.Provider{
		{Identity: catalog.Groq, Endpoint: "https://api.groq.com/openai/v1"}, // no key
		{Identity: catalog.OpenAI, Endpoint: "https://api.openai.com/v1", Credential: "sk-test"},
		{Identity: catalog.Local, Endpoint: "http://127.0.0.1:11434/v1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	transport := &stubTransport{result: &dispatch.Result{StatusCode: http.StatusOK}}
	client := serveGateway(t, newTestGateway(t, cat, transport))

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"groq-llama-3.3-70b-versatile","messages":[]}`))
	respBody := readBody(t, resp)

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var envlp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envlp); err != nil {
		t.Fatal(err)
	}
	if envlp.Error.Code != "missing_credential" {
		t.Errorf("error code = %q, want missing_credential", envlp.Error.Code)
	}
	if len(transport.envelopes) != 0 {
		t.Error("transport must not be called on a credential failure")
	}
}

func TestDispatchChat_InvalidJSONReturns400(t *testing.T) {
	transport := &stubTransport{result: &dispatch.Result{StatusCode: http.StatusOK}}
	client := serveGateway(t, newTestGateway(t, testCatalog(t), transport))

	resp := doPost(t, client, "/v1/chat/completions", []byte(`{not json`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDispatchChat_MissingModelReturns400(t *testing.T) {
	transport := &stubTransport{result: &dispatch.Result{StatusCode: http.StatusOK}}
	client := serveGateway(t, newTestGateway(t, testCatalog(t), transport))

	resp := doPost(t, client, "/v1/chat/completions", []byte(`{"messages":[]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if len(transport.envelopes) != 0 {
		t.Error("transport must not be called without a model field")
	}
}

func TestDispatchChat_UpstreamErrorStatusIsRelayed(t *testing.T) {
	// A 4xx/5xx from the upstream is not an error: the pipeline relays it.
	transport := &stubTransport{result: &dispatch.Result{
		StatusCode:  http.StatusUnauthorized,
		ContentType: "application/json",
		Body:        []byte(`{"error":{"message":"invalid api key"}}`),
	}}
	client := serveGateway(t, newTestGateway(t, testCatalog(t), transport))

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"openai-o4-mini","messages":[]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 relayed from upstream", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("invalid api key")) {
		t.Errorf("upstream error body not relayed: %s", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	transport := &stubTransport{result: &dispatch.Result{StatusCode: http.StatusOK}}
	client := serveGateway(t, newTestGateway(t, testCatalog(t), transport))

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"ok"`)) {
		t.Errorf("health body = %s", body)
	}
}
