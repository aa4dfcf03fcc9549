package httprpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-toolserver/internal/metrics"
	"github.com/ggoodman/mcp-toolserver/rpcserver"
	"github.com/ggoodman/mcp-toolserver/tools"
)

func newHandler(t *testing.T) *rpcserver.Server {
	t.Helper()
	s := rpcserver.New(rpcserver.Implementation{Name: "http-test", Version: "0.0.1"})
	reg := tools.NewRegistry()
	echo := tools.NewFuncTool(tools.Definition{
		Name: "echo",
		InputSchema: tools.InputSchema{
			Type:       "object",
			Properties: map[string]tools.Property{"input": {Type: "string"}},
			Required:   []string{"input"},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"echo": args["input"]}, nil
	})
	boom := tools.NewFuncTool(tools.Definition{Name: "boom"}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	for _, tool := range []tools.Tool{echo, boom} {
		if err := reg.RegisterTool(tool); err != nil {
			t.Fatalf("RegisterTool: %v", err)
		}
	}
	reg.Attach(s)
	return s
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) *httptest.Server {
	t.Helper()
	tr, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(tr.Handler(newHandler(t)))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+RPCPath, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
	}
	return resp, out
}

func TestToolCallSuccess(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, out := post(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"input":"hi"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if out["id"] != float64(1) {
		t.Fatalf("expected id 1, got %v", out["id"])
	}
	res := out["result"].(map[string]any)
	content := res["content"].(map[string]any)
	if content["isError"] != false {
		t.Fatalf("expected isError=false, got %v", content)
	}
	inner := content["content"].(map[string]any)
	if inner["echo"] != "hi" {
		t.Fatalf("expected echo hi, got %v", inner)
	}
}

func TestUnknownToolIsInternalError(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, out := post(t, srv.URL, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope","arguments":{}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	e := out["error"].(map[string]any)
	if e["code"] != float64(-32603) {
		t.Fatalf("expected -32603, got %v", e["code"])
	}
	if !strings.Contains(e["message"].(string), "nope") {
		t.Fatalf("expected tool name in message, got %v", e["message"])
	}
}

func TestToolFailureIsResult(t *testing.T) {
	srv := newTestServer(t, Config{})
	_, out := post(t, srv.URL, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"boom","arguments":{}}}`)
	if _, ok := out["error"]; ok {
		t.Fatalf("expected success envelope, got %v", out)
	}
	content := out["result"].(map[string]any)["content"].(map[string]any)
	if content["isError"] != true || content["error"] != "boom" {
		t.Fatalf("unexpected content %v", content)
	}
}

func TestProtocolErrors(t *testing.T) {
	srv := newTestServer(t, Config{})
	tests := []struct {
		name string
		body string
		code float64
	}{
		{"empty body", ``, -32700},
		{"malformed", `{"jsonrpc":`, -32700},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, -32600},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"nope"}`, -32603},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := post(t, srv.URL, tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			if got := out["error"].(map[string]any)["code"]; got != tt.code {
				t.Fatalf("expected %v, got %v", tt.code, got)
			}
		})
	}
}

func TestNotificationAccepted(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, _ := post(t, srv.URL, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
}

func TestRejectsNonJSONContentType(t *testing.T) {
	srv := newTestServer(t, Config{})
	resp, err := http.Post(srv.URL+RPCPath, "text/plain", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestBodyLimit(t *testing.T) {
	srv := newTestServer(t, Config{MaxBodyBytes: 16})
	resp, _ := post(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}`)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestHealthAndNotFound(t *testing.T) {
	srv := newTestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	resp.Body.Close()
	if health.Status != "ok" || health.Transport != "http" {
		t.Fatalf("unexpected health %+v", health)
	}
	if _, err := time.Parse(time.RFC3339, health.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", health.Timestamp, err)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected X-Request-Id header")
	}

	resp, err = http.Get(srv.URL + "/nowhere")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{}, WithMetrics(metrics.New()))
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, Config{CORSOrigin: "https://app.example.com"})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+RPCPath, nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allowed origin, got %q", got)
	}

	req, _ = http.NewRequest(http.MethodOptions, srv.URL+RPCPath, nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allowed origin, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimitEnabled: true, RateLimit: 2, RateLimitWindow: time.Hour})
	for i := 0; i < 2; i++ {
		resp, _ := post(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
	resp, out := post(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if ra, _ := strconv.Atoi(resp.Header.Get("Retry-After")); ra < 3500 || ra > 3600 {
		t.Fatalf("expected Retry-After near the window length, got %q", resp.Header.Get("Retry-After"))
	}
	if out["error"].(map[string]any)["code"] != float64(http.StatusTooManyRequests) {
		t.Fatalf("unexpected body %v", out)
	}
}

func TestRateLimitWindowResets(t *testing.T) {
	cl := newClientLimiter(2, time.Minute)
	start := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if ok, _ := cl.allow("a", start.Add(time.Duration(i)*time.Second)); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, wait := cl.allow("a", start.Add(20*time.Second))
	if ok {
		t.Fatalf("third request in the window should be rejected")
	}
	if wait != 40*time.Second || retryAfter(wait) != "40" {
		t.Fatalf("expected 40s until reset, got %v", wait)
	}
	if ok, _ := cl.allow("b", start.Add(20*time.Second)); !ok {
		t.Fatalf("other clients have their own window")
	}

	// No refill inside the window.
	if ok, _ := cl.allow("a", start.Add(59*time.Second)); ok {
		t.Fatalf("window must not refill before it ends")
	}
	for i := 0; i < 2; i++ {
		if ok, _ := cl.allow("a", start.Add(time.Minute+time.Duration(i)*time.Second)); !ok {
			t.Fatalf("request %d after reset should be allowed", i)
		}
	}
	if ok, _ := cl.allow("a", start.Add(time.Minute+2*time.Second)); ok {
		t.Fatalf("new window holds the same limit")
	}
	if retryAfter(300*time.Millisecond) != "1" {
		t.Fatalf("Retry-After is at least one second")
	}
}

func TestClientIPTrustsProxiesOnly(t *testing.T) {
	tr, err := New(Config{TrustedProxies: "10.0.0.0/8, 192.168.1.1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		remote string
		xff    string
		want   string
	}{
		{"10.1.2.3:5000", "203.0.113.9, 10.1.2.3", "203.0.113.9"},
		{"192.168.1.1:5000", "198.51.100.7", "198.51.100.7"},
		{"198.51.100.1:5000", "203.0.113.9", "198.51.100.1"},
		{"10.1.2.3:5000", "", "10.1.2.3"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, RPCPath, nil)
		r.RemoteAddr = tt.remote
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := tr.clientIP(r); got != tt.want {
			t.Fatalf("clientIP(%s, %q) = %q, want %q", tt.remote, tt.xff, got, tt.want)
		}
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Port: 70000}); err == nil {
		t.Fatalf("expected port error")
	}
	if _, err := New(Config{TrustedProxies: "not-an-ip"}); err == nil {
		t.Fatalf("expected proxy parse error")
	}
}

func TestConnectEphemeralPort(t *testing.T) {
	tr, err := New(Config{Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Connect(context.Background(), newHandler(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	if !tr.IsActive() || tr.Port() == 0 {
		t.Fatalf("expected active transport on a real port, got %d", tr.Port())
	}
	resp, out := post(t, tr.URL(), `{"jsonrpc":"2.0","id":"a","method":"ping"}`)
	if resp.StatusCode != http.StatusOK || out["id"] != "a" {
		t.Fatalf("unexpected ping response %d %v", resp.StatusCode, out)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tr.IsActive() {
		t.Fatalf("expected inactive after Close")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
