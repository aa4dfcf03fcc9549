package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveRPC("tools/call", false)
	m.ObserveRPC("tools/call", true)
	m.ObserveToolCall("echo", false, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.rpcRequests.WithLabelValues("tools/call", OutcomeError)); got != 1 {
		t.Fatalf("expected 1 failed rpc, got %v", got)
	}
	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues("echo", OutcomeOK)); got != 1 {
		t.Fatalf("expected 1 tool call, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "mcp_tool_calls_total") {
		t.Fatalf("metrics output missing tool counter:\n%s", body)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRPC("x", false)
	m.ObserveToolCall("x", true, time.Second)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
