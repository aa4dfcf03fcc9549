package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRPCMessage(context.Background(), &RPCMessage{Method: "tools/call", ID: "1", Transport: "http"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "echo"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "sess_1", UserID: "u1"})

	log.With(slog.String("component", "test")).InfoContext(ctx, "tool.call.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	rpc, ok := rec["rpc"].(map[string]any)
	if !ok || rpc["method"] != "tools/call" || rpc["transport"] != "http" {
		t.Fatalf("missing rpc group: %v", rec)
	}
	tool, ok := rec["tool"].(map[string]any)
	if !ok || tool["name"] != "echo" {
		t.Fatalf("missing tool group: %v", rec)
	}
	sess, ok := rec["sess"].(map[string]any)
	if !ok || sess["id"] != "sess_1" {
		t.Fatalf("missing sess group: %v", rec)
	}
	if rec["component"] != "test" {
		t.Fatalf("missing derived attribute: %v", rec)
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken(""); got != "<empty>" {
		t.Fatalf("unexpected: %s", got)
	}
	if got := SanitizeToken("abcdef"); got != "[token:6 chars]" {
		t.Fatalf("unexpected: %s", got)
	}
}

func TestNewNil(t *testing.T) {
	l := New(nil)
	l.Info("discarded")
}
