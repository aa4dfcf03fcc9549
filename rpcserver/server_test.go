package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-toolserver/internal/jsonrpc"
	"github.com/ggoodman/mcp-toolserver/tools"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *tools.Registry) {
	t.Helper()
	s := New(Implementation{Name: "test-server", Version: "1.2.3"}, opts...)
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
	return s, reg
}

// roundTrip sends raw through HandleMessage and decodes the response generically.
func roundTrip(t *testing.T, s *Server, raw string) map[string]any {
	t.Helper()
	resp := s.HandleMessage(context.Background(), []byte(raw))
	if resp == nil {
		t.Fatalf("expected a response for %s", raw)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return out
}

func errorCode(t *testing.T, out map[string]any) float64 {
	t.Helper()
	e, ok := out["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", out)
	}
	return e["code"].(float64)
}

func TestInitialize(t *testing.T) {
	var hooked InitializeParams
	s, _ := newTestServer(t, WithInitializeHook(func(ctx context.Context, p InitializeParams) { hooked = p }))

	out := roundTrip(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"cli","version":"0"}}}`)
	res := out["result"].(map[string]any)
	if res["protocolVersion"] != "2025-03-26" {
		t.Fatalf("expected echoed protocol version, got %v", res["protocolVersion"])
	}
	caps := res["capabilities"].(map[string]any)
	if _, ok := caps["tools"].(map[string]any); !ok {
		t.Fatalf("expected tools capability, got %v", caps)
	}
	info := res["serverInfo"].(map[string]any)
	if info["name"] != "test-server" || info["version"] != "1.2.3" {
		t.Fatalf("unexpected server info %v", info)
	}
	if hooked.ClientInfo == nil || hooked.ClientInfo.Name != "cli" {
		t.Fatalf("initialize hook not called with params: %+v", hooked)
	}

	out = roundTrip(t, s, `{"jsonrpc":"2.0","id":2,"method":"initialize"}`)
	if got := out["result"].(map[string]any)["protocolVersion"]; got != DefaultProtocolVersion {
		t.Fatalf("expected default protocol version, got %v", got)
	}
}

func TestToolsList(t *testing.T) {
	s, _ := newTestServer(t)
	out := roundTrip(t, s, `{"jsonrpc":"2.0","id":"l","method":"tools/list"}`)
	list := out["result"].(map[string]any)["tools"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(list))
	}
	first := list[0].(map[string]any)
	if first["name"] != "echo" {
		t.Fatalf("unexpected first tool %v", first)
	}
	schema := first["inputSchema"].(map[string]any)
	if schema["type"] != "object" || schema["required"].([]any)[0] != "input" {
		t.Fatalf("unexpected schema %v", schema)
	}
}

func TestToolsCallSuccess(t *testing.T) {
	s, _ := newTestServer(t)
	out := roundTrip(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"input":"hi"}}}`)

	if out["id"] != 1.0 || out["jsonrpc"] != "2.0" {
		t.Fatalf("unexpected envelope %v", out)
	}
	content := out["result"].(map[string]any)["content"].(map[string]any)
	if content["isError"] == true {
		t.Fatalf("unexpected tool error %v", content)
	}
	if inner := content["content"].(map[string]any); inner["echo"] != "hi" {
		t.Fatalf("unexpected tool output %v", inner)
	}
}

func TestToolsCallUnknownTool(t *testing.T) {
	s, _ := newTestServer(t)
	out := roundTrip(t, s, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"missing","arguments":{}}}`)
	if code := errorCode(t, out); code != -32603 {
		t.Fatalf("expected -32603, got %v", code)
	}
	msg := out["error"].(map[string]any)["message"].(string)
	if !strings.Contains(msg, "missing") {
		t.Fatalf("message should name the tool: %q", msg)
	}
	if out["id"] != 5.0 {
		t.Fatalf("id not echoed: %v", out["id"])
	}
}

func TestToolsCallFailureIsResult(t *testing.T) {
	s, _ := newTestServer(t)
	out := roundTrip(t, s, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"boom"}}`)
	if _, isErr := out["error"]; isErr {
		t.Fatalf("tool failure must not be a protocol error: %v", out)
	}
	content := out["result"].(map[string]any)["content"].(map[string]any)
	if content["isError"] != true || content["error"] != "boom" {
		t.Fatalf("unexpected content %v", content)
	}
	if content["content"] != nil {
		t.Fatalf("error result must have null content, got %v", content["content"])
	}
}

func TestToolsCallValidationFailureIsResult(t *testing.T) {
	s, _ := newTestServer(t)
	out := roundTrip(t, s, `{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	content := out["result"].(map[string]any)["content"].(map[string]any)
	if content["isError"] != true || !strings.Contains(content["error"].(string), "input") {
		t.Fatalf("unexpected content %v", content)
	}
}

func TestProtocolErrors(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name   string
		raw    string
		code   float64
		wantID any
	}{
		{name: "unsupported method", raw: `{"jsonrpc":"2.0","id":"x","method":"resources/list"}`, code: -32603, wantID: "x"},
		{name: "wrong version", raw: `{"jsonrpc":"1.0","id":4,"method":"ping"}`, code: -32600, wantID: 4.0},
		{name: "empty body", raw: ``, code: -32700, wantID: nil},
		{name: "garbage", raw: `{nope`, code: -32700, wantID: nil},
		{name: "bad call params", raw: `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":[1]}`, code: -32603, wantID: 6.0},
		{name: "missing call params", raw: `{"jsonrpc":"2.0","id":7,"method":"tools/call"}`, code: -32603, wantID: 7.0},
		{name: "bad initialize params", raw: `{"jsonrpc":"2.0","id":8,"method":"initialize","params":"v1"}`, code: -32603, wantID: 8.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := roundTrip(t, s, tt.raw)
			if code := errorCode(t, out); code != tt.code {
				t.Fatalf("expected code %v, got %v", tt.code, code)
			}
			if out["id"] != tt.wantID {
				t.Fatalf("expected id %v, got %v", tt.wantID, out["id"])
			}
		})
	}

	out := roundTrip(t, s, `{"jsonrpc":"2.0","id":1,"method":"bogus"}`)
	if msg := out["error"].(map[string]any)["message"]; msg != "unsupported method: bogus" {
		t.Fatalf("unexpected message %v", msg)
	}
}

func TestIDEchoIncludingNull(t *testing.T) {
	s, _ := newTestServer(t)
	for _, id := range []string{`1`, `"abc"`, `null`} {
		for _, method := range []string{"ping", "bogus"} {
			raw := `{"jsonrpc":"2.0","id":` + id + `,"method":"` + method + `"}`
			resp := s.HandleMessage(context.Background(), []byte(raw))
			if resp == nil {
				t.Fatalf("no response for %s", raw)
			}
			b, _ := json.Marshal(resp.ID)
			if string(b) != id {
				t.Fatalf("%s: expected id %s, got %s", raw, id, b)
			}
		}
	}
}

func TestNotificationsGetNoResponse(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.HandleRequest(context.Background(), &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "notifications/initialized"})
	if resp != nil {
		t.Fatalf("expected nil response for notification, got %+v", resp)
	}
}

func TestRemoveAndClose(t *testing.T) {
	s, reg := newTestServer(t)
	reg.ClearTools()
	out := roundTrip(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if list := out["result"].(map[string]any)["tools"].([]any); len(list) != 0 {
		t.Fatalf("expected no tools after clear, got %d", len(list))
	}

	_ = reg.RegisterTool(tools.NewFuncTool(tools.Definition{Name: "late"}, func(context.Context, map[string]any) (any, error) { return 1, nil }))
	_ = s.Close()
	out = roundTrip(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if list := out["result"].(map[string]any)["tools"].([]any); len(list) != 0 {
		t.Fatalf("expected no tools after close, got %d", len(list))
	}
}
