package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ggoodman/mcp-toolserver/internal/jsonrpc"
	"github.com/ggoodman/mcp-toolserver/transport"
	"github.com/sourcegraph/jsonrpc2"
)

// stubHandler answers ping and fails everything else with -32603.
type stubHandler struct {
	seen chan *jsonrpc.Request
}

func (h stubHandler) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if h.seen != nil {
		h.seen <- req
	}
	if transport.TypeFromContext(ctx) != transport.TypeStdio {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "missing transport type", nil)
	}
	if req.IsNotification() {
		return nil
	}
	if req.Method == "ping" {
		resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]string{"pong": req.ID.String()})
		return resp
	}
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "unsupported method: "+req.Method, nil)
}

func (h stubHandler) HandleMessage(ctx context.Context, data []byte) *jsonrpc.Response {
	req, errResp := jsonrpc.ParseRequest(data)
	if errResp != nil {
		return errResp
	}
	return h.HandleRequest(ctx, req)
}

type pipeRWC struct {
	io.Reader
	io.Writer
}

func (p pipeRWC) Close() error { return nil }

type noopHandler struct{}

func (noopHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}

// connectPair wires a Transport to an in-process jsonrpc2 client.
func connectPair(t *testing.T, h transport.Handler) (*Transport, *jsonrpc2.Conn) {
	t.Helper()
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	tr := New(WithIO(serverIn, serverOut))
	if err := tr.Connect(context.Background(), h); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	client := jsonrpc2.NewConn(context.Background(),
		jsonrpc2.NewBufferedStream(pipeRWC{Reader: clientIn, Writer: clientOut}, jsonrpc2.PlainObjectCodec{}),
		noopHandler{},
	)
	t.Cleanup(func() {
		_ = client.Close()
		_ = tr.Close()
	})
	return tr, client
}

func TestRoundTrip(t *testing.T) {
	tr, client := connectPair(t, stubHandler{})
	if !tr.IsActive() || tr.Type() != transport.TypeStdio {
		t.Fatalf("expected active stdio transport")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out map[string]string
	if err := client.Call(ctx, "ping", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["pong"] == "" {
		t.Fatalf("unexpected result %v", out)
	}

	err := client.Call(ctx, "bogus", nil, &out)
	var rpcErr *jsonrpc2.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *jsonrpc2.Error, got %v", err)
	}
	if rpcErr.Code != int64(jsonrpc.ErrorCodeInternalError) || rpcErr.Message != "unsupported method: bogus" {
		t.Fatalf("unexpected error %+v", rpcErr)
	}
}

func TestStringIDsAndNotifications(t *testing.T) {
	seen := make(chan *jsonrpc.Request, 4)
	_, client := connectPair(t, stubHandler{seen: seen})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Notify(ctx, "notifications/initialized", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	select {
	case req := <-seen:
		if !req.IsNotification() || req.Method != "notifications/initialized" {
			t.Fatalf("unexpected notification %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("notification not delivered")
	}

	var out map[string]string
	if err := client.Call(ctx, "ping", nil, &out, jsonrpc2.PickID(jsonrpc2.ID{Str: "abc", IsString: true})); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["pong"] != "abc" {
		t.Fatalf("string id not preserved: %v", out)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := New()
	if err := tr.Close(); err != nil {
		t.Fatalf("Close before Connect: %v", err)
	}

	tr, _ = connectPair(t, stubHandler{})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if tr.IsActive() {
		t.Fatalf("expected inactive after Close")
	}
}

func TestConnectTwiceIsNoop(t *testing.T) {
	tr, _ := connectPair(t, stubHandler{})
	first := tr.conn
	if err := tr.Connect(context.Background(), stubHandler{}); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if tr.conn != first {
		t.Fatalf("second Connect replaced the connection")
	}
}

func TestMalformedLineKeepsSessionAlive(t *testing.T) {
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	tr := New(WithIO(serverIn, serverOut))
	if err := tr.Connect(context.Background(), stubHandler{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		_ = clientOut.Close()
		_ = clientIn.Close()
		_ = tr.Close()
	})

	lines := make(chan []byte, 8)
	go func() {
		r := bufio.NewReader(clientIn)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	send := func(s string) {
		t.Helper()
		if _, err := io.WriteString(clientOut, s+"\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	next := func() *jsonrpc.Response {
		t.Helper()
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed")
			}
			var resp jsonrpc.Response
			if err := json.Unmarshal(line, &resp); err != nil {
				t.Fatalf("decode %q: %v", line, err)
			}
			return &resp
		case <-time.After(2 * time.Second):
			t.Fatalf("no response")
		}
		return nil
	}

	send("not json")
	resp := next()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError || !resp.ID.IsNil() {
		t.Fatalf("expected parse error with null id, got %+v", resp)
	}

	send(`{"jsonrpc":"1.0","id":7,"method":"ping"}`)
	resp = next()
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest || resp.ID.String() != "7" {
		t.Fatalf("expected invalid request for id 7, got %+v", resp)
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	resp = next()
	if resp.Error != nil || resp.ID.String() != "1" {
		t.Fatalf("expected ping result for id 1, got %+v", resp)
	}

	send(`{"jsonrpc":"2.0","id":-5,"method":"ping"}`)
	resp = next()
	if resp.Error != nil || resp.ID.String() != "-5" {
		t.Fatalf("expected ping result for id -5, got %+v", resp)
	}

	if !tr.IsActive() {
		t.Fatalf("transport went inactive after a malformed line")
	}
}
