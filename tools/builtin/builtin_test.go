package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/mcp-toolserver/apiclient"
	"github.com/ggoodman/mcp-toolserver/auth"
	"github.com/ggoodman/mcp-toolserver/tools"
)

func TestEcho(t *testing.T) {
	res := tools.SafeExecute(context.Background(), Echo(), map[string]any{"input": "hi"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if got := res.Content.(EchoResult); got.Echo != "hi" {
		t.Fatalf("unexpected content %+v", got)
	}

	res = tools.SafeExecute(context.Background(), Echo(), map[string]any{})
	if !res.IsError {
		t.Fatalf("missing input must fail validation")
	}
}

func TestAPIRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/widgets" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"count":3}`))
	}))
	defer srv.Close()

	client, err := apiclient.New(apiclient.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("apiclient.New: %v", err)
	}
	tool := APIRequest(client)

	res := tools.SafeExecute(context.Background(), tool, map[string]any{"path": "/widgets"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	body, ok := res.Content.(map[string]any)
	if !ok || body["count"] != 3.0 {
		t.Fatalf("unexpected content %#v", res.Content)
	}

	res = tools.SafeExecute(context.Background(), tool, map[string]any{"path": "/nope"})
	if !res.IsError {
		t.Fatalf("404 must surface as error result")
	}

	res = tools.SafeExecute(context.Background(), tool, map[string]any{"path": "relative"})
	if !res.IsError {
		t.Fatalf("relative path must be rejected")
	}
}

func TestAll(t *testing.T) {
	if got := len(All(nil, nil)); got != 1 {
		t.Fatalf("expected only echo without dependencies, got %d", got)
	}

	client, _ := apiclient.New(apiclient.Config{})
	m := auth.NewManager(client, auth.Config{})
	ts := All(client, m)
	if len(ts) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(ts))
	}

	res := tools.SafeExecute(context.Background(), ts[2], nil)
	if res.IsError {
		t.Fatalf("auth_status failed: %s", res.Error)
	}
	if st := res.Content.(auth.Status); st.Authenticated {
		t.Fatalf("fresh manager must not be authenticated")
	}
}
