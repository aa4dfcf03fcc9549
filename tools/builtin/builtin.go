// Package builtin provides the tools every server registers by default.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-toolserver/apiclient"
	"github.com/ggoodman/mcp-toolserver/auth"
	"github.com/ggoodman/mcp-toolserver/tools"
)

// EchoArgs are the arguments of the echo tool.
type EchoArgs struct {
	Input string `json:"input" jsonschema:"description=Text to echo back"`
}

// EchoResult is the echo tool's output.
type EchoResult struct {
	Echo string `json:"echo"`
}

// Echo returns its input unchanged.
func Echo() tools.Tool {
	return tools.NewTypedTool("echo", "Echo the input text back to the caller.",
		func(ctx context.Context, a EchoArgs) (any, error) {
			return EchoResult{Echo: a.Input}, nil
		})
}

// APIRequestArgs are the arguments of the api_request tool.
type APIRequestArgs struct {
	Path string `json:"path" jsonschema:"description=API path to GET, e.g. /users?page=2"`
}

// APIRequest performs an authenticated GET against the remote API and returns
// the decoded JSON body.
func APIRequest(client *apiclient.Client) tools.Tool {
	return tools.NewTypedTool("api_request", "GET a path on the remote API with the server's credentials.",
		func(ctx context.Context, a APIRequestArgs) (any, error) {
			if !strings.HasPrefix(a.Path, "/") {
				return nil, fmt.Errorf("path must start with /: %q", a.Path)
			}
			var out any
			if err := client.Get(ctx, a.Path, &out); err != nil {
				return nil, err
			}
			return out, nil
		})
}

// AuthStatus reports the authentication manager's current state.
func AuthStatus(m *auth.Manager) tools.Tool {
	return tools.NewTypedTool("auth_status", "Report whether the server holds a valid API credential.",
		func(ctx context.Context, _ struct{}) (any, error) {
			return m.Status(), nil
		})
}

// All returns every builtin tool. client and m may be nil, in which case the
// tools that need them are omitted.
func All(client *apiclient.Client, m *auth.Manager) []tools.Tool {
	ts := []tools.Tool{Echo()}
	if client != nil {
		ts = append(ts, APIRequest(client))
	}
	if m != nil {
		ts = append(ts, AuthStatus(m))
	}
	return ts
}
