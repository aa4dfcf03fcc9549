// Package transport defines the contract shared by the stdio, HTTP and
// WebSocket transports. Implementations live in subpackages; the factory
// subpackage selects and starts one from configuration.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-toolserver/internal/jsonrpc"
)

// Type names a transport kind.
type Type string

const (
	TypeStdio     Type = "stdio"
	TypeHTTP      Type = "http"
	TypeWebSocket Type = "websocket"
)

// ParseType maps a user-supplied name onto a Type. "ws" is accepted as an
// alias for websocket. The empty string yields stdio.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stdio":
		return TypeStdio, nil
	case "http":
		return TypeHTTP, nil
	case "websocket", "ws":
		return TypeWebSocket, nil
	default:
		return "", fmt.Errorf("unknown transport type %q", s)
	}
}

// Handler processes JSON-RPC traffic on behalf of a transport.
type Handler interface {
	// HandleRequest dispatches a decoded request. It returns nil for
	// notifications that need no reply.
	HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response

	// HandleMessage decodes and dispatches one raw envelope. Decoding
	// failures are returned as error responses.
	HandleMessage(ctx context.Context, data []byte) *jsonrpc.Response
}

// Transport carries JSON-RPC envelopes between clients and a Handler.
type Transport interface {
	// Connect binds the transport to h and starts serving. It returns once
	// the transport is ready; listener errors are returned here.
	Connect(ctx context.Context, h Handler) error

	// Close stops serving. It is safe to call before Connect and more than
	// once.
	Close() error

	IsActive() bool
	Type() Type
}

type typeKey struct{}

// WithType records on ctx which transport a request arrived on.
func WithType(ctx context.Context, t Type) context.Context {
	return context.WithValue(ctx, typeKey{}, t)
}

// TypeFromContext returns the transport recorded by WithType, or "".
func TypeFromContext(ctx context.Context) Type {
	t, _ := ctx.Value(typeKey{}).(Type)
	return t
}
