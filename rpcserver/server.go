// Package rpcserver implements the JSON-RPC method surface shared by every
// transport: initialize, tools/list, tools/call and ping.
//
// A Server is a tools.Host: a tools.Registry attached to it publishes its
// tools here, and tools/call dispatches back through the registry's invoker.
// It is also a transport.Handler, so any transport can feed it envelopes.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-toolserver/internal/jsonrpc"
	"github.com/ggoodman/mcp-toolserver/internal/logctx"
	"github.com/ggoodman/mcp-toolserver/internal/metrics"
	"github.com/ggoodman/mcp-toolserver/tools"
	"github.com/ggoodman/mcp-toolserver/transport"
)

// DefaultProtocolVersion is reported when the client does not name one.
const DefaultProtocolVersion = "2024-11-05"

const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
	MethodPing       = "ping"
)

// Implementation identifies the server to clients.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      *Implementation `json:"clientInfo,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
}

type Capabilities struct {
	Tools struct{} `json:"tools"`
}

type ListToolsResult struct {
	Tools []tools.Definition `json:"tools"`
}

type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult wraps the tool's Result under "content".
type CallToolResult struct {
	Content tools.Result `json:"content"`
}

// InitializeHook runs after a successful initialize.
type InitializeHook func(ctx context.Context, params InitializeParams)

type toolEntry struct {
	def    tools.Definition
	invoke tools.Invoker
}

// Server dispatches JSON-RPC requests.
type Server struct {
	info    Implementation
	log     *slog.Logger
	metrics *metrics.Metrics
	onInit  InitializeHook

	mu    sync.RWMutex
	tools map[string]toolEntry
	order []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics counts handled requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithInitializeHook registers fn to run after each initialize request.
func WithInitializeHook(fn InitializeHook) Option {
	return func(s *Server) { s.onInit = fn }
}

// New creates a Server.
func New(info Implementation, opts ...Option) *Server {
	s := &Server{
		info:  info,
		log:   slog.New(slog.DiscardHandler),
		tools: make(map[string]toolEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.New(s.log)
	return s
}

// Info returns the server's name and version.
func (s *Server) Info() Implementation { return s.info }

// AddTool publishes a tool, replacing any with the same name.
func (s *Server) AddTool(def tools.Definition, invoke tools.Invoker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[def.Name]; !exists {
		s.order = append(s.order, def.Name)
	}
	s.tools[def.Name] = toolEntry{def: def, invoke: invoke}
}

// RemoveTool withdraws a tool.
func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[name]; !exists {
		return
	}
	delete(s.tools, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
}

// Close withdraws every tool.
func (s *Server) Close() error {
	s.mu.Lock()
	s.tools = make(map[string]toolEntry)
	s.order = nil
	s.mu.Unlock()
	return nil
}

// HandleMessage decodes one envelope and dispatches it.
func (s *Server) HandleMessage(ctx context.Context, data []byte) *jsonrpc.Response {
	req, errResp := jsonrpc.ParseRequest(data)
	if errResp != nil {
		s.metrics.ObserveRPC("invalid", true)
		s.log.DebugContext(ctx, "rpc.parse.fail", slog.String("err", errResp.Error.Message))
		return errResp
	}
	return s.HandleRequest(ctx, req)
}

// HandleRequest dispatches a decoded request. Every request gets a response
// echoing its id; only id-less notifications/* messages return nil.
func (s *Server) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() && strings.HasPrefix(req.Method, "notifications/") {
		s.log.DebugContext(ctx, "rpc.notification", slog.String("method", req.Method))
		return nil
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method:    req.Method,
		ID:        req.ID.String(),
		Transport: string(transport.TypeFromContext(ctx)),
	})

	result, err := s.dispatch(ctx, req)
	s.metrics.ObserveRPC(metricMethod(req.Method), err != nil)
	if err != nil {
		s.log.InfoContext(ctx, "rpc.request.fail", slog.String("err", err.Error()))
		return jsonrpc.ErrorResponseFrom(req.ID, err)
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		s.log.ErrorContext(ctx, "rpc.response.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.ErrorResponseFrom(req.ID, err)
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) (any, error) {
	switch req.Method {
	case MethodInitialize:
		return s.initialize(ctx, req.Params)
	case MethodToolsList:
		return ListToolsResult{Tools: s.definitions()}, nil
	case MethodToolsCall:
		return s.callTool(ctx, req.Params)
	case MethodPing:
		return struct{}{}, nil
	default:
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "unsupported method: %s", req.Method)
	}
}

func (s *Server) initialize(ctx context.Context, raw json.RawMessage) (*InitializeResult, error) {
	var params InitializeParams
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "invalid initialize params: %v", err)
		}
	}

	version := params.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}

	if s.onInit != nil {
		s.onInit(ctx, params)
	}

	attrs := []any{slog.String("protocol_version", version)}
	if params.ClientInfo != nil {
		attrs = append(attrs, slog.String("client", params.ClientInfo.Name))
	}
	s.log.InfoContext(ctx, "rpc.initialize", attrs...)

	return &InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      s.info,
	}, nil
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (*CallToolResult, error) {
	var params CallToolParams
	if len(raw) == 0 {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "tools/call requires params")
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "invalid tools/call params: %v", err)
	}

	s.mu.RLock()
	entry, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "%s: %s", tools.ErrToolNotRegistered, params.Name)
	}

	res, err := entry.invoke(ctx, params.Arguments)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotRegistered) {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "%s", err.Error())
		}
		return nil, err
	}
	return &CallToolResult{Content: res}, nil
}

func (s *Server) definitions() []tools.Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]tools.Definition, 0, len(s.order))
	for _, name := range s.order {
		defs = append(defs, s.tools[name].def)
	}
	return defs
}

// metricMethod bounds label cardinality to the known methods.
func metricMethod(m string) string {
	switch m {
	case MethodInitialize, MethodToolsList, MethodToolsCall, MethodPing:
		return m
	default:
		return "other"
	}
}

var (
	_ tools.Host        = (*Server)(nil)
	_ transport.Handler = (*Server)(nil)
)
