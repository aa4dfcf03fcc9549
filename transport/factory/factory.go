// Package factory builds and starts a transport from configuration and keeps
// track of the one it started last so it can be shut down later.
package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-toolserver/internal/logctx"
	"github.com/ggoodman/mcp-toolserver/internal/metrics"
	"github.com/ggoodman/mcp-toolserver/transport"
	"github.com/ggoodman/mcp-toolserver/transport/httprpc"
	"github.com/ggoodman/mcp-toolserver/transport/stdio"
	"github.com/ggoodman/mcp-toolserver/transport/wsrpc"
	"github.com/joeshaw/envdecode"
)

// Config selects a transport and carries the settings for each kind. Only
// the section matching Type is consulted.
type Config struct {
	Type      transport.Type
	HTTP      httprpc.Config
	WebSocket wsrpc.Config
}

type envSelector struct {
	Transport string `env:"MCP_TRANSPORT,default=stdio"`
}

// ConfigFromEnv reads MCP_TRANSPORT and the settings of every transport kind.
func ConfigFromEnv() (Config, error) {
	var sel envSelector
	if err := envdecode.Decode(&sel); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, err
	}
	typ, err := transport.ParseType(sel.Transport)
	if err != nil {
		return Config{}, err
	}
	httpCfg, err := httprpc.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("http config: %w", err)
	}
	wsCfg, err := wsrpc.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("websocket config: %w", err)
	}
	return Config{Type: typ, HTTP: httpCfg, WebSocket: wsCfg}, nil
}

// Result describes a started transport. URL and Port are empty for stdio.
type Result struct {
	Type      transport.Type
	Transport transport.Transport
	URL       string
	Port      int
}

// addressable is implemented by transports that listen on a socket.
type addressable interface {
	URL() string
	Port() int
}

// Factory creates transports.
type Factory struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	stdin   io.Reader
	stdout  io.Writer

	mu         sync.Mutex
	active     transport.Transport
	activeType transport.Type
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger handed to every transport.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.log = l }
}

// WithMetrics exposes m on the HTTP transport.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithStdio replaces the process streams used by the stdio transport.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(f *Factory) {
		f.stdin = r
		f.stdout = w
	}
}

// New returns a Factory.
func New(opts ...Option) *Factory {
	f := &Factory{
		log:    slog.New(slog.DiscardHandler),
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = logctx.New(f.log)
	return f
}

// Build instantiates the transport named by cfg.Type without starting it.
func (f *Factory) Build(cfg Config) (transport.Transport, error) {
	switch cfg.Type {
	case transport.TypeStdio, "":
		return stdio.New(stdio.WithIO(f.stdin, f.stdout), stdio.WithLogger(f.log)), nil
	case transport.TypeHTTP:
		return httprpc.New(cfg.HTTP, httprpc.WithLogger(f.log), httprpc.WithMetrics(f.metrics))
	case transport.TypeWebSocket:
		return wsrpc.New(cfg.WebSocket, wsrpc.WithLogger(f.log))
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}

// Create builds the transport, connects it to h and records it as active.
func (f *Factory) Create(ctx context.Context, cfg Config, h transport.Handler) (*Result, error) {
	t, err := f.Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx, h); err != nil {
		return nil, fmt.Errorf("connect %s transport: %w", t.Type(), err)
	}

	res := &Result{Type: t.Type(), Transport: t}
	if a, ok := t.(addressable); ok {
		res.URL = a.URL()
		res.Port = a.Port()
	}

	f.mu.Lock()
	f.active = t
	f.activeType = res.Type
	f.mu.Unlock()

	f.log.InfoContext(ctx, "transport.create",
		slog.String("type", string(res.Type)),
		slog.String("url", res.URL),
	)
	return res, nil
}

// CreateFromEnv is Create with ConfigFromEnv.
func (f *Factory) CreateFromEnv(ctx context.Context, h transport.Handler) (*Result, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return f.Create(ctx, cfg, h)
}

// Active returns the transport most recently started by Create, if any.
func (f *Factory) Active() (transport.Transport, transport.Type) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.activeType
}

// Shutdown closes the active transport and forgets it. It is a no-op when
// nothing is active.
func (f *Factory) Shutdown() error {
	f.mu.Lock()
	t := f.active
	f.active = nil
	f.activeType = ""
	f.mu.Unlock()

	if t == nil {
		return nil
	}
	if err := t.Close(); err != nil {
		return fmt.Errorf("close %s transport: %w", t.Type(), err)
	}
	return nil
}
