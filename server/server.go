// Package server ties a tool registry, a session manager, the shared
// authentication manager and one transport into a runnable protocol server,
// and manages any number of such servers by id.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-toolserver/auth"
	"github.com/ggoodman/mcp-toolserver/internal/logctx"
	"github.com/ggoodman/mcp-toolserver/internal/metrics"
	"github.com/ggoodman/mcp-toolserver/rpcserver"
	"github.com/ggoodman/mcp-toolserver/sessions"
	"github.com/ggoodman/mcp-toolserver/storage"
	"github.com/ggoodman/mcp-toolserver/tools"
	"github.com/ggoodman/mcp-toolserver/transport"
	"github.com/ggoodman/mcp-toolserver/transport/factory"
)

// Config describes one server instance.
type Config struct {
	Name    string
	Version string

	// AuthEnabled makes Start attempt one login with the configured
	// credentials.
	AuthEnabled bool

	// SessionID names a session created by an earlier run. Start confirms
	// it still exists or replaces it with a fresh one.
	SessionID string

	// Transport overrides the environment-driven transport settings.
	Transport *factory.Config

	Tools    []tools.Tool
	Sessions sessions.Config
}

// Deps are collaborators shared between server instances.
type Deps struct {
	Auth    *auth.Manager
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Status is a read-only snapshot of a Server.
type Status struct {
	Running      bool           `json:"isRunning"`
	Transport    transport.Type `json:"transportType,omitempty"`
	URL          string         `json:"url,omitempty"`
	ToolCount    int            `json:"toolCount"`
	SessionID    string         `json:"sessionId,omitempty"`
	SessionStats storage.Stats  `json:"sessionStats"`
	Auth         auth.Status    `json:"authStatus"`
}

// Server is a single protocol server. It moves between stopped and started;
// Start and Stop are both idempotent.
type Server struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	registry *tools.Registry
	sessions *sessions.Manager
	factory  *factory.Factory

	mu        sync.Mutex
	started   bool
	rpc       *rpcserver.Server
	transport transport.Transport
	ttype     transport.Type
	url       string
	stopSweep context.CancelFunc
	swept     chan struct{}

	sessMu    sync.Mutex
	sessionID string
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	sessions   *sessions.Manager
	factoryOpt []factory.Option
}

// WithSessionManager shares an existing session manager instead of building
// one from Config.Sessions.
func WithSessionManager(m *sessions.Manager) Option {
	return func(o *serverOptions) { o.sessions = m }
}

// WithStdio replaces the process streams used by the stdio transport.
func WithStdio(r io.Reader, w io.Writer) Option {
	return func(o *serverOptions) { o.factoryOpt = append(o.factoryOpt, factory.WithStdio(r, w)) }
}

// New builds a stopped Server. Tools in cfg are registered immediately.
func New(ctx context.Context, cfg Config, deps Deps, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Name == "" {
		cfg.Name = "mcp-toolserver"
	}
	if cfg.Version == "" {
		cfg.Version = "0.0.0"
	}

	log := logctx.New(deps.Logger)

	registry := tools.NewRegistry(tools.WithLogger(log), tools.WithMetrics(deps.Metrics))
	for _, t := range cfg.Tools {
		if err := registry.RegisterTool(t); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}

	sm := o.sessions
	if sm == nil {
		var err error
		sm, err = sessions.NewManager(ctx, cfg.Sessions, sessions.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("session manager: %w", err)
		}
	}

	fopts := append([]factory.Option{factory.WithLogger(log), factory.WithMetrics(deps.Metrics)}, o.factoryOpt...)

	return &Server{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		registry:  registry,
		sessions:  sm,
		factory:   factory.New(fopts...),
		sessionID: cfg.SessionID,
	}, nil
}

// Registry returns the server's tool registry.
func (s *Server) Registry() *tools.Registry { return s.registry }

// Sessions returns the server's session manager.
func (s *Server) Sessions() *sessions.Manager { return s.sessions }

// SessionID returns the session bound to this server, if any.
func (s *Server) SessionID() string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sessionID
}

// Running reports whether the server is started.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Start connects the server to a transport. An empty t falls back to the
// configured transport, then MCP_TRANSPORT, then stdio. Starting a started
// server is a no-op.
func (s *Server) Start(ctx context.Context, t transport.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	tcfg, err := s.transportConfig(t)
	if err != nil {
		s.log.ErrorContext(ctx, "server.start.fail", slog.String("err", err.Error()))
		return err
	}

	rpc := rpcserver.New(
		rpcserver.Implementation{Name: s.cfg.Name, Version: s.cfg.Version},
		rpcserver.WithLogger(s.log),
		rpcserver.WithMetrics(s.deps.Metrics),
		rpcserver.WithInitializeHook(s.onInitialize),
	)
	s.registry.Attach(rpc)

	var (
		tr  transport.Transport
		url string
	)
	if tcfg.Type == transport.TypeStdio {
		tr, err = s.factory.Build(tcfg)
		if err == nil {
			err = tr.Connect(ctx, rpc)
		}
	} else {
		var res *factory.Result
		res, err = s.factory.Create(ctx, tcfg, rpc)
		if res != nil {
			tr, url = res.Transport, res.URL
		}
	}
	if err != nil {
		_ = rpc.Close()
		s.log.ErrorContext(ctx, "server.start.fail",
			slog.String("transport", string(tcfg.Type)),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("start %s transport: %w", tcfg.Type, err)
	}

	s.rpc = rpc
	s.transport = tr
	s.ttype = tcfg.Type
	s.url = url
	s.started = true

	if s.cfg.AuthEnabled && s.deps.Auth != nil {
		if !s.deps.Auth.Login(ctx, "", "") {
			s.log.WarnContext(ctx, "server.auth.login.fail")
		}
	}
	s.confirmSession(ctx)

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopSweep = cancel
	s.swept = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := s.sessions.Run(sweepCtx); err != nil {
			s.log.WarnContext(sweepCtx, "server.sweep.err", slog.String("err", err.Error()))
		}
	}(s.swept)

	s.log.InfoContext(ctx, "server.start",
		slog.String("name", s.cfg.Name),
		slog.String("transport", string(tcfg.Type)),
		slog.String("url", url),
		slog.Int("tools", s.registry.GetToolCount()),
	)
	return nil
}

func (s *Server) transportConfig(t transport.Type) (factory.Config, error) {
	var cfg factory.Config
	if s.cfg.Transport != nil {
		cfg = *s.cfg.Transport
	} else {
		var err error
		if cfg, err = factory.ConfigFromEnv(); err != nil {
			return factory.Config{}, fmt.Errorf("transport config: %w", err)
		}
	}
	if t != "" {
		cfg.Type = t
	}
	if cfg.Type == "" {
		cfg.Type = transport.TypeStdio
	}
	return cfg, nil
}

// Stop disconnects the transport and stops the session sweeper. Stopping a
// stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	s.stopSweep()
	<-s.swept

	var errs []error
	if s.ttype == transport.TypeStdio {
		errs = append(errs, s.transport.Close())
	} else {
		errs = append(errs, s.factory.Shutdown())
	}
	errs = append(errs, s.rpc.Close())

	s.started = false
	s.rpc = nil
	s.transport = nil
	s.url = ""

	s.log.Info("server.stop", slog.String("name", s.cfg.Name), slog.String("transport", string(s.ttype)))
	return errors.Join(errs...)
}

// Close stops the server and releases its session backend.
func (s *Server) Close() error {
	return errors.Join(s.Stop(), s.sessions.Close())
}

// Status snapshots the server. It is safe to call before Start.
func (s *Server) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		Running:   s.started,
		Transport: s.ttype,
		URL:       s.url,
	}
	s.mu.Unlock()

	st.ToolCount = s.registry.GetToolCount()
	st.SessionID = s.SessionID()
	st.Auth = s.deps.Auth.Status()

	stats, err := s.sessions.GetSessionStats(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "server.status.sessions.err", slog.String("err", err.Error()))
	}
	st.SessionStats = stats
	return st
}

func (s *Server) identity() []sessions.CreateOption {
	if s.deps.Auth == nil {
		return nil
	}
	uid, org, tenant := s.deps.Auth.Identity()
	return []sessions.CreateOption{
		sessions.WithUser(uid),
		sessions.WithOrganization(org),
		sessions.WithTenant(tenant),
	}
}

// confirmSession keeps a session named in Config if it is still live and
// otherwise creates a fresh one.
func (s *Server) confirmSession(ctx context.Context) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.sessionID == "" {
		return
	}

	sess, err := s.sessions.FindSession(ctx, s.sessionID)
	if err != nil {
		s.log.WarnContext(ctx, "server.session.find.err", slog.String("err", err.Error()))
	}
	if sess != nil {
		return
	}

	id, err := s.sessions.CreateSession(ctx, s.identity()...)
	if err != nil {
		s.log.WarnContext(ctx, "server.session.create.err", slog.String("err", err.Error()))
		return
	}
	s.log.InfoContext(ctx, "server.session.replace", slog.String("previous", s.sessionID), slog.String("session_id", id))
	s.sessionID = id
}

// onInitialize touches the server's session with the client's details,
// creating the session on first contact.
func (s *Server) onInitialize(ctx context.Context, params rpcserver.InitializeParams) {
	data := map[string]any{"protocolVersion": params.ProtocolVersion}
	if params.ClientInfo != nil {
		data["clientName"] = params.ClientInfo.Name
		data["clientVersion"] = params.ClientInfo.Version
	}

	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	if s.sessionID != "" {
		ok, err := s.sessions.UpdateSession(ctx, s.sessionID, data)
		if err != nil {
			s.log.WarnContext(ctx, "server.session.update.err", slog.String("err", err.Error()))
		}
		if ok {
			return
		}
	}

	id, err := s.sessions.CreateSession(ctx, append(s.identity(), sessions.WithData(data))...)
	if err != nil {
		s.log.WarnContext(ctx, "server.session.create.err", slog.String("err", err.Error()))
		return
	}
	s.sessionID = id
	s.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id}), "server.session.create")
}
