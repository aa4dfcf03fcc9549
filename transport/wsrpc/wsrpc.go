// Package wsrpc serves JSON-RPC over WebSocket. Every text frame carries one
// request envelope; replies are written back on the same connection as each
// request completes, so they may arrive out of order.
package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/ggoodman/mcp-toolserver/internal/logctx"
	"github.com/ggoodman/mcp-toolserver/transport"
	"github.com/google/uuid"
)

const (
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 10 * time.Second
)

// Transport is the WebSocket transport.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	conns  map[*websocket.Conn]struct{}
	active atomic.Bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// New validates cfg and returns an unstarted Transport.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid websocket port %d", cfg.Port)
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, errors.New("websocket TLS requires both a certificate and a key")
	}
	if cfg.Path == "" {
		cfg.Path = "/sse"
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}

	t := &Transport{
		cfg:   cfg,
		log:   slog.New(slog.DiscardHandler),
		conns: make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logctx.New(t.log)
	return t, nil
}

func (t *Transport) Type() transport.Type { return transport.TypeWebSocket }

func (t *Transport) IsActive() bool { return t.active.Load() }

// Connect binds the listener and starts accepting upgrades. A second call on
// an active transport is a no-op.
func (t *Transport) Connect(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.srv != nil {
		return nil
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", addr, err)
	}

	base := transport.WithType(context.WithoutCancel(ctx), transport.TypeWebSocket)
	srv := &http.Server{
		Handler:           t.Handler(h),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
		ErrorLog:          slog.NewLogLogger(t.log.Handler(), slog.LevelWarn),
	}
	t.srv = srv
	t.ln = ln
	t.active.Store(true)

	go func() {
		var err error
		if t.cfg.TLS() {
			err = srv.ServeTLS(ln, t.cfg.TLSCert, t.cfg.TLSKey)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.ErrorContext(base, "ws.serve.err", slog.String("err", err.Error()))
		}
		t.active.Store(false)
	}()

	t.log.InfoContext(ctx, "ws.listen",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", t.cfg.Path),
		slog.Bool("tls", t.cfg.TLS()),
	)
	return nil
}

// Close stops accepting connections and closes every open one with a
// going-away status.
func (t *Transport) Close() error {
	t.mu.Lock()
	srv := t.srv
	t.srv = nil
	t.ln = nil
	conns := make([]*websocket.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	if srv == nil {
		return nil
	}
	t.active.Store(false)

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("websocket shutdown: %w", err)
	}
	return nil
}

// Addr returns the bound listener address, or "" when not serving.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Port returns the bound port, or 0 when not serving.
func (t *Transport) Port() int {
	_, port, err := net.SplitHostPort(t.Addr())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// URL returns the ws:// (or wss://) endpoint, or "" when not serving.
func (t *Transport) URL() string {
	addr := t.Addr()
	if addr == "" {
		return ""
	}
	scheme := "ws"
	if t.cfg.TLS() {
		scheme = "wss"
	}
	return scheme + "://" + addr + t.cfg.Path
}

// Handler returns the upgrade handler mounted at the configured path.
func (t *Transport) Handler(h transport.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+t.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		t.serveConn(w, r, h)
	})
	return mux
}

func (t *Transport) serveConn(w http.ResponseWriter, r *http.Request, h transport.Handler) {
	mode := websocket.CompressionDisabled
	if t.cfg.Compression {
		mode = websocket.CompressionContextTakeover
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  t.cfg.originPatterns(),
		CompressionMode: mode,
	})
	if err != nil {
		t.log.WarnContext(r.Context(), "ws.accept.err", slog.String("err", err.Error()))
		return
	}
	c.SetReadLimit(t.cfg.MaxPayload)

	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.track(c, true)
	defer t.track(c, false)
	t.log.DebugContext(ctx, "ws.conn.open")

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch status := websocket.CloseStatus(err); status {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				t.log.DebugContext(ctx, "ws.conn.close", slog.Int("status", int(status)))
			default:
				t.log.WarnContext(ctx, "ws.conn.err", slog.String("err", err.Error()))
			}
			c.CloseNow()
			return
		}
		if typ != websocket.MessageText {
			t.log.WarnContext(ctx, "ws.frame.binary.ignored", slog.Int("bytes", len(data)))
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			t.handleFrame(ctx, c, h, data)
		}()
	}
}

func (t *Transport) handleFrame(ctx context.Context, c *websocket.Conn, h transport.Handler, data []byte) {
	resp := h.HandleMessage(ctx, data)
	if resp == nil {
		return
	}
	out, err := json.Marshal(resp)
	if err != nil {
		t.log.ErrorContext(ctx, "ws.response.marshal.err", slog.String("err", err.Error()))
		return
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.Write(wctx, websocket.MessageText, out); err != nil {
		t.log.WarnContext(ctx, "ws.write.err", slog.String("err", err.Error()))
	}
}

func (t *Transport) track(c *websocket.Conn, add bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if add {
		t.conns[c] = struct{}{}
	} else {
		delete(t.conns, c)
	}
}

// Connections reports how many clients are currently connected.
func (t *Transport) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

var _ transport.Transport = (*Transport)(nil)
