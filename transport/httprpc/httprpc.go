// Package httprpc serves JSON-RPC over plain HTTP: one request envelope per
// POST, one response envelope per reply.
package httprpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-toolserver/internal/logctx"
	"github.com/ggoodman/mcp-toolserver/internal/metrics"
	"github.com/ggoodman/mcp-toolserver/transport"
	"github.com/google/uuid"
	"github.com/rs/cors"
)

// RPCPath is the endpoint accepting JSON-RPC envelopes.
const RPCPath = "/sse"

const shutdownTimeout = 5 * time.Second

var jsonMediaType = contenttype.NewMediaType("application/json")

// Transport is the HTTP transport.
type Transport struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	trusted []netip.Prefix
	limiter *clientLimiter

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	active atomic.Bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithMetrics exposes m on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// New validates cfg and returns an unstarted Transport.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid http port %d", cfg.Port)
	}
	trusted, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}

	t := &Transport{
		cfg:     cfg,
		log:     slog.New(slog.DiscardHandler),
		trusted: trusted,
		limiter: newClientLimiter(cfg.RateLimit, cfg.RateLimitWindow),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logctx.New(t.log)
	return t, nil
}

func (t *Transport) Type() transport.Type { return transport.TypeHTTP }

func (t *Transport) IsActive() bool { return t.active.Load() }

// Connect binds the listener and starts serving in the background. A second
// call on an active transport is a no-op.
func (t *Transport) Connect(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.srv != nil {
		return nil
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}

	base := transport.WithType(context.WithoutCancel(ctx), transport.TypeHTTP)
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
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.ErrorContext(base, "http.serve.err", slog.String("err", err.Error()))
		}
		t.active.Store(false)
	}()

	t.log.InfoContext(ctx, "http.listen", slog.String("addr", ln.Addr().String()))
	return nil
}

// Close shuts the server down gracefully, waiting briefly for in-flight
// requests.
func (t *Transport) Close() error {
	t.mu.Lock()
	srv := t.srv
	t.srv = nil
	t.ln = nil
	t.mu.Unlock()

	if srv == nil {
		return nil
	}
	t.active.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
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

// URL returns the base URL clients should use, or "" when not serving.
func (t *Transport) URL() string {
	addr := t.Addr()
	if addr == "" {
		return ""
	}
	return "http://" + addr
}

// Handler builds the full middleware chain around h. Connect uses it; tests
// can mount it on an httptest server directly.
func (t *Transport) Handler(h transport.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.Handle("POST "+RPCPath, t.handleRPC(h))
	mux.HandleFunc("GET /metrics", t.handleMetrics)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not found")
	})

	var next http.Handler = mux
	next = t.debugLog(next)
	next = t.rateLimit(next)
	next = t.cors().Handler(next)
	return t.withRequestData(next)
}

func (t *Transport) withRequestData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  id,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (t *Transport) cors() *cors.Cors {
	origins := splitList(t.cfg.CORSOrigin)
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: t.cfg.CORSCredentials,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (t *Transport) debugLog(next http.Handler) http.Handler {
	if !t.cfg.Debug {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		t.log.DebugContext(r.Context(), "http.request",
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
	Running   bool   `json:"running"`
	Timestamp string `json:"timestamp"`
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Transport: string(transport.TypeHTTP),
		Running:   t.IsActive(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (t *Transport) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if t.metrics == nil {
		writeJSONError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	t.metrics.Handler().ServeHTTP(w, r)
}

func (t *Transport) handleRPC(h transport.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Header.Get("Content-Type") != "" {
			ctype, err := contenttype.GetMediaType(r)
			if err != nil || !ctype.Matches(jsonMediaType) {
				writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			t.log.WarnContext(ctx, "http.body.read.err", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		resp := h.HandleMessage(ctx, body)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ transport.Transport = (*Transport)(nil)
