// Package stdio serves JSON-RPC over a process's standard streams using
// newline-delimited JSON objects.
package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-toolserver/internal/jsonrpc"
	"github.com/ggoodman/mcp-toolserver/internal/logctx"
	"github.com/ggoodman/mcp-toolserver/transport"
	"github.com/sourcegraph/jsonrpc2"
)

// Transport is the stdio transport. It opens no listener; it becomes active
// as soon as Connect wires the streams to the handler.
type Transport struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger

	mu     sync.Mutex
	conn   *jsonrpc2.Conn
	active atomic.Bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithIO replaces os.Stdin and os.Stdout.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(t *Transport) {
		t.r = r
		t.w = w
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// New creates a stdio Transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		r:   os.Stdin,
		w:   os.Stdout,
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logctx.New(t.log)
	return t
}

// Connect starts reading requests. Calling it on an active transport is a
// no-op.
func (t *Transport) Connect(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	base := transport.WithType(context.WithoutCancel(ctx), transport.TypeStdio)
	stream := newLineStream(base, h, t.log, rwc{r: t.r, w: t.w})
	conn := jsonrpc2.NewConn(base, stream,
		jsonrpc2.AsyncHandler(handler{h: h}),
		jsonrpc2.SetLogger(slog.NewLogLogger(t.log.Handler(), slog.LevelDebug)),
	)
	t.conn = conn
	t.active.Store(true)

	go func() {
		<-conn.DisconnectNotify()
		t.active.Store(false)
		t.log.Info("stdio.disconnect")
	}()

	t.log.Info("stdio.connect")
	return nil
}

// Close disconnects the streams. The underlying reader and writer are closed
// when they implement io.Closer.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.active.Store(false)
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		return err
	}
	return nil
}

// IsActive reports whether the streams are connected.
func (t *Transport) IsActive() bool { return t.active.Load() }

// Type returns transport.TypeStdio.
func (t *Transport) Type() transport.Type { return transport.TypeStdio }

// handler adapts a transport.Handler to jsonrpc2.Handler.
type handler struct {
	h transport.Handler
}

func (a handler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	r := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         req.Method,
	}
	if req.Params != nil {
		r.Params = json.RawMessage(*req.Params)
	}
	if !req.Notif {
		r.ID = toRequestID(req.ID)
	}

	resp := a.h.HandleRequest(ctx, r)
	if req.Notif || resp == nil {
		return
	}

	if resp.Error != nil {
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    int64(resp.Error.Code),
			Message: resp.Error.Message,
		})
		return
	}
	_ = conn.Reply(ctx, req.ID, resp.Result)
}

func toRequestID(id jsonrpc2.ID) *jsonrpc.RequestID {
	if id.IsString {
		return jsonrpc.NewRequestID(id.Str)
	}
	return jsonrpc.NewRequestID(id.Num)
}

// rwc joins a reader and writer into the io.ReadWriteCloser jsonrpc2 expects.
type rwc struct {
	r io.Reader
	w io.Writer
}

func (c rwc) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c rwc) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c rwc) Close() error {
	var errs []error
	if rc, ok := c.r.(io.Closer); ok {
		errs = append(errs, rc.Close())
	}
	if wc, ok := c.w.(io.Closer); ok {
		errs = append(errs, wc.Close())
	}
	return errors.Join(errs...)
}

var _ transport.Transport = (*Transport)(nil)
