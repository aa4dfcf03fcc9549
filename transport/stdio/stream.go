package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"reflect"
	"sync"

	"github.com/ggoodman/mcp-toolserver/internal/jsonrpc"
	"github.com/ggoodman/mcp-toolserver/transport"
	"github.com/sourcegraph/jsonrpc2"
)

// lineStream is a jsonrpc2.ObjectStream over newline-delimited JSON. A line
// that is not a valid request envelope is answered with an error response,
// and a valid envelope jsonrpc2 cannot represent (a negative id, say) is
// dispatched through the handler directly. Neither ends the connection.
type lineStream struct {
	ctx context.Context
	h   transport.Handler
	log *slog.Logger
	r   *bufio.Reader
	c   io.Closer

	mu sync.Mutex
	w  io.Writer
}

func newLineStream(ctx context.Context, h transport.Handler, log *slog.Logger, rw io.ReadWriteCloser) *lineStream {
	return &lineStream{
		ctx: ctx,
		h:   h,
		log: log,
		r:   bufio.NewReader(rw),
		c:   rw,
		w:   rw,
	}
}

func (s *lineStream) ReadObject(v interface{}) error {
	for {
		line, err := s.r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if s.decode(line, v) {
				return nil
			}
		}
		if err != nil {
			return err
		}
	}
}

// decode reports whether line was decoded into v. Lines it rejects have
// already been answered.
func (s *lineStream) decode(line []byte, v interface{}) bool {
	if _, errResp := jsonrpc.ParseRequest(line); errResp != nil {
		s.log.DebugContext(s.ctx, "stdio.line.reject", slog.String("err", errResp.Error.Message))
		s.writeResponse(errResp)
		return false
	}

	fresh := reflect.New(reflect.TypeOf(v).Elem())
	if err := json.Unmarshal(line, fresh.Interface()); err == nil {
		reflect.ValueOf(v).Elem().Set(fresh.Elem())
		return true
	}

	msg := bytes.Clone(line)
	go func() {
		if resp := s.h.HandleMessage(s.ctx, msg); resp != nil {
			s.writeResponse(resp)
		}
	}()
	return false
}

func (s *lineStream) writeResponse(resp *jsonrpc.Response) {
	if err := s.WriteObject(resp); err != nil {
		s.log.WarnContext(s.ctx, "stdio.write.err", slog.String("err", err.Error()))
	}
}

func (s *lineStream) WriteObject(obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(data)
	return err
}

func (s *lineStream) Close() error {
	return s.c.Close()
}

var _ jsonrpc2.ObjectStream = (*lineStream)(nil)
