package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-toolserver/internal/logctx"
	"github.com/ggoodman/mcp-toolserver/internal/metrics"
)

// Invoker runs a registered tool by way of the Registry.
type Invoker func(ctx context.Context, args map[string]any) (Result, error)

// Host is the protocol-facing side a Registry publishes its tools to.
type Host interface {
	AddTool(def Definition, invoke Invoker)
	RemoveTool(name string)
}

// Registry holds tools by name. Registering a name twice replaces the first
// tool. A Registry is safe for concurrent use.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
	host  Host
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithMetrics records tool call outcomes and latencies.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:   slog.New(slog.DiscardHandler),
		tools: make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logctx.New(r.log)
	return r
}

// RegisterTool adds t, replacing any tool with the same name. If a Host is
// attached the tool is published to it immediately.
func (r *Registry) RegisterTool(t Tool) error {
	name := t.Name()
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	if _, exists := r.tools[name]; exists {
		r.log.Warn("tool.register.overwrite", slog.String("tool", name))
	} else {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	host := r.host
	r.mu.Unlock()

	if host != nil {
		host.AddTool(t.Definition(), r.invoker(name))
	}
	r.log.Debug("tool.register", slog.String("tool", name))
	return nil
}

// Attach publishes every registered tool, and every tool registered later, to h.
func (r *Registry) Attach(h Host) {
	r.mu.Lock()
	r.host = h
	defs := r.definitionsLocked()
	r.mu.Unlock()

	for _, def := range defs {
		h.AddTool(def, r.invoker(def.Name))
	}
}

func (r *Registry) invoker(name string) Invoker {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		return r.InvokeTool(ctx, name, args)
	}
}

// InvokeTool runs the named tool through SafeExecute. The only error it
// returns is ErrToolNotRegistered; tool failures are reported in the Result.
func (r *Registry) InvokeTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	t, ok := r.FindTool(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotRegistered, name)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})
	start := time.Now()
	res := SafeExecute(ctx, t, args)
	elapsed := time.Since(start)
	r.metrics.ObserveToolCall(name, res.IsError, elapsed)

	if res.IsError {
		r.log.WarnContext(ctx, "tool.call.fail",
			slog.String("err", res.Error),
			slog.Duration("elapsed", elapsed),
		)
	} else {
		r.log.DebugContext(ctx, "tool.call.ok", slog.Duration("elapsed", elapsed))
	}
	return res, nil
}

// GetToolDefinitions returns the definitions of all tools in registration order.
func (r *Registry) GetToolDefinitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.definitionsLocked()
}

func (r *Registry) definitionsLocked() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// GetToolNames returns the registered names in registration order.
func (r *Registry) GetToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// GetToolCount returns the number of registered tools.
func (r *Registry) GetToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// FindTool returns the named tool.
func (r *Registry) FindTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ClearTools removes every tool, withdrawing them from the attached Host.
func (r *Registry) ClearTools() {
	r.mu.Lock()
	names := r.order
	r.tools = make(map[string]Tool)
	r.order = nil
	host := r.host
	r.mu.Unlock()

	if host != nil {
		for _, name := range names {
			host.RemoveTool(name)
		}
	}
}
