package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ggoodman/mcp-toolserver/internal/logctx"
	"github.com/ggoodman/mcp-toolserver/transport"
	"golang.org/x/sync/errgroup"
)

// DefaultServerID is used by Manager.Start when no id is given and no
// primary exists yet.
const DefaultServerID = "default"

// ErrServerNotFound is returned for ids the Manager does not know.
var ErrServerNotFound = errors.New("server not found")

// Stats counts the servers held by a Manager.
type Stats struct {
	Total   int    `json:"total"`
	Running int    `json:"running"`
	Stopped int    `json:"stopped"`
	Primary string `json:"primary,omitempty"`
}

type managed struct {
	srv       *Server
	cfg       Config
	transport transport.Type
}

// Manager holds named Server instances and tracks a primary one. Methods
// taking an id operate on the primary when the id is empty.
type Manager struct {
	deps Deps
	opts []Option
	log  *slog.Logger

	mu      sync.Mutex
	servers map[string]*managed
	primary string
}

// NewManager returns an empty Manager. deps and opts are passed to every
// Server it builds.
func NewManager(deps Deps, opts ...Option) *Manager {
	return &Manager{
		deps:    deps,
		opts:    opts,
		log:     logctx.New(deps.Logger),
		servers: make(map[string]*managed),
	}
}

func (m *Manager) resolve(id string) string {
	if id == "" {
		return m.primary
	}
	return id
}

// Start builds and starts a server under id, first stopping and discarding
// any server already registered there. The first server started becomes
// primary.
func (m *Manager) Start(ctx context.Context, cfg Config, id string, t transport.Type) (*Server, error) {
	m.mu.Lock()
	id = m.resolve(id)
	if id == "" {
		id = DefaultServerID
	}
	prev := m.servers[id]
	delete(m.servers, id)
	m.mu.Unlock()

	if prev != nil {
		m.log.InfoContext(ctx, "server.manager.replace", slog.String("id", id))
		if err := prev.srv.Close(); err != nil {
			m.log.WarnContext(ctx, "server.manager.replace.err", slog.String("id", id), slog.String("err", err.Error()))
		}
	}

	srv, err := New(ctx, cfg, m.deps, m.opts...)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(ctx, t); err != nil {
		_ = srv.Close()
		return nil, err
	}

	m.mu.Lock()
	m.servers[id] = &managed{srv: srv, cfg: cfg, transport: t}
	if m.primary == "" {
		m.primary = id
	}
	m.mu.Unlock()

	m.log.InfoContext(ctx, "server.manager.start", slog.String("id", id))
	return srv, nil
}

func (m *Manager) lookup(id string) (string, *managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id = m.resolve(id)
	e, ok := m.servers[id]
	if !ok {
		return id, nil, fmt.Errorf("%w: %q", ErrServerNotFound, id)
	}
	return id, e, nil
}

// Stop stops a server but keeps it registered.
func (m *Manager) Stop(id string) error {
	_, e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.srv.Stop()
}

// Restart stops a server and starts it again on the transport it was
// originally started with.
func (m *Manager) Restart(ctx context.Context, id string) error {
	id, e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := e.srv.Stop(); err != nil {
		m.log.WarnContext(ctx, "server.manager.restart.stop.err", slog.String("id", id), slog.String("err", err.Error()))
	}
	return e.srv.Start(ctx, e.transport)
}

// RemoveServer closes a server and forgets it. Removing the primary leaves
// the Manager without one.
func (m *Manager) RemoveServer(id string) error {
	m.mu.Lock()
	id = m.resolve(id)
	e, ok := m.servers[id]
	if ok {
		delete(m.servers, id)
		if m.primary == id {
			m.primary = ""
		}
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrServerNotFound, id)
	}
	return e.srv.Close()
}

// Get returns the server registered under id.
func (m *Manager) Get(id string) (*Server, bool) {
	_, e, err := m.lookup(id)
	if err != nil {
		return nil, false
	}
	return e.srv, true
}

// Primary returns the primary server.
func (m *Manager) Primary() (*Server, bool) {
	return m.Get("")
}

// PrimaryID returns the id of the primary server, or "".
func (m *Manager) PrimaryID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// SetPrimary makes id the primary server.
func (m *Manager) SetPrimary(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return fmt.Errorf("%w: %q", ErrServerNotFound, id)
	}
	m.primary = id
	return nil
}

// List returns the registered ids in sorted order.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats polls every server for its running state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Total: len(m.servers), Primary: m.primary}
	for _, e := range m.servers {
		if e.srv.Running() {
			st.Running++
		} else {
			st.Stopped++
		}
	}
	return st
}

// Cleanup closes every server concurrently and empties the Manager.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*managed)
	m.primary = ""
	m.mu.Unlock()

	var g errgroup.Group
	for id, e := range servers {
		g.Go(func() error {
			if err := e.srv.Close(); err != nil {
				return fmt.Errorf("close server %q: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
