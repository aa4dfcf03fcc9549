package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/ggoodman/mcp-toolserver/internal/logctx"
	"github.com/ggoodman/mcp-toolserver/storage"
	"github.com/ggoodman/mcp-toolserver/storage/memory"
	"github.com/ggoodman/mcp-toolserver/storage/redis"
	"github.com/google/uuid"
)

// ErrCreateFailed is returned when a new session cannot be persisted.
var ErrCreateFailed = errors.New("session creation failed")

// Manager provides session CRUD and expiry over a storage.Store. It never
// caches sessions between calls.
type Manager struct {
	store  storage.Store
	ttl    time.Duration
	sweep  time.Duration
	now    func() time.Time
	log    *slog.Logger
	driver string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithStore uses s instead of selecting a backend from Config.
func WithStore(s storage.Store) Option {
	return func(m *Manager) {
		m.store = s
		m.driver = "custom"
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. The storage backend is selected here and never
// changes afterwards.
func NewManager(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		ttl:   cfg.TTL,
		sweep: cfg.SweepInterval,
		now:   time.Now,
		log:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logctx.New(m.log)

	if m.store == nil {
		switch {
		case cfg.UsesRedis():
			s, err := redis.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
			if err != nil {
				return nil, fmt.Errorf("open redis session store: %w", err)
			}
			m.store, m.driver = s, "redis"
		default:
			s, err := memory.New(cfg.MaxEntries, memory.WithLogger(m.log))
			if err != nil {
				return nil, fmt.Errorf("open memory session store: %w", err)
			}
			m.store, m.driver = s, "memory"
		}
	}

	m.log.Info("session.store.init",
		slog.String("driver", m.driver),
		slog.Duration("ttl", m.ttl),
	)
	return m, nil
}

// Driver names the backend in use: memory, redis or custom.
func (m *Manager) Driver() string { return m.driver }

// TTL returns the configured session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// CreateOption sets fields on a new session.
type CreateOption func(*storage.Session)

// WithUser binds the session to a user.
func WithUser(userID string) CreateOption {
	return func(s *storage.Session) { s.UserID = userID }
}

// WithOrganization binds the session to an organization.
func WithOrganization(orgID string) CreateOption {
	return func(s *storage.Session) { s.OrganizationID = orgID }
}

// WithTenant binds the session to a tenant.
func WithTenant(tenantID string) CreateOption {
	return func(s *storage.Session) { s.TenantID = tenantID }
}

// WithData seeds the session's data map.
func WithData(data map[string]any) CreateOption {
	return func(s *storage.Session) { maps.Copy(s.Data, data) }
}

// CreateSession stores a fresh session and returns its id.
func (m *Manager) CreateSession(ctx context.Context, opts ...CreateOption) (string, error) {
	now := m.now()
	sess := &storage.Session{
		ID:             newSessionID(now),
		CreatedAt:      now,
		LastAccessedAt: now,
		Data:           map[string]any{},
	}
	for _, opt := range opts {
		opt(sess)
	}

	log := m.log.With(slog.String("session_id", sess.ID))
	if err := m.store.Put(ctx, sess, m.ttl); err != nil {
		log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return "", fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	log.DebugContext(ctx, "session.create.ok", slog.String("user_id", sess.UserID))
	return sess.ID, nil
}

// FindSession returns the session with the given id, or nil if it does not
// exist or has expired. An expired session is deleted as a side effect. The
// session's last-access time is not refreshed.
func (m *Manager) FindSession(ctx context.Context, id string) (*storage.Session, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	if m.expired(sess) {
		if _, err := m.store.Delete(ctx, id); err != nil {
			m.log.WarnContext(ctx, "session.expire.fail",
				slog.String("session_id", id),
				slog.String("err", err.Error()),
			)
		} else {
			m.log.DebugContext(ctx, "session.expire", slog.String("session_id", id))
		}
		return nil, nil
	}
	return sess, nil
}

// UpdateSession merges data shallowly into the session and refreshes its
// last-access time. It reports false when the session does not exist.
func (m *Manager) UpdateSession(ctx context.Context, id string, data map[string]any) (bool, error) {
	sess, err := m.FindSession(ctx, id)
	if err != nil || sess == nil {
		return false, err
	}

	if sess.Data == nil {
		sess.Data = map[string]any{}
	}
	maps.Copy(sess.Data, data)
	if now := m.now(); now.After(sess.LastAccessedAt) {
		sess.LastAccessedAt = now
	}

	if err := m.store.Put(ctx, sess, m.ttl); err != nil {
		return false, fmt.Errorf("store session: %w", err)
	}
	return true, nil
}

// DeleteSession removes a session and reports whether it existed.
func (m *Manager) DeleteSession(ctx context.Context, id string) (bool, error) {
	return m.store.Delete(ctx, id)
}

// DeleteUserSessions removes every session owned by userID.
func (m *Manager) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	n, err := m.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	m.log.InfoContext(ctx, "session.delete_user",
		slog.String("user_id", userID),
		slog.Int("count", n),
	)
	return n, nil
}

// ClearAllSessions removes every session.
func (m *Manager) ClearAllSessions(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// CleanupExpiredSessions removes all sessions that have outlived the TTL.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx, m.cutoff())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.InfoContext(ctx, "session.sweep", slog.Int("removed", n))
	}
	return n, nil
}

// GetSessionStats reports total, active and expired session counts.
func (m *Manager) GetSessionStats(ctx context.Context) (storage.Stats, error) {
	return m.store.Stats(ctx, m.cutoff())
}

// Run sweeps expired sessions every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.CleanupExpiredSessions(ctx); err != nil && ctx.Err() == nil {
				m.log.WarnContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
			}
		}
	}
}

// Close releases the storage backend.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) cutoff() time.Time {
	return m.now().Add(-m.ttl)
}

func (m *Manager) expired(s *storage.Session) bool {
	return m.now().Sub(s.LastAccessedAt) > m.ttl
}

// newSessionID returns an id of the form sess_<unix millis>_<12 hex chars>.
func newSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("sess_%d_%s", now.UnixMilli(), suffix)
}
