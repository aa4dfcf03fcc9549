// Package auth maintains the bearer credential used to call the remote API.
//
// A Manager logs in with email and password, keeps the returned access and
// refresh tokens, refreshes the access token on demand, and answers whether
// the credential is still usable. One Manager is shared by every server in a
// process; it installs itself as the token source of its apiclient.Client.
//
// Login and refresh are each guarded by an in-flight flag. A caller that
// finds the flag already set gets false immediately instead of waiting.
// Failures are reported as false and logged; the methods never return errors.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-toolserver/apiclient"
	"github.com/ggoodman/mcp-toolserver/internal/logctx"
)

const (
	loginPath   = "/auth/login"
	refreshPath = "/auth/refresh-token"
	logoutPath  = "/auth/logout"
	mePath      = "/user/me"
)

// Manager owns the process's TokenData.
type Manager struct {
	client *apiclient.Client
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	loginInFlight   atomic.Bool
	refreshInFlight atomic.Bool
	initialized     atomic.Bool

	mu    sync.RWMutex
	token *TokenData
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager and registers it as client's token source.
func NewManager(client *apiclient.Client, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		cfg:    cfg,
		log:    slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logctx.New(m.log)

	client.SetTokenSource(m)
	return m
}

// Login authenticates against the remote API. Empty arguments fall back to
// the configured credentials. It returns false without doing anything when
// another login is already in flight.
func (m *Manager) Login(ctx context.Context, email, password string) bool {
	if !m.loginInFlight.CompareAndSwap(false, true) {
		m.log.DebugContext(ctx, "auth.login.busy")
		return false
	}
	defer m.loginInFlight.Store(false)

	if email == "" {
		email = m.cfg.Email
	}
	if password == "" {
		password = m.cfg.Password
	}
	if email == "" || password == "" {
		m.log.WarnContext(ctx, "auth.login.fail", slog.String("err", "no credentials configured"))
		return false
	}

	var resp loginResponse
	if err := m.client.Post(ctx, loginPath, loginRequest{Email: email, Password: password}, &resp); err != nil {
		m.log.WarnContext(ctx, "auth.login.fail", slog.String("err", err.Error()))
		return false
	}
	if resp.Token == "" || resp.RefreshToken == "" || resp.User == nil {
		m.log.WarnContext(ctx, "auth.login.fail", slog.String("err", "malformed login response"))
		return false
	}

	td := &TokenData{
		AccessToken:    resp.Token,
		RefreshToken:   resp.RefreshToken,
		ExpiresAt:      m.expiryOf(resp.Token),
		UserID:         string(resp.User.ID),
		OrganizationID: string(resp.User.OrganizationID),
		TenantID:       string(resp.User.TenantID),
	}

	var me meResponse
	if err := m.client.Get(ctx, mePath, &me, apiclient.WithBearer(resp.Token)); err != nil {
		m.log.DebugContext(ctx, "auth.profile.skip", slog.String("err", err.Error()))
	} else {
		info := me.info()
		if info.OrganizationID != "" {
			td.OrganizationID = string(info.OrganizationID)
		}
		if info.TenantID != "" {
			td.TenantID = string(info.TenantID)
		}
	}

	m.mu.Lock()
	m.token = td
	m.mu.Unlock()
	m.initialized.Store(true)

	m.log.InfoContext(ctx, "auth.login.ok",
		slog.String("user_id", td.UserID),
		slog.String("token", logctx.SanitizeToken(td.AccessToken)),
		slog.Time("expires_at", td.ExpiresAt),
	)
	return true
}

// RefreshToken exchanges the held refresh token for a new access token. Only
// the access token and its expiry change. It returns false when no refresh
// token is held or another refresh is in flight.
func (m *Manager) RefreshToken(ctx context.Context) bool {
	if !m.refreshInFlight.CompareAndSwap(false, true) {
		m.log.DebugContext(ctx, "auth.refresh.busy")
		return false
	}
	defer m.refreshInFlight.Store(false)

	m.mu.RLock()
	var refresh string
	if m.token != nil {
		refresh = m.token.RefreshToken
	}
	m.mu.RUnlock()
	if refresh == "" {
		m.log.DebugContext(ctx, "auth.refresh.skip", slog.String("reason", "no refresh token"))
		return false
	}

	var resp refreshResponse
	if err := m.client.Post(ctx, refreshPath, refreshRequest{RefreshToken: refresh}, &resp); err != nil {
		m.log.WarnContext(ctx, "auth.refresh.fail", slog.String("err", err.Error()))
		return false
	}
	access := resp.Token
	if access == "" {
		access = resp.AccessToken
	}
	if access == "" {
		m.log.WarnContext(ctx, "auth.refresh.fail", slog.String("err", "malformed refresh response"))
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		// Logged out while the refresh was in flight.
		return false
	}
	next := *m.token
	next.AccessToken = access
	next.ExpiresAt = m.expiryOf(access)
	m.token = &next

	m.log.InfoContext(ctx, "auth.refresh.ok",
		slog.String("token", logctx.SanitizeToken(access)),
		slog.Time("expires_at", next.ExpiresAt),
	)
	return true
}

// IsAuthenticated reports whether a token is held that stays valid for at
// least another ten seconds.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != nil && m.now().Before(m.token.ExpiresAt.Add(-expiryBuffer))
}

// EnsureValidToken returns true if a usable token is held, otherwise it
// attempts a single refresh.
func (m *Manager) EnsureValidToken(ctx context.Context) bool {
	if m.IsAuthenticated() {
		return true
	}
	m.mu.RLock()
	canRefresh := m.token != nil && m.token.RefreshToken != ""
	m.mu.RUnlock()
	if !canRefresh || m.refreshInFlight.Load() {
		return false
	}
	return m.RefreshToken(ctx)
}

// Logout notifies the remote API and then drops the held token whatever the
// outcome of that call.
func (m *Manager) Logout(ctx context.Context) {
	if tok := m.AccessToken(); tok != "" {
		if err := m.client.Get(ctx, logoutPath, nil, apiclient.WithBearer(tok)); err != nil {
			m.log.DebugContext(ctx, "auth.logout.remote_fail", slog.String("err", err.Error()))
		}
	}

	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
	m.log.InfoContext(ctx, "auth.logout")
}

// AccessToken returns the current access token, or "".
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return ""
	}
	return m.token.AccessToken
}

// InTransition reports whether a login or refresh is in flight.
func (m *Manager) InTransition() bool {
	return m.loginInFlight.Load() || m.refreshInFlight.Load()
}

// Token returns a copy of the held TokenData, or nil.
func (m *Manager) Token() *TokenData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return nil
	}
	td := *m.token
	return &td
}

// Identity returns the user, organization and tenant of the held token.
func (m *Manager) Identity() (userID, organizationID, tenantID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return "", "", ""
	}
	return m.token.UserID, m.token.OrganizationID, m.token.TenantID
}

// Status is a point-in-time view of the Manager.
type Status struct {
	Authenticated     bool       `json:"authenticated"`
	Initialized       bool       `json:"initialized"`
	LoginInProgress   bool       `json:"loginInProgress"`
	RefreshInProgress bool       `json:"refreshInProgress"`
	UserID            string     `json:"userId,omitempty"`
	OrganizationID    string     `json:"organizationId,omitempty"`
	TenantID          string     `json:"tenantId,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
}

// Status snapshots the Manager's state. A nil Manager reports an
// unauthenticated status.
func (m *Manager) Status() Status {
	if m == nil {
		return Status{}
	}
	st := Status{
		Authenticated:     m.IsAuthenticated(),
		Initialized:       m.initialized.Load(),
		LoginInProgress:   m.loginInFlight.Load(),
		RefreshInProgress: m.refreshInFlight.Load(),
	}
	if td := m.Token(); td != nil {
		st.UserID, st.OrganizationID, st.TenantID = td.UserID, td.OrganizationID, td.TenantID
		exp := td.ExpiresAt
		st.ExpiresAt = &exp
	}
	return st
}

func (m *Manager) expiryOf(tok string) time.Time {
	if exp, ok := tokenExpiry(tok); ok {
		return exp
	}
	return m.now().Add(fallbackLifetime)
}

// Compile-time interface check
var _ apiclient.TokenSource = (*Manager)(nil)
