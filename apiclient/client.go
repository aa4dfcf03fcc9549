// Package apiclient is a small JSON client for the remote backend API. It
// attaches the current bearer token to every non-auth request and, on a 401,
// refreshes the token once and retries the request once.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-toolserver/internal/logctx"
)

var (
	// ErrNoBaseURL is returned when the client has no API root configured.
	ErrNoBaseURL = errors.New("apiclient: no base url configured")
	// ErrUnauthorized matches StatusError values with code 401.
	ErrUnauthorized = errors.New("apiclient: unauthorized")
	// ErrNoHealthyEndpoint is returned by TestConnection when every probe fails.
	ErrNoHealthyEndpoint = errors.New("apiclient: no health endpoint responded")
)

// healthPaths are probed in order by TestConnection.
var healthPaths = []string{"/health", "/api/health", "/api/public/health"}

// TokenSource supplies and maintains the bearer credential. auth.Manager is
// the production implementation.
type TokenSource interface {
	// AccessToken returns the current token, or "" when none is held.
	AccessToken() string
	// InTransition reports whether a login or refresh is in flight.
	InTransition() bool
	RefreshToken(ctx context.Context) bool
	IsAuthenticated() bool
	Login(ctx context.Context, email, password string) bool
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// Client talks JSON to the remote API.
type Client struct {
	base      *url.URL
	hc        *http.Client
	log       *slog.Logger
	autoLogin bool

	mu     sync.RWMutex
	tokens TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client. Its Timeout is
// overwritten when Config.Timeout is set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client. An empty BaseURL is accepted; requests then fail with
// ErrNoBaseURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		hc:        &http.Client{},
		log:       slog.New(slog.DiscardHandler),
		autoLogin: cfg.AutoLogin,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.New(c.log)

	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("base url must be http or https, got %q", cfg.BaseURL)
		}
		c.base = u
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.hc.Timeout = timeout

	return c, nil
}

// SetTokenSource installs the credential provider.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

func (c *Client) tokenSource() TokenSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// BaseURL returns the configured API root, or "" if none.
func (c *Client) BaseURL() string {
	if c.base == nil {
		return ""
	}
	return c.base.String()
}

// RequestOption adjusts a single call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	bearer string
}

// WithBearer sends tok instead of the token source's credential. Calls made
// with an explicit bearer are not refreshed and retried on 401.
func WithBearer(tok string) RequestOption {
	return func(o *requestOptions) { o.bearer = tok }
}

// Get issues a GET and decodes the JSON reply into out when out is non-nil.
func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, opts...)
}

// Post issues a POST with body encoded as JSON.
func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, out, opts...)
}

// Do performs one API call. Requests outside /auth/ carry the bearer token
// and get a single refresh-and-retry on 401.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	if c.base == nil {
		return ErrNoBaseURL
	}
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = b
	}

	managed := !isAuthPath(path) && ro.bearer == ""
	resp, err := c.send(ctx, method, path, payload, ro.bearer, managed)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && managed {
		if ts := c.tokenSource(); ts != nil {
			drain(resp)
			c.log.InfoContext(ctx, "api.request.unauthorized", slog.String("method", method), slog.String("path", path))
			if !ts.RefreshToken(ctx) {
				return &StatusError{Method: method, Path: path, Code: http.StatusUnauthorized}
			}
			resp, err = c.send(ctx, method, path, payload, "", true)
			if err != nil {
				return err
			}
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(b)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, bearer string, attach bool) (*http.Response, error) {
	p, query, _ := strings.Cut(path, "?")
	u := c.base.JoinPath(p)
	u.RawQuery = query

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	switch {
	case bearer != "":
		req.Header.Set("Authorization", "Bearer "+bearer)
	case attach:
		// A token mid-login or mid-refresh may already be stale.
		if ts := c.tokenSource(); ts != nil && !ts.InTransition() {
			if tok := ts.AccessToken(); tok != "" {
				req.Header.Set("Authorization", "Bearer "+tok)
			}
		}
	}

	c.log.DebugContext(ctx, "api.request", slog.String("method", method), slog.String("path", path))
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "api.request.fail",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// TestConnection probes the health endpoints in order and stops at the first
// 2xx. When auto-login is configured and no valid token is held, it then logs
// in with the token source's default credentials; a failed login is logged
// but does not fail the probe.
func (c *Client) TestConnection(ctx context.Context) error {
	if c.base == nil {
		return ErrNoBaseURL
	}

	var lastErr error
	healthy := ""
	for _, p := range healthPaths {
		if err := c.Do(ctx, http.MethodGet, p, nil, nil); err != nil {
			lastErr = err
			continue
		}
		healthy = p
		break
	}
	if healthy == "" {
		return fmt.Errorf("%w: %w", ErrNoHealthyEndpoint, lastErr)
	}
	c.log.InfoContext(ctx, "api.health.ok", slog.String("path", healthy))

	if ts := c.tokenSource(); c.autoLogin && ts != nil && !ts.IsAuthenticated() {
		if !ts.Login(ctx, "", "") {
			c.log.WarnContext(ctx, "api.autologin.fail")
		}
	}
	return nil
}

func isAuthPath(path string) bool {
	return strings.HasPrefix("/"+strings.TrimPrefix(path, "/"), "/auth/")
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
