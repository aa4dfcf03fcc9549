package httprpc

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter counts requests per client in fixed windows: at most limit
// requests between a client's first request and window later, after which
// the count starts over.
type clientLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	clients map[string]*clientEntry
	swept   time.Time

	// rejectLog throttles the rejection warning under a flood.
	rejectLog rate.Sometimes
}

type clientEntry struct {
	start time.Time
	count int
}

func newClientLimiter(limit int, window time.Duration) *clientLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &clientLimiter{
		limit:     limit,
		window:    window,
		clients:   make(map[string]*clientEntry),
		rejectLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
}

// allow records a request from key at now. When the window is exhausted it
// returns false and how long until the window resets.
func (cl *clientLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if now.Sub(cl.swept) > cl.window {
		for k, e := range cl.clients {
			if now.Sub(e.start) >= cl.window {
				delete(cl.clients, k)
			}
		}
		cl.swept = now
	}

	e, ok := cl.clients[key]
	if !ok || now.Sub(e.start) >= cl.window {
		e = &clientEntry{start: now}
		cl.clients[key] = e
	}
	if e.count >= cl.limit {
		return false, e.start.Add(cl.window).Sub(now)
	}
	e.count++
	return true, 0
}

// retryAfter renders a wait as whole seconds, never less than one.
func retryAfter(wait time.Duration) string {
	secs := math.Ceil(wait.Seconds())
	return strconv.Itoa(int(max(secs, 1)))
}

func (t *Transport) rateLimit(next http.Handler) http.Handler {
	if !t.cfg.RateLimitEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := t.clientIP(r)
		ok, wait := t.limiter.allow(key, time.Now())
		if !ok {
			t.limiter.rejectLog.Do(func() {
				t.log.WarnContext(r.Context(), "http.ratelimit.reject", slog.String("client", key))
			})
			w.Header().Set("Retry-After", retryAfter(wait))
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP identifies the caller, believing X-Forwarded-For only when the
// immediate peer is a trusted proxy.
func (t *Transport) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !t.isTrusted(peer.Unmap()) {
		return host
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	first, _, _ := strings.Cut(xff, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return host
}

func (t *Transport) isTrusted(a netip.Addr) bool {
	for _, p := range t.trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange. Shape: {"error":{"code":<status>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
