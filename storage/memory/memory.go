// Package memory provides an in-memory implementation of storage.Store using
// github.com/hashicorp/golang-lru/v2 to bound the number of retained sessions.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-toolserver/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds the store when New is given a non-positive size.
const DefaultMaxEntries = 10000

// Store implements storage.Store in process memory. Sessions are not shared
// across processes.
type Store struct {
	log *slog.Logger

	mu     sync.RWMutex
	cache  *lru.Cache[string, *storage.Session]
	adding bool

	evictions atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger that reports capacity evictions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a new in-memory store holding at most maxEntries sessions; the
// least recently written session is evicted past that bound.
func New(maxEntries int, opts ...Option) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	s := &Store{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}

	cache, err := lru.NewWithEvict(maxEntries, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// onEvict runs under s.mu. Remove and Purge also invoke it, so only calls made
// while Put is adding count as capacity evictions.
func (s *Store) onEvict(id string, sess *storage.Session) {
	if !s.adding {
		return
	}
	s.evictions.Add(1)
	s.log.Warn("session.store.evict",
		slog.String("session_id", id),
		slog.String("user_id", sess.UserID),
		slog.Int("capacity", s.cache.Len()),
	)
}

// Evictions counts sessions dropped because the store was full.
func (s *Store) Evictions() uint64 { return s.evictions.Load() }

// Get returns a copy of the stored session.
func (s *Store) Get(ctx context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	sess, ok := s.cache.Peek(id)
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

// Put stores a copy of sess. The ttl hint is ignored; expiry is decided by the
// caller through DeleteExpired and lazy reads.
func (s *Store) Put(ctx context.Context, sess *storage.Session, ttl time.Duration) error {
	if sess == nil || sess.ID == "" {
		return storage.ErrInvalidSession
	}

	s.mu.Lock()
	s.adding = true
	s.cache.Add(sess.ID, sess.Clone())
	s.adding = false
	s.mu.Unlock()

	return nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Remove(id), nil
}

// DeleteByUser removes every session owned by userID.
func (s *Store) DeleteByUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	return s.deleteWhere(func(sess *storage.Session) bool { return sess.UserID == userID }), nil
}

// Clear removes every session.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// DeleteExpired removes sessions last accessed before cutoff.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteWhere(func(sess *storage.Session) bool { return sess.IsExpired(cutoff) }), nil
}

// Stats counts sessions relative to cutoff.
func (s *Store) Stats(ctx context.Context, cutoff time.Time) (storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st storage.Stats
	for _, key := range s.cache.Keys() {
		if sess, ok := s.cache.Peek(key); ok {
			st.Add(sess, cutoff)
		}
	}
	return st, nil
}

// Close drops all sessions.
func (s *Store) Close() error {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// deleteWhere removes all sessions matching pred
func (s *Store) deleteWhere(pred func(*storage.Session) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, key := range s.cache.Keys() {
		if sess, ok := s.cache.Peek(key); ok && pred(sess) {
			s.cache.Remove(key)
			n++
		}
	}
	return n
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)
