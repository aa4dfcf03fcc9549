// Package storage defines the persistence contract for session records and the
// record type itself. Backends live in the memory and redis subpackages.
package storage

import (
	"context"
	"errors"
	"maps"
	"time"
)

// Session is one logical client connection's state across requests. Empty
// identity fields mean "not set".
type Session struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId,omitempty"`
	OrganizationID string         `json:"organizationId,omitempty"`
	TenantID       string         `json:"tenantId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	Data           map[string]any `json:"data,omitempty"`
}

// IsExpired reports whether the session was last accessed before cutoff.
func (s *Session) IsExpired(cutoff time.Time) bool {
	return s.LastAccessedAt.Before(cutoff)
}

// Clone returns a copy that shares nothing mutable with s at the top level.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Data != nil {
		c.Data = maps.Clone(s.Data)
	}
	return &c
}

// Stats summarises the sessions held by a store relative to a cutoff. Active
// sessions are unexpired and bound to a user.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// Add folds one session into the stats.
func (st *Stats) Add(s *Session, cutoff time.Time) {
	st.Total++
	switch {
	case s.IsExpired(cutoff):
		st.Expired++
	case s.UserID != "":
		st.Active++
	}
}

// Store persists session records. Implementations MUST be safe for concurrent
// use.
type Store interface {
	// Get returns the session with the given id, or nil if none exists.
	// Returns an error only for backend failures.
	Get(ctx context.Context, id string) (*Session, error)

	// Put creates or replaces a session. ttl is a retention hint that backends
	// with native expiry may apply; zero means no hint.
	Put(ctx context.Context, s *Session, ttl time.Duration) error

	// Delete removes a session and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteByUser removes every session owned by userID.
	DeleteByUser(ctx context.Context, userID string) (int, error)

	// Clear removes every session.
	Clear(ctx context.Context) error

	// DeleteExpired removes sessions last accessed before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)

	// Stats counts sessions relative to cutoff.
	Stats(ctx context.Context, cutoff time.Time) (Stats, error)

	// Close releases backend resources.
	Close() error
}

var (
	// ErrInvalidSession is returned when a session without an id is stored.
	ErrInvalidSession = errors.New("storage: session id is required")
)
