// Package redis provides a Redis-backed implementation of storage.Store.
//
// Each session is stored as a JSON document under <prefix>session:<id> with the
// session TTL applied as native key expiry. A set under <prefix>user:<userID>
// indexes the sessions owned by each user.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-toolserver/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "mcp:sessions:"

const scanBatch = 256

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "mcp:sessions:"
	KeyPrefix string
}

// Store implements storage.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Redis store around an existing client.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultKeyPrefix
	}

	return &Store{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// Open parses a redis:// URL, connects, and verifies the connection with a
// PING before returning the store.
func Open(ctx context.Context, url, keyPrefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cl := redis.NewClient(opts)
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: cl, KeyPrefix: keyPrefix})
}

// --- Key helpers ---

func (s *Store) sessionKey(id string) string  { return s.keyPrefix + "session:" + id }
func (s *Store) userKey(userID string) string { return s.keyPrefix + "user:" + userID }
func (s *Store) sessionPattern() string       { return s.keyPrefix + "session:*" }
func (s *Store) allPattern() string           { return s.keyPrefix + "*" }
func (s *Store) idFromKey(key string) string  { return key[len(s.keyPrefix+"session:"):] }

// Get retrieves a session.
func (s *Store) Get(ctx context.Context, id string) (*storage.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}

	var sess storage.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// Put stores a session and indexes it under its user. A positive ttl becomes
// the key's expiry.
func (s *Store) Put(ctx context.Context, sess *storage.Session, ttl time.Duration) error {
	if sess == nil || sess.ID == "" {
		return storage.ErrInvalidSession
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.sessionKey(sess.ID), data, ttl)
		if sess.UserID != "" {
			p.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
			if ttl > 0 {
				p.Expire(ctx, s.userKey(sess.UserID), ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", sess.ID, err)
	}
	return nil
}

// Delete removes a session and its user index entry.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	n, err := s.client.Del(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if sess != nil && sess.UserID != "" {
		s.client.SRem(ctx, s.userKey(sess.UserID), id)
	}
	return n > 0, nil
}

// DeleteByUser removes every session indexed under userID.
func (s *Store) DeleteByUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}

	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions for user %s: %w", userID, err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.sessionKey(id))
	}
	var n int64
	if len(keys) > 0 {
		n, err = s.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to delete sessions for user %s: %w", userID, err)
		}
	}
	if err := s.client.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return int(n), fmt.Errorf("failed to delete user index %s: %w", userID, err)
	}
	return int(n), nil
}

// Clear removes every key under the store's prefix.
func (s *Store) Clear(ctx context.Context) error {
	return s.scan(ctx, s.allPattern(), func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

// DeleteExpired removes sessions last accessed before cutoff.
func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.eachSession(ctx, func(sess *storage.Session) error {
		if !sess.IsExpired(cutoff) {
			return nil
		}
		ok, err := s.Delete(ctx, sess.ID)
		if err != nil {
			return err
		}
		if ok {
			removed++
		}
		return nil
	})
	return removed, err
}

// Stats counts sessions relative to cutoff.
func (s *Store) Stats(ctx context.Context, cutoff time.Time) (storage.Stats, error) {
	var st storage.Stats
	err := s.eachSession(ctx, func(sess *storage.Session) error {
		st.Add(sess, cutoff)
		return nil
	})
	return st, err
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// eachSession loads every session under the prefix in batches.
func (s *Store) eachSession(ctx context.Context, fn func(*storage.Session) error) error {
	return s.scan(ctx, s.sessionPattern(), func(keys []string) error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// Expired between SCAN and MGET.
				continue
			}
			var sess storage.Session
			if err := json.Unmarshal([]byte(str), &sess); err != nil {
				return fmt.Errorf("failed to unmarshal session %s: %w", s.idFromKey(keys[i]), err)
			}
			if err := fn(&sess); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)
