// Package sessions manages per-client session records on top of a
// storage.Store.
//
// A session carries an optional user, organization and tenant identity plus
// an open data map. Sessions expire once they have not been updated for the
// configured TTL. Reads never extend a session's lifetime; only
// UpdateSession does. Expired sessions are removed lazily when read and in
// bulk by CleanupExpiredSessions, which Run invokes on a fixed interval.
//
// # Backends
//
// The backend is chosen once by NewManager:
//
//	RedisEnabled && RedisURL != ""  -> storage/redis (shared across processes)
//	otherwise                        -> storage/memory (process-local, LRU bounded)
//
// A deployment running more than one process must enable Redis to share
// sessions. A Redis connection failure is reported to the caller; there is no
// fallback to the memory backend.
package sessions
