// Package storagetest holds a conformance suite that every storage.Store
// backend is expected to pass.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/mcp-toolserver/storage"
)

// StoreFactory creates a new, empty Store instance for testing.
type StoreFactory func(t *testing.T) storage.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("GetMissingReturnsNil", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("PutThenGetRoundTrips", func(t *testing.T) { testPutGet(t, factory) })
	t.Run("PutReplacesExisting", func(t *testing.T) { testPutReplaces(t, factory) })
	t.Run("PutRejectsEmptyID", func(t *testing.T) { testPutEmptyID(t, factory) })
	t.Run("DeleteReportsExistence", func(t *testing.T) { testDelete(t, factory) })
	t.Run("DeleteByUserRemovesOnlyThatUser", func(t *testing.T) { testDeleteByUser(t, factory) })
	t.Run("ClearRemovesEverything", func(t *testing.T) { testClear(t, factory) })
	t.Run("DeleteExpiredUsesCutoff", func(t *testing.T) { testDeleteExpired(t, factory) })
	t.Run("StatsCountsActiveAndExpired", func(t *testing.T) { testStats(t, factory) })
}

func newSession(id, userID string, lastAccessed time.Time) *storage.Session {
	return &storage.Session{
		ID:             id,
		UserID:         userID,
		CreatedAt:      lastAccessed,
		LastAccessedAt: lastAccessed,
		Data:           map[string]any{},
	}
}

func put(t *testing.T, s storage.Store, sess *storage.Session) {
	t.Helper()
	if err := s.Put(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("Put(%s): %v", sess.ID, err)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	got, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil session, got %+v", got)
	}
}

func testPutGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	sess := newSession("s1", "u1", now)
	sess.OrganizationID = "org1"
	sess.TenantID = "ten1"
	sess.Data["theme"] = "dark"
	put(t, s, sess)

	got, err := s.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected session, got nil")
	}
	if got.UserID != "u1" || got.OrganizationID != "org1" || got.TenantID != "ten1" {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if !got.LastAccessedAt.Equal(now) {
		t.Fatalf("lastAccessedAt mismatch: got %v want %v", got.LastAccessedAt, now)
	}
	if got.Data["theme"] != "dark" {
		t.Fatalf("data mismatch: %+v", got.Data)
	}

	// Mutating the returned copy must not leak into the store.
	got.Data["theme"] = "light"
	again, _ := s.Get(context.Background(), "s1")
	if again.Data["theme"] != "dark" {
		t.Fatalf("store shares data with caller: %+v", again.Data)
	}
}

func testPutReplaces(t *testing.T, factory StoreFactory) {
	s := factory(t)
	now := time.Now()
	put(t, s, newSession("s1", "u1", now))

	repl := newSession("s1", "u1", now)
	repl.Data["k"] = "v"
	put(t, s, repl)

	got, _ := s.Get(context.Background(), "s1")
	if got == nil || got.Data["k"] != "v" {
		t.Fatalf("expected replaced session, got %+v", got)
	}
}

func testPutEmptyID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if err := s.Put(context.Background(), &storage.Session{}, 0); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	put(t, s, newSession("s1", "u1", time.Now()))

	ok, err := s.Delete(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("Delete existing: ok=%v err=%v", ok, err)
	}
	ok, err = s.Delete(ctx, "s1")
	if err != nil || ok {
		t.Fatalf("Delete missing: ok=%v err=%v", ok, err)
	}
	if got, _ := s.Get(ctx, "s1"); got != nil {
		t.Fatalf("session still present after delete")
	}
}

func testDeleteByUser(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now()
	put(t, s, newSession("a1", "alice", now))
	put(t, s, newSession("a2", "alice", now))
	put(t, s, newSession("b1", "bob", now))

	n, err := s.DeleteByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("DeleteByUser: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	if got, _ := s.Get(ctx, "b1"); got == nil {
		t.Fatalf("bob's session was removed")
	}
	if n, _ := s.DeleteByUser(ctx, "carol"); n != 0 {
		t.Fatalf("expected 0 for unknown user, got %d", n)
	}
}

func testClear(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	for i := range 5 {
		put(t, s, newSession(fmt.Sprintf("s%d", i), "", time.Now()))
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st, err := s.Stats(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 0 {
		t.Fatalf("expected empty store, got %+v", st)
	}
}

func testDeleteExpired(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now()
	put(t, s, newSession("old", "u", now.Add(-2*time.Hour)))
	put(t, s, newSession("new", "u", now))

	n, err := s.DeleteExpired(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if got, _ := s.Get(ctx, "old"); got != nil {
		t.Fatalf("expired session survived")
	}
	if got, _ := s.Get(ctx, "new"); got == nil {
		t.Fatalf("fresh session removed")
	}
}

func testStats(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	now := time.Now()
	put(t, s, newSession("active", "u1", now))
	put(t, s, newSession("anon", "", now))
	put(t, s, newSession("stale", "u2", now.Add(-2*time.Hour)))

	st, err := s.Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := storage.Stats{Total: 3, Active: 1, Expired: 1}
	if st != want {
		t.Fatalf("stats mismatch: got %+v want %+v", st, want)
	}
}
