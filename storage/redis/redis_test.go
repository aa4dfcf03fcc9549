package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/mcp-toolserver/storage"
	"github.com/ggoodman/mcp-toolserver/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

// setupRedisClient connects to a local Redis on DB 2; tests are skipped if
// none is reachable.
func setupRedisClient(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisStore(t *testing.T) {
	probe := setupRedisClient(t)
	_ = probe.Close()

	n := 0
	storagetest.RunStoreTests(t, func(t *testing.T) storage.Store {
		n++
		s, err := New(Config{
			Client:    setupRedisClient(t),
			KeyPrefix: fmt.Sprintf("mcp:test:%d:%d:", time.Now().UnixNano(), n),
		})
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() {
			_ = s.Clear(context.Background())
			_ = s.Close()
		})
		return s
	})
}

func TestPutAppliesTTL(t *testing.T) {
	client := setupRedisClient(t)
	s, err := New(Config{Client: client, KeyPrefix: fmt.Sprintf("mcp:test:ttl:%d:", time.Now().UnixNano())})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	defer s.Clear(ctx)

	sess := &storage.Session{ID: "s1", UserID: "u1", LastAccessedAt: time.Now()}
	if err := s.Put(ctx, sess, time.Minute); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	ttl, err := client.TTL(ctx, s.sessionKey("s1")).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	if _, err := Open(context.Background(), "not-a-url", ""); err == nil {
		t.Fatal("expected error for malformed url")
	}
}
