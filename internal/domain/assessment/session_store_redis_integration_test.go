//go:build integration

package assessment

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Uses INTAKE_TEST_REDIS_URL, e.g. redis://localhost:6379/15.
func integrationRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("INTAKE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("INTAKE_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return client
}

func TestRedisSessionStore_RoundTrip(t *testing.T) {
	client := integrationRedis(t)
	ctx := context.Background()
	store := NewRedisSessionStore(client, time.Minute)

	sess := NewSession(mustInstrument(t, "panic"))
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	t.Cleanup(func() { store.Delete(ctx, sess.ID) })

	ttl, err := client.TTL(ctx, sessionKeyPrefix+sess.ID.String()).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected a ttl up to one minute, got %v (%v)", ttl, err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != sess.ID || got.State != sess.State || len(got.Responses) != len(sess.Responses) {
		t.Errorf("unexpected session %+v", got)
	}

	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestRedisSessionStore_NotFound(t *testing.T) {
	store := NewRedisSessionStore(integrationRedis(t), time.Minute)
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
