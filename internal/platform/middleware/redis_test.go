package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisCacheStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisCacheStore(client, "test:cache:")
}

func TestRedisCacheStore_SetAndGet(t *testing.T) {
	_, store := newTestRedisStore(t)

	store.Set("key1", []byte("value1"), 5*time.Minute)

	data, ok := store.Get("key1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(data) != "value1" {
		t.Errorf("expected 'value1', got %q", string(data))
	}
}

func TestRedisCacheStore_MissOnUnknownKey(t *testing.T) {
	_, store := newTestRedisStore(t)

	if _, ok := store.Get("nope"); ok {
		t.Error("expected cache miss for unknown key")
	}
}

func TestRedisCacheStore_Expiration(t *testing.T) {
	mr, store := newTestRedisStore(t)

	store.Set("key1", []byte("value1"), 1*time.Second)

	// miniredis only expires keys when the clock is advanced explicitly.
	mr.FastForward(2 * time.Second)

	if _, ok := store.Get("key1"); ok {
		t.Error("expected cache miss for expired entry")
	}
}

func TestRedisCacheStore_Delete(t *testing.T) {
	_, store := newTestRedisStore(t)

	store.Set("key1", []byte("value1"), 5*time.Minute)
	store.Delete("key1")

	if _, ok := store.Get("key1"); ok {
		t.Error("expected cache miss after delete")
	}
}

func TestRedisCacheStore_Clear_RespectsPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	storeA := NewRedisCacheStore(client, "a:")
	storeB := NewRedisCacheStore(client, "b:")

	storeA.Set("key1", []byte("value-a"), 5*time.Minute)
	storeB.Set("key1", []byte("value-b"), 5*time.Minute)

	storeA.Clear()

	if _, ok := storeA.Get("key1"); ok {
		t.Error("expected store A to be empty after clear")
	}
	if _, ok := storeB.Get("key1"); !ok {
		t.Error("expected store B to survive store A's clear")
	}
}

func TestRedisCacheStore_DefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisCacheStore(client, "")
	store.Set("key1", []byte("value1"), 5*time.Minute)

	if !mr.Exists("caremar:httpcache:key1") {
		t.Error("expected key to be stored under the default prefix")
	}
}

func TestRedisCacheStore_GetAfterServerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisCacheStore(client, "test:")
	store.Set("key1", []byte("value1"), 5*time.Minute)

	mr.Close()

	// Connection failures must degrade to misses, never errors or panics.
	if _, ok := store.Get("key1"); ok {
		t.Error("expected miss when redis is unreachable")
	}
}

func TestResponseCache_WithRedisStore(t *testing.T) {
	_, store := newTestRedisStore(t)

	e := echo.New()
	callCount := 0
	handler := ResponseCacheMiddleware(store, 5*time.Minute)(func(c echo.Context) error {
		callCount++
		return c.String(http.StatusOK, "fresh data")
	})

	// First request: MISS
	req1 := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	req1.Header.Set("Accept", "application/json")
	rec1 := httptest.NewRecorder()
	c1 := e.NewContext(req1, rec1)
	if err := handler(c1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec1.Header().Get("X-Cache") != "MISS" {
		t.Errorf("first request: expected MISS, got %q", rec1.Header().Get("X-Cache"))
	}

	// Second request: HIT served from Redis
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	req2.Header.Set("Accept", "application/json")
	rec2 := httptest.NewRecorder()
	c2 := e.NewContext(req2, rec2)
	if err := handler(c2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Errorf("second request: expected HIT, got %q", rec2.Header().Get("X-Cache"))
	}
	if rec2.Body.String() != "fresh data" {
		t.Errorf("expected cached body, got %q", rec2.Body.String())
	}
	if callCount != 1 {
		t.Errorf("expected handler called once, called %d times", callCount)
	}
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not-a-redis-url")
	if err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestNewRedisClient_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("expected usable client, ping failed: %v", err)
	}
}
