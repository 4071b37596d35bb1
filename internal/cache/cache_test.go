package cache

import (
	"context"
	"testing"
	"time"

	"marketfeed/internal/config"
)

// newReachableCache skips the test when no Redis instance is reachable at
// localhost:6379, the same pattern the teacher repo uses for its AWS/S3
// integration tests that require live infrastructure.
func newReachableCache(t *testing.T) *RedisCache {
	t.Helper()
	c := New(config.CacheConfig{Host: "localhost", Port: 6379, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Skipf("no redis reachable at localhost:6379: %v", err)
	}
	return c
}

func TestRedisCacheSetGetRoundTrip(t *testing.T) {
	c := newReachableCache(t)
	defer c.Close()
	ctx := context.Background()

	type payload struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	want := payload{Symbol: "SOL/USDT", Price: 150.25}

	if err := c.Set(ctx, "test:cache:roundtrip", want, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got payload
	ok, err := c.Get(ctx, "test:cache:roundtrip", &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestRedisCacheGetMissingKey(t *testing.T) {
	c := newReachableCache(t)
	defer c.Close()
	ctx := context.Background()

	var dest string
	ok, err := c.Get(ctx, "test:cache:does-not-exist", &dest)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected missing key to report ok=false")
	}
}

func TestRedisCacheSetMultiGetMulti(t *testing.T) {
	c := newReachableCache(t)
	defer c.Close()
	ctx := context.Background()

	values := map[string]interface{}{
		"test:cache:multi:a": 1,
		"test:cache:multi:b": 2,
	}
	if err := c.SetMulti(ctx, values, time.Minute); err != nil {
		t.Fatalf("set_multi: %v", err)
	}

	got, err := c.GetMulti(ctx, []string{"test:cache:multi:a", "test:cache:multi:b", "test:cache:multi:missing"})
	if err != nil {
		t.Fatalf("get_multi: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(got), got)
	}
}
