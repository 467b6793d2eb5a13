package cache

import (
	"context"
	"testing"
	"time"
)

// newTestCache connects to a local Redis instance and skips the test
// if one isn't reachable, matching the teacher's integration-test
// pattern of pinging before running rather than mocking the wire
// protocol.
func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := New(Options{Address: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Skipf("no redis reachable at 127.0.0.1:6379: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type sample struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestSetGet_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test:setget:" + t.Name()

	if err := c.Set(ctx, key, sample{Name: "a", N: 1}, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var got sample
	if err := c.Get(ctx, key, &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "a" || got.N != 1 {
		t.Errorf("Get() = %+v, want {a 1}", got)
	}

	_ = c.Delete(ctx, key)
}

func TestGet_MissingKeyReturnsErrNotFound(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var got sample
	err := c.Get(ctx, "test:missing:"+t.Name(), &got)
	if err != ErrNotFound {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRPush_LRange_LTrim(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test:list:" + t.Name()
	defer func() { _ = c.Delete(ctx, key) }()

	for i := 0; i < 5; i++ {
		if err := c.RPush(ctx, key, time.Minute, sample{Name: "m", N: i}); err != nil {
			t.Fatalf("RPush(%d) error = %v", i, err)
		}
	}

	n, err := c.LLen(ctx, key)
	if err != nil {
		t.Fatalf("LLen() error = %v", err)
	}
	if n != 5 {
		t.Fatalf("LLen() = %d, want 5", n)
	}

	if err := c.LTrim(ctx, key, 2, -1); err != nil {
		t.Fatalf("LTrim() error = %v", err)
	}

	items, err := c.LRange(ctx, key, 0, -1)
	if err != nil {
		t.Fatalf("LRange() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3 after trim", len(items))
	}
}

func TestHSet_HGet_HGetAll(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test:hash:" + t.Name()
	defer func() { _ = c.Delete(ctx, key) }()

	if err := c.HSet(ctx, key, "f1", sample{Name: "x", N: 7}); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}

	var got sample
	if err := c.HGet(ctx, key, "f1", &got); err != nil {
		t.Fatalf("HGet() error = %v", err)
	}
	if got.N != 7 {
		t.Errorf("HGet() = %+v, want N=7", got)
	}

	all, err := c.HGetAll(ctx, key)
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if _, ok := all["f1"]; !ok {
		t.Error("HGetAll() missing field f1")
	}
}
