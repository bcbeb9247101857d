package redis

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelauth/sentinel/storage"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCache(client), mr
}

func TestGetSetDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestTTLAndExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	ttl, err := c.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	if err := c.Expire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired key: err = %v, want ErrNotFound", err)
	}
}

func TestIncr(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := c.Incr(ctx, "counter")
		if err != nil || n != want {
			t.Fatalf("Incr = %d, %v; want %d", n, err, want)
		}
	}
}

func TestSets(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.SetAdd(ctx, "s", "a", "b", "c"); err != nil {
		t.Fatalf("SetAdd failed: %v", err)
	}
	if err := c.SetRemove(ctx, "s", "b"); err != nil {
		t.Fatalf("SetRemove failed: %v", err)
	}
	members, err := c.SetMembers(ctx, "s")
	if err != nil {
		t.Fatalf("SetMembers failed: %v", err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "a" || members[1] != "c" {
		t.Fatalf("members = %v", members)
	}
}

func TestSortedRangeByScore(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for member, score := range map[string]float64{"old": 100, "mid": 200, "new": 300} {
		if err := c.SortedAdd(ctx, "z", member, score); err != nil {
			t.Fatalf("SortedAdd failed: %v", err)
		}
	}

	got, err := c.SortedRangeByScore(ctx, "z", -1e308, 250)
	if err != nil {
		t.Fatalf("SortedRangeByScore failed: %v", err)
	}
	if len(got) != 2 || got[0] != "old" || got[1] != "mid" {
		t.Fatalf("range = %v", got)
	}

	if err := c.SortedRemove(ctx, "z", "old"); err != nil {
		t.Fatalf("SortedRemove failed: %v", err)
	}
	got, err = c.SortedRangeByScore(ctx, "z", -1e308, 1e308)
	if err != nil || len(got) != 2 {
		t.Fatalf("range after remove = %v, %v", got, err)
	}
}

func TestScanPrefix(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for _, key := range []string{"sn:s:1", "sn:s:2", "sn:u:1"} {
		if err := c.Set(ctx, key, []byte("x"), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	keys, err := c.ScanPrefix(ctx, "sn:s:")
	if err != nil {
		t.Fatalf("ScanPrefix failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "sn:s:1" || keys[1] != "sn:s:2" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestLockOwnership(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	tok, ok, err := c.AcquireLock(ctx, "lock:f1", time.Minute)
	if err != nil || !ok || tok == "" {
		t.Fatalf("AcquireLock = %q, %v, %v", tok, ok, err)
	}

	// Held lock cannot be re-acquired.
	if _, ok, err := c.AcquireLock(ctx, "lock:f1", time.Minute); err != nil || ok {
		t.Fatalf("second acquire: ok=%v err=%v", ok, err)
	}

	// A stale token must not free the lock.
	if err := c.ReleaseLock(ctx, "lock:f1", "not-the-token"); err != nil {
		t.Fatalf("ReleaseLock with stale token errored: %v", err)
	}
	if _, ok, _ := c.AcquireLock(ctx, "lock:f1", time.Minute); ok {
		t.Fatal("stale token released the lock")
	}

	if err := c.ReleaseLock(ctx, "lock:f1", tok); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if _, ok, _ := c.AcquireLock(ctx, "lock:f1", time.Minute); !ok {
		t.Fatal("lock not re-acquirable after release")
	}

	// TTL expiry frees an abandoned lock.
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := c.AcquireLock(ctx, "lock:f1", time.Minute); !ok {
		t.Fatal("lock not acquirable after TTL expiry")
	}
}

func TestUnavailableWrapped(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
