package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// The gateway uses SetNX for idempotency reservations, so the first
// writer of a key wins and replays are rejected until the TTL lapses.
func TestMemoryCacheReservations(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	key := "surety:idem:buy:pax-7:ND-1309"

	won, err := c.SetNX(ctx, key, "policy-1", time.Minute)
	if err != nil || !won {
		t.Fatalf("first reservation must win: %v %v", won, err)
	}
	won, err = c.SetNX(ctx, key, "policy-2", time.Minute)
	if err != nil {
		t.Fatalf("replay setnx: %v", err)
	}
	if won {
		t.Fatal("replayed purchase must lose the reservation")
	}
	if got, _ := c.Get(ctx, key); got != "policy-1" {
		t.Fatalf("reservation value clobbered: %q", got)
	}

	if err := c.Del(ctx, key); err != nil {
		t.Fatalf("del: %v", err)
	}
	if won, _ = c.SetNX(ctx, key, "policy-3", time.Minute); !won {
		t.Fatal("released key must be reservable again")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "surety:idem:fund:GA", "done", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := c.Get(ctx, "surety:idem:fund:GA"); err != nil || got != "done" {
		t.Fatalf("fresh key unreadable: %q %v", got, err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, err := c.Get(ctx, "surety:idem:fund:GA"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expired key must report redis.Nil, got %v", err)
	}
}

func TestNewCachePicksBackend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("nil client must fall back to memory")
	}

	dead := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
	})
	defer dead.Close()
	if _, ok := NewCache(ctx, dead).(*MemoryCache); !ok {
		t.Fatal("unreachable redis must fall back to memory")
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	live := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer live.Close()
	if _, ok := NewCache(context.Background(), live).(*RedisCache); !ok {
		t.Fatal("healthy redis must be preferred")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := &RedisCache{client: client}
	ctx := context.Background()
	key := "surety:idem:withdraw:pax-7"

	won, err := c.SetNX(ctx, key, "w-1", time.Minute)
	if err != nil || !won {
		t.Fatalf("setnx: %v %v", won, err)
	}
	if won, _ = c.SetNX(ctx, key, "w-2", time.Minute); won {
		t.Fatal("duplicate withdrawal must lose the reservation")
	}

	if err := c.Set(ctx, "surety:round:ND-1309", "open", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := c.Get(ctx, "surety:round:ND-1309"); err != nil || got != "open" {
		t.Fatalf("get: %q %v", got, err)
	}
	if err := c.Del(ctx, "surety:round:ND-1309"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "surety:round:ND-1309"); !errors.Is(err, redis.Nil) {
		t.Fatalf("deleted key must report redis.Nil, got %v", err)
	}
}
