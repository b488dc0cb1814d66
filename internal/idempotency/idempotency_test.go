package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewGuard(rdb, 0), mr
}

func TestAcquire_RejectsReplay(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	if err := g.Acquire(ctx, "u1", "r1", 6); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := g.Acquire(ctx, "u1", "r1", 6); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if err := g.Acquire(ctx, "u2", "r1", 6); err != nil {
		t.Fatalf("same request id for another user should pass: %v", err)
	}
}

func TestAcquire_StoresRecordWithTTL(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()

	if err := g.Acquire(ctx, "u1", "r1", 30); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	rec, err := g.Lookup(ctx, "u1", "r1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Charged != 30 || rec.Timestamp == 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if ttl := mr.TTL("idem:u1:r1"); ttl != DefaultTTL {
		t.Fatalf("expected ttl %s, got %s", DefaultTTL, ttl)
	}

	mr.FastForward(DefaultTTL + time.Second)
	if _, err := g.Lookup(ctx, "u1", "r1"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected record to expire, got %v", err)
	}
}

func TestRelease_AllowsRetry(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	if err := g.Acquire(ctx, "u1", "r1", 6); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := g.Release(ctx, "u1", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := g.Acquire(ctx, "u1", "r1", 6); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(ctx, "u1", "same", 6); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}
