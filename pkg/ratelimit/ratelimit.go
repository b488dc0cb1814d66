package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

const (
	DefaultLimit  = 20
	DefaultWindow = time.Minute

	// counters outlive their window slightly so a skewed clock at the
	// boundary still finds the bucket it incremented
	bucketTTL = 70 * time.Second
)

// ErrLimitExceeded is returned by Decision.Err for a refused request.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int64
	RetryAfter time.Duration
}

// Err returns ErrLimitExceeded when the request was refused.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrLimitExceeded
}

// Allower is satisfied by both strategies.
type Allower interface {
	Allow(ctx context.Context, userID string) (*Decision, error)
}

// Limiter is a per-user fixed-window request counter.
//
// Up to 2x the limit can pass across a window boundary. That is fine for abuse
// prevention; use SlidingLimiter when bursts must stay under the limit.
type Limiter struct {
	rdb    redis.Cmdable
	limit  int64
	window time.Duration
	now    func() time.Time
}

// Option configures Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(rdb redis.Cmdable, limit int64, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	l := &Limiter{
		rdb:    rdb,
		limit:  limit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) bucket(now time.Time) int64 {
	return now.Unix() / int64(l.window/time.Second)
}

func (l *Limiter) key(userID string, bucket int64) string {
	return fmt.Sprintf("rl:%s:%d", userID, bucket)
}

func (l *Limiter) Allow(ctx context.Context, userID string) (*Decision, error) {
	now := l.now()
	bucket := l.bucket(now)
	key := l.key(userID, bucket)

	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, bucketTTL).Err(); err != nil {
			return nil, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}

	d := &Decision{Allowed: n <= l.limit, Count: n, Limit: l.limit}
	if !d.Allowed {
		next := time.Unix((bucket+1)*int64(l.window/time.Second), 0)
		d.RetryAfter = next.Sub(now)
	}
	return d, nil
}

// SlidingLimiter is a thin wrapper around github.com/vnmchuo/ratelimiter
type SlidingLimiter struct {
	store extratelimit.Limiter
	limit int64
}

func NewSlidingLimiter(rdb *redis.Client, limit int64) *SlidingLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(limit)),
		extratelimit.WithWindow(DefaultWindow),
	)
	return NewSlidingLimiterWithStore(store, limit)
}

// NewSlidingLimiterWithStore runs the sliding strategy over any limiter
// store, e.g. one shared with other services.
func NewSlidingLimiterWithStore(store extratelimit.Limiter, limit int64) *SlidingLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &SlidingLimiter{store: store, limit: limit}
}

func (l *SlidingLimiter) Allow(ctx context.Context, userID string) (*Decision, error) {
	key := fmt.Sprintf("ratelimit:user:%s", userID)
	res, err := l.store.Allow(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: sliding: %w", err)
	}
	d := &Decision{Allowed: res.Allowed, Limit: l.limit}
	if !d.Allowed {
		d.RetryAfter = DefaultWindow
	}
	return d, nil
}

// New picks a strategy by name: "sliding", anything else is fixed.
func New(strategy string, rdb *redis.Client, limit int64) Allower {
	if strategy == "sliding" {
		return NewSlidingLimiter(rdb, limit)
	}
	return NewLimiter(rdb, limit)
}
