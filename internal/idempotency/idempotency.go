// Package idempotency keeps a generation request from being billed twice.
//
// A record for (userID, requestID) exists from the moment a charge is claimed
// until that charge is refunded. While it exists, replays are rejected.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 6 * time.Hour

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrRecordNotFound   = errors.New("idempotency record not found")
)

type Record struct {
	Charged   int64 `json:"charged"`
	Timestamp int64 `json:"ts"` // unix millis
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (r *Record) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (r *Record) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

type Guard struct {
	rdb redis.Cmdable
	ttl time.Duration
	now func() time.Time
}

func NewGuard(rdb redis.Cmdable, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{rdb: rdb, ttl: ttl, now: time.Now}
}

func key(userID, requestID string) string {
	return fmt.Sprintf("idem:%s:%s", userID, requestID)
}

// Acquire claims (userID, requestID) for a charge of the given amount.
// The claim is a single SET NX, so of any number of concurrent callers with
// the same pair exactly one succeeds.
func (g *Guard) Acquire(ctx context.Context, userID, requestID string, charged int64) error {
	rec := &Record{Charged: charged, Timestamp: g.now().UnixMilli()}
	ok, err := g.rdb.SetNX(ctx, key(userID, requestID), rec, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("idempotency: acquire: %w", err)
	}
	if !ok {
		return ErrDuplicateRequest
	}
	return nil
}

// Release drops the claim. Only the rollback path calls it.
func (g *Guard) Release(ctx context.Context, userID, requestID string) error {
	if err := g.rdb.Del(ctx, key(userID, requestID)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func (g *Guard) Lookup(ctx context.Context, userID, requestID string) (*Record, error) {
	var rec Record
	err := g.rdb.Get(ctx, key(userID, requestID)).Scan(&rec)
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: lookup: %w", err)
	}
	return &rec, nil
}
