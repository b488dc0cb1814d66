package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrTokenNotFound = errors.New("access token not found")
	ErrTokenExists   = errors.New("access token already exists")
)

// TokenStore maps long-lived access tokens to account ids.
type TokenStore interface {
	Resolve(ctx context.Context, token string) (string, error)
	Save(ctx context.Context, token, userID string) error
}

// RedisTokenStore keeps only the SHA-256 of each token.
type RedisTokenStore struct {
	rdb redis.Cmdable
}

var _ TokenStore = (*RedisTokenStore)(nil)

func NewRedisTokenStore(rdb redis.Cmdable) *RedisTokenStore {
	return &RedisTokenStore{rdb: rdb}
}

func hashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func tokenKey(token string) string {
	return "token:" + hashKey(token)
}

func (s *RedisTokenStore) Resolve(ctx context.Context, token string) (string, error) {
	userID, err := s.rdb.Get(ctx, tokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("failed to resolve access token: %w", err)
	}
	return userID, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, token, userID string) error {
	if token == "" || userID == "" {
		return fmt.Errorf("token and user id are required")
	}
	ok, err := s.rdb.SetNX(ctx, tokenKey(token), userID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	if !ok {
		return ErrTokenExists
	}
	return nil
}

// NewAccessToken returns a token shaped NB-XXXXXXXX-XXXX.
func NewAccessToken() string {
	a := strings.ToUpper(strings.Split(uuid.NewString(), "-")[0])
	b := strings.ToUpper(strings.Split(uuid.NewString(), "-")[1])
	return fmt.Sprintf("NB-%s-%s", a, b)
}

// NewUserID returns a fresh account id.
func NewUserID() string {
	return "u_" + uuid.NewString()
}
