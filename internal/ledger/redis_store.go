package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each account in a hash and mutates balances only through
// Lua scripts. Redis runs scripts one at a time, which makes every
// read-check-write below atomic per account.
type RedisStore struct {
	rdb redis.Cmdable
	now func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func accountKey(accountID string) string {
	return "user:" + accountID
}

// Script results share one convention: {code, balance}
//
//	 1 = ok
//	-1 = insufficient credits
//	-2 = account not found
const (
	resultOK           = 1
	resultInsufficient = -1
	resultNotFound     = -2
)

// KEYS[1] = account hash, ARGV[1] = amount
var debitScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-2, 0}
end
local amount = tonumber(ARGV[1])
local balance = tonumber(redis.call("HGET", KEYS[1], "balance") or "0")
if balance < amount then
    return {-1, balance}
end
return {1, redis.call("HINCRBY", KEYS[1], "balance", -amount)}
`)

// KEYS[1] = account hash, ARGV[1] = amount
var refundScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-2, 0}
end
return {1, redis.call("HINCRBY", KEYS[1], "balance", tonumber(ARGV[1]))}
`)

// KEYS[1] = account hash, ARGV[1] = signed delta
var adjustScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-2, 0}
end
local balance = tonumber(redis.call("HGET", KEYS[1], "balance") or "0")
local updated = balance + tonumber(ARGV[1])
if updated < 0 then
    updated = 0
end
redis.call("HSET", KEYS[1], "balance", updated)
return {1, updated}
`)

// KEYS[1] = account hash, ARGV = balance, plan, created_at
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "balance", ARGV[1], "plan", ARGV[2], "device_id", "", "created_at", ARGV[3])
return 1
`)

// KEYS[1] = account hash, ARGV[1] = device id
// Returns 1 bound (or already bound to it), 0 bound elsewhere, -2 missing.
var bindScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -2
end
local current = redis.call("HGET", KEYS[1], "device_id")
if not current or current == "" then
    redis.call("HSET", KEYS[1], "device_id", ARGV[1])
    return 1
end
if current == ARGV[1] then
    return 1
end
return 0
`)

func (s *RedisStore) Get(ctx context.Context, accountID string) (*Account, error) {
	vals, err := s.rdb.HGetAll(ctx, accountKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: get account: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrAccountNotFound
	}

	acct := &Account{
		ID:       accountID,
		Plan:     vals["plan"],
		DeviceID: vals["device_id"],
	}
	if acct.Plan == "" {
		acct.Plan = DefaultPlan
	}
	if acct.Balance, err = parseInt(vals["balance"]); err != nil {
		return nil, fmt.Errorf("ledger: account %s: balance: %w", accountID, err)
	}
	createdMs, err := parseInt(vals["created_at"])
	if err != nil {
		return nil, fmt.Errorf("ledger: account %s: created_at: %w", accountID, err)
	}
	if createdMs > 0 {
		acct.CreatedAt = time.UnixMilli(createdMs).UTC()
	}
	return acct, nil
}

func (s *RedisStore) Create(ctx context.Context, account *Account) error {
	if account.ID == "" {
		return fmt.Errorf("ledger: account id is required")
	}
	if account.Balance < 0 {
		return fmt.Errorf("ledger: initial balance must not be negative")
	}
	if account.Plan == "" {
		account.Plan = DefaultPlan
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now().UTC()
	}

	created, err := createScript.Run(ctx, s.rdb,
		[]string{accountKey(account.ID)},
		account.Balance, account.Plan, account.CreatedAt.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("ledger: create account: %w", err)
	}
	if created == 0 {
		return ErrAccountExists
	}
	return nil
}

func (s *RedisStore) Debit(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	code, balance, err := s.run(ctx, debitScript, accountID, amount)
	if err != nil {
		return 0, fmt.Errorf("ledger: debit: %w", err)
	}
	switch code {
	case resultOK:
		return balance, nil
	case resultInsufficient:
		return balance, &InsufficientCreditsError{Needed: amount, Balance: balance}
	case resultNotFound:
		return 0, ErrAccountNotFound
	default:
		return 0, fmt.Errorf("ledger: unexpected debit result: %d", code)
	}
}

func (s *RedisStore) Refund(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	code, balance, err := s.run(ctx, refundScript, accountID, amount)
	if err != nil {
		return 0, fmt.Errorf("ledger: refund: %w", err)
	}
	if code == resultNotFound {
		return 0, ErrAccountNotFound
	}
	return balance, nil
}

func (s *RedisStore) Adjust(ctx context.Context, accountID string, delta int64) (int64, error) {
	if delta == 0 {
		return 0, ErrInvalidAmount
	}
	code, balance, err := s.run(ctx, adjustScript, accountID, delta)
	if err != nil {
		return 0, fmt.Errorf("ledger: adjust: %w", err)
	}
	if code == resultNotFound {
		return 0, ErrAccountNotFound
	}
	return balance, nil
}

func (s *RedisStore) BindDevice(ctx context.Context, accountID, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("ledger: device id is required")
	}
	res, err := bindScript.Run(ctx, s.rdb, []string{accountKey(accountID)}, deviceID).Int64()
	if err != nil {
		return fmt.Errorf("ledger: bind device: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrDeviceMismatch
	case resultNotFound:
		return ErrAccountNotFound
	default:
		return fmt.Errorf("ledger: unexpected bind result: %d", res)
	}
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, accountID string, amount int64) (int64, int64, error) {
	vals, err := script.Run(ctx, s.rdb, []string{accountKey(accountID)}, amount).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, errors.New("malformed script reply")
	}
	return vals[0], vals[1], nil
}

func parseInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
