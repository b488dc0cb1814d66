// Package ledger holds account balances in credits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrDeviceMismatch      = errors.New("account is bound to another device")
)

const DefaultPlan = "default"

type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	Plan      string    `json:"plan"`
	DeviceID  string    `json:"device_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InsufficientCreditsError reports a refused debit. It matches
// ErrInsufficientCredits under errors.Is.
type InsufficientCreditsError struct {
	Needed  int64
	Balance int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: needed %d, balance %d", e.Needed, e.Balance)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Store mutates balances. Implementations must serialize mutations per
// account: concurrent Debit calls never drive a balance below zero and never
// lose an update.
type Store interface {
	Get(ctx context.Context, accountID string) (*Account, error)
	Create(ctx context.Context, account *Account) error
	// Debit subtracts amount and returns the new balance, or fails with
	// *InsufficientCreditsError leaving the balance untouched.
	Debit(ctx context.Context, accountID string, amount int64) (int64, error)
	// Refund adds back a previously debited amount.
	Refund(ctx context.Context, accountID string, amount int64) (int64, error)
	// Adjust applies an administrative delta, clamping the result at zero.
	Adjust(ctx context.Context, accountID string, delta int64) (int64, error)
	// BindDevice binds an unbound account to deviceID. Binding to the device
	// it is already bound to is a no-op.
	BindDevice(ctx context.Context, accountID, deviceID string) error
}
