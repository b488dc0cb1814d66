package coordinator

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failed generation.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindRateLimited
	KindDuplicate
	KindInsufficientCredits
	KindAccountNotFound
	KindUnsupportedModel
	KindProvider
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindDuplicate:
		return "duplicate"
	case KindInsufficientCredits:
		return "insufficient_credits"
	case KindAccountNotFound:
		return "account_not_found"
	case KindUnsupportedModel:
		return "unsupported_model"
	case KindProvider:
		return "provider"
	default:
		return "internal"
	}
}

// HTTPStatus is the response status for a failure of this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindUnsupportedModel:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindAccountNotFound:
		return http.StatusNotFound
	case KindDuplicate:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned for every non-successful generation.
type Error struct {
	Kind    Kind
	Message string

	// set for KindInsufficientCredits
	Needed  int64
	Balance int64

	// set for KindRateLimited
	RetryAfter time.Duration

	// Refunded reports whether a debit was made and returned.
	Refunded bool

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
