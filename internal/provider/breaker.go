package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps an ImageProvider in a circuit breaker. While the circuit is
// open, Generate fails fast with a 503 *Error and no upstream call is made.
type Breaker struct {
	next ImageProvider
	cb   *gobreaker.CircuitBreaker
}

var _ ImageProvider = (*Breaker)(nil)

func WithBreaker(p ImageProvider) *Breaker {
	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: countsAsHealthy,
	}
	return &Breaker{next: p, cb: gobreaker.NewCircuitBreaker(settings)}
}

// countsAsHealthy keeps client-side errors (bad prompt, bad attachment) from
// tripping the circuit. Upstream 429 still counts against it.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode >= 400 && pe.StatusCode < 500 && pe.StatusCode != http.StatusTooManyRequests
	}
	return false
}

func (b *Breaker) Generate(ctx context.Context, req *Request) (*Response, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{
				StatusCode: http.StatusServiceUnavailable,
				Message:    "provider temporarily unavailable",
				Err:        err,
			}
		}
		return nil, err
	}
	return result.(*Response), nil
}

func (b *Breaker) Name() string { return b.next.Name() }

func (b *Breaker) SupportedModels() []string { return b.next.SupportedModels() }

// State reports the circuit state, for health output.
func (b *Breaker) State() string { return b.cb.State().String() }
