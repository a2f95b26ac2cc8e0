package resilience

import (
	"context"
	"time"

	"github.com/gregtusar/vaultd/pkg/apperr"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 1 * time.Second
	defaultMultiplier   = 2.0
)

// Retrier runs an operation up to maxAttempts times, multiplying the delay
// between attempts by the backoff multiplier.
type Retrier struct {
	maxAttempts  int
	initialDelay time.Duration
	multiplier   float64
	shouldRetry  func(error) bool
	onRetry      func(attempt int, err error, delay time.Duration)
}

type Option func(*Retrier)

func WithMaxAttempts(n int) Option {
	return func(r *Retrier) {
		r.maxAttempts = n
	}
}

func WithInitialDelay(d time.Duration) Option {
	return func(r *Retrier) {
		r.initialDelay = d
	}
}

func WithBackoffMultiplier(m float64) Option {
	return func(r *Retrier) {
		r.multiplier = m
	}
}

// WithShouldRetry replaces the default classifier, apperr.Retryable.
func WithShouldRetry(fn func(error) bool) Option {
	return func(r *Retrier) {
		r.shouldRetry = fn
	}
}

// WithOnRetry registers a hook called before each sleep.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

func NewRetrier(opts ...Option) *Retrier {
	r := &Retrier{
		maxAttempts:  defaultMaxAttempts,
		initialDelay: defaultInitialDelay,
		multiplier:   defaultMultiplier,
		shouldRetry:  apperr.Retryable,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	return r
}

// Do returns nil on the first success. On exhaustion or a terminal error the
// last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.initialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.maxAttempts || !r.shouldRetry(err) {
			return err
		}

		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * r.multiplier)
	}
}

func DoWithData[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}
