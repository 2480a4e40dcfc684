// Package retry provides the bounded retry policy used for remote polling.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default policy values.
const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
	DefaultMultiplier     = 2.0
)

// ErrInvalidPolicy is returned by Validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidPolicy)
	case p.InitialBackoff < 0 || p.MaxBackoff < 0:
		return fmt.Errorf("%w: backoff must not be negative", ErrInvalidPolicy)
	case p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff:
		return fmt.Errorf("%w: initial backoff exceeds max backoff", ErrInvalidPolicy)
	case p.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be >= 1", ErrInvalidPolicy)
	}
	return nil
}

// Schedule returns the waits between attempts: MaxAttempts-1 entries,
// growing by Multiplier and capped at MaxBackoff.
func (p Policy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, p.MaxAttempts-1)
	next := float64(p.InitialBackoff)
	for i := range out {
		d := time.Duration(next)
		if p.MaxBackoff > 0 && d > p.MaxBackoff {
			d = p.MaxBackoff
		}
		out[i] = d
		next *= p.Multiplier
	}
	return out
}

// scheduleBackOff replays a fixed schedule and then stops.
type scheduleBackOff struct {
	schedule []time.Duration
	pos      int
}

func (s *scheduleBackOff) NextBackOff() time.Duration {
	if s.pos >= len(s.schedule) {
		return backoff.Stop
	}
	d := s.schedule[s.pos]
	s.pos++
	return d
}

func (s *scheduleBackOff) Reset() { s.pos = 0 }

// Permanent marks err so Do stops retrying and returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the schedule is
// exhausted or ctx is done. onRetry, when set, is called before each wait.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), onRetry func(err error, wait time.Duration)) (T, error) {
	if err := p.Validate(); err != nil {
		var zero T
		return zero, err
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(&scheduleBackOff{schedule: p.Schedule()}),
		backoff.WithMaxTries(uint(p.MaxAttempts)), //nolint:gosec // validated >= 1
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}
	return backoff.Retry(ctx, func() (T, error) { return op(ctx) }, opts...)
}
