package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrCancelled signals that another actor already completed the work.
// It is never retried.
var ErrCancelled = errors.New("work already handled elsewhere")

// Policy bounds a retried operation. Attach one per call site.
type Policy struct {
	Attempts int
	Delay    time.Duration
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(err error, attempt int, next time.Duration)
}

// DefaultPolicy is used for commit-log and manifest work.
var DefaultPolicy = Policy{Attempts: 3, Delay: 100 * time.Millisecond}

// Cancel marks err as a cancellation. A nil err yields ErrCancelled.
func Cancel(err error) error {
	if err == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// IsCancelled reports whether err carries a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry executes op until it succeeds or the policy's attempts are used up,
// waiting policy.Delay between attempts. op receives the 1-based attempt
// number. Cancellations and permanent errors stop immediately.
func Retry(ctx context.Context, policy Policy, desc string, op func(attempt int) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(policy.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(attempt)
		if err != nil && IsCancelled(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, next)
		}
	})
	if err == nil {
		return nil
	}
	if IsCancelled(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", desc, attempt, err)
}

// Outcome is the tagged result of one unit of work.
type Outcome int

const (
	Succeeded Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// OutcomeOf classifies the error returned by Retry.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Succeeded
	case IsCancelled(err):
		return Skipped
	default:
		return Failed
	}
}
