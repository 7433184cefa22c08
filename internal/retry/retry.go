// Package retry re-runs short operations that lost a race in the store.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/observability"
)

type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// TxPolicy is used for single-transaction operations.
func TxPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Initial: 10 * time.Millisecond, Max: 250 * time.Millisecond}
}

func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrTransientConflict)
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts are used up or ctx is done.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	if p.Max > 0 {
		exp.MaxInterval = p.Max
	}
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(p.Attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		if attempt < p.Attempts {
			observability.TxRetries.Inc()
		}
		return err
	}, b)
	if err != nil && retryable(err) {
		return errors.Wrapf(err, "gave up after %d attempts", attempt)
	}
	return err
}

// Transient retries fn while it fails with domain.ErrTransientConflict.
func Transient(ctx context.Context, attempts int, fn func() error) error {
	return Do(ctx, TxPolicy(attempts), IsTransient, fn)
}
