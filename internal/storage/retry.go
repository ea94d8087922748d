package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds statement-level retries of transient lock errors.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64

	// BaseDelay is the first backoff interval; each retry doubles it with
	// +/-50% jitter.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration

	// OnRetry is called before each retry sleep. Optional.
	OnRetry func(err error, wait time.Duration)
}

// StatementRetry is the policy for individual statements.
func StatementRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// CommitRetry is the policy for BEGIN and COMMIT.
func CommitRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Non-retryable errors are returned immediately. When
// retries run out the last transient error is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if policy.OnRetry != nil {
		notify = policy.OnRetry
	}

	return backoff.RetryNotify(op, policy.backOff(ctx), notify)
}

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ExecWithRetry executes a statement under the retry policy.
func ExecWithRetry(ctx context.Context, db Execer, policy RetryPolicy, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := Retry(ctx, policy, func() error {
		var err error
		result, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, &DatabaseError{Op: "exec", Query: query, Err: err}
	}
	return result, nil
}
