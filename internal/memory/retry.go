package memory

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/scrypster/agentmem/internal/storage"
)

// retryPolicy bounds each store attempt and retries transient storage
// failures a fixed number of times.
type retryPolicy struct {
	attempts uint
	backoff  time.Duration
	timeout  time.Duration
}

// withRetry runs op with a per-attempt timeout. Only errors wrapping
// storage.ErrStorage are retried; everything else returns immediately.
func withRetry[T any](ctx context.Context, p retryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		v, err := op(attemptCtx)
		if err != nil && !storage.IsRetryable(err) {
			var zero T
			return zero, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.backoff)),
		backoff.WithMaxTries(p.attempts),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if err != nil && !storage.IsRetryable(err) && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = storage.Wrap("memory", err)
	}
	return v, err
}
