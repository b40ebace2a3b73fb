// Package retry runs remote calls with a bounded number of attempts and a
// fixed delay between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imkarma/tempo/internal/config"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a permanent error, the context
// is cancelled or the policy's attempts are used up.
func Do(ctx context.Context, policy config.Retry, op string, fn func(ctx context.Context) error) error {
	attempts := max(policy.Attempts, 1)

	var last error
	for i := 1; i <= attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err
		slog.Warn("remote call failed", "op", op, "attempt", i, "of", attempts, "error", err)

		if i < attempts {
			if err := sleep(ctx, policy.Delay()); err != nil {
				return err
			}
		}
	}
	return &ExhaustedError{Op: op, Attempts: attempts, Err: last}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
