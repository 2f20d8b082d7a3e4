package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPDoer is the outbound HTTP surface adapters depend on. *http.Client
// satisfies it; tests substitute their own.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WithTimeout races op against a hard deadline. On timeout the op's eventual
// result is discarded; the op itself observes cancellation through its
// context and is expected to unwind on its own.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(opCtx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && opCtx.Err() == context.DeadlineExceeded {
			var zero T
			return zero, fmt.Errorf("%w after %s: %v", ErrTimeout, d, out.err)
		}
		return out.val, out.err
	case <-opCtx.Done():
		var zero T
		if opCtx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return zero, opCtx.Err()
	}
}
