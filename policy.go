package strait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raskyld/strait/pkg/limit"
)

// Timeout bounds the time spent downstream to d, or to the deadline of the
// incoming context if it is sooner.
//
// When the deadline fires first, the downstream context is cancelled,
// which resets the stream of the call, and `ErrDeadlineExceeded` is
// returned whatever downstream eventually produces.
func Timeout(d time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if d <= 0 {
				return next(ctx, req)
			}

			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				resp *Response
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case res := <-done:
				if ctx.Err() != nil {
					return nil, deadlineErr(ctx.Err())
				}
				return res.resp, res.err
			case <-ctx.Done():
				return nil, deadlineErr(ctx.Err())
			}
		}
	}
}

// ConcurrencyLimit admits at most `gate.Limit()` calls downstream at once.
// Extra calls queue in arrival order.
func ConcurrencyLimit(gate *limit.Concurrency) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *Request) (*Response, error) {
			release, err := gate.Acquire(ctx)
			if err != nil {
				return nil, limitErr(err)
			}
			defer release()
			return next(ctx, req)
		}
	}
}

// RateLimit admits at most `gate.Permits()` calls in any window of
// `gate.Period()`. Extra calls wait in arrival order.
func RateLimit(gate *limit.Rate) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if err := gate.Acquire(ctx); err != nil {
				return nil, limitErr(err)
			}
			return next(ctx, req)
		}
	}
}

func deadlineErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	}
	return err
}

func limitErr(err error) error {
	if errors.Is(err, limit.ErrQueueFull) {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return deadlineErr(err)
}
