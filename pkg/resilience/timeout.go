// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rcli/relay/pkg/errors"
)

// WithTimeout executes fn with a timeout boundary.
// Returns errors.CodeTimeout if the deadline is exceeded.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run executes fn in its own goroutine and waits at most d for it.
//
// fn receives a context that is canceled when the deadline passes or the
// parent is canceled. Run never waits past that point: a fn that ignores its
// context is abandoned and its eventual result discarded. A panic inside fn
// is recovered and returned as a CodeInternal error.
func Run[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if d > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.New(errors.CodeInternal, "operation panicked", fmt.Errorf("%v", r))}
			}
		}()
		v, err := fn(runCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case res := <-done:
		// A fn that gave up because its context ended reports like the deadline.
		if res.err != nil && runCtx.Err() != nil {
			return zero, expired(ctx, runCtx, d)
		}
		return res.value, res.err
	case <-runCtx.Done():
		return zero, expired(ctx, runCtx, d)
	}
}

func expired(parent, runCtx context.Context, d time.Duration) error {
	if parent.Err() != nil {
		return errors.New(errors.CodeCanceled, "operation canceled", parent.Err())
	}
	return errors.New(errors.CodeTimeout, "operation exceeded timeout", runCtx.Err()).
		WithContext("timeout", d.String()).
		WithRecoverable(true)
}
