// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides retry, timeout and circuit breaker helpers
// shared by the model client and the tool dispatcher.
package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rcli/relay/pkg/errors"
)

// RetryConfig is an exponential backoff policy. The zero value makes a
// single attempt.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	// MaxDelay caps a single wait. Zero means one minute.
	MaxDelay   time.Duration
	Multiplier float64 // zero means 2
	// Jitter spreads each wait by ±Jitter of its length.
	Jitter float64

	// IsRecoverable decides whether err is worth another attempt. Nil
	// retries everything except cancellation and RelayErrors not marked
	// recoverable.
	IsRecoverable func(error) bool

	// OnRetry runs before each wait with the number of the attempt that
	// just failed.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is the policy for model requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

func (rc RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rc.InitialDelay,
		RandomizationFactor: rc.Jitter,
		Multiplier:          rc.Multiplier,
		MaxInterval:         rc.MaxDelay,
	}
	if b.Multiplier <= 0 {
		b.Multiplier = 2
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Minute
	}
	b.Reset()
	return b
}

// Do runs fn until it succeeds, fails with an unrecoverable error or runs
// out of attempts, and returns the last error. Cancellation while waiting
// yields CodeContextLost.
func (rc RetryConfig) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is the value-returning form of RetryConfig.Do.
func Retry[T any](ctx context.Context, rc RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = retryable
	}

	var (
		attempt int
		last    error
		final   bool
	)
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		last = err
		if !recoverable(err) || ctx.Err() != nil {
			final = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(rc.backOff()),
		backoff.WithMaxTries(uint(rc.MaxAttempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if rc.OnRetry != nil {
				rc.OnRetry(attempt, err)
			}
		}),
	)
	if p, ok := err.(*backoff.PermanentError); ok {
		err = p.Err
	}
	if err != nil && !final && attempt < rc.MaxAttempts && ctx.Err() != nil {
		lost := errors.New(errors.CodeContextLost, "context canceled during retry", ctx.Err()).
			WithContext("attempt", attempt).
			WithContext("max_attempts", rc.MaxAttempts)
		if last != nil {
			lost = lost.WithContext("last_error", last.Error())
		}
		return v, lost
	}
	return v, err
}

func retryable(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	var re *errors.RelayError
	if stderrors.As(err, &re) {
		return re.Recoverable
	}
	return true
}
