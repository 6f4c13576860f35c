// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	rerrors "github.com/rcli/relay/pkg/errors"
)

func fastRetry() RetryConfig {
	return DefaultRetryConfig().WithInitialDelay(time.Millisecond)
}

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	err := fastRetry().Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	var retried []int
	config := fastRetry().WithMaxAttempts(2)
	config.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }
	err := config.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("always fails")
	})

	if err == nil {
		t.Errorf("expected error after max attempts")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Errorf("expected one OnRetry call for attempt 1, got %v", retried)
	}
}

func TestRetryRespectsRelayRecoverable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		attempts int
	}{
		{"recoverable", rerrors.New(rerrors.CodeRateLimit, "slow down", nil).WithRecoverable(true), 3},
		{"not recoverable", rerrors.New(rerrors.CodeInvalidInput, "bad request", nil), 1},
		{"canceled", context.Canceled, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			_ = fastRetry().Do(context.Background(), func(context.Context) error {
				attempts++
				return tt.err
			})
			if attempts != tt.attempts {
				t.Errorf("expected %d attempts, got %d", tt.attempts, attempts)
			}
		})
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := DefaultRetryConfig().WithInitialDelay(200 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := config.Do(ctx, func(context.Context) error {
		return errors.New("transient error")
	})
	if !rerrors.HasCode(err, rerrors.CodeContextLost) {
		t.Errorf("expected CONTEXT_LOST, got %v", err)
	}
}

func TestRetryGeneric(t *testing.T) {
	attempts := 0
	result, err := Retry(context.Background(), fastRetry(), func(context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("transient")
		}
		return "success", nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if result != "success" {
		t.Errorf("expected 'success', got %v", result)
	}
}

func TestRunReturnsResult(t *testing.T) {
	v, err := Run(context.Background(), time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %v (%v)", v, err)
	}
}

func TestRunTimeoutDoesNotWaitForHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Run(context.Background(), 30*time.Millisecond, func(context.Context) (int, error) {
		<-release // ignores its context
		return 1, nil
	})
	if !rerrors.HasCode(err, rerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Run blocked for %s", elapsed)
	}
}

func TestRunCancelsHandlerContext(t *testing.T) {
	var observed atomic.Bool
	done := make(chan struct{})
	_, err := Run(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		defer close(done)
		<-ctx.Done()
		observed.Store(true)
		return 0, ctx.Err()
	})
	<-done
	if !observed.Load() {
		t.Fatalf("handler context was not canceled")
	}
	if !rerrors.HasCode(err, rerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestRunParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !rerrors.HasCode(err, rerrors.CodeCanceled) && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	_, err := Run(context.Background(), time.Second, func(context.Context) (int, error) {
		panic("boom")
	})
	if !rerrors.HasCode(err, rerrors.CodeInternal) {
		t.Fatalf("expected INTERNAL_ERROR, got %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !rerrors.HasCode(err, rerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	var transitions []CircuitBreakerState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
		Name:             "llm",
		OnStateChange: func(_ string, _, to CircuitBreakerState) {
			transitions = append(transitions, to)
		},
	})
	fail := func(context.Context) error { return errors.New("upstream down") }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	_ = cb.Call(ctx, fail)
	_ = cb.Call(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", cb.State())
	}
	if err := cb.Call(ctx, ok); !rerrors.HasCode(err, rerrors.CodeLLMError) {
		t.Fatalf("expected open breaker to reject, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := cb.Call(ctx, ok); err != nil {
		t.Fatalf("expected half-open probe to pass, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after probe, got %s", cb.State())
	}
	want := []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}
}

func TestCircuitBreakerIgnoresCallerCancel(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = cb.Call(ctx, func(ctx context.Context) error { return ctx.Err() })
	if cb.State() != StateClosed {
		t.Fatalf("caller cancellation must not open the breaker")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	cb.Open()
	if cb.State() != StateOpen {
		t.Fatalf("expected open")
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after reset")
	}
}

func TestCircuitBreakerIsFailure(t *testing.T) {
	rejected := errors.New("400 bad request")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return err != rejected },
	})
	for i := 0; i < 3; i++ {
		_ = cb.Call(context.Background(), func(context.Context) error { return rejected })
	}
	if cb.State() != StateClosed {
		t.Fatalf("ignored errors opened the breaker")
	}
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("502") })
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreakerLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
	})
	cb.Open()
	time.Sleep(20 * time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- cb.Call(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); !rerrors.HasCode(err, rerrors.CodeLLMError) {
		t.Errorf("second probe should be rejected, got %v", err)
	}
	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after probe, got %s", cb.State())
	}
}
