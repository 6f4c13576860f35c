package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rcli/relay/pkg/errors"
)

type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures a CircuitBreaker. Zero fields take the
// defaults 5 failures, 2 successes and a 30s cool-down.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold int
	// SuccessThreshold successful probes close a half-open breaker. It is
	// also the number of probes allowed in flight at once.
	SuccessThreshold int
	// Timeout is the cool-down before an open breaker lets probes through.
	Timeout time.Duration
	Name    string

	// IsFailure decides whether an error counts against the upstream. Nil
	// counts every error.
	IsFailure func(error) bool

	// OnStateChange runs under the breaker lock after each transition.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// CircuitBreaker stops calling an upstream that keeps failing and lets a
// few probes through after a cool-down. It is shared by concurrent callers
// and holds no lock while the wrapped call runs.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "circuit_breaker"
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Call runs fn unless the breaker rejects it with CodeLLMError. Errors
// caused by the caller's own cancellation are not counted.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, ok := cb.admit()
	if !ok {
		return errors.New(errors.CodeLLMError, "circuit breaker open", nil).
			WithContext("breaker", cb.cfg.Name).
			WithRecoverable(false)
	}

	err := fn(ctx)
	failed := err != nil && ctx.Err() == nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err))
	cb.settle(probe, err != nil, failed)
	return err
}

// admit reports whether a call may proceed and whether it is a half-open
// probe.
func (cb *CircuitBreaker) admit() (probe, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.Timeout {
		cb.moveTo(StateHalfOpen)
	}
	switch cb.state {
	case StateClosed:
		return false, true
	case StateHalfOpen:
		if cb.probes >= cb.cfg.SuccessThreshold {
			return false, false
		}
		cb.probes++
		return true, true
	default:
		return false, false
	}
}

func (cb *CircuitBreaker) settle(probe, errored, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probes--
		// A Reset or Open during the call already decided the state.
		if cb.state != StateHalfOpen {
			return
		}
		switch {
		case failed:
			cb.moveTo(StateOpen)
		case !errored:
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.moveTo(StateClosed)
			}
		}
		return
	}

	if cb.state != StateClosed {
		return
	}
	switch {
	case failed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.moveTo(StateOpen)
		}
	case !errored:
		cb.failures = 0
	}
}

// moveTo must be called under lock.
func (cb *CircuitBreaker) moveTo(to CircuitBreakerState) {
	from := cb.state
	cb.state = to
	cb.failures, cb.successes = 0, 0
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(StateClosed)
}

// Open trips the breaker and restarts the cool-down.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.moveTo(StateOpen)
}
