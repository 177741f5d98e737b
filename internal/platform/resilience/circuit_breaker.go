package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents circuit breaker state
type State int

const (
	// StateClosed allows all requests
	StateClosed State = iota
	// StateOpen rejects all requests
	StateOpen
	// StateHalfOpen admits a single trial request
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is a closed/open/half-open state machine guarding one
// remote sub-resource. While half-open exactly one trial call is in flight;
// every other call is rejected until the trial settles.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	coolDown         time.Duration
	now              func() time.Time

	state         State
	failures      int
	successes     int
	openedAt      time.Time
	trialInFlight bool
	mu            sync.Mutex
	onStateChange func(from, to State)
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Trial successes in half-open before closing
	CoolDown         time.Duration // Time spent open before a trial is allowed
	OnStateChange    func(from, to State)
	// Now overrides the clock (tests)
	Now func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		coolDown:         cfg.CoolDown,
		now:              cfg.Now,
		state:            StateClosed,
		onStateChange:    cfg.OnStateChange,
	}
}

// Execute runs fn through the breaker. It returns ErrCircuitOpen without
// calling fn when the breaker rejects the request.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(ctx, err)

	return err
}

// ExecuteWithResult executes a function with result through circuit breaker
// Note: This is a standalone generic function, not a method, as Go doesn't support generic methods
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var result T

	if err := cb.beforeRequest(); err != nil {
		return result, err
	}

	res, err := fn(ctx)
	cb.afterRequest(ctx, err)

	return res, err
}

// Allow reports whether a request would currently be admitted, without
// admitting it.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.now().Sub(cb.openedAt) >= cb.coolDown
	default:
		return !cb.trialInFlight
	}
}

// beforeRequest checks if request should be allowed
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.coolDown {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.successes = 0
		cb.trialInFlight = true
		return nil

	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

// afterRequest records the result of a request
func (cb *CircuitBreaker) afterRequest(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == StateHalfOpen
	if wasTrial {
		cb.trialInFlight = false
	}

	if err != nil {
		// The caller gave up; that says nothing about the backend
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		cb.failures++
		cb.successes = 0

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.open()
			}
		case StateHalfOpen:
			cb.open()
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.successThreshold {
			cb.setState(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// open moves to StateOpen and restarts the cool-down (caller must hold lock)
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.trialInFlight = false
	cb.setState(StateOpen)
}

// setState transitions to a new state (caller must hold lock)
func (cb *CircuitBreaker) setState(newState State) {
	oldState := cb.state
	cb.state = newState

	if cb.onStateChange != nil && oldState != newState {
		cb.onStateChange(oldState, newState)
	}
}

// State returns current state. An open breaker whose cool-down has elapsed
// still reports open until the next request starts the trial.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// StateInt returns current state as int (for metrics)
func (cb *CircuitBreaker) StateInt() int64 {
	return int64(cb.State())
}

// Name returns circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.trialInFlight = false
}

// ForceOpen manually forces circuit breaker to open state
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.open()
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}
