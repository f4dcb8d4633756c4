package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
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

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold successes in half-open close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequestsHalfOpen bounds concurrent probes.
	MaxRequestsHalfOpen int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

type Stats struct {
	State           State
	Failures        int
	Successes       int
	InFlightProbes  int
	LastFailure     time.Time
	LastStateChange time.Time
}

type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
	changedAt   time.Time

	onStateChange func(name string, from, to State)
}

func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{
		name:      name,
		config:    config,
		now:       time.Now,
		state:     StateClosed,
		changedAt: time.Now(),
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// OnStateChange registers a callback invoked after every transition, outside
// the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Execute runs fn unless the breaker is open. A canceled context is not
// counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.before(); err != nil {
		return err
	}

	err := fn()
	switch {
	case err == nil:
		cb.after(true)
	case errors.Is(err, context.Canceled):
		cb.release()
	default:
		cb.after(false)
	}
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	notify := cb.refreshLocked()
	state := cb.state
	cb.mu.Unlock()
	notify()
	return state
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	notify := cb.refreshLocked()
	stats := Stats{
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		InFlightProbes:  cb.probes,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.changedAt,
	}
	cb.mu.Unlock()
	notify()
	return stats
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	notify := cb.refreshLocked()
	var err error
	switch cb.state {
	case StateOpen:
		err = fmt.Errorf("%w: %s", ErrOpen, cb.name)
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxRequestsHalfOpen {
			err = fmt.Errorf("%w: %s is probing", ErrOpen, cb.name)
		} else {
			cb.probes++
		}
	}
	cb.mu.Unlock()
	notify()
	return err
}

func (cb *CircuitBreaker) after(success bool) {
	cb.mu.Lock()
	notify := func() {}
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	if success {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
			notify = cb.transitionLocked(StateClosed)
		}
	} else {
		cb.successes = 0
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			notify = cb.transitionLocked(StateOpen)
		}
	}
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	cb.mu.Unlock()
}

// refreshLocked moves an expired open breaker to half-open.
func (cb *CircuitBreaker) refreshLocked() func() {
	if cb.state == StateOpen && cb.now().Sub(cb.changedAt) >= cb.config.Timeout {
		return cb.transitionLocked(StateHalfOpen)
	}
	return func() {}
}

func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	cb.changedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0

	fn := cb.onStateChange
	if fn == nil {
		return func() {}
	}
	name := cb.name
	return func() { fn(name, from, to) }
}
