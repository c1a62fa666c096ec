// Package circuitbreaker provides a reusable closed/open/half-open circuit
// breaker for guarding any risky call. It is independent of the
// orchestrator's simplified per-agent circuit tracking and usable on its own.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state.
type State int

const (
	// StateClosed allows calls through.
	StateClosed State = iota
	// StateOpen rejects all calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen permits exactly one trial call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Errors returned without invoking the guarded function.
var (
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrTrialInFlight = errors.New("circuit breaker half-open trial already in flight")
)

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a
	// half-open trial is permitted.
	RecoveryTimeout time.Duration
	// CallTimeout bounds each guarded call. Zero disables the bound.
	CallTimeout time.Duration
	// OnStateChange is invoked (asynchronously) on every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		CallTimeout:      60 * time.Second,
	}
}

// CircuitBreaker guards calls with a closed/open/half-open state machine.
type CircuitBreaker interface {
	// Do executes fn unless the circuit rejects the call.
	Do(ctx context.Context, fn func() error) error
	// DoWithResult executes fn and returns its result unless the circuit
	// rejects the call.
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
	// State returns the current state.
	State() State
	// Reset forces the breaker closed and clears its counters.
	Reset()
}

type breaker struct {
	config *Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failures        int
	lastFailureTime time.Time
	trialInFlight   bool
}

// New creates a circuit breaker. A nil config uses DefaultConfig.
func New(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		state:  StateClosed,
	}
}

// Do implements CircuitBreaker.
func (b *breaker) Do(ctx context.Context, fn func() error) error {
	_, err := b.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult implements CircuitBreaker. State transitions are
// mutex-guarded in beforeCall/afterCall; the guarded call itself executes
// outside the lock so one long-running call cannot block other callers'
// failure bookkeeping.
func (b *breaker) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	callCtx := ctx
	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		b.afterCall(false)
		return nil, fmt.Errorf("guarded call aborted: %w", callCtx.Err())

	case res := <-resultCh:
		b.afterCall(res.err == nil)
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.trialInFlight = true
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.trialInFlight {
			return ErrTrialInFlight
		}
		b.trialInFlight = true
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.logger.Info("circuit breaker recovered")
		b.setState(StateClosed)
		b.failures = 0
		b.trialInFlight = false
	}
}

func (b *breaker) onFailure() {
	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failures", b.failures),
				zap.Int("threshold", b.config.FailureThreshold))
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		b.logger.Warn("circuit breaker trial failed, reopening")
		b.setState(StateOpen)
		b.trialInFlight = false
	}
}

// setState must be called with the mutex held.
func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

// State implements CircuitBreaker.
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset implements CircuitBreaker.
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false

	if oldState != StateClosed && b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}
