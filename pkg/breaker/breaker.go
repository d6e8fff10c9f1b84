// Package breaker implements a per-dependency circuit breaker and a registry that
// shares one breaker per logical dependency name.
//
// A breaker starts CLOSED. Consecutive expected failures open it; while OPEN,
// calls are rejected without running until RecoveryTimeout has passed since the
// last failure, after which a bounded number of probe calls are admitted in
// HALF_OPEN. Enough consecutive probe successes close the breaker again, and
// any probe failure reopens it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/dispatchq/pkg/logger"
	"github.com/guido-cesarano/dispatchq/pkg/metrics"
	"github.com/rs/zerolog"
)

// State represents the state of the circuit breaker.
type State int

const (
	// StateClosed allows requests to pass through.
	StateClosed State = iota

	// StateOpen rejects requests immediately.
	StateOpen

	// StateHalfOpen admits a bounded number of probe requests.
	StateHalfOpen
)

// String returns the string representation of the circuit breaker state.
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

// ErrCircuitOpen matches every rejection returned by Call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned when a breaker refuses to run a call.
// Callers branch on it with errors.Is(err, ErrCircuitOpen) or errors.As.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config holds configuration for the circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `mapstructure:"failure_threshold" validate:"gte=1"`

	// RecoveryTimeout is how long to wait after the last failure before probing.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout" validate:"gt=0"`

	// HalfOpenMaxCalls is the number of concurrent probes allowed in half-open state.
	HalfOpenMaxCalls int `mapstructure:"half_open_max_calls" validate:"gte=1"`

	// SuccessThreshold is the number of consecutive probe successes that close the circuit.
	SuccessThreshold int `mapstructure:"success_threshold" validate:"gte=1"`

	// IsExpected selects the errors that count as failures. Errors it rejects
	// pass through without touching breaker state. Nil counts every error.
	IsExpected func(error) bool `mapstructure:"-"`
}

// DefaultConfig returns the default circuit breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 2,
	}
}

// Validate reports the first non-positive setting.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return errors.New("failure_threshold must be at least 1")
	case c.RecoveryTimeout <= 0:
		return errors.New("recovery_timeout must be positive")
	case c.HalfOpenMaxCalls < 1:
		return errors.New("half_open_max_calls must be at least 1")
	case c.SuccessThreshold < 1:
		return errors.New("success_threshold must be at least 1")
	}
	return nil
}

// ExpectErrors builds an IsExpected filter matching any of targets via errors.Is.
func ExpectErrors(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// SkipCanceled is an IsExpected filter that counts every error except context
// cancellation, which reflects the caller going away rather than the dependency.
func SkipCanceled(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithOnStateChange registers a hook fired after every transition.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = append(cb.onStateChange, fn) }
}

// WithOnFailure registers a hook fired after every recorded failure.
func WithOnFailure(fn func(name string, err error)) Option {
	return func(cb *CircuitBreaker) { cb.onFailure = append(cb.onFailure, fn) }
}

// WithOnSuccess registers a hook fired after every recorded success.
func WithOnSuccess(fn func(name string)) Option {
	return func(cb *CircuitBreaker) { cb.onSuccess = append(cb.onSuccess, fn) }
}

// CircuitBreaker guards calls to one logical dependency.
//
// Admission and every state update happen under mu; the guarded function runs
// outside it so slow calls do not serialize each other.
type CircuitBreaker struct {
	name   string
	config Config
	logger zerolog.Logger
	now    func() time.Time

	onStateChange []func(name string, from, to State)
	onFailure     []func(name string, err error)
	onSuccess     []func(name string)

	mu            sync.Mutex
	state         State
	generation    uint64
	halfOpenCalls int
	openedAt      time.Time
	stats         Stats
}

// NewCircuitBreaker creates a closed breaker. Invalid settings fall back to
// DefaultConfig values field by field.
func NewCircuitBreaker(name string, config Config, opts ...Option) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold < 1 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}
	if config.HalfOpenMaxCalls < 1 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = def.SuccessThreshold
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger.Component("breaker"),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.logger = cb.logger.With().Str("circuit_breaker", name).Logger()
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Name returns the dependency name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() Config {
	return cb.config
}

// event is a hook invocation collected under the lock and fired after it.
type event func()

func fire(events []event) {
	for _, ev := range events {
		ev()
	}
}

// Call runs fn if the breaker admits it. A rejected call returns *OpenError
// and fn is not invoked. Otherwise fn's error is returned unchanged.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	cb.complete(gen, callErr)
	return callErr
}

// Execute is Call for functions that return a value.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// admit decides whether a call may run and returns the state generation it ran under.
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	var events []event
	defer func() {
		cb.mu.Unlock()
		fire(events)
	}()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		return cb.generation, nil

	case StateOpen:
		if now.Sub(cb.stats.LastFailureTime) >= cb.config.RecoveryTimeout {
			events = append(events, cb.transitionTo(StateHalfOpen, now)...)
			cb.halfOpenCalls = 1
			return cb.generation, nil
		}

	case StateHalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return cb.generation, nil
		}
	}

	cb.stats.RejectedCalls++
	metrics.BreakerRejections.WithLabelValues(cb.name).Inc()
	cb.logger.Debug().Str("state", cb.state.String()).Msg("Circuit breaker rejected call")
	return 0, &OpenError{Name: cb.name, State: cb.state}
}

// complete records the outcome of an admitted call.
// Outcomes from an older generation update the totals but never the
// consecutive counters or state.
func (cb *CircuitBreaker) complete(gen uint64, callErr error) {
	cb.mu.Lock()
	var events []event
	defer func() {
		cb.mu.Unlock()
		fire(events)
	}()

	now := cb.now()
	current := gen == cb.generation
	if current && cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}

	if callErr != nil && cb.config.IsExpected != nil && !cb.config.IsExpected(callErr) {
		return
	}

	cb.stats.TotalCalls++
	if callErr == nil {
		cb.stats.SuccessfulCalls++
		cb.stats.LastSuccessTime = now
		if current {
			cb.stats.ConsecutiveSuccesses++
			cb.stats.ConsecutiveFailures = 0
		}
		for _, fn := range cb.onSuccess {
			fn := fn
			events = append(events, func() { fn(cb.name) })
		}

		if current && cb.state == StateHalfOpen && cb.stats.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.logger.Info().
				Int("success_count", cb.stats.ConsecutiveSuccesses).
				Msg("Circuit breaker closing after successful recovery")
			events = append(events, cb.transitionTo(StateClosed, now)...)
		}
		return
	}

	cb.stats.FailedCalls++
	if current {
		cb.stats.ConsecutiveFailures++
		cb.stats.ConsecutiveSuccesses = 0
		cb.stats.LastFailureTime = now
	}
	for _, fn := range cb.onFailure {
		fn := fn
		events = append(events, func() { fn(cb.name, callErr) })
	}

	cb.logger.Warn().
		Err(callErr).
		Int("failure_count", cb.stats.ConsecutiveFailures).
		Msg("Circuit breaker recording failure")

	if !current {
		return
	}
	switch cb.state {
	case StateClosed:
		if cb.stats.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.logger.Warn().
				Int("failure_count", cb.stats.ConsecutiveFailures).
				Dur("recovery_timeout", cb.config.RecoveryTimeout).
				Msg("Circuit breaker opening after max failures")
			events = append(events, cb.transitionTo(StateOpen, now)...)
		}

	case StateHalfOpen:
		cb.logger.Warn().Msg("Circuit breaker re-opening after failure in half-open state")
		events = append(events, cb.transitionTo(StateOpen, now)...)
	}
}

// transitionTo must be called with mu held. It returns the hooks to fire.
func (cb *CircuitBreaker) transitionTo(to State, now time.Time) []event {
	from := cb.state
	if from == to {
		return nil
	}
	if from == StateOpen && !cb.openedAt.IsZero() {
		cb.stats.TotalOpenDuration += now.Sub(cb.openedAt)
		cb.openedAt = time.Time{}
	}
	if to == StateOpen {
		cb.openedAt = now
	}

	cb.state = to
	cb.generation++
	cb.halfOpenCalls = 0
	cb.stats.StateChanges++
	if to == StateHalfOpen {
		cb.stats.ConsecutiveSuccesses = 0
	}

	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(to))
	metrics.BreakerTransitions.WithLabelValues(cb.name, from.String(), to.String()).Inc()
	cb.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state change")

	events := make([]event, 0, len(cb.onStateChange))
	for _, fn := range cb.onStateChange {
		fn := fn
		events = append(events, func() { fn(cb.name, from, to) })
	}
	return events
}

// State returns the current state. An OPEN breaker whose recovery timeout has
// elapsed still reports OPEN until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the counters. TotalOpenDuration includes the
// current open period.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.stats
	s.State = cb.state
	if cb.state == StateOpen && !cb.openedAt.IsZero() {
		s.TotalOpenDuration += cb.now().Sub(cb.openedAt)
	}
	return s
}

// Reset forces the breaker closed with fresh statistics.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var events []event
	defer func() {
		cb.mu.Unlock()
		fire(events)
	}()

	events = cb.transitionTo(StateClosed, cb.now())
	cb.stats = Stats{}
	cb.openedAt = time.Time{}
	cb.generation++
	cb.logger.Info().Msg("Circuit breaker manually reset to closed state")
}

// ForceOpen opens the breaker as if a failure had just been recorded.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	var events []event
	defer func() {
		cb.mu.Unlock()
		fire(events)
	}()

	now := cb.now()
	cb.stats.LastFailureTime = now
	events = cb.transitionTo(StateOpen, now)
	cb.logger.Warn().Msg("Circuit breaker forced open")
}

// ForceHalfOpen moves the breaker to HALF_OPEN with no probes in flight.
func (cb *CircuitBreaker) ForceHalfOpen() {
	cb.mu.Lock()
	var events []event
	defer func() {
		cb.mu.Unlock()
		fire(events)
	}()

	events = cb.transitionTo(StateHalfOpen, cb.now())
	cb.logger.Warn().Msg("Circuit breaker forced half-open")
}
