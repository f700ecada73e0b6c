// Package breaker implements the circuit breaker guarding the feed client
// and the PostgreSQL sink.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned by Allow when the breaker rejects a call without
// attempting the underlying operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig mirrors the defaults used for both the feed and the sink.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker tracks consecutive failures of one guarded dependency.
// All state is behind a mutex; one instance is shared by every pipeline
// using the same dependency. The clock is injectable for tests.
type CircuitBreaker struct {
	mu sync.Mutex

	name string
	cfg  Config
	now  func() time.Time

	state         State
	failureCount  int
	halfOpenCalls int
	nextAttempt   time.Time
}

// New creates a CircuitBreaker in the Closed state.
func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: Closed,
	}
}

// WithClock replaces the breaker's clock. Test helper.
func (b *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// Allow reports whether a call may proceed. In the Open state it rejects
// immediately until the recovery timeout elapses, then admits a bounded
// number of half-open probe calls.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Before(b.nextAttempt) {
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.halfOpenCalls = 0
		logrus.WithFields(logrus.Fields{
			"component": "breaker",
			"name":      b.name,
		}).Info("Circuit breaker half-open, admitting probe calls")
		fallthrough
	case HalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenCalls++
		return nil
	}
	return nil
}

// RecordSuccess resets the failure count and closes the breaker from any
// non-open state.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		logrus.WithFields(logrus.Fields{
			"component": "breaker",
			"name":      b.name,
		}).Info("Circuit breaker closed after successful probe")
	}
	if b.state != Open {
		b.state = Closed
	}
}

// RecordFailure counts a failure and opens the breaker when the threshold is
// reached, or immediately when a half-open probe fails.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

// trip must be called with the mutex held.
func (b *CircuitBreaker) trip() {
	b.state = Open
	b.nextAttempt = b.now().Add(b.cfg.RecoveryTimeout)
	logrus.WithFields(logrus.Fields{
		"component":    "breaker",
		"name":         b.name,
		"failures":     b.failureCount,
		"next_attempt": b.nextAttempt,
	}).Warn("Circuit breaker opened")
}

// State returns the current state, transitioning Open to HalfOpen if the
// recovery timeout has already elapsed.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && !b.now().Before(b.nextAttempt) {
		return HalfOpen
	}
	return b.state
}

// Do runs op under the breaker: rejected calls return ErrCircuitOpen without
// invoking op, and op's outcome feeds back into the breaker state.
func (b *CircuitBreaker) Do(op func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := op(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
