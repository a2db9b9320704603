// Package breaker implements the three-state circuit breaker gate for KV
// calls (§4.B), grounded on the original circuit_breaker.py core module.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/mailbox/internal/mailerr"
	"github.com/wisbric/mailbox/internal/models"
	"github.com/wisbric/mailbox/internal/telemetry"
)

const maxStateChangeHistory = 100

// Config configures a Breaker's thresholds and timeouts (§4.B).
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	CallTimeout      time.Duration
}

// DefaultConfig matches the documented defaults (§4.B).
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		CallTimeout:      30 * time.Second,
	}
}

func (c Config) validate() error {
	if c.FailureThreshold <= 0 || c.SuccessThreshold <= 0 || c.RecoveryTimeout <= 0 || c.CallTimeout <= 0 {
		return fmt.Errorf("circuit breaker config values must be positive")
	}
	return nil
}

// StateChange is one recorded transition, bounded to the last 100 (§4.B).
type StateChange struct {
	From      models.CircuitState
	To        models.CircuitState
	At        time.Time
	Reason    string
}

// Stats is the introspectable snapshot of a Breaker (supplemented from
// circuit_breaker.py's get_stats).
type Stats struct {
	Name            string
	State           models.CircuitState
	FailureCount    int
	SuccessCount    int
	TotalRequests   int64
	TotalFailures   int64
	TotalSuccesses  int64
	LastFailureTime time.Time
	LastSuccessTime time.Time
	StateChanges    []StateChange
}

// FailureRate returns TotalFailures/TotalRequests, or 0 if no requests yet.
func (s Stats) FailureRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalFailures) / float64(s.TotalRequests)
}

// ErrOpen is returned immediately by Call when the breaker is OPEN and the
// recovery timeout has not yet elapsed.
var ErrOpen = mailerr.New(mailerr.KindBackendUnavailable, "circuit breaker is open")

// Breaker is a single named three-state gate.
type Breaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           models.CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	stateChanges    []StateChange
}

// New creates a Breaker named for introspection/metrics purposes.
func New(name string, cfg Config) (*Breaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Breaker{name: name, config: cfg, state: models.CircuitClosed}, nil
}

// State returns the breaker's current state.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsClosed reports whether the breaker currently admits calls without
// restriction.
func (b *Breaker) IsClosed() bool {
	return b.State() == models.CircuitClosed
}

// Call executes fn under the breaker's gate: CLOSED admits freely; OPEN
// rejects with ErrOpen until the recovery timeout elapses, then transitions
// to HALF_OPEN and admits one probe; HALF_OPEN admits calls, closing after
// success_threshold consecutive successes or reopening on any failure.
// Every call is bounded by the configured CallTimeout.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(callCtx) }()

	var err error
	select {
	case err = <-errCh:
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitOpen:
		if time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.transition(models.CircuitHalfOpen, "recovery timeout elapsed")
			return nil
		}
		return ErrOpen
	case models.CircuitClosed:
		if b.failureCount >= b.config.FailureThreshold && time.Since(b.lastFailureTime) < b.config.RecoveryTimeout {
			b.transition(models.CircuitOpen, "failure threshold breached")
			return ErrOpen
		}
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalSuccesses++
	b.successCount++
	b.lastSuccessTime = time.Now().UTC()

	switch b.state {
	case models.CircuitClosed:
		b.failureCount = 0
	case models.CircuitHalfOpen:
		if b.successCount >= b.config.SuccessThreshold {
			b.transition(models.CircuitClosed, "success threshold reached in half-open")
			b.failureCount = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalFailures++
	b.failureCount++
	b.successCount = 0
	b.lastFailureTime = time.Now().UTC()

	if (b.state == models.CircuitClosed || b.state == models.CircuitHalfOpen) && b.failureCount >= b.config.FailureThreshold {
		b.transition(models.CircuitOpen, "failure threshold breached")
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to models.CircuitState, reason string) {
	from := b.state
	b.state = to
	b.stateChanges = append(b.stateChanges, StateChange{From: from, To: to, At: time.Now().UTC(), Reason: reason})
	if len(b.stateChanges) > maxStateChangeHistory {
		b.stateChanges = b.stateChanges[len(b.stateChanges)-maxStateChangeHistory:]
	}
	telemetry.CircuitBreakerState.WithLabelValues(b.name).Set(float64(to))
}

// Stats returns a snapshot of the breaker's counters and recorded
// transitions.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	changes := make([]StateChange, len(b.stateChanges))
	copy(changes, b.stateChanges)
	return Stats{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		LastFailureTime: b.lastFailureTime,
		LastSuccessTime: b.lastSuccessTime,
		StateChanges:    changes,
	}
}

// Reset forces the breaker back to CLOSED with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(models.CircuitClosed, "manual reset")
	b.failureCount = 0
	b.successCount = 0
}
