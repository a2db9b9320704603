// Package resilience wraps KV calls with a circuit breaker and a local
// fallback queue, draining the queue on recovery (§4.D), grounded on the
// original resilience_manager.py's ResilienceManager and on the
// ticker-driven background-loop pattern of the teacher's escalation engine.
package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/mailbox/internal/breaker"
	"github.com/wisbric/mailbox/internal/fallback"
	"github.com/wisbric/mailbox/internal/mailerr"
	"github.com/wisbric/mailbox/internal/models"
	"github.com/wisbric/mailbox/internal/telemetry"
)

// Config configures the manager's background loop cadence (§4.D).
type Config struct {
	HealthMonitorInterval time.Duration
	QueueDrainInterval    time.Duration
	DrainBatchSize        int
}

// DefaultConfig matches the documented defaults (§4.D).
func DefaultConfig() Config {
	return Config{HealthMonitorInterval: 30 * time.Second, QueueDrainInterval: 10 * time.Second, DrainBatchSize: 50}
}

// Sender drains one fallback queue item back into the primary store. It is
// supplied by the caller (the KV-call owner), not the resilience package,
// so the manager stays ignorant of the operation's payload shape.
type Sender func(ctx context.Context, payload json.RawMessage) error

// Manager combines a Breaker and a fallback Queue, tracking an aggregate
// ServiceState (§4.D).
type Manager struct {
	name    string
	breaker *breaker.Breaker
	queue   *fallback.Queue
	logger  *slog.Logger
	cfg     Config

	mu    sync.Mutex
	state models.ServiceState

	fallbackHandlers map[string]func(ctx context.Context) error

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Manager over the given breaker and fallback queue.
func New(name string, b *breaker.Breaker, q *fallback.Queue, logger *slog.Logger, cfg Config) *Manager {
	return &Manager{
		name:             name,
		breaker:          b,
		queue:            q,
		logger:           logger,
		cfg:              cfg,
		state:            models.ServiceHealthy,
		fallbackHandlers: map[string]func(ctx context.Context) error{},
		stopCh:           make(chan struct{}),
	}
}

// State returns the manager's current aggregate service state.
func (m *Manager) State() models.ServiceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s models.ServiceState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.logger.Info("resilience manager state change", "manager", m.name, "state", s.String())
	}
}

// RegisterFallbackHandler installs a named fallback for an operation.
func (m *Manager) RegisterFallbackHandler(opName string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackHandlers[opName] = fn
}

func (m *Manager) fallbackHandler(opName string) (func(ctx context.Context) error, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.fallbackHandlers[opName]
	return fn, ok
}

// Execute runs primary through the breaker. On ErrOpen or primary failure
// it falls back to the explicitly supplied fallback (if non-nil), else to
// any handler registered under opName. The manager's aggregate state moves
// to DEGRADED when the fallback path is used and to UNAVAILABLE if the
// fallback also fails or none exists (§4.D).
func (m *Manager) Execute(ctx context.Context, opName string, primary func(context.Context) error, fallbackFn func(context.Context) error) error {
	err := m.breaker.Call(ctx, primary)
	if err == nil {
		if m.State() != models.ServiceHealthy {
			// Healthy transitions are only made by the health monitor loop,
			// which re-checks breaker state on its own cadence (§4.D).
		}
		return nil
	}

	m.setState(models.ServiceDegraded)

	fn := fallbackFn
	if fn == nil {
		fn, _ = m.fallbackHandler(opName)
	}
	if fn == nil {
		m.setState(models.ServiceUnavailable)
		return mailerr.Wrap(mailerr.KindBackendUnavailable, fmt.Sprintf("operation %q failed and no fallback registered", opName), err)
	}

	if fbErr := fn(ctx); fbErr != nil {
		m.setState(models.ServiceUnavailable)
		return mailerr.Wrap(mailerr.KindBackendUnavailable, fmt.Sprintf("operation %q failed and fallback also failed", opName), fbErr)
	}
	return nil
}

// QueueLocally enqueues payload onto the local fallback queue for later
// draining once the backend recovers.
func (m *Manager) QueueLocally(payload json.RawMessage) {
	m.queue.Enqueue(payload)
	telemetry.FallbackQueueDepth.Set(float64(m.queue.Len()))
}

// ProcessQueued drains up to the configured batch size from the fallback
// queue via sender, but only while the breaker is closed (§4.D).
func (m *Manager) ProcessQueued(ctx context.Context, sender Sender) (drained int, err error) {
	if !m.breaker.IsClosed() {
		return 0, nil
	}
	batch := m.queue.DequeueBatch(m.cfg.DrainBatchSize)
	for _, item := range batch {
		if sendErr := sender(ctx, item.Payload); sendErr != nil {
			m.queue.Requeue(item)
			m.logger.Warn("requeuing fallback item after failed drain", "manager", m.name, "error", sendErr)
			continue
		}
		drained++
	}
	telemetry.FallbackQueueDepth.Set(float64(m.queue.Len()))
	return drained, nil
}

// Start launches the health monitor and queue drainer background loops.
// sender is used by the drainer to replay queued payloads against the
// primary store once it recovers.
func (m *Manager) Start(ctx context.Context, sender Sender) {
	m.wg.Add(2)
	go m.healthMonitorLoop(ctx)
	go m.queueDrainerLoop(ctx, sender)
}

// Stop signals both background loops to exit and waits for them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) healthMonitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.State() != models.ServiceHealthy && m.breaker.IsClosed() {
				m.setState(models.ServiceHealthy)
			}
		}
	}
}

func (m *Manager) queueDrainerLoop(ctx context.Context, sender Sender) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.QueueDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if sender == nil {
				continue
			}
			if _, err := m.ProcessQueued(ctx, sender); err != nil {
				m.logger.Error("draining fallback queue", "manager", m.name, "error", err)
			}
		}
	}
}

// BreakerStats exposes the underlying breaker's stats for introspection.
func (m *Manager) BreakerStats() breaker.Stats { return m.breaker.Stats() }

// QueueStats exposes the underlying fallback queue's stats.
func (m *Manager) QueueStats() fallback.Stats { return m.queue.Stats() }
