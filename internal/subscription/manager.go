// Package subscription implements the Subscription Manager (§4.H):
// subscription lifecycle, connection-state tracking, and message delivery
// coordination, grounded on the original subscription_manager.py.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/mailbox/internal/mailerr"
	"github.com/wisbric/mailbox/internal/models"
	"github.com/wisbric/mailbox/internal/patternmatch"

	"github.com/google/uuid"
)

// Config configures the manager's bounds and background cadence (§4.H).
type Config struct {
	CleanupInterval time.Duration
	HeartbeatInterval time.Duration
	OfflineTimeout  time.Duration
	MaxQueueSize    int
}

// DefaultConfig matches the documented defaults (§4.H).
func DefaultConfig() Config {
	return Config{
		CleanupInterval:   time.Hour,
		HeartbeatInterval: 30 * time.Second,
		OfflineTimeout:    5 * time.Minute,
		MaxQueueSize:      1000,
	}
}

// Handler is how the manager hands a matched message to its owning agent
// for REALTIME delivery (the original's per-agent delivery_handlers
// callable).
type Handler func(ctx context.Context, msg *models.Message, sub *models.Subscription) error

// DeliveryResult records the outcome of attempting to deliver to one
// subscription.
type DeliveryResult struct {
	SubscriptionID string
	Success        bool
	Error          string
}

// Manager owns the in-memory subscription and connection-state indices
// (§4.H).
type Manager struct {
	mu sync.RWMutex

	byID             map[string]*models.Subscription
	byAgent          map[string]map[string]struct{} // agentID -> set of subscription IDs
	byTargetOrPattern map[string]map[string]struct{} // target-or-pattern -> set of subscription IDs

	conns    map[string]*models.ConnectionState
	handlers map[string]Handler

	cfg    Config
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		byID:              map[string]*models.Subscription{},
		byAgent:           map[string]map[string]struct{}{},
		byTargetOrPattern: map[string]map[string]struct{}{},
		conns:             map[string]*models.ConnectionState{},
		handlers:          map[string]Handler{},
		cfg:               cfg,
		logger:            logger,
		stopCh:            make(chan struct{}),
	}
}

// Start launches the heartbeat and cleanup background loops.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.heartbeatLoop(ctx)
	go m.cleanupLoop(ctx)
}

// Stop signals both background loops to exit and waits for them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func indexKey(target, pattern string) string {
	if pattern != "" {
		return pattern
	}
	return target
}

// CreateSubscription creates a subscription for agentID to target (or
// pattern), deduplicating on an identical (agent, target, pattern) triple
// (§4.H, §8 invariant: idempotent).
func (m *Manager) CreateSubscription(agentID, target, pattern string, options *models.SubscriptionOptions) (*models.Subscription, error) {
	if !models.ValidAgentID(agentID) {
		return nil, mailerr.New(mailerr.KindValidation, fmt.Sprintf("invalid agent id %q", agentID))
	}
	if target == "" {
		return nil, mailerr.New(mailerr.KindValidation, "target is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findDuplicateLocked(agentID, target, pattern); existing != nil {
		return existing, nil
	}

	opts := models.DefaultSubscriptionOptions()
	if options != nil {
		opts = *options
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Target:       target,
		Pattern:      pattern,
		CreatedAt:    now,
		LastActivity: now,
		Options:      opts,
		Active:       true,
	}

	m.byID[sub.ID] = sub
	if m.byAgent[agentID] == nil {
		m.byAgent[agentID] = map[string]struct{}{}
	}
	m.byAgent[agentID][sub.ID] = struct{}{}

	key := indexKey(target, pattern)
	if m.byTargetOrPattern[key] == nil {
		m.byTargetOrPattern[key] = map[string]struct{}{}
	}
	m.byTargetOrPattern[key][sub.ID] = struct{}{}

	m.ensureConnectionLocked(agentID)

	return sub, nil
}

func (m *Manager) findDuplicateLocked(agentID, target, pattern string) *models.Subscription {
	for id := range m.byAgent[agentID] {
		sub := m.byID[id]
		if sub != nil && sub.Target == target && sub.Pattern == pattern {
			return sub
		}
	}
	return nil
}

// RemoveSubscription removes a subscription by ID, returning false if not
// found.
func (m *Manager) RemoveSubscription(subID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byID[subID]
	if !ok {
		return false
	}
	delete(m.byID, subID)
	delete(m.byAgent[sub.AgentID], subID)
	key := indexKey(sub.Target, sub.Pattern)
	delete(m.byTargetOrPattern[key], subID)
	return true
}

// GetSubscription fetches a subscription by ID.
func (m *Manager) GetSubscription(subID string) (*models.Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byID[subID]
	return sub, ok
}

// ActiveSubscriptions returns all active subscriptions for agentID.
func (m *Manager) ActiveSubscriptions(agentID string) []*models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Subscription
	for id := range m.byAgent[agentID] {
		if sub := m.byID[id]; sub != nil && sub.Active {
			out = append(out, sub)
		}
	}
	return out
}

// ActiveAgentIDs returns the IDs of every agent with at least one
// indexed subscription, used by Real-Time Delivery to compute pattern
// match statistics across the whole registry (§4.I).
func (m *Manager) ActiveAgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byAgent))
	for agentID := range m.byAgent {
		out = append(out, agentID)
	}
	return out
}

// RegisterHandler installs the REALTIME delivery handler for agentID.
func (m *Manager) RegisterHandler(agentID string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[agentID] = h
	m.ensureConnectionLocked(agentID)
}

// UnregisterHandler removes agentID's delivery handler.
func (m *Manager) UnregisterHandler(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, agentID)
}

func (m *Manager) ensureConnectionLocked(agentID string) {
	if _, ok := m.conns[agentID]; !ok {
		m.conns[agentID] = &models.ConnectionState{AgentID: agentID, Connected: true, LastSeen: time.Now().UTC()}
	}
}

// HandleConnectionLoss marks agentID's subscriptions inactive without
// removing them, per §4.H.
func (m *Manager) HandleConnectionLoss(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.conns[agentID]
	if !ok {
		return
	}
	state.Connected = false
	state.ReconnectCount++

	for id := range m.byAgent[agentID] {
		if sub := m.byID[id]; sub != nil {
			sub.Active = false
		}
	}
	m.logger.Warn("agent connection lost", "agent", agentID, "reconnect_count", state.ReconnectCount)
}

// HandleConnectionRestored reactivates agentID's subscriptions and flushes
// its outbox through the registered handler.
func (m *Manager) HandleConnectionRestored(ctx context.Context, agentID string) {
	m.mu.Lock()
	m.ensureConnectionLocked(agentID)
	state := m.conns[agentID]
	state.Connected = true
	state.LastSeen = time.Now().UTC()

	for id := range m.byAgent[agentID] {
		if sub := m.byID[id]; sub != nil {
			sub.Active = true
		}
	}

	outbox := state.Outbox
	state.Outbox = nil
	handler := m.handlers[agentID]
	m.mu.Unlock()

	m.logger.Info("agent connection restored", "agent", agentID)
	if handler == nil || len(outbox) == 0 {
		return
	}
	for _, msg := range outbox {
		if err := handler(ctx, msg, nil); err != nil {
			m.logger.Error("failed delivering queued message on reconnect", "agent", agentID, "error", err)
		}
	}
}

// DeliverMessage fans msg out to every active subscription matching target,
// via exact-target and pattern matching (§4.H), dispatching each matched
// subscription's handler concurrently so one stalled agent cannot delay
// delivery to the others. Callers that need a latency budget should bound
// ctx with context.WithTimeout before calling; every handler call aborts at
// ctx's deadline regardless of whether the handler itself respects it.
func (m *Manager) DeliverMessage(ctx context.Context, msg *models.Message, target string) []DeliveryResult {
	matches := m.findMatchingSubscriptions(target)

	var eligible []*models.Subscription
	for _, sub := range matches {
		if sub.Options.MessageFilter != nil && !sub.Options.MessageFilter.Matches(msg, nil) {
			continue
		}
		eligible = append(eligible, sub)
	}

	results := make([]DeliveryResult, len(eligible))
	var wg sync.WaitGroup
	for i, sub := range eligible {
		wg.Add(1)
		go func(i int, sub *models.Subscription) {
			defer wg.Done()
			results[i] = m.deliverToSubscription(ctx, msg, sub)
		}(i, sub)
	}
	wg.Wait()
	return results
}

func (m *Manager) findMatchingSubscriptions(target string) []*models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Subscription
	for key, ids := range m.byTargetOrPattern {
		for id := range ids {
			sub := m.byID[id]
			if sub == nil || !sub.Active {
				continue
			}
			if !sub.IsPatternSubscription() {
				if key == target {
					out = append(out, sub)
				}
				continue
			}
			if patternmatch.Match(target, key) {
				out = append(out, sub)
			}
		}
	}
	return out
}

func (m *Manager) deliverToSubscription(ctx context.Context, msg *models.Message, sub *models.Subscription) DeliveryResult {
	m.mu.Lock()
	sub.MessageCount++
	sub.LastActivity = time.Now().UTC()
	state := m.conns[sub.AgentID]
	handler := m.handlers[sub.AgentID]
	m.mu.Unlock()

	if state == nil || !state.Connected {
		m.queueMessage(sub.AgentID, msg)
		return DeliveryResult{SubscriptionID: sub.ID, Success: true}
	}
	if handler == nil {
		m.queueMessage(sub.AgentID, msg)
		return DeliveryResult{SubscriptionID: sub.ID, Success: false, Error: "no delivery handler registered"}
	}

	switch sub.Options.DeliveryMode {
	case models.DeliveryRealtime:
		errCh := make(chan error, 1)
		go func() { errCh <- handler(ctx, msg, sub) }()
		select {
		case err := <-errCh:
			if err != nil {
				return DeliveryResult{SubscriptionID: sub.ID, Success: false, Error: err.Error()}
			}
		case <-ctx.Done():
			// The handler may still be running; abandoning it here is what
			// keeps one stalled agent from holding up the rest of the
			// broadcast fan-out past the caller's deadline.
			return DeliveryResult{SubscriptionID: sub.ID, Success: false, Error: "delivery timed out"}
		}
	case models.DeliveryBatch, models.DeliveryPolling:
		m.queueMessage(sub.AgentID, msg)
	}
	return DeliveryResult{SubscriptionID: sub.ID, Success: true}
}

func (m *Manager) queueMessage(agentID string, msg *models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureConnectionLocked(agentID)
	state := m.conns[agentID]

	maxSize := m.cfg.MaxQueueSize
	if maxSize <= 0 {
		maxSize = 10000
	}
	if len(state.Outbox) >= maxSize {
		state.Outbox = state.Outbox[1:]
		m.logger.Warn("outbox full, dropped oldest message", "agent", agentID)
	}
	state.Outbox = append(state.Outbox, msg)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHeartbeats(interval)
		}
	}
}

func (m *Manager) checkHeartbeats(interval time.Duration) {
	cutoff := time.Now().UTC().Add(-2 * interval)
	var stale []string

	m.mu.RLock()
	for agentID, state := range m.conns {
		if state.Connected && state.LastSeen.Before(cutoff) {
			stale = append(stale, agentID)
		}
	}
	m.mu.RUnlock()

	for _, agentID := range stale {
		m.logger.Warn("heartbeat timeout, marking agent disconnected", "agent", agentID)
		m.HandleConnectionLoss(agentID)
	}
}

// Heartbeat records that agentID is still alive, used by a connection's
// keep-alive ping to reset its offline-timeout clock.
func (m *Manager) Heartbeat(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureConnectionLocked(agentID)
	m.conns[agentID].LastSeen = time.Now().UTC()
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupInactiveSubscriptions()
			m.cleanupOfflineConnections()
		}
	}
}

func (m *Manager) cleanupInactiveSubscriptions() {
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.byID {
		if !sub.Active && sub.LastActivity.Before(cutoff) {
			delete(m.byID, id)
			delete(m.byAgent[sub.AgentID], id)
			delete(m.byTargetOrPattern[indexKey(sub.Target, sub.Pattern)], id)
			m.logger.Info("cleaned up inactive subscription", "subscription", id)
		}
	}
}

func (m *Manager) cleanupOfflineConnections() {
	cutoff := time.Now().UTC().Add(-m.cfg.OfflineTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	for agentID, state := range m.conns {
		if !state.Connected && state.LastSeen.Before(cutoff) && len(state.Outbox) > 0 {
			m.logger.Info("clearing stale outbox for offline agent", "agent", agentID, "count", len(state.Outbox))
			state.Outbox = nil
		}
	}
}
