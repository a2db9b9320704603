// Package router implements the Message Router (§4.J): addressing-mode
// dispatch, enrichment, delivery confirmation tracking, and retry
// scheduling with exponential backoff, grounded on message_router.py.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/mailbox/internal/delivery"
	"github.com/wisbric/mailbox/internal/mailbox"
	"github.com/wisbric/mailbox/internal/mailerr"
	"github.com/wisbric/mailbox/internal/models"
	"github.com/wisbric/mailbox/internal/offline"
	"github.com/wisbric/mailbox/internal/telemetry"
	"github.com/wisbric/mailbox/internal/topic"
)

const routerVersion = "1.0"

// Config mirrors the original's hardcoded router tunables (§4.J).
type Config struct {
	MaxMessageSize      int
	ValidateMessages    bool
	RetryPolicy         models.RetryPolicy
	RetryCheckInterval  time.Duration
	CleanupInterval     time.Duration
	ConfirmationTTL     time.Duration
}

// DefaultConfig matches the documented defaults (§4.J).
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:     models.MaxMessageSize,
		ValidateMessages:   true,
		RetryPolicy:        models.DefaultRetryPolicy(),
		RetryCheckInterval: 10 * time.Second,
		CleanupInterval:    300 * time.Second,
		ConfirmationTTL:    time.Hour,
	}
}

// Metrics mirrors the original's simple counters (§4.J).
type Metrics struct {
	MessagesRouted   int64
	MessagesDelivered int64
	MessagesFailed   int64
	MessagesRetried  int64
	RoutingErrors    int64
	ValidationErrors int64
}

// Router is the Message Router component.
type Router struct {
	storage  *mailbox.Storage
	topics   *topic.Manager
	realtime *delivery.Service
	offline  *offline.Handler
	cfg      Config
	logger   *slog.Logger

	mu           sync.Mutex
	confirmations map[string]*models.DeliveryConfirmation
	pending       map[string]*models.Message
	metrics       Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Router. offline receives messages routeDirect/routeBroadcast
// could not hand to a connected realtime subscriber, so they survive a
// restart instead of living only in the Subscription Manager's in-memory
// outbox (§4.F, §4.J).
func New(storage *mailbox.Storage, topics *topic.Manager, realtime *delivery.Service, offlineHandler *offline.Handler, cfg Config, logger *slog.Logger) *Router {
	return &Router{
		storage:       storage,
		topics:        topics,
		realtime:      realtime,
		offline:       offlineHandler,
		cfg:           cfg,
		logger:        logger,
		confirmations: map[string]*models.DeliveryConfirmation{},
		pending:       map[string]*models.Message{},
		stopCh:        make(chan struct{}),
	}
}

// Start launches the retry and confirmation-cleanup background loops.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.retryLoop(ctx)
	go r.cleanupLoop(ctx)
}

// Stop signals both background loops to exit and waits for them.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// RouteMessage validates, enriches, expiry-checks, and dispatches msg by
// its addressing mode, optionally tracking delivery confirmation (§4.J).
func (r *Router) RouteMessage(ctx context.Context, msg *models.Message) models.RoutingResult {
	start := time.Now()
	mode := string(msg.RoutingInfo.AddressingMode)

	if r.cfg.ValidateMessages {
		if err := r.validateForRouting(msg); err != nil {
			r.bump(func(m *Metrics) { m.ValidationErrors++ })
			r.logger.Error("message validation failed", "message_id", msg.ID, "error", err)
			telemetry.MessagesRoutedTotal.WithLabelValues(mode, string(models.RoutingRejected)).Inc()
			return models.RoutingRejected
		}
	}

	enriched := r.enrichMessage(msg)

	if isExpired(enriched) {
		r.logger.Warn("message expired before routing", "message_id", msg.ID)
		r.handleDeliveryConfirmation(enriched.ID, enriched.RoutingInfo.Target, models.StatusExpired, "", nil)
		telemetry.MessagesExpiredTotal.Inc()
		telemetry.MessagesRoutedTotal.WithLabelValues(mode, string(models.RoutingRejected)).Inc()
		return models.RoutingRejected
	}

	result := r.routeByAddressingMode(ctx, enriched)
	r.bump(func(m *Metrics) { m.MessagesRouted++ })
	telemetry.MessagesRoutedTotal.WithLabelValues(mode, string(result)).Inc()
	telemetry.DeliveryLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	if enriched.DeliveryOptions.ConfirmationRequired {
		r.trackDelivery(enriched)
	}

	return result
}

func (r *Router) validateForRouting(msg *models.Message) error {
	if err := msg.Validate(false); err != nil {
		return err
	}
	if msg.RoutingInfo.Target == "" {
		return mailerr.New(mailerr.KindValidation, "routing target is required")
	}
	if len(msg.RoutingInfo.Target) > 256 {
		return mailerr.New(mailerr.KindValidation, "routing target exceeds maximum length (256 characters)")
	}
	if msg.RoutingInfo.TTLSeconds != nil && *msg.RoutingInfo.TTLSeconds <= 0 {
		return mailerr.New(mailerr.KindValidation, "ttl_seconds must be positive")
	}
	return nil
}

// enrichMessage clones msg (preserving its ID) and stamps routing
// metadata, mirroring enrich_message (§4.J).
func (r *Router) enrichMessage(msg *models.Message) *models.Message {
	enriched := msg.Clone(false)
	enriched.AddSystemMetadata("routed_at", time.Now().UTC().Format(time.RFC3339Nano))
	enriched.AddSystemMetadata("router_version", routerVersion)
	enriched.AddSystemMetadata("routing_mode", string(enriched.RoutingInfo.AddressingMode))
	if enriched.RoutingInfo.Priority == models.PriorityUrgent {
		enriched.AddSystemMetadata("urgent", true)
	}
	return enriched
}

func isExpired(msg *models.Message) bool {
	if msg.RoutingInfo.TTLSeconds == nil {
		return false
	}
	deadline := msg.Timestamp.Add(time.Duration(*msg.RoutingInfo.TTLSeconds) * time.Second)
	return time.Now().UTC().After(deadline)
}

func (r *Router) routeByAddressingMode(ctx context.Context, msg *models.Message) models.RoutingResult {
	switch msg.RoutingInfo.AddressingMode {
	case models.AddressingDirect:
		return r.routeDirect(ctx, msg)
	case models.AddressingBroadcast:
		return r.routeBroadcast(ctx, msg)
	case models.AddressingTopic:
		return r.routeTopic(ctx, msg)
	default:
		r.logger.Error("unknown addressing mode", "mode", msg.RoutingInfo.AddressingMode)
		return models.RoutingRejected
	}
}

func (r *Router) routeDirect(ctx context.Context, msg *models.Message) models.RoutingResult {
	if err := r.storage.StoreMessage(ctx, msg.RoutingInfo.Target, msg); err != nil {
		r.logger.Error("error storing direct message", "message_id", msg.ID, "error", err)
		r.bump(func(m *Metrics) { m.RoutingErrors++ })
		return models.RoutingFailed
	}

	result := r.realtime.Broadcast(ctx, msg)
	if result.SubscribersReached > 0 {
		r.bump(func(m *Metrics) { m.MessagesDelivered++ })
		return models.RoutingSuccess
	}
	r.queueOffline(ctx, msg.RoutingInfo.Target, msg)
	return models.RoutingQueued
}

// queueOffline persists msg to the Offline Message Handler's durable queue
// for target, so it survives past the in-memory Subscription Manager outbox
// (§4.F). It is read back only through the offline handler (GetQueued);
// the Subscription Manager's reconnect flush covers its in-memory outbox,
// not this queue. Logged, not fatal: routing has already succeeded at the
// mailbox-storage layer.
func (r *Router) queueOffline(ctx context.Context, target string, msg *models.Message) {
	if r.offline == nil {
		return
	}
	if err := r.offline.QueueForOffline(ctx, msg, target, target, 0); err != nil {
		r.logger.Error("failed to queue message for offline delivery", "message_id", msg.ID, "target", target, "error", err)
	}
}

func (r *Router) routeBroadcast(ctx context.Context, msg *models.Message) models.RoutingResult {
	names, err := r.storage.ActiveMailboxNames(ctx)
	if err != nil {
		r.logger.Error("error enumerating active mailboxes for broadcast", "error", err)
		r.bump(func(m *Metrics) { m.RoutingErrors++ })
		return models.RoutingFailed
	}
	if len(names) == 0 {
		r.logger.Warn("no active mailboxes for broadcast message", "message_id", msg.ID)
		return models.RoutingQueued
	}

	successCount := 0
	for _, name := range names {
		mboxMsg := msg.Clone(false)
		mboxMsg.RoutingInfo.Target = name
		if err := r.storage.StoreMessage(ctx, name, mboxMsg); err != nil {
			r.logger.Error("error broadcasting to mailbox", "mailbox", name, "error", err)
			continue
		}
		result := r.realtime.Broadcast(ctx, mboxMsg)
		if result.SubscribersReached > 0 {
			successCount++
		} else {
			r.queueOffline(ctx, name, mboxMsg)
		}
	}

	if successCount > 0 {
		r.bump(func(m *Metrics) { m.MessagesDelivered++ })
		return models.RoutingSuccess
	}
	return models.RoutingQueued
}

func (r *Router) routeTopic(ctx context.Context, msg *models.Message) models.RoutingResult {
	reached, err := r.topics.PublishToTopic(ctx, msg.RoutingInfo.Target, msg)
	if err != nil {
		r.logger.Error("error routing topic message", "message_id", msg.ID, "error", err)
		r.bump(func(m *Metrics) { m.RoutingErrors++ })
		return models.RoutingFailed
	}
	if reached > 0 {
		r.bump(func(m *Metrics) { m.MessagesDelivered++ })
		return models.RoutingSuccess
	}
	return models.RoutingQueued
}

// HandleDeliveryConfirmation records an external delivery outcome for
// message_id, e.g. reported by an offline-flush or an acking agent
// (§4.J).
func (r *Router) HandleDeliveryConfirmation(messageID, target string, status models.DeliveryStatus, errMsg string, latencyMS *float64) {
	r.handleDeliveryConfirmation(messageID, target, status, errMsg, latencyMS)
}

func (r *Router) handleDeliveryConfirmation(messageID, target string, status models.DeliveryStatus, errMsg string, latencyMS *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	confirmation, ok := r.confirmations[messageID]
	if !ok {
		confirmation = models.NewDeliveryConfirmation(messageID, target)
		r.confirmations[messageID] = confirmation
	}
	confirmation.AddAttempt(status, errMsg, latencyMS)

	switch {
	case status == models.StatusFailed && confirmation.ShouldRetry(r.cfg.RetryPolicy.MaxAttempts):
		r.scheduleRetryLocked(confirmation)
	case status == models.StatusDelivered || status == models.StatusExpired:
		delete(r.pending, messageID)
		if status == models.StatusDelivered {
			r.metrics.MessagesDelivered++
		} else {
			r.metrics.MessagesFailed++
		}
	case status == models.StatusFailed:
		delete(r.pending, messageID)
		r.metrics.MessagesFailed++
		r.logger.Error("message failed delivery after max attempts", "message_id", messageID, "attempts", len(confirmation.Attempts))
	}
}

func (r *Router) trackDelivery(msg *models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations[msg.ID] = models.NewDeliveryConfirmation(msg.ID, msg.RoutingInfo.Target)
	r.pending[msg.ID] = msg
}

// scheduleRetryLocked computes delay = min(base*exp^k, max) via an
// cenkalti/backoff/v5 exponential sequence, plus jitter in [0.1, 0.3) *
// delay when enabled, mirroring _schedule_retry (§4.J). Must be called
// with r.mu held.
func (r *Router) scheduleRetryLocked(c *models.DeliveryConfirmation) {
	policy := r.cfg.RetryPolicy
	retryCount := c.RetryCount()

	delay := backoffDelaySeconds(policy, retryCount)
	if policy.Jitter {
		jitter := (0.1 + rand.Float64()*0.2) * delay
		delay += jitter
	}

	next := time.Now().UTC().Add(time.Duration(delay * float64(time.Second)))
	c.NextRetryAt = &next

	r.logger.Info("scheduled message retry", "message_id", c.MessageID, "delay_s", delay, "attempt", retryCount+2)
}

// backoffDelaySeconds walks a cenkalti/backoff/v5 ExponentialBackOff
// retryCount+1 steps to get the un-jittered delay for the k-th retry,
// matching the policy's base/exponential-base/max-delay exactly
// (randomization disabled here; jitter is applied separately above per
// the spec's own [0.1, 0.3) additive jitter, not the library's
// symmetric randomization).
func backoffDelaySeconds(policy models.RetryPolicy, retryCount int) float64 {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Duration(policy.BaseDelay*float64(time.Second))),
		backoff.WithMultiplier(policy.ExponentialBase),
		backoff.WithMaxInterval(time.Duration(policy.MaxDelay*float64(time.Second))),
		backoff.WithRandomizationFactor(0),
	)
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		d, _ = b.NextBackOff()
	}
	return d.Seconds()
}

func (r *Router) retryLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.RetryCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.processRetries(ctx)
		}
	}
}

func (r *Router) processRetries(ctx context.Context) {
	now := time.Now().UTC()

	type retryItem struct {
		msg *models.Message
		c   *models.DeliveryConfirmation
	}

	r.mu.Lock()
	var toRetry []retryItem
	for messageID, c := range r.confirmations {
		if c.Status != models.StatusFailed || c.NextRetryAt == nil || now.Before(*c.NextRetryAt) {
			continue
		}
		if !c.ShouldRetry(r.cfg.RetryPolicy.MaxAttempts) {
			continue
		}
		if msg, ok := r.pending[messageID]; ok {
			toRetry = append(toRetry, retryItem{msg: msg, c: c})
		}
	}
	r.mu.Unlock()

	for _, item := range toRetry {
		r.logger.Info("retrying message delivery", "message_id", item.msg.ID)

		r.mu.Lock()
		item.c.NextRetryAt = nil
		r.mu.Unlock()

		result := r.RouteMessage(ctx, item.msg)
		if result == models.RoutingSuccess {
			r.handleDeliveryConfirmation(item.msg.ID, item.c.Target, models.StatusDelivered, "", nil)
		} else {
			r.handleDeliveryConfirmation(item.msg.ID, item.c.Target, models.StatusFailed, fmt.Sprintf("retry failed: %s", result), nil)
		}

		r.mu.Lock()
		r.metrics.MessagesRetried++
		r.mu.Unlock()
		telemetry.MessagesRetriedTotal.Inc()
	}
}

func (r *Router) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()
	interval := r.cfg.CleanupInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.cleanupOldConfirmations()
		}
	}
}

func (r *Router) cleanupOldConfirmations() {
	cutoff := time.Now().UTC().Add(-r.cfg.ConfirmationTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	var toRemove []string
	for messageID, c := range r.confirmations {
		terminal := c.Status == models.StatusDelivered || c.Status == models.StatusExpired || c.Status == models.StatusFailed
		if terminal && c.UpdatedAt.Before(cutoff) {
			toRemove = append(toRemove, messageID)
		}
	}
	for _, messageID := range toRemove {
		delete(r.confirmations, messageID)
		delete(r.pending, messageID)
	}
	if len(toRemove) > 0 {
		r.logger.Info("cleaned up old delivery confirmations", "count", len(toRemove))
	}
}

func (r *Router) bump(fn func(*Metrics)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.metrics)
}

// Statistics returns a snapshot of the router's metrics counters (§4.J).
func (r *Router) Statistics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// DeliveryStatus returns the tracked confirmation for messageID, if any.
func (r *Router) DeliveryStatus(messageID string) (*models.DeliveryConfirmation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.confirmations[messageID]
	return c, ok
}

// PendingDeliveries returns the IDs of messages still awaiting
// confirmation.
func (r *Router) PendingDeliveries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	return ids
}
