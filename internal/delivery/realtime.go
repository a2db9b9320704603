// Package delivery implements Real-Time Delivery (§4.I): broadcast
// fan-out through the Subscription Manager's live subscription index and
// publication to KV pub/sub channels for external subscribers, grounded
// on realtime_delivery.py.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wisbric/mailbox/internal/kv"
	"github.com/wisbric/mailbox/internal/mailbox"
	"github.com/wisbric/mailbox/internal/mailerr"
	"github.com/wisbric/mailbox/internal/models"
	"github.com/wisbric/mailbox/internal/patternmatch"
	"github.com/wisbric/mailbox/internal/subscription"
	"github.com/wisbric/mailbox/internal/telemetry"
)

// Config mirrors the original's hardcoded delivery tunables (§4.I).
type Config struct {
	EnablePatternCaching bool
	CacheTTL             time.Duration
	BroadcastTimeout     time.Duration
	MaxBroadcastRetries  int
}

// DefaultConfig matches the documented defaults (§4.I): 60s cache TTL,
// 5s broadcast timeout.
func DefaultConfig() Config {
	return Config{
		EnablePatternCaching: true,
		CacheTTL:             60 * time.Second,
		BroadcastTimeout:     5 * time.Second,
		MaxBroadcastRetries:  3,
	}
}

// Stats mirrors DeliveryStats (§4.I).
type Stats struct {
	MessagesBroadcast  int64
	SubscribersReached int64
	PatternMatches     int64
	DeliveryFailures   int64
	AverageLatencyMs   float64
}

// BroadcastResult mirrors BroadcastResult (§4.I).
type BroadcastResult struct {
	MessageID         string
	Target            string
	SubscribersReached int
	PatternMatches    int
	DeliveryFailures  int
	LatencyMs         float64
	Errors            []string
}

func mailboxChannel(name string) string { return fmt.Sprintf("mailbox:%s", name) }
func topicChannel(name string) string   { return fmt.Sprintf("topic:%s", name) }
const broadcastAllChannel = "broadcast:all"

// Service is the Real-Time Delivery component.
type Service struct {
	store   kv.Store
	subs    *subscription.Manager
	storage *mailbox.Storage
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	stats Stats

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Service.
func New(store kv.Store, subs *subscription.Manager, storage *mailbox.Storage, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		subs:    subs,
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic pattern-cache refresh loop. The current
// implementation delegates matching entirely to the Subscription
// Manager's live index, so the "cache" here is a no-op placeholder tick
// retained for parity with the original's refresh cadence and as a hook
// for a future standalone cache (§4.I).
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.EnablePatternCaching {
		return
	}
	s.wg.Add(1)
	go s.cacheRefreshLoop(ctx)
}

// Stop signals the refresh loop to exit and waits for it.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) cacheRefreshLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.CacheTTL
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.logger.Debug("pattern subscription cache refresh tick")
		}
	}
}

// Broadcast delivers msg to every realtime subscriber matching its
// routing target, then publishes to the appropriate KV pub/sub channels
// for external subscribers (§4.I).
func (s *Service) Broadcast(ctx context.Context, msg *models.Message) BroadcastResult {
	start := time.Now()

	timeout := s.cfg.BroadcastTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	broadcastCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := s.subs.DeliverMessage(broadcastCtx, msg, msg.RoutingInfo.Target)

	reached := 0
	failures := 0
	var errs []string
	for _, r := range results {
		if r.Success {
			reached++
		} else {
			failures++
			agentLabel := r.SubscriptionID
			if sub, ok := s.subs.GetSubscription(r.SubscriptionID); ok {
				agentLabel = sub.AgentID
			}
			telemetry.HandlerErrorsTotal.WithLabelValues(agentLabel).Inc()
			if r.Error != "" {
				errs = append(errs, r.Error)
			}
		}
	}
	telemetry.BroadcastSubscribersReached.Observe(float64(reached))

	patternMatches := s.countPatternMatches(msg.RoutingInfo.Target)

	latency := float64(time.Since(start).Microseconds()) / 1000.0

	s.mu.Lock()
	s.stats.MessagesBroadcast++
	s.stats.SubscribersReached += int64(reached)
	s.stats.PatternMatches += int64(patternMatches)
	s.stats.DeliveryFailures += int64(failures)
	if s.stats.MessagesBroadcast == 1 {
		s.stats.AverageLatencyMs = latency
	} else {
		const alpha = 0.1
		s.stats.AverageLatencyMs = alpha*latency + (1-alpha)*s.stats.AverageLatencyMs
	}
	s.mu.Unlock()

	if err := s.publishToChannels(ctx, msg); err != nil {
		s.logger.Error("failed to publish message to pub/sub channels", "message_id", msg.ID, "error", err)
	}

	return BroadcastResult{
		MessageID:          msg.ID,
		Target:             msg.RoutingInfo.Target,
		SubscribersReached: reached,
		PatternMatches:     patternMatches,
		DeliveryFailures:   failures,
		LatencyMs:          latency,
		Errors:             errs,
	}
}

// countPatternMatches reports how many active subscriptions, across every
// agent, reach target through a pattern (rather than an exact) match,
// mirroring the original's pattern_matches statistic.
func (s *Service) countPatternMatches(target string) int {
	count := 0
	for _, agentID := range s.subs.ActiveAgentIDs() {
		for _, sub := range s.subs.ActiveSubscriptions(agentID) {
			if !sub.IsPatternSubscription() {
				continue
			}
			if patternmatch.Match(target, sub.Pattern) || patternmatch.MatchesBroadcast(sub.Pattern) {
				count++
			}
		}
	}
	return count
}

// publishToChannels publishes msg to the KV channel(s) implied by its
// addressing mode, mirroring _publish_to_redis_channels (§4.I).
func (s *Service) publishToChannels(ctx context.Context, msg *models.Message) error {
	payload, err := msg.ToWireJSON()
	if err != nil {
		return mailerr.Wrap(mailerr.KindValidation, "encoding message for publish", err)
	}

	var channels []string
	switch msg.RoutingInfo.AddressingMode {
	case models.AddressingDirect:
		channels = append(channels, mailboxChannel(msg.RoutingInfo.Target))
	case models.AddressingTopic:
		channels = append(channels, topicChannel(msg.RoutingInfo.Target))
	case models.AddressingBroadcast:
		channels = append(channels, broadcastAllChannel)
		if s.storage != nil {
			names, err := s.storage.ActiveMailboxNames(ctx)
			if err != nil {
				s.logger.Error("failed to enumerate active mailboxes for broadcast", "error", err)
			}
			for _, name := range names {
				channels = append(channels, mailboxChannel(name))
			}
		}
	}

	var firstErr error
	for _, channel := range channels {
		if _, err := s.store.Publish(ctx, channel, string(payload)); err != nil {
			s.logger.Error("failed to publish to channel", "channel", channel, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Statistics returns a snapshot of delivery statistics (§4.I).
func (s *Service) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// MatchPattern tests pattern against each of targets, combining glob and
// hierarchical matching rules. Exposed for debugging/tests, mirroring
// the original's test_pattern_matching helper (§4).
func MatchPattern(pattern string, targets []string) map[string]bool {
	results := make(map[string]bool, len(targets))
	for _, target := range targets {
		results[target] = patternmatch.Match(target, pattern)
	}
	return results
}
