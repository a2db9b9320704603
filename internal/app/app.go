// Package app wires the mailbox core's components together: the Redis-backed
// KV store, the resilience layer (circuit breaker + local fallback queue),
// and the ten spec components in their dependency order. It is the thin demo
// composition root the design notes describe — not a gateway.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/mailbox/internal/breaker"
	"github.com/wisbric/mailbox/internal/config"
	"github.com/wisbric/mailbox/internal/delivery"
	"github.com/wisbric/mailbox/internal/fallback"
	"github.com/wisbric/mailbox/internal/kv"
	"github.com/wisbric/mailbox/internal/mailbox"
	"github.com/wisbric/mailbox/internal/models"
	"github.com/wisbric/mailbox/internal/offline"
	"github.com/wisbric/mailbox/internal/resilience"
	"github.com/wisbric/mailbox/internal/router"
	"github.com/wisbric/mailbox/internal/subscription"
	"github.com/wisbric/mailbox/internal/telemetry"
	"github.com/wisbric/mailbox/internal/topic"
)

// seconds turns a float64 of seconds (as stored in Config) into a Duration.
func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// Core bundles every running component so Run can start and stop them in a
// single, consistent order.
type Core struct {
	Store    *kv.RedisStore
	Breakers *breaker.Registry
	Metrics  *prometheus.Registry

	Resilience *resilience.Manager
	KV         *resilience.Store
	Fallback   *fallback.Queue
	Mailbox    *mailbox.Storage
	Offline    *offline.Handler
	Subs       *subscription.Manager
	Topics     *topic.Manager
	Delivery   *delivery.Service
	Router     *router.Router
}

// Build constructs every component wired per SPEC_FULL §2/§3 but does not
// start any background loop.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	store, err := kv.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  seconds(cfg.BreakerRecoveryTimeoutS),
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		CallTimeout:      seconds(cfg.BreakerCallTimeoutS),
	}
	breakers := breaker.NewRegistry(breakerCfg)
	kvBreaker, err := breakers.Get("kv")
	if err != nil {
		return nil, fmt.Errorf("creating kv circuit breaker: %w", err)
	}

	fq := fallback.New(fallback.Config{
		MaxQueueSize:    cfg.FallbackMaxQueueSize,
		MaxMessageAge:   time.Duration(cfg.FallbackMaxMessageAgeH) * time.Hour,
		MaxRetries:      cfg.FallbackMaxRetries,
		PersistenceFile: cfg.FallbackPersistenceFile,
	})

	resilienceMgr := resilience.New("kv", kvBreaker, fq, logger, resilience.Config{
		HealthMonitorInterval: seconds(cfg.ResilienceHealthMonitorIntervalS),
		QueueDrainInterval:    seconds(cfg.ResilienceQueueDrainIntervalS),
		DrainBatchSize:        cfg.ResilienceDrainBatchSize,
	})

	// Every component below takes the resilience-mediated store, never the
	// raw Redis client, so the circuit breaker and fallback queue observe
	// every KV call the core makes (§5).
	mediatedStore := resilience.NewStore(store, resilienceMgr)

	mailboxStorage := mailbox.New(mediatedStore, cfg.MailboxMaxMessages)

	offlineHandler := offline.New(mediatedStore, mailboxStorage, offline.Config{
		MaxQueueSize:        cfg.OfflineMaxQueueSize,
		QueueTTL:            time.Duration(cfg.OfflineQueueTTLDays) * 24 * time.Hour,
		CleanupInterval:     seconds(cfg.OfflineCleanupIntervalS),
		MaxDeliveryAttempts: 3,
		ReadStatusRetention: time.Duration(cfg.ReadStatusRetentionDays) * 24 * time.Hour,
	}, logger)

	subsMgr := subscription.New(subscription.Config{
		CleanupInterval:   seconds(cfg.SubscriptionCleanupInterval),
		HeartbeatInterval: seconds(cfg.SubscriptionHeartbeatInterval),
		OfflineTimeout:    seconds(cfg.SubscriptionOfflineTimeout),
		MaxQueueSize:      cfg.SubscriptionMaxQueueSize,
	}, logger)

	topicMgr := topic.New(mediatedStore, subsMgr, topic.Config{
		MaxNameLength:     256,
		MaxHierarchyDepth: cfg.TopicMaxHierarchyDepth,
		CleanupInterval:   seconds(cfg.TopicCleanupIntervalS),
	}, logger)

	deliverySvc := delivery.New(mediatedStore, subsMgr, mailboxStorage, delivery.Config{
		EnablePatternCaching: true,
		CacheTTL:             seconds(cfg.DeliveryCacheTTLS),
		BroadcastTimeout:     seconds(cfg.DeliveryBroadcastTimeS),
		MaxBroadcastRetries:  3,
	}, logger)

	rtr := router.New(mailboxStorage, topicMgr, deliverySvc, offlineHandler, router.Config{
		MaxMessageSize:     cfg.RouterMaxMessageSizeBytes,
		ValidateMessages:   true,
		RetryPolicy:        retryPolicyFromConfig(cfg),
		RetryCheckInterval: seconds(cfg.RouterRetryCheckIntervalS),
		CleanupInterval:    seconds(cfg.RouterCleanupIntervalS),
		ConfirmationTTL:    seconds(cfg.RouterConfirmationTTLS),
	}, logger)

	return &Core{
		Store:      store,
		Breakers:   breakers,
		Metrics:    telemetry.NewMetricsRegistry(),
		Resilience: resilienceMgr,
		KV:         mediatedStore,
		Fallback:   fq,
		Mailbox:    mailboxStorage,
		Offline:    offlineHandler,
		Subs:       subsMgr,
		Topics:     topicMgr,
		Delivery:   deliverySvc,
		Router:     rtr,
	}, nil
}

// Start launches every component's background loop, in the same dependency
// order they were built in.
func (c *Core) Start(ctx context.Context) {
	c.Resilience.Start(ctx, c.KV.Replay)
	c.Offline.Start(ctx)
	c.Subs.Start(ctx)
	c.Topics.Start(ctx)
	c.Delivery.Start(ctx)
	c.Router.Start(ctx)
}

// Stop tears every component down in reverse order, then closes the store.
func (c *Core) Stop(logger *slog.Logger) {
	c.Router.Stop()
	c.Delivery.Stop()
	c.Topics.Stop()
	c.Subs.Stop()
	c.Offline.Stop()
	c.Resilience.Stop()
	if err := c.Fallback.Stop(); err != nil {
		logger.Error("persisting fallback queue on shutdown", "error", err)
	}
	if err := c.Store.Close(); err != nil {
		logger.Error("closing redis store", "error", err)
	}
}

func retryPolicyFromConfig(cfg *config.Config) models.RetryPolicy {
	return models.RetryPolicy{
		MaxAttempts:     cfg.RouterMaxRetryAttempts,
		BaseDelay:       cfg.RouterBaseRetryDelayS,
		MaxDelay:        cfg.RouterMaxRetryDelayS,
		ExponentialBase: cfg.RouterRetryExponentialBase,
		Jitter:          cfg.RouterRetryJitter,
	}
}

// Run is the application entry point: build every component, start their
// background loops, and block until ctx is cancelled (SIGINT/SIGTERM).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting mailbox core", "redis_url", cfg.RedisURL)

	// core.Metrics collects every component's counters/gauges/histograms
	// for in-process introspection; no HTTP exporter is started (§5 non-goal).
	core, err := Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := core.Fallback.Start(); err != nil {
		return fmt.Errorf("loading fallback queue persistence: %w", err)
	}

	core.Start(ctx)
	defer core.Stop(logger)

	logger.Info("mailbox core ready")
	<-ctx.Done()
	logger.Info("shutting down mailbox core")
	return nil
}
