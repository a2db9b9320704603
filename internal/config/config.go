package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all mailbox core configuration, loaded from environment
// variables. Every tunable named by the component design has an env-backed
// field here with the documented default.
type Config struct {
	// Logging
	LogLevel  string `env:"MAILBOX_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MAILBOX_LOG_FORMAT" envDefault:"json"`

	// Redis (KV Adapter backing store)
	RedisURL string `env:"MAILBOX_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Metrics
	MetricsNamespace string `env:"MAILBOX_METRICS_NAMESPACE" envDefault:"mailbox"`

	// Circuit breaker (4.B)
	BreakerFailureThreshold int     `env:"MAILBOX_BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeoutS float64 `env:"MAILBOX_BREAKER_RECOVERY_TIMEOUT_S" envDefault:"60"`
	BreakerSuccessThreshold int     `env:"MAILBOX_BREAKER_SUCCESS_THRESHOLD" envDefault:"3"`
	BreakerCallTimeoutS     float64 `env:"MAILBOX_BREAKER_CALL_TIMEOUT_S" envDefault:"30"`

	// Local fallback queue (4.C)
	FallbackMaxQueueSize    int    `env:"MAILBOX_FALLBACK_MAX_QUEUE_SIZE" envDefault:"10000"`
	FallbackMaxMessageAgeH  int    `env:"MAILBOX_FALLBACK_MAX_MESSAGE_AGE_HOURS" envDefault:"24"`
	FallbackMaxRetries      int    `env:"MAILBOX_FALLBACK_MAX_RETRIES" envDefault:"3"`
	FallbackPersistenceFile string `env:"MAILBOX_FALLBACK_PERSISTENCE_FILE" envDefault:""`

	// Resilience manager (4.D)
	ResilienceHealthMonitorIntervalS float64 `env:"MAILBOX_RESILIENCE_HEALTH_INTERVAL_S" envDefault:"30"`
	ResilienceQueueDrainIntervalS    float64 `env:"MAILBOX_RESILIENCE_DRAIN_INTERVAL_S" envDefault:"10"`
	ResilienceDrainBatchSize         int     `env:"MAILBOX_RESILIENCE_DRAIN_BATCH_SIZE" envDefault:"50"`

	// Mailbox storage (4.E)
	MailboxMaxMessages int `env:"MAILBOX_MAX_MESSAGES" envDefault:"10000"`

	// Offline message handler (4.F)
	OfflineQueueTTLDays      int     `env:"MAILBOX_OFFLINE_TTL_DAYS" envDefault:"7"`
	OfflineMaxQueueSize      int     `env:"MAILBOX_OFFLINE_MAX_QUEUE_SIZE" envDefault:"10000"`
	OfflineCleanupIntervalS  float64 `env:"MAILBOX_OFFLINE_CLEANUP_INTERVAL_S" envDefault:"3600"`
	ReadStatusRetentionDays  int     `env:"MAILBOX_READ_STATUS_RETENTION_DAYS" envDefault:"30"`

	// Topic manager (4.G)
	TopicMaxHierarchyDepth  int     `env:"MAILBOX_TOPIC_MAX_HIERARCHY_DEPTH" envDefault:"10"`
	TopicMaxSubscribers     int     `env:"MAILBOX_TOPIC_MAX_SUBSCRIBERS" envDefault:"1000"`
	TopicCleanupIntervalS   float64 `env:"MAILBOX_TOPIC_CLEANUP_INTERVAL_S" envDefault:"3600"`

	// Subscription manager (4.H)
	SubscriptionMaxQueueSize      int     `env:"MAILBOX_SUBSCRIPTION_MAX_QUEUE_SIZE" envDefault:"1000"`
	SubscriptionHeartbeatInterval float64 `env:"MAILBOX_SUBSCRIPTION_HEARTBEAT_INTERVAL_S" envDefault:"30"`
	SubscriptionCleanupInterval   float64 `env:"MAILBOX_SUBSCRIPTION_CLEANUP_INTERVAL_S" envDefault:"3600"`
	SubscriptionOfflineTimeout    float64 `env:"MAILBOX_SUBSCRIPTION_OFFLINE_TIMEOUT_S" envDefault:"300"`

	// Real-time delivery (4.I)
	DeliveryCacheTTLS      float64 `env:"MAILBOX_DELIVERY_CACHE_TTL_S" envDefault:"60"`
	DeliveryBroadcastTimeS float64 `env:"MAILBOX_DELIVERY_BROADCAST_TIMEOUT_S" envDefault:"5"`

	// Message router (4.J)
	RouterMaxRetryAttempts     int     `env:"MAILBOX_ROUTER_MAX_RETRY_ATTEMPTS" envDefault:"3"`
	RouterBaseRetryDelayS      float64 `env:"MAILBOX_ROUTER_BASE_RETRY_DELAY_S" envDefault:"1"`
	RouterMaxRetryDelayS       float64 `env:"MAILBOX_ROUTER_MAX_RETRY_DELAY_S" envDefault:"60"`
	RouterRetryExponentialBase float64 `env:"MAILBOX_ROUTER_RETRY_EXPONENTIAL_BASE" envDefault:"2"`
	RouterRetryJitter          bool    `env:"MAILBOX_ROUTER_RETRY_JITTER" envDefault:"true"`
	RouterRetryCheckIntervalS  float64 `env:"MAILBOX_ROUTER_RETRY_CHECK_INTERVAL_S" envDefault:"10"`
	RouterCleanupIntervalS     float64 `env:"MAILBOX_ROUTER_CLEANUP_INTERVAL_S" envDefault:"300"`
	RouterConfirmationTTLS     float64 `env:"MAILBOX_ROUTER_CONFIRMATION_TTL_S" envDefault:"3600"`
	RouterMaxMessageSizeBytes  int     `env:"MAILBOX_ROUTER_MAX_MESSAGE_SIZE_BYTES" envDefault:"16777216"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}
