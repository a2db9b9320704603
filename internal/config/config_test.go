package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"default redis url", func(c *Config) bool { return c.RedisURL == "redis://localhost:6379/0" }},
		{"default breaker failure threshold", func(c *Config) bool { return c.BreakerFailureThreshold == 5 }},
		{"default fallback max queue size", func(c *Config) bool { return c.FallbackMaxQueueSize == 10000 }},
		{"default mailbox max messages", func(c *Config) bool { return c.MailboxMaxMessages == 10000 }},
		{"default offline ttl days", func(c *Config) bool { return c.OfflineQueueTTLDays == 7 }},
		{"default topic max hierarchy depth", func(c *Config) bool { return c.TopicMaxHierarchyDepth == 10 }},
		{"default subscription heartbeat interval", func(c *Config) bool { return c.SubscriptionHeartbeatInterval == 30 }},
		{"default delivery cache ttl", func(c *Config) bool { return c.DeliveryCacheTTLS == 60 }},
		{"default router max retry attempts", func(c *Config) bool { return c.RouterMaxRetryAttempts == 3 }},
		{"default router retry jitter enabled", func(c *Config) bool { return c.RouterRetryJitter }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected default for %s", tt.name)
			}
		})
	}
}
