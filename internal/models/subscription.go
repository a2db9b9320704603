package models

import "time"

// SubscriptionOptions configures delivery behavior for a subscription (§3).
type SubscriptionOptions struct {
	DeliveryMode   DeliveryMode   `json:"delivery_mode"`
	MessageFilter  *MessageFilter `json:"message_filter,omitempty"`
	MaxQueueSize   int            `json:"max_queue_size"`
	AutoAck        bool           `json:"auto_ack"`
	BatchSize      int            `json:"batch_size"`
	BatchTimeoutS  float64        `json:"batch_timeout_s"`
}

// DefaultSubscriptionOptions matches the documented defaults (§3).
func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		DeliveryMode:  DeliveryRealtime,
		MaxQueueSize:  1000,
		AutoAck:       true,
		BatchSize:     10,
		BatchTimeoutS: 30,
	}
}

// Subscription represents one agent's interest in a target or pattern (§3).
type Subscription struct {
	ID           string
	AgentID      string
	Target       string
	Pattern      string // empty means exact-target subscription
	CreatedAt    time.Time
	LastActivity time.Time
	Options      SubscriptionOptions
	Active       bool
	MessageCount int64
}

// IsPatternSubscription reports whether s matches via pattern rules (§4.I)
// rather than an exact target.
func (s *Subscription) IsPatternSubscription() bool { return s.Pattern != "" }

// ConnectionState tracks an agent's handler-connection lifecycle (§4.H).
type ConnectionState struct {
	AgentID        string
	Connected      bool
	LastSeen       time.Time
	ReconnectCount int
	Outbox         []*Message
}
