// Package kv abstracts the durable key-value/pub-sub store consumed by the
// mailbox core (§4.A). The core never imports a backend client directly;
// it depends only on this interface, so the backing store is swappable
// without touching routing, storage, or delivery logic.
package kv

import (
	"context"
	"time"
)

// ZMember is one entry of a sorted-set operation.
type ZMember struct {
	Score  float64
	Member string
}

// InboundMessage is delivered to a Subscription's handler when a publish
// arrives on a matching channel or pattern.
type InboundMessage struct {
	Channel string
	Pattern string // empty for an exact-channel subscription
	Payload string
}

// Subscription represents an active channel/pattern subscription. Inbound
// messages are delivered on Channel(); Close unsubscribes and releases the
// underlying connection.
type Subscription interface {
	Channel() <-chan *InboundMessage
	Close() error
}

// Store is the full set of operations the core requires of its backing
// key-value/pub-sub store (§4.A).
type Store interface {
	// Scalar ops.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Hash ops.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Set ops.
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted-set ops.
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Pattern scan (used sparingly — the spec recommends maintained index
	// sets such as mailbox_index over pattern scans, see §9 Design Notes).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pub/sub.
	Publish(ctx context.Context, channel, payload string) (int64, error)
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	// Close releases underlying resources.
	Close() error
}
