package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/mailbox/internal/kv"
)

// Queued KV operation kinds the fallback queue can hold and later replay.
// Only mutating calls are queued; reads have nothing useful to replay and
// simply surface the BackendUnavailable error to the caller.
const (
	opSet    = "set"
	opDel    = "del"
	opExpire = "expire"
	opHSet   = "hset"
	opHDel   = "hdel"
	opSAdd   = "sadd"
	opSRem   = "srem"
	opZAdd   = "zadd"
	opZRem   = "zrem"
)

// queuedOp is the wire shape of one deferred mutation, serialized onto the
// fallback queue and replayed by Replay once the backend recovers (§4.D).
type queuedOp struct {
	Op      string            `json:"op"`
	Key     string            `json:"key,omitempty"`
	Value   string            `json:"value,omitempty"`
	Keys    []string          `json:"keys,omitempty"`
	TTLSecs float64           `json:"ttl_seconds,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Members []kv.ZMember      `json:"members,omitempty"`
}

// Store wraps a kv.Store so that every call is mediated by a Manager: reads
// and writes run through Execute, and a write that fails over is queued
// locally instead of being lost, satisfying "access is always mediated by
// the Resilience Manager" (§5). Grounded on the original resilience_manager
// .py's pattern of wrapping the Redis client rather than calling it directly.
type Store struct {
	inner kv.Store
	mgr   *Manager
}

var _ kv.Store = (*Store)(nil)

// NewStore wraps inner so every operation is mediated by mgr.
func NewStore(inner kv.Store, mgr *Manager) *Store {
	return &Store{inner: inner, mgr: mgr}
}

// Replay is a Sender: it decodes a queued mutation and applies it directly
// against the wrapped store, bypassing the breaker gate (the drainer loop
// itself only runs while the breaker is closed, see queueDrainerLoop).
func (s *Store) Replay(ctx context.Context, payload json.RawMessage) error {
	var op queuedOp
	if err := json.Unmarshal(payload, &op); err != nil {
		return fmt.Errorf("unmarshaling queued kv operation: %w", err)
	}
	switch op.Op {
	case opSet:
		return s.inner.Set(ctx, op.Key, op.Value)
	case opDel:
		return s.inner.Del(ctx, op.Keys...)
	case opExpire:
		return s.inner.Expire(ctx, op.Key, time.Duration(op.TTLSecs*float64(time.Second)))
	case opHSet:
		return s.inner.HSet(ctx, op.Key, op.Fields)
	case opHDel:
		return s.inner.HDel(ctx, op.Key, op.Keys...)
	case opSAdd:
		return s.inner.SAdd(ctx, op.Key, op.Keys...)
	case opSRem:
		return s.inner.SRem(ctx, op.Key, op.Keys...)
	case opZAdd:
		return s.inner.ZAdd(ctx, op.Key, op.Members...)
	case opZRem:
		return s.inner.ZRem(ctx, op.Key, op.Keys...)
	default:
		return fmt.Errorf("unknown queued kv operation %q", op.Op)
	}
}

func (s *Store) queue(op queuedOp) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshaling queued kv operation: %w", err)
	}
	s.mgr.QueueLocally(payload)
	return nil
}

// --- reads: mediated, not queueable ---

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := s.mgr.Execute(ctx, "kv.Get", func(ctx context.Context) error {
		v, err := s.inner.Get(ctx, key)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var out bool
	err := s.mgr.Execute(ctx, "kv.Exists", func(ctx context.Context) error {
		v, err := s.inner.Exists(ctx, key)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	var out time.Duration
	err := s.mgr.Execute(ctx, "kv.TTL", func(ctx context.Context) error {
		v, err := s.inner.TTL(ctx, key)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	var out string
	err := s.mgr.Execute(ctx, "kv.HGet", func(ctx context.Context) error {
		v, err := s.inner.HGet(ctx, key, field)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := s.mgr.Execute(ctx, "kv.HGetAll", func(ctx context.Context) error {
		v, err := s.inner.HGetAll(ctx, key)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.mgr.Execute(ctx, "kv.SMembers", func(ctx context.Context) error {
		v, err := s.inner.SMembers(ctx, key)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	var out bool
	err := s.mgr.Execute(ctx, "kv.SIsMember", func(ctx context.Context) error {
		v, err := s.inner.SIsMember(ctx, key, member)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	var out int64
	err := s.mgr.Execute(ctx, "kv.SCard", func(ctx context.Context) error {
		v, err := s.inner.SCard(ctx, key)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.mgr.Execute(ctx, "kv.ZRange", func(ctx context.Context) error {
		v, err := s.inner.ZRange(ctx, key, start, stop)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := s.mgr.Execute(ctx, "kv.ZRevRange", func(ctx context.Context) error {
		v, err := s.inner.ZRevRange(ctx, key, start, stop)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	var out []string
	err := s.mgr.Execute(ctx, "kv.ZRangeByScore", func(ctx context.Context) error {
		v, err := s.inner.ZRangeByScore(ctx, key, min, max)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var out int64
	err := s.mgr.Execute(ctx, "kv.ZCard", func(ctx context.Context) error {
		v, err := s.inner.ZCard(ctx, key)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := s.mgr.Execute(ctx, "kv.Keys", func(ctx context.Context) error {
		v, err := s.inner.Keys(ctx, pattern)
		out = v
		return err
	}, nil)
	return out, err
}

// --- writes: mediated, queued on failover ---

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.mgr.Execute(ctx, "kv.Set", func(ctx context.Context) error {
		return s.inner.Set(ctx, key, value)
	}, func(context.Context) error {
		return s.queue(queuedOp{Op: opSet, Key: key, Value: value})
	})
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.mgr.Execute(ctx, "kv.Del", func(ctx context.Context) error {
		return s.inner.Del(ctx, keys...)
	}, func(context.Context) error {
		return s.queue(queuedOp{Op: opDel, Keys: keys})
	})
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.mgr.Execute(ctx, "kv.Expire", func(ctx context.Context) error {
		return s.inner.Expire(ctx, key, ttl)
	}, func(context.Context) error {
		return s.queue(queuedOp{Op: opExpire, Key: key, TTLSecs: ttl.Seconds()})
	})
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	return s.mgr.Execute(ctx, "kv.HSet", func(ctx context.Context) error {
		return s.inner.HSet(ctx, key, fields)
	}, func(context.Context) error {
		return s.queue(queuedOp{Op: opHSet, Key: key, Fields: fields})
	})
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.mgr.Execute(ctx, "kv.HDel", func(ctx context.Context) error {
		return s.inner.HDel(ctx, key, fields...)
	}, func(context.Context) error {
		return s.queue(queuedOp{Op: opHDel, Key: key, Keys: fields})
	})
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	return s.mgr.Execute(ctx, "kv.SAdd", func(ctx context.Context) error {
		return s.inner.SAdd(ctx, key, members...)
	}, func(context.Context) error {
		return s.queue(queuedOp{Op: opSAdd, Key: key, Keys: members})
	})
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	return s.mgr.Execute(ctx, "kv.SRem", func(ctx context.Context) error {
		return s.inner.SRem(ctx, key, members...)
	}, func(context.Context) error {
		return s.queue(queuedOp{Op: opSRem, Key: key, Keys: members})
	})
}

func (s *Store) ZAdd(ctx context.Context, key string, members ...kv.ZMember) error {
	return s.mgr.Execute(ctx, "kv.ZAdd", func(ctx context.Context) error {
		return s.inner.ZAdd(ctx, key, members...)
	}, func(context.Context) error {
		return s.queue(queuedOp{Op: opZAdd, Key: key, Members: members})
	})
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	return s.mgr.Execute(ctx, "kv.ZRem", func(ctx context.Context) error {
		return s.inner.ZRem(ctx, key, members...)
	}, func(context.Context) error {
		return s.queue(queuedOp{Op: opZRem, Key: key, Keys: members})
	})
}

// --- pub/sub: mediated, not queueable (no meaning to a delayed replay of
// a transient publish or a live subscription); Close goes straight to the
// inner store ---

func (s *Store) Publish(ctx context.Context, channel, payload string) (int64, error) {
	var out int64
	err := s.mgr.Execute(ctx, "kv.Publish", func(ctx context.Context) error {
		v, err := s.inner.Publish(ctx, channel, payload)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) Subscribe(ctx context.Context, channels ...string) (kv.Subscription, error) {
	var out kv.Subscription
	err := s.mgr.Execute(ctx, "kv.Subscribe", func(ctx context.Context) error {
		v, err := s.inner.Subscribe(ctx, channels...)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) PSubscribe(ctx context.Context, patterns ...string) (kv.Subscription, error) {
	var out kv.Subscription
	err := s.mgr.Execute(ctx, "kv.PSubscribe", func(ctx context.Context) error {
		v, err := s.inner.PSubscribe(ctx, patterns...)
		out = v
		return err
	}, nil)
	return out, err
}

func (s *Store) Close() error { return s.inner.Close() }
