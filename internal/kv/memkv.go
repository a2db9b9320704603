package kv

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store implementation used by tests across the
// mailbox core packages, so each package's tests can exercise real KV
// semantics (ordering, TTL, pub/sub fan-out) without a live Redis instance.
type MemStore struct {
	mu sync.Mutex

	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	expiry  map[string]time.Time

	subs []*memSubscription
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		strings: map[string]string{},
		hashes:  map[string]map[string]string{},
		sets:    map[string]map[string]struct{}{},
		zsets:   map[string]map[string]float64{},
		expiry:  map[string]time.Time{},
	}
}

func (s *MemStore) expired(key string) bool {
	if exp, ok := s.expiry[key]; ok {
		return time.Now().After(exp)
	}
	return false
}

func (s *MemStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return "", nil
	}
	return s.strings[key], nil
}

func (s *MemStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	delete(s.expiry, key)
	return nil
}

func (s *MemStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.strings, k)
		delete(s.hashes, k)
		delete(s.sets, k)
		delete(s.zsets, k)
		delete(s.expiry, k)
	}
	return nil
}

func (s *MemStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return false, nil
	}
	if _, ok := s.strings[key]; ok {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	if _, ok := s.sets[key]; ok {
		return true, nil
	}
	if _, ok := s.zsets[key]; ok {
		return true, nil
	}
	return false, nil
}

func (s *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expiry[key]
	if !ok {
		return -1, nil
	}
	return time.Until(exp), nil
}

func (s *MemStore) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = map[string]string{}
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[key][field], nil
}

func (s *MemStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *MemStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = map[string]struct{}{}
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *MemStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *MemStore) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *MemStore) ZAdd(_ context.Context, key string, members ...ZMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = map[string]float64{}
		s.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
	return nil
}

func (s *MemStore) sortedMembers(key string) []ZMember {
	z := s.zsets[key]
	out := make([]ZMember, 0, len(z))
	for member, score := range z {
		out = append(out, ZMember{Score: score, Member: member})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Member < out[j].Member
		}
		return out[i].Score < out[j].Score
	})
	return out
}

func clampRange(n, start, stop int64) (int64, int64) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (s *MemStore) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedMembers(key)
	n := int64(len(members))
	start, stop = clampRange(n, start, stop)
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, members[i].Member)
	}
	return out, nil
}

func (s *MemStore) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	fwd, err := s.ZRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	rev := make([]string, len(fwd))
	for i, v := range fwd {
		rev[len(fwd)-1-i] = v
	}
	n := int64(len(rev))
	start, stop = clampRange(n, start, stop)
	if start > stop || n == 0 {
		return nil, nil
	}
	return rev[start : stop+1], nil
}

func (s *MemStore) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sortedMembers(key) {
		if m.Score >= min && m.Score <= max {
			out = append(out, m.Member)
		}
	}
	return out, nil
}

func (s *MemStore) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	return nil
}

func (s *MemStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	seen := map[string]struct{}{}
	collect := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
			seen[k] = struct{}{}
		}
	}
	for k := range s.strings {
		collect(k)
	}
	for k := range s.hashes {
		collect(k)
	}
	for k := range s.sets {
		collect(k)
	}
	for k := range s.zsets {
		collect(k)
	}
	return out, nil
}

func (s *MemStore) Publish(_ context.Context, channel, payload string) (int64, error) {
	s.mu.Lock()
	targets := make([]*memSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.matches(channel) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		pattern := ""
		if sub.isPattern {
			for _, p := range sub.patterns {
				if ok, _ := path.Match(p, channel); ok {
					pattern = p
					break
				}
			}
		}
		sub.deliver(&InboundMessage{Channel: channel, Pattern: pattern, Payload: payload})
	}
	return int64(len(targets)), nil
}

func (s *MemStore) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := newMemSubscription(channels, false)
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	sub.onClose = func() { s.removeSub(sub) }
	return sub, nil
}

func (s *MemStore) PSubscribe(_ context.Context, patterns ...string) (Subscription, error) {
	sub := newMemSubscription(patterns, true)
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	sub.onClose = func() { s.removeSub(sub) }
	return sub, nil
}

func (s *MemStore) removeSub(target *memSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *MemStore) Close() error { return nil }

type memSubscription struct {
	patterns  []string
	isPattern bool
	out       chan *InboundMessage
	onClose   func()
	closeOnce sync.Once
}

func newMemSubscription(patterns []string, isPattern bool) *memSubscription {
	return &memSubscription{patterns: patterns, isPattern: isPattern, out: make(chan *InboundMessage, 256)}
}

func (m *memSubscription) matches(channel string) bool {
	for _, p := range m.patterns {
		if m.isPattern {
			if ok, _ := path.Match(p, channel); ok {
				return true
			}
			continue
		}
		if p == channel {
			return true
		}
	}
	return false
}

func (m *memSubscription) deliver(msg *InboundMessage) {
	select {
	case m.out <- msg:
	default:
		// Slow consumer: drop rather than block the publisher, matching the
		// backpressure rule applied elsewhere in the core (overflow drops
		// the oldest/newest rather than stalling the sender).
	}
}

func (m *memSubscription) Channel() <-chan *InboundMessage { return m.out }

func (m *memSubscription) Close() error {
	m.closeOnce.Do(func() {
		if m.onClose != nil {
			m.onClose()
		}
		close(m.out)
	})
	return nil
}
