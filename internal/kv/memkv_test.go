package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemStoreZRangeOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if err := s.ZAdd(ctx, "zset", ZMember{Score: 3, Member: "c"}, ZMember{Score: 1, Member: "a"}, ZMember{Score: 2, Member: "b"}); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	got, err := s.ZRange(ctx, "zset", 0, -1)
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	rev, err := s.ZRevRange(ctx, "zset", 0, -1)
	if err != nil {
		t.Fatalf("ZRevRange: %v", err)
	}
	if rev[0] != "c" || rev[2] != "a" {
		t.Fatalf("ZRevRange mismatch: %v", rev)
	}
}

func TestMemStorePubSubExactChannel(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	sub, err := s.Subscribe(ctx, "mailbox:inbox-bravo")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	n, err := s.Publish(ctx, "mailbox:inbox-bravo", `{"id":"1"}`)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 subscriber reached, got %d", n)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != `{"id":"1"}` {
			t.Fatalf("unexpected payload: %s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered message")
	}
}

func TestMemStorePubSubPatternMatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	sub, err := s.PSubscribe(ctx, "topic:ai.*")
	if err != nil {
		t.Fatalf("PSubscribe: %v", err)
	}
	defer sub.Close()

	if _, err := s.Publish(ctx, "topic:ai.models", "payload"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Channel != "topic:ai.models" {
			t.Fatalf("unexpected channel: %s", msg.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pattern-matched message")
	}
}

func TestMemStoreExpireAndTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Expire(ctx, "k", 10*time.Millisecond); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Fatalf("expected expired key to read empty, got %q", got)
	}
}
