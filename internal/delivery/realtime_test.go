package delivery

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/wisbric/mailbox/internal/kv"
	"github.com/wisbric/mailbox/internal/mailbox"
	"github.com/wisbric/mailbox/internal/models"
	"github.com/wisbric/mailbox/internal/subscription"
)

func silentLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestService(t *testing.T) (*Service, *subscription.Manager, kv.Store) {
	t.Helper()
	store := kv.NewMemStore()
	subs := subscription.New(subscription.DefaultConfig(), silentLogger())
	storage := mailbox.New(store, 1000)
	svc := New(store, subs, storage, DefaultConfig(), silentLogger())
	return svc, subs, store
}

func directMessage(t *testing.T, target string) *models.Message {
	t.Helper()
	return models.NewMessage("agent-a", models.ContentText, "hi", models.RoutingInfo{
		AddressingMode: models.AddressingDirect,
		Target:         target,
		Priority:       models.PriorityNormal,
	}, models.DefaultDeliveryOptions())
}

func TestBroadcastDeliversToRealtimeSubscriberAndPublishes(t *testing.T) {
	svc, subs, store := newTestService(t)
	if _, err := subs.CreateSubscription("agent-b", "agent-a", "", nil); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	delivered := false
	subs.RegisterHandler("agent-b", func(ctx context.Context, msg *models.Message, s *models.Subscription) error {
		delivered = true
		return nil
	})

	pubsub, err := store.Subscribe(context.Background(), "mailbox:agent-a")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer pubsub.Close()

	result := svc.Broadcast(context.Background(), directMessage(t, "agent-a"))
	if result.SubscribersReached != 1 || !delivered {
		t.Fatalf("expected 1 subscriber reached, got %+v", result)
	}

	select {
	case msg := <-pubsub.Channel():
		if msg.Channel != "mailbox:agent-a" {
			t.Fatalf("expected publish on mailbox:agent-a, got %q", msg.Channel)
		}
	default:
		t.Fatal("expected a published message on mailbox:agent-a")
	}
}

func TestBroadcastCountsPatternMatches(t *testing.T) {
	svc, subs, _ := newTestService(t)
	if _, err := subs.CreateSubscription("agent-c", "ai.models", "ai.models.**", nil); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	subs.RegisterHandler("agent-c", func(ctx context.Context, msg *models.Message, s *models.Subscription) error {
		return nil
	})

	result := svc.Broadcast(context.Background(), directMessage(t, "ai.models.gpt"))
	if result.PatternMatches != 1 {
		t.Fatalf("expected 1 pattern match counted, got %d", result.PatternMatches)
	}
}

func TestMatchPatternHelper(t *testing.T) {
	results := MatchPattern("a.**", []string{"a", "a.b", "b.a"})
	if !results["a"] || !results["a.b"] || results["b.a"] {
		t.Fatalf("unexpected match results: %+v", results)
	}
}

func TestStatisticsAccumulate(t *testing.T) {
	svc, subs, _ := newTestService(t)
	if _, err := subs.CreateSubscription("agent-b", "agent-a", "", nil); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	subs.RegisterHandler("agent-b", func(ctx context.Context, msg *models.Message, s *models.Subscription) error {
		return nil
	})

	svc.Broadcast(context.Background(), directMessage(t, "agent-a"))
	svc.Broadcast(context.Background(), directMessage(t, "agent-a"))

	stats := svc.Statistics()
	if stats.MessagesBroadcast != 2 || stats.SubscribersReached != 2 {
		t.Fatalf("expected 2 broadcasts/2 reached, got %+v", stats)
	}
}
