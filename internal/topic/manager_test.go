package topic

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/wisbric/mailbox/internal/kv"
	"github.com/wisbric/mailbox/internal/models"
	"github.com/wisbric/mailbox/internal/subscription"
)

func silentLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestManager() *Manager {
	store := kv.NewMemStore()
	subs := subscription.New(subscription.DefaultConfig(), silentLogger())
	return New(store, subs, DefaultConfig(), silentLogger())
}

func sampleMessage(t *testing.T, target string) *models.Message {
	t.Helper()
	return models.NewMessage("agent-a", models.ContentText, "hi", models.RoutingInfo{
		AddressingMode: models.AddressingTopic,
		Target:         target,
		Priority:       models.PriorityNormal,
	}, models.DefaultDeliveryOptions())
}

func TestCreateTopicReactivatesExisting(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	t1, err := m.CreateTopic(ctx, "news", "general news")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t1.Active = false

	t2, err := m.CreateTopic(ctx, "news", "ignored on reactivate")
	if err != nil {
		t.Fatalf("CreateTopic reactivate: %v", err)
	}
	if t1.ID != t2.ID {
		t.Fatalf("expected same topic reactivated, got distinct IDs")
	}
	if !t2.Active {
		t.Fatal("expected topic reactivated")
	}
}

func TestCreateTopicAutoCreatesParents(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	child, err := m.CreateTopic(ctx, "ai.models.gpt", "")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if child.ParentTopic != "ai.models" {
		t.Fatalf("expected immediate parent ai.models, got %q", child.ParentTopic)
	}

	for _, name := range []string{"ai", "ai.models"} {
		if _, ok := m.GetTopic(name); !ok {
			t.Fatalf("expected implicit parent topic %q to be auto-created", name)
		}
	}

	root, _ := m.GetTopic("ai")
	if _, ok := m.hierarchy["ai"]["ai.models"]; !ok {
		t.Fatal("expected hierarchy edge ai -> ai.models")
	}
	if _, ok := m.hierarchy["ai.models"]["ai.models.gpt"]; !ok {
		t.Fatal("expected hierarchy edge ai.models -> ai.models.gpt")
	}
	if root.AutoCleanup {
		t.Fatal("expected auto-created parent to have auto_cleanup disabled")
	}
}

func TestSubscribeToTopicIncludeChildrenSetsWildcardPattern(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.CreateTopic(ctx, "ai.models", ""); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	sub, err := m.SubscribeToTopic("agent-b", "ai.models", nil, true)
	if err != nil {
		t.Fatalf("SubscribeToTopic: %v", err)
	}
	if sub.Pattern != "ai.models.*" {
		t.Fatalf("expected include-children pattern ai.models.*, got %q", sub.Pattern)
	}

	topicAfter, _ := m.GetTopic("ai.models")
	if topicAfter.SubscriberCount != 1 {
		t.Fatalf("expected subscriber count 1, got %d", topicAfter.SubscriberCount)
	}
}

func TestPublishToTopicReturnsDeliveredCount(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.CreateTopic(ctx, "news", ""); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if _, err := m.SubscribeToTopic("agent-b", "news", nil, false); err != nil {
		t.Fatalf("SubscribeToTopic: %v", err)
	}

	delivered := false
	m.subs.RegisterHandler("agent-b", func(ctx context.Context, msg *models.Message, s *models.Subscription) error {
		delivered = true
		return nil
	})

	reached, err := m.PublishToTopic(ctx, "news", sampleMessage(t, "news"))
	if err != nil {
		t.Fatalf("PublishToTopic: %v", err)
	}
	if reached != 1 || !delivered {
		t.Fatalf("expected 1 subscriber reached, got %d (delivered=%v)", reached, delivered)
	}

	topicAfter, _ := m.GetTopic("news")
	if topicAfter.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", topicAfter.MessageCount)
	}
}

func TestDeleteTopicRefusesWithActiveSubscribersUnlessForced(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.CreateTopic(ctx, "news", ""); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if _, err := m.SubscribeToTopic("agent-b", "news", nil, false); err != nil {
		t.Fatalf("SubscribeToTopic: %v", err)
	}

	if _, err := m.DeleteTopic(ctx, "news", false); err == nil {
		t.Fatal("expected deletion refused while subscribers remain")
	}

	ok, err := m.DeleteTopic(ctx, "news", true)
	if err != nil || !ok {
		t.Fatalf("expected forced deletion to succeed, got ok=%v err=%v", ok, err)
	}
	if _, ok := m.GetTopic("news"); ok {
		t.Fatal("expected topic removed")
	}
}

func TestCleanupSkipsTopicsWithSubscribers(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.CreateTopic(ctx, "news", ""); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if _, err := m.SubscribeToTopic("agent-b", "news", nil, false); err != nil {
		t.Fatalf("SubscribeToTopic: %v", err)
	}

	topicObj, _ := m.GetTopic("news")
	topicObj.UpdatedAt = 0 // force idle-duration past any cleanup_after_hours threshold

	m.cleanupInactiveTopics(ctx)

	if _, ok := m.GetTopic("news"); !ok {
		t.Fatal("expected topic with active subscriber to survive cleanup")
	}
}
