package subscription

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/wisbric/mailbox/internal/models"
)

func silentLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sampleMessage(t *testing.T) *models.Message {
	t.Helper()
	return models.NewMessage("agent-a", models.ContentText, "hi", models.RoutingInfo{
		AddressingMode: models.AddressingDirect,
		Target:         "ai.models.gpt",
		Priority:       models.PriorityNormal,
	}, models.DefaultDeliveryOptions())
}

func TestCreateSubscriptionIsIdempotent(t *testing.T) {
	m := New(DefaultConfig(), silentLogger())
	s1, err := m.CreateSubscription("agent-b", "agent-a", "", nil)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	s2, err := m.CreateSubscription("agent-b", "agent-a", "", nil)
	if err != nil {
		t.Fatalf("CreateSubscription dup: %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("expected idempotent subscription, got distinct IDs %s vs %s", s1.ID, s2.ID)
	}
}

func TestRemoveSubscription(t *testing.T) {
	m := New(DefaultConfig(), silentLogger())
	sub, _ := m.CreateSubscription("agent-b", "agent-a", "", nil)
	if !m.RemoveSubscription(sub.ID) {
		t.Fatal("expected removal to succeed")
	}
	if m.RemoveSubscription(sub.ID) {
		t.Fatal("expected second removal to report not found")
	}
}

func TestDeliverMessageRealtimeInvokesHandler(t *testing.T) {
	m := New(DefaultConfig(), silentLogger())
	sub, err := m.CreateSubscription("agent-b", "agent-a", "", nil)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	delivered := false
	m.RegisterHandler("agent-b", func(ctx context.Context, msg *models.Message, s *models.Subscription) error {
		delivered = true
		if s == nil || s.ID != sub.ID {
			t.Fatal("expected handler invoked with matching subscription")
		}
		return nil
	})

	msg := sampleMessage(t)
	results := m.DeliverMessage(context.Background(), msg, "agent-a")
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected 1 successful delivery, got %+v", results)
	}
	if !delivered {
		t.Fatal("expected realtime handler invoked")
	}
}

func TestDeliverMessageSkipsInactiveSubscriptionsWhenDisconnected(t *testing.T) {
	m := New(DefaultConfig(), silentLogger())
	_, err := m.CreateSubscription("agent-b", "agent-a", "", nil)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	m.HandleConnectionLoss("agent-b")

	msg := sampleMessage(t)
	results := m.DeliverMessage(context.Background(), msg, "agent-a")
	// Connection loss deactivates subscriptions, so no match is expected.
	if len(results) != 0 {
		t.Fatalf("expected no deliveries while subscription inactive, got %+v", results)
	}
}

func TestDeliverMessagePatternMatch(t *testing.T) {
	m := New(DefaultConfig(), silentLogger())
	if _, err := m.CreateSubscription("agent-c", "ai.models", "ai.models.**", nil); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	msg := sampleMessage(t)
	results := m.DeliverMessage(context.Background(), msg, "ai.models.gpt")
	if len(results) != 1 {
		t.Fatalf("expected 1 pattern-matched delivery, got %+v", results)
	}
}

func TestHandleConnectionRestoredReactivatesSubscriptions(t *testing.T) {
	m := New(DefaultConfig(), silentLogger())
	sub, _ := m.CreateSubscription("agent-b", "agent-a", "", nil)
	m.HandleConnectionLoss("agent-b")

	msg := sampleMessage(t)
	m.DeliverMessage(context.Background(), msg, "agent-a") // inactive, no-op

	// Restoring the connection marks the agent's subscriptions active again.
	m.HandleConnectionRestored(context.Background(), "agent-b")
	got, ok := m.GetSubscription(sub.ID)
	if !ok || !got.Active {
		t.Fatal("expected subscription reactivated")
	}
}
