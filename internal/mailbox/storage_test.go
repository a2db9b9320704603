package mailbox

import (
	"context"
	"testing"

	"github.com/wisbric/mailbox/internal/kv"
	"github.com/wisbric/mailbox/internal/mailerr"
	"github.com/wisbric/mailbox/internal/models"
)

func newMessage(t *testing.T, sender, target string) *models.Message {
	t.Helper()
	return models.NewMessage(sender, models.ContentText, "hello", models.RoutingInfo{
		AddressingMode: models.AddressingDirect,
		Target:         target,
		Priority:       models.PriorityNormal,
	}, models.DefaultDeliveryOptions())
}

func TestCreateMailboxRejectsDuplicate(t *testing.T) {
	s := New(kv.NewMemStore(), 10000)
	ctx := context.Background()

	if _, err := s.CreateMailbox(ctx, "agent-a", "creator"); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if _, err := s.CreateMailbox(ctx, "agent-a", "creator"); !mailerr.Is(err, mailerr.KindConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}
}

func TestStoreMessageAutoCreatesMailbox(t *testing.T) {
	s := New(kv.NewMemStore(), 10000)
	ctx := context.Background()
	msg := newMessage(t, "agent-a", "agent-b")

	if err := s.StoreMessage(ctx, "agent-b", msg); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}
	mb, err := s.GetMailbox(ctx, "agent-b")
	if err != nil {
		t.Fatalf("GetMailbox: %v", err)
	}
	if mb.MessageCount != 1 {
		t.Fatalf("expected message_count 1, got %d", mb.MessageCount)
	}
}

func TestStoreMessageTrimsOldestOverMax(t *testing.T) {
	s := New(kv.NewMemStore(), 10000)
	ctx := context.Background()
	if _, err := s.CreateMailbox(ctx, "agent-b", "creator"); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	mb, _ := s.GetMailbox(ctx, "agent-b")
	mb.MaxMessages = 2
	if err := s.writeMetadata(ctx, mb); err != nil {
		t.Fatalf("writeMetadata: %v", err)
	}

	ids := []string{}
	for i := 0; i < 3; i++ {
		msg := newMessage(t, "agent-a", "agent-b")
		ids = append(ids, msg.ID)
		if err := s.StoreMessage(ctx, "agent-b", msg); err != nil {
			t.Fatalf("StoreMessage %d: %v", i, err)
		}
	}

	page, err := s.GetMessages(ctx, "agent-b", 0, 10, nil, false)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 messages after trim, got %d", len(page.Messages))
	}
	if _, err := s.GetMessage(ctx, "agent-b", ids[0]); !mailerr.Is(err, mailerr.KindNotFound) {
		t.Fatalf("expected oldest message trimmed, got %v", err)
	}
}

func TestGetMessagesReverseDefaultOrder(t *testing.T) {
	s := New(kv.NewMemStore(), 10000)
	ctx := context.Background()

	var last *models.Message
	for i := 0; i < 3; i++ {
		msg := newMessage(t, "agent-a", "agent-b")
		last = msg
		if err := s.StoreMessage(ctx, "agent-b", msg); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}

	page, err := s.GetMessages(ctx, "agent-b", 0, 10, nil, true)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(page.Messages) == 0 || page.Messages[0].ID != last.ID {
		t.Fatalf("expected newest-first order, got %+v", page.Messages)
	}
}

func TestGetMessagesAppliesFilter(t *testing.T) {
	s := New(kv.NewMemStore(), 10000)
	ctx := context.Background()

	urgent := newMessage(t, "agent-a", "agent-b")
	urgent.RoutingInfo.Priority = models.PriorityUrgent
	if err := s.StoreMessage(ctx, "agent-b", urgent); err != nil {
		t.Fatalf("StoreMessage urgent: %v", err)
	}
	normal := newMessage(t, "agent-a", "agent-b")
	if err := s.StoreMessage(ctx, "agent-b", normal); err != nil {
		t.Fatalf("StoreMessage normal: %v", err)
	}

	min := models.PriorityHigh
	filter := &models.MessageFilter{MinPriority: &min}
	page, err := s.GetMessages(ctx, "agent-b", 0, 10, filter, false)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != urgent.ID {
		t.Fatalf("expected only urgent message to survive filter, got %+v", page.Messages)
	}
}

func TestMarkMessageReadAndUnreadCount(t *testing.T) {
	s := New(kv.NewMemStore(), 10000)
	ctx := context.Background()
	msg := newMessage(t, "agent-a", "agent-b")
	if err := s.StoreMessage(ctx, "agent-b", msg); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	unread, err := s.GetUnreadCount(ctx, "agent-b", "reader-1")
	if err != nil {
		t.Fatalf("GetUnreadCount: %v", err)
	}
	if unread != 1 {
		t.Fatalf("expected 1 unread, got %d", unread)
	}

	if err := s.MarkMessageRead(ctx, "agent-b", msg.ID, "reader-1"); err != nil {
		t.Fatalf("MarkMessageRead: %v", err)
	}
	read, err := s.IsMessageRead(ctx, "agent-b", msg.ID, "reader-1")
	if err != nil {
		t.Fatalf("IsMessageRead: %v", err)
	}
	if !read {
		t.Fatal("expected message marked read")
	}
	unread, _ = s.GetUnreadCount(ctx, "agent-b", "reader-1")
	if unread != 0 {
		t.Fatalf("expected 0 unread after marking read, got %d", unread)
	}
}

func TestActiveMailboxNamesReflectsIndex(t *testing.T) {
	s := New(kv.NewMemStore(), 10000)
	ctx := context.Background()
	if _, err := s.CreateMailbox(ctx, "agent-a", "creator"); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	names, err := s.ActiveMailboxNames(ctx)
	if err != nil {
		t.Fatalf("ActiveMailboxNames: %v", err)
	}
	if len(names) != 1 || names[0] != "agent-a" {
		t.Fatalf("expected [agent-a], got %v", names)
	}
}
