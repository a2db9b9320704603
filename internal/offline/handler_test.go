package offline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/mailbox/internal/kv"
	"github.com/wisbric/mailbox/internal/mailbox"
	"github.com/wisbric/mailbox/internal/models"
)

func newTestHandler(t *testing.T) (*Handler, kv.Store) {
	t.Helper()
	store := kv.NewMemStore()
	mb := mailbox.New(store, 10000)
	cfg := DefaultConfig()
	return New(store, mb, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func sampleMessage(t *testing.T, sender, target string) *models.Message {
	t.Helper()
	return models.NewMessage(sender, models.ContentText, "hi", models.RoutingInfo{
		AddressingMode: models.AddressingDirect,
		Target:         target,
		Priority:       models.PriorityNormal,
	}, models.DefaultDeliveryOptions())
}

func TestQueueForOfflineAndGetQueued(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	msg := sampleMessage(t, "agent-a", "agent-b")

	if err := h.QueueForOffline(ctx, msg, "agent-b", "agent-b", time.Hour); err != nil {
		t.Fatalf("QueueForOffline: %v", err)
	}

	queued, err := h.GetQueued(ctx, "agent-b", 0, 10, nil)
	if err != nil {
		t.Fatalf("GetQueued: %v", err)
	}
	if len(queued) != 1 || queued[0].Message.ID != msg.ID {
		t.Fatalf("expected 1 queued message matching %s, got %+v", msg.ID, queued)
	}
}

func TestQueueForOfflineDropsOldestWhenFull(t *testing.T) {
	h, _ := newTestHandler(t)
	h.cfg.MaxQueueSize = 1
	ctx := context.Background()

	first := sampleMessage(t, "agent-a", "agent-b")
	second := sampleMessage(t, "agent-a", "agent-b")
	if err := h.QueueForOffline(ctx, first, "agent-b", "agent-b", time.Hour); err != nil {
		t.Fatalf("QueueForOffline first: %v", err)
	}
	if err := h.QueueForOffline(ctx, second, "agent-b", "agent-b", time.Hour); err != nil {
		t.Fatalf("QueueForOffline second: %v", err)
	}

	count, err := h.GetQueuedCount(ctx, "agent-b")
	if err != nil {
		t.Fatalf("GetQueuedCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected bounded queue depth 1, got %d", count)
	}
	queued, _ := h.GetQueued(ctx, "agent-b", 0, 10, nil)
	if len(queued) != 1 || queued[0].Message.ID != second.ID {
		t.Fatalf("expected oldest dropped, second message retained, got %+v", queued)
	}
}

func TestMarkMessageReadUpdatesIndices(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	msg := sampleMessage(t, "agent-a", "agent-b")

	if err := h.MarkMessageRead(ctx, "agent-b", msg.ID, "reader-1"); err != nil {
		t.Fatalf("MarkMessageRead: %v", err)
	}
	read, err := h.IsMessageRead(ctx, "agent-b", msg.ID, "reader-1")
	if err != nil {
		t.Fatalf("IsMessageRead: %v", err)
	}
	if !read {
		t.Fatal("expected message marked as read")
	}
	readers, err := h.GetMessageReaders(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessageReaders: %v", err)
	}
	if len(readers) != 1 || readers[0] != "reader-1" {
		t.Fatalf("expected reader-1 in readers, got %v", readers)
	}
}

func TestMarkDeliveredAndRemoveDelivered(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	msg := sampleMessage(t, "agent-a", "agent-b")
	if err := h.QueueForOffline(ctx, msg, "agent-b", "agent-b", time.Hour); err != nil {
		t.Fatalf("QueueForOffline: %v", err)
	}

	if err := h.MarkDelivered(ctx, msg.ID, "agent-b"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	removed, err := h.RemoveDelivered(ctx, "agent-b", []string{msg.ID})
	if err != nil {
		t.Fatalf("RemoveDelivered: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	count, _ := h.GetQueuedCount(ctx, "agent-b")
	if count != 0 {
		t.Fatalf("expected empty queue after removal, got %d", count)
	}
}

func TestGetMessagesByIDRangeUnboundedReturnsAll(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		msg := sampleMessage(t, "agent-a", "agent-b")
		ids = append(ids, msg.ID)
		if err := h.mailbox.StoreMessage(ctx, "agent-b", msg); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}

	msgs, err := h.GetMessagesByIDRange(ctx, "agent-b", "", "", 10)
	if err != nil {
		t.Fatalf("GetMessagesByIDRange: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected all 3 messages with unbounded range, got %d", len(msgs))
	}
}

func TestCleanupExpiredRemovesDanglingQueueEntries(t *testing.T) {
	h, store := newTestHandler(t)
	ctx := context.Background()
	msg := sampleMessage(t, "agent-a", "agent-b")
	if err := h.QueueForOffline(ctx, msg, "agent-b", "agent-b", time.Hour); err != nil {
		t.Fatalf("QueueForOffline: %v", err)
	}

	// Simulate TTL expiry by deleting the backing hash directly, leaving a
	// dangling sorted-set entry for cleanup to find.
	if err := store.Del(ctx, offlineKey(msg.ID, "agent-b")); err != nil {
		t.Fatalf("Del: %v", err)
	}

	cleaned, err := h.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("expected 1 cleaned, got %d", cleaned)
	}
	count, _ := h.GetQueuedCount(ctx, "agent-b")
	if count != 0 {
		t.Fatalf("expected queue empty after cleanup, got %d", count)
	}
}
