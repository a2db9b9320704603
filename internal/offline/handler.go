// Package offline implements the Offline Message Handler (§4.F): queuing
// for disconnected agents, read/unread tracking, and time/id-range
// queries, grounded on the original offline_message_handler.py.
package offline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/mailbox/internal/kv"
	"github.com/wisbric/mailbox/internal/mailbox"
	"github.com/wisbric/mailbox/internal/mailerr"
	"github.com/wisbric/mailbox/internal/models"
)

// Config configures queue bounds and cleanup cadence (§4.F).
type Config struct {
	MaxQueueSize            int
	QueueTTL                time.Duration
	CleanupInterval         time.Duration
	MaxDeliveryAttempts     int
	ReadStatusRetention     time.Duration
}

// DefaultConfig matches the documented defaults (§4.F).
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        10000,
		QueueTTL:            7 * 24 * time.Hour,
		CleanupInterval:     time.Hour,
		MaxDeliveryAttempts: 3,
		ReadStatusRetention: 30 * 24 * time.Hour,
	}
}

func queueKey(agentID string) string { return fmt.Sprintf("offline_queue:%s", agentID) }
func offlineKey(msgID, agentID string) string {
	return fmt.Sprintf("offline_message:%s:%s", msgID, agentID)
}
func readStatusKey(agentID, mailboxName, msgID string) string {
	return fmt.Sprintf("read_status:%s:%s:%s", agentID, mailboxName, msgID)
}
func readIndexKey(agentID string) string  { return fmt.Sprintf("agent_read_index:%s", agentID) }
func readersKey(msgID string) string      { return fmt.Sprintf("message_readers:%s", msgID) }

// Handler implements offline queuing and read-tracking over a kv.Store and
// a Mailbox Storage instance (the original's paired redis_ops +
// mailbox_storage collaborators).
type Handler struct {
	store   kv.Store
	mailbox *mailbox.Storage
	cfg     Config
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Handler.
func New(store kv.Store, mb *mailbox.Storage, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{store: store, mailbox: mb, cfg: cfg, logger: logger, stopCh: make(chan struct{})}
}

// Start launches the hourly cleanup loop (§4.F).
func (h *Handler) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.cleanupLoop(ctx)
}

// Stop signals the cleanup loop to exit and waits for it.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *Handler) cleanupLoop(ctx context.Context) {
	defer h.wg.Done()
	interval := h.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			if n, err := h.CleanupExpired(ctx); err != nil {
				h.logger.Error("cleaning up expired offline messages", "error", err)
			} else if n > 0 {
				h.logger.Info("cleaned up expired offline messages", "count", n)
			}
			if n, err := h.CleanupOldReadStatus(ctx); err != nil {
				h.logger.Error("cleaning up old read status", "error", err)
			} else if n > 0 {
				h.logger.Info("cleaned up old read status entries", "count", n)
			}
		}
	}
}

// QueueForOffline queues msg for targetAgent, dropping the oldest queued
// message when the per-agent queue is at capacity (§4.F).
func (h *Handler) QueueForOffline(ctx context.Context, msg *models.Message, targetAgent, mailboxName string, ttl time.Duration) error {
	qKey := queueKey(targetAgent)
	size, err := h.store.ZCard(ctx, qKey)
	if err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "reading offline queue size", err)
	}
	if size >= int64(h.cfg.MaxQueueSize) {
		oldest, err := h.store.ZRange(ctx, qKey, 0, 0)
		if err == nil && len(oldest) > 0 {
			_ = h.removeQueuedMessage(ctx, targetAgent, oldest[0])
		}
	}

	if ttl <= 0 {
		ttl = h.cfg.QueueTTL
	}
	queuedAt := time.Now().UTC()

	wire, err := msg.ToWireJSON()
	if err != nil {
		return mailerr.Wrap(mailerr.KindValidation, "serializing offline message", err)
	}

	oKey := offlineKey(msg.ID, targetAgent)
	fields := map[string]string{
		"message":           string(wire),
		"queued_at":         queuedAt.Format(time.RFC3339Nano),
		"target_agent":      targetAgent,
		"mailbox_name":      mailboxName,
		"status":            string(models.StatusQueued),
		"delivery_attempts": "0",
		"expires_at":        queuedAt.Add(ttl).Format(time.RFC3339Nano),
	}
	if err := h.store.HSet(ctx, oKey, fields); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "storing offline message", err)
	}
	if err := h.store.Expire(ctx, oKey, ttl); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "setting offline message TTL", err)
	}
	if err := h.store.ZAdd(ctx, qKey, kv.ZMember{Score: float64(queuedAt.UnixNano()) / 1e9, Member: msg.ID}); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "indexing offline message", err)
	}
	return nil
}

// QueuedMessage pairs a decoded Message with its offline bookkeeping.
type QueuedMessage struct {
	Message          *models.Message
	QueuedAt         time.Time
	TargetAgent      string
	MailboxName      string
	Status           models.DeliveryStatus
	DeliveryAttempts int
}

// GetQueued returns queued messages for agentID, newest first, skipping
// orphaned queue entries whose body has already expired out of Redis.
func (h *Handler) GetQueued(ctx context.Context, agentID string, offset, limit int, filter *models.MessageFilter) ([]QueuedMessage, error) {
	qKey := queueKey(agentID)
	ids, err := h.store.ZRevRange(ctx, qKey, int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "ranging offline queue", err)
	}

	var out []QueuedMessage
	for _, id := range ids {
		oKey := offlineKey(id, agentID)
		h2, err := h.store.HGetAll(ctx, oKey)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "reading offline message", err)
		}
		if len(h2) == 0 {
			_ = h.store.ZRem(ctx, qKey, id)
			continue
		}
		qm, err := decodeQueuedMessage(h2)
		if err != nil {
			continue
		}
		if filter != nil {
			read, _ := h.IsMessageRead(ctx, qm.MailboxName, id, agentID)
			if !filter.Matches(qm.Message, nil) || (filterUnreadOnly(filter) && read) {
				continue
			}
		}
		out = append(out, *qm)
	}
	return out, nil
}

// filterUnreadOnly is a placeholder hook; the unified MessageFilter (§4.E)
// doesn't carry an unread_only flag, so read-state filtering for offline
// queues is done explicitly by callers via IsMessageRead instead.
func filterUnreadOnly(*models.MessageFilter) bool { return false }

func decodeQueuedMessage(h map[string]string) (*QueuedMessage, error) {
	msg, err := models.FromWireJSON([]byte(h["message"]))
	if err != nil {
		return nil, err
	}
	queuedAt, _ := time.Parse(time.RFC3339Nano, h["queued_at"])
	attempts, _ := strconv.Atoi(h["delivery_attempts"])
	return &QueuedMessage{
		Message:          msg,
		QueuedAt:         queuedAt,
		TargetAgent:      h["target_agent"],
		MailboxName:      h["mailbox_name"],
		Status:           models.DeliveryStatus(h["status"]),
		DeliveryAttempts: attempts,
	}, nil
}

// GetQueuedCount returns the number of messages queued for agentID.
func (h *Handler) GetQueuedCount(ctx context.Context, agentID string) (int64, error) {
	n, err := h.store.ZCard(ctx, queueKey(agentID))
	if err != nil {
		return 0, mailerr.Wrap(mailerr.KindBackendUnavailable, "counting offline queue", err)
	}
	return n, nil
}

// MarkDelivered updates a queued message's status to DELIVERED without
// removing it from the queue (removal is a separate, explicit step).
func (h *Handler) MarkDelivered(ctx context.Context, msgID, agentID string) error {
	oKey := offlineKey(msgID, agentID)
	exists, err := h.store.Exists(ctx, oKey)
	if err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "checking offline message", err)
	}
	if !exists {
		return mailerr.New(mailerr.KindNotFound, fmt.Sprintf("offline message %s for agent %s not found", msgID, agentID))
	}
	return h.store.HSet(ctx, oKey, map[string]string{
		"status":       string(models.StatusDelivered),
		"last_attempt": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// RemoveDelivered removes the named messages from agentID's offline queue,
// returning the count actually removed.
func (h *Handler) RemoveDelivered(ctx context.Context, agentID string, msgIDs []string) (int, error) {
	removed := 0
	for _, id := range msgIDs {
		ok, err := h.removeQueuedMessage(ctx, agentID, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (h *Handler) removeQueuedMessage(ctx context.Context, agentID, msgID string) (bool, error) {
	qKey := queueKey(agentID)
	before, err := h.store.ZCard(ctx, qKey)
	if err != nil {
		return false, mailerr.Wrap(mailerr.KindBackendUnavailable, "counting offline queue", err)
	}
	if err := h.store.ZRem(ctx, qKey, msgID); err != nil {
		return false, mailerr.Wrap(mailerr.KindBackendUnavailable, "removing from offline queue", err)
	}
	after, err := h.store.ZCard(ctx, qKey)
	if err != nil {
		return false, mailerr.Wrap(mailerr.KindBackendUnavailable, "counting offline queue", err)
	}
	if err := h.store.Del(ctx, offlineKey(msgID, agentID)); err != nil {
		return false, mailerr.Wrap(mailerr.KindBackendUnavailable, "deleting offline message", err)
	}
	return after < before, nil
}

// MarkMessageRead records agentID having read msgID in mailboxName,
// updating the read index, the per-message readers set, and (if present)
// the offline queue entry's status (§4.F).
func (h *Handler) MarkMessageRead(ctx context.Context, mailboxName, msgID, agentID string) error {
	rKey := readStatusKey(agentID, mailboxName, msgID)
	if err := h.store.HSet(ctx, rKey, map[string]string{
		"message_id":   msgID,
		"agent_id":     agentID,
		"read_at":      time.Now().UTC().Format(time.RFC3339Nano),
		"mailbox_name": mailboxName,
	}); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "writing read status", err)
	}
	if err := h.store.SAdd(ctx, readIndexKey(agentID), msgID); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "updating read index", err)
	}
	if err := h.store.SAdd(ctx, readersKey(msgID), agentID); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "updating readers index", err)
	}

	oKey := offlineKey(msgID, agentID)
	exists, err := h.store.Exists(ctx, oKey)
	if err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "checking offline message", err)
	}
	if exists {
		if err := h.store.HSet(ctx, oKey, map[string]string{"status": string(models.StatusRead)}); err != nil {
			return mailerr.Wrap(mailerr.KindBackendUnavailable, "updating offline message status", err)
		}
	}
	return nil
}

// IsMessageRead reports whether agentID has read msgID, via the read index
// (mailboxName is accepted for symmetry with MarkMessageRead but the index
// lookup itself is mailbox-independent, matching the original).
func (h *Handler) IsMessageRead(ctx context.Context, mailboxName, msgID, agentID string) (bool, error) {
	ok, err := h.store.SIsMember(ctx, readIndexKey(agentID), msgID)
	if err != nil {
		return false, mailerr.Wrap(mailerr.KindBackendUnavailable, "checking read index", err)
	}
	return ok, nil
}

// GetMessageReaders returns the agents that have read msgID.
func (h *Handler) GetMessageReaders(ctx context.Context, msgID string) ([]string, error) {
	readers, err := h.store.SMembers(ctx, readersKey(msgID))
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "reading readers index", err)
	}
	return readers, nil
}

// GetUnreadCount counts messages in mailboxName unread by agentID.
func (h *Handler) GetUnreadCount(ctx context.Context, mailboxName, agentID string) (int, error) {
	return h.mailbox.GetUnreadCount(ctx, mailboxName, agentID)
}

// GetUnreadMessages returns up to limit unread messages for agentID in
// mailboxName, newest-first (delegated ordering from Mailbox Storage).
func (h *Handler) GetUnreadMessages(ctx context.Context, mailboxName, agentID string, offset, limit int) ([]*models.Message, error) {
	page, err := h.mailbox.GetMessages(ctx, mailboxName, offset, limit*2, nil, true)
	if err != nil {
		return nil, err
	}
	var out []*models.Message
	for _, msg := range page.Messages {
		read, err := h.IsMessageRead(ctx, mailboxName, msg.ID, agentID)
		if err != nil {
			return nil, err
		}
		if !read {
			out = append(out, msg)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// GetMessagesByTimeRange returns messages in mailboxName whose timestamp
// falls within [start, end], up to limit (§4.F).
func (h *Handler) GetMessagesByTimeRange(ctx context.Context, mailboxName string, start, end time.Time, limit int) ([]*models.Message, error) {
	startUnix := start.Unix()
	endUnix := end.Unix()
	filter := &models.MessageFilter{StartTime: &startUnix, EndTime: &endUnix}
	page, err := h.mailbox.GetMessages(ctx, mailboxName, 0, limit*2, filter, true)
	if err != nil {
		return nil, err
	}
	if len(page.Messages) > limit {
		return page.Messages[:limit], nil
	}
	return page.Messages, nil
}

// GetMessagesByIDRange returns messages whose ID falls lexicographically
// within [startID, endID] (inclusive, empty bound means unbounded on that
// side), matching the original's string-comparison semantics over UUIDs.
func (h *Handler) GetMessagesByIDRange(ctx context.Context, mailboxName, startID, endID string, limit int) ([]*models.Message, error) {
	page, err := h.mailbox.GetMessages(ctx, mailboxName, 0, limit*2, nil, true)
	if err != nil {
		return nil, err
	}
	var out []*models.Message
	for _, msg := range page.Messages {
		if startID != "" && msg.ID < startID {
			continue
		}
		if endID != "" && msg.ID > endID {
			continue
		}
		out = append(out, msg)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetMessagesSinceLastRead returns messages in mailboxName timestamped
// between agentID's most recent read_at time and now, or all unread
// messages if none have been read yet (§4.F).
func (h *Handler) GetMessagesSinceLastRead(ctx context.Context, mailboxName, agentID string, limit int) ([]*models.Message, error) {
	readIDs, err := h.store.SMembers(ctx, readIndexKey(agentID))
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "reading read index", err)
	}

	var latest time.Time
	for _, msgID := range readIDs {
		data, err := h.store.HGetAll(ctx, readStatusKey(agentID, mailboxName, msgID))
		if err != nil {
			return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "reading read status", err)
		}
		if data["read_at"] == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, data["read_at"])
		if err != nil {
			continue
		}
		if t.After(latest) {
			latest = t
		}
	}

	if !latest.IsZero() {
		return h.GetMessagesByTimeRange(ctx, mailboxName, latest, time.Now().UTC(), limit)
	}
	return h.GetUnreadMessages(ctx, mailboxName, agentID, 0, limit)
}

// CleanupExpired scans offline queues for entries whose backing hash has
// expired out of the store (TTL<0) and removes the dangling queue entry,
// returning the number cleaned (§4.F, hourly background loop).
func (h *Handler) CleanupExpired(ctx context.Context) (int, error) {
	queueKeys, err := h.store.Keys(ctx, "offline_queue:*")
	if err != nil {
		return 0, mailerr.Wrap(mailerr.KindBackendUnavailable, "scanning offline queues", err)
	}

	cleaned := 0
	for _, qk := range queueKeys {
		agentID := strings.TrimPrefix(qk, "offline_queue:")
		ids, err := h.store.ZRange(ctx, qk, 0, -1)
		if err != nil {
			continue
		}
		for _, id := range ids {
			oKey := offlineKey(id, agentID)
			exists, err := h.store.Exists(ctx, oKey)
			if err != nil {
				continue
			}
			if !exists {
				_ = h.store.ZRem(ctx, qk, id)
				cleaned++
			}
		}
	}
	return cleaned, nil
}

// CleanupOldReadStatus removes read-status records older than the
// configured retention window (default 30 days), along with their index
// entries (§4.F, hourly background loop).
func (h *Handler) CleanupOldReadStatus(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-h.cfg.ReadStatusRetention)
	keys, err := h.store.Keys(ctx, "read_status:*")
	if err != nil {
		return 0, mailerr.Wrap(mailerr.KindBackendUnavailable, "scanning read status", err)
	}

	cleaned := 0
	for _, key := range keys {
		data, err := h.store.HGetAll(ctx, key)
		if err != nil || data["read_at"] == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, data["read_at"])
		if err != nil || !t.Before(cutoff) {
			continue
		}
		parts := strings.SplitN(key, ":", 4)
		if len(parts) < 4 {
			continue
		}
		agentID, msgID := parts[1], parts[3]
		_ = h.store.SRem(ctx, readIndexKey(agentID), msgID)
		_ = h.store.SRem(ctx, readersKey(msgID), agentID)
		_ = h.store.Del(ctx, key)
		cleaned++
	}
	return cleaned, nil
}
