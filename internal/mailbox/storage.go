// Package mailbox implements Mailbox Storage (§4.E): mailbox metadata,
// message persistence, pagination, filters, and read-state, grounded on
// the original mailbox_storage.py and message_router.py's
// _store_message_in_mailbox helper.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/wisbric/mailbox/internal/kv"
	"github.com/wisbric/mailbox/internal/mailerr"
	"github.com/wisbric/mailbox/internal/models"
)

const mailboxIndexKey = "mailbox_index"

func metadataKey(name string) string     { return fmt.Sprintf("mailbox:%s:metadata", name) }
func messagesKey(name string) string     { return fmt.Sprintf("mailbox:%s:messages", name) }
func messageDataKey(name string) string  { return fmt.Sprintf("mailbox:%s:message_data", name) }
func readStatusKey(name string) string   { return fmt.Sprintf("mailbox:%s:read_status", name) }

func readStatusField(msgID, agentID string) string { return msgID + ":" + agentID }

// Storage implements the Mailbox Storage component over a kv.Store.
type Storage struct {
	store       kv.Store
	maxMessages int
}

// New creates a Storage backed by store, with maxMessages as the default
// per-mailbox trim threshold when a mailbox's own config doesn't override it.
func New(store kv.Store, maxMessages int) *Storage {
	return &Storage{store: store, maxMessages: maxMessages}
}

// CreateMailbox creates a new mailbox record, failing with Conflict if one
// already exists.
func (s *Storage) CreateMailbox(ctx context.Context, name, creator string) (*models.Mailbox, error) {
	exists, err := s.store.Exists(ctx, metadataKey(name))
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "checking mailbox existence", err)
	}
	if exists {
		return nil, mailerr.New(mailerr.KindConflict, fmt.Sprintf("mailbox %q already exists", name))
	}
	mb := models.NewMailbox(name, creator)
	if s.maxMessages > 0 {
		mb.MaxMessages = s.maxMessages
	}
	if err := s.writeMetadata(ctx, mb); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, mailboxIndexKey, name); err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "indexing mailbox", err)
	}
	return mb, nil
}

// ensureMailbox auto-creates a mailbox (creator = sender) if it doesn't
// exist yet, per §3's auto-creation rule.
func (s *Storage) ensureMailbox(ctx context.Context, name, sender string) (*models.Mailbox, error) {
	mb, err := s.GetMailbox(ctx, name)
	if err == nil {
		return mb, nil
	}
	if !mailerr.Is(err, mailerr.KindNotFound) {
		return nil, err
	}
	return s.CreateMailbox(ctx, name, sender)
}

// GetMailbox fetches a mailbox's metadata record.
func (s *Storage) GetMailbox(ctx context.Context, name string) (*models.Mailbox, error) {
	h, err := s.store.HGetAll(ctx, metadataKey(name))
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "reading mailbox metadata", err)
	}
	if len(h) == 0 {
		return nil, mailerr.New(mailerr.KindNotFound, fmt.Sprintf("mailbox %q not found", name))
	}
	return decodeMailbox(h)
}

func (s *Storage) writeMetadata(ctx context.Context, mb *models.Mailbox) error {
	h, err := encodeMailbox(mb)
	if err != nil {
		return mailerr.Wrap(mailerr.KindValidation, "encoding mailbox metadata", err)
	}
	if err := s.store.HSet(ctx, metadataKey(mb.Name), h); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "writing mailbox metadata", err)
	}
	return nil
}

func encodeMailbox(mb *models.Mailbox) (map[string]string, error) {
	tags, err := json.Marshal(mb.Tags)
	if err != nil {
		return nil, err
	}
	subs, err := json.Marshal(mb.Subscribers)
	if err != nil {
		return nil, err
	}
	custom, err := json.Marshal(mb.CustomMetadata)
	if err != nil {
		return nil, err
	}
	lastActivity := ""
	if mb.LastActivity != nil {
		lastActivity = mb.LastActivity.UTC().Format(time.RFC3339Nano)
	}
	ttl := ""
	if mb.MessageTTL != nil {
		ttl = strconv.Itoa(*mb.MessageTTL)
	}
	return map[string]string{
		"name":             mb.Name,
		"created_at":       mb.CreatedAt.UTC().Format(time.RFC3339Nano),
		"created_by":       mb.CreatedBy,
		"state":            string(mb.State),
		"description":      mb.Description,
		"max_messages":     strconv.Itoa(mb.MaxMessages),
		"message_ttl":      ttl,
		"last_activity":    lastActivity,
		"message_count":    strconv.FormatInt(mb.MessageCount, 10),
		"total_size_bytes": strconv.FormatInt(mb.TotalSizeBytes, 10),
		"tags":             string(tags),
		"subscribers":      string(subs),
		"custom_metadata":  string(custom),
	}, nil
}

func decodeMailbox(h map[string]string) (*models.Mailbox, error) {
	mb := &models.Mailbox{
		Name:        h["name"],
		CreatedBy:   h["created_by"],
		State:       models.MailboxState(h["state"]),
		Description: h["description"],
	}
	if t, err := time.Parse(time.RFC3339Nano, h["created_at"]); err == nil {
		mb.CreatedAt = t
	}
	if n, err := strconv.Atoi(h["max_messages"]); err == nil {
		mb.MaxMessages = n
	}
	if h["message_ttl"] != "" {
		if n, err := strconv.Atoi(h["message_ttl"]); err == nil {
			mb.MessageTTL = &n
		}
	}
	if h["last_activity"] != "" {
		if t, err := time.Parse(time.RFC3339Nano, h["last_activity"]); err == nil {
			mb.LastActivity = &t
		}
	}
	if n, err := strconv.ParseInt(h["message_count"], 10, 64); err == nil {
		mb.MessageCount = n
	}
	if n, err := strconv.ParseInt(h["total_size_bytes"], 10, 64); err == nil {
		mb.TotalSizeBytes = n
	}
	_ = json.Unmarshal([]byte(h["tags"]), &mb.Tags)
	_ = json.Unmarshal([]byte(h["subscribers"]), &mb.Subscribers)
	_ = json.Unmarshal([]byte(h["custom_metadata"]), &mb.CustomMetadata)
	return mb, nil
}

// StoreMessage persists msg into mailbox, auto-creating the mailbox if
// absent. If the resulting count exceeds the mailbox's max_messages, the
// oldest entries are trimmed (§4.E, §8 invariant 7: count <= max_messages).
func (s *Storage) StoreMessage(ctx context.Context, mailboxName string, msg *models.Message) error {
	mb, err := s.ensureMailbox(ctx, mailboxName, msg.SenderID)
	if err != nil {
		return err
	}

	wire, err := msg.ToWireJSON()
	if err != nil {
		return mailerr.Wrap(mailerr.KindValidation, "serializing message", err)
	}

	if err := s.store.HSet(ctx, messageDataKey(mailboxName), map[string]string{msg.ID: string(wire)}); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "storing message body", err)
	}
	if err := s.store.ZAdd(ctx, messagesKey(mailboxName), kv.ZMember{Score: float64(msg.Timestamp.UnixNano()) / 1e9, Member: msg.ID}); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "indexing message", err)
	}

	if msg.RoutingInfo.TTLSeconds != nil {
		// Per-message TTL is applied to the message body field's containing
		// hash; since Redis hash fields share one TTL, mailboxes mixing
		// TTL'd and permanent messages should use per-agent offline queues
		// (§4.F) instead for true per-message expiry at this layer.
		_ = s.store.Expire(ctx, messageDataKey(mailboxName), time.Duration(*msg.RoutingInfo.TTLSeconds)*time.Second)
	}

	count, err := s.store.ZCard(ctx, messagesKey(mailboxName))
	if err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "counting messages", err)
	}

	maxMessages := mb.MaxMessages
	if maxMessages <= 0 {
		maxMessages = s.maxMessages
	}
	if maxMessages > 0 && count > int64(maxMessages) {
		overflow := count - int64(maxMessages)
		oldest, err := s.store.ZRange(ctx, messagesKey(mailboxName), 0, overflow-1)
		if err == nil && len(oldest) > 0 {
			_ = s.store.ZRem(ctx, messagesKey(mailboxName), oldest...)
			_ = s.store.HDel(ctx, messageDataKey(mailboxName), oldest...)
		}
	}

	now := time.Now().UTC()
	mb.LastActivity = &now
	newCount, err := s.store.ZCard(ctx, messagesKey(mailboxName))
	if err == nil {
		mb.MessageCount = newCount
	}
	return s.writeMetadata(ctx, mb)
}

// GetMessage fetches one message body from a mailbox by id.
func (s *Storage) GetMessage(ctx context.Context, mailboxName, msgID string) (*models.Message, error) {
	raw, err := s.store.HGet(ctx, messageDataKey(mailboxName), msgID)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "reading message", err)
	}
	if raw == "" {
		return nil, mailerr.New(mailerr.KindNotFound, fmt.Sprintf("message %s not found in mailbox %q", msgID, mailboxName))
	}
	return models.FromWireJSON([]byte(raw))
}

// DeleteMessage removes a message from the mailbox's order and body store.
func (s *Storage) DeleteMessage(ctx context.Context, mailboxName, msgID string) error {
	if err := s.store.ZRem(ctx, messagesKey(mailboxName), msgID); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "removing message from order", err)
	}
	if err := s.store.HDel(ctx, messageDataKey(mailboxName), msgID); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "removing message body", err)
	}
	return nil
}

// Page is one paginated result from GetMessages.
type Page struct {
	Messages   []*models.Message
	TotalCount int64
	HasMore    bool
}

// GetMessages paginates a mailbox's message order, hydrates bodies, and
// applies filter (§4.E). reverse=true (the documented default) yields
// newest-first order.
func (s *Storage) GetMessages(ctx context.Context, mailboxName string, offset, limit int, filter *models.MessageFilter, reverse bool) (*Page, error) {
	total, err := s.store.ZCard(ctx, messagesKey(mailboxName))
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "counting messages", err)
	}

	start := int64(offset)
	stop := start + int64(limit) - 1

	var ids []string
	if reverse {
		ids, err = s.store.ZRevRange(ctx, messagesKey(mailboxName), start, stop)
	} else {
		ids, err = s.store.ZRange(ctx, messagesKey(mailboxName), start, stop)
	}
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "ranging messages", err)
	}

	mb, _ := s.GetMailbox(ctx, mailboxName)
	var tags []string
	if mb != nil {
		tags = mb.Tags
	}

	var out []*models.Message
	for _, id := range ids {
		msg, err := s.GetMessage(ctx, mailboxName, id)
		if err != nil {
			continue // orphaned index entry; skip rather than fail the page
		}
		if filter != nil && !filter.Matches(msg, tags) {
			continue
		}
		out = append(out, msg)
	}

	return &Page{
		Messages:   out,
		TotalCount: total,
		HasMore:    int64(offset+limit) < total,
	}, nil
}

// MarkMessageRead records that agentID has read msgID in mailboxName. The
// operation is idempotent (§8).
func (s *Storage) MarkMessageRead(ctx context.Context, mailboxName, msgID, agentID string) error {
	return s.store.HSet(ctx, readStatusKey(mailboxName), map[string]string{
		readStatusField(msgID, agentID): time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// IsMessageRead reports whether agentID has read msgID in mailboxName.
func (s *Storage) IsMessageRead(ctx context.Context, mailboxName, msgID, agentID string) (bool, error) {
	v, err := s.store.HGet(ctx, readStatusKey(mailboxName), readStatusField(msgID, agentID))
	if err != nil {
		return false, mailerr.Wrap(mailerr.KindBackendUnavailable, "reading read-status", err)
	}
	return v != "", nil
}

// GetUnreadCount counts messages in mailboxName not yet marked read by
// agentID, by scanning the ordered set and checking read markers.
func (s *Storage) GetUnreadCount(ctx context.Context, mailboxName, agentID string) (int, error) {
	ids, err := s.store.ZRange(ctx, messagesKey(mailboxName), 0, -1)
	if err != nil {
		return 0, mailerr.Wrap(mailerr.KindBackendUnavailable, "ranging messages", err)
	}
	unread := 0
	for _, id := range ids {
		read, err := s.IsMessageRead(ctx, mailboxName, id, agentID)
		if err != nil {
			return 0, err
		}
		if !read {
			unread++
		}
	}
	return unread, nil
}

// ActiveMailboxNames returns every mailbox name in the maintained index,
// the recommended replacement (§9 Design Notes) for a pattern scan over
// mailbox:*:metadata keys.
func (s *Storage) ActiveMailboxNames(ctx context.Context) ([]string, error) {
	names, err := s.store.SMembers(ctx, mailboxIndexKey)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindBackendUnavailable, "reading mailbox index", err)
	}
	return names, nil
}
