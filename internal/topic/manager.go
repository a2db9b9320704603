// Package topic implements the Topic Manager (§4.G): hierarchical topic
// lifecycle and subscriber accounting, grounded on the original
// topic_manager.py.
package topic

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/wisbric/mailbox/internal/kv"
	"github.com/wisbric/mailbox/internal/mailerr"
	"github.com/wisbric/mailbox/internal/models"
	"github.com/wisbric/mailbox/internal/subscription"

	"github.com/google/uuid"
)

// Config bounds topic naming and background cleanup cadence (§4.G).
type Config struct {
	MaxNameLength     int
	MaxHierarchyDepth int
	CleanupInterval   time.Duration
}

// DefaultConfig matches the documented defaults (§4.G).
func DefaultConfig() Config {
	return Config{MaxNameLength: 256, MaxHierarchyDepth: 10, CleanupInterval: time.Hour}
}

var topicNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func topicKey(id string) string        { return fmt.Sprintf("topic:%s", id) }
func topicNameKey(name string) string  { return fmt.Sprintf("topic_name:%s", name) }

// Manager owns in-memory topic state, mirroring the subscriber-count
// bookkeeping the original keeps alongside its Redis-backed topic records
// (§4.G).
type Manager struct {
	mu sync.Mutex

	topics       map[string]*models.Topic // name -> topic
	hierarchy    map[string]map[string]struct{} // parent name -> child names
	subscribers  map[string]map[string]struct{} // topic name -> subscription IDs

	store kv.Store
	subs  *subscription.Manager
	cfg   Config
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Manager.
func New(store kv.Store, subs *subscription.Manager, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		topics:      map[string]*models.Topic{},
		hierarchy:   map[string]map[string]struct{}{},
		subscribers: map[string]map[string]struct{}{},
		store:       store,
		subs:        subs,
		cfg:         cfg,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the hourly inactive-topic cleanup loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.cleanupLoop(ctx)
}

// Stop signals the cleanup loop to exit and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func validateName(name string, cfg Config) error {
	if name == "" {
		return mailerr.New(mailerr.KindValidation, "topic name is required")
	}
	if len(name) > cfg.MaxNameLength {
		return mailerr.New(mailerr.KindValidation, fmt.Sprintf("topic name exceeds maximum length (%d)", cfg.MaxNameLength))
	}
	if !topicNamePattern.MatchString(name) {
		return mailerr.New(mailerr.KindValidation, "topic name can only contain alphanumerics, dots, underscores, and hyphens")
	}
	if strings.Count(name, ".") >= cfg.MaxHierarchyDepth {
		return mailerr.New(mailerr.KindValidation, fmt.Sprintf("topic hierarchy depth exceeds maximum (%d)", cfg.MaxHierarchyDepth))
	}
	return nil
}

// CreateTopic creates (or reactivates) a topic named name, auto-creating
// implicit parents for a dotted name (§4.G).
func (m *Manager) CreateTopic(ctx context.Context, name, description string) (*models.Topic, error) {
	if err := validateName(name, m.cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.topics[name]; ok {
		if existing.Active {
			return existing, nil
		}
		existing.Active = true
		existing.UpdatedAt = time.Now().UTC().Unix()
		if err := m.persistLocked(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	t := models.DefaultTopic(uuid.NewString(), name)
	t.Description = description

	m.topics[name] = t
	m.ensureParentTopicsLocked(ctx, t)

	if err := m.persistLocked(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ensureParentTopicsLocked auto-creates implicit parent topics for a
// dotted name (a.b.c materializes a, a.b), mirroring the original's
// _ensure_parent_topics. Must be called with mu held.
func (m *Manager) ensureParentTopicsLocked(ctx context.Context, t *models.Topic) {
	// ParentNames is ordered nearest-parent-first, e.g. "a.b.c" ->
	// ["a.b", "a"]. Walk it root-first so each hierarchy edge is wired
	// parent -> child in creation order.
	parents := t.ParentNames()
	if len(parents) == 0 {
		return
	}
	t.ParentTopic = parents[0]

	for i := len(parents) - 1; i >= 0; i-- {
		parentName := parents[i]
		if _, ok := m.topics[parentName]; !ok {
			parent := models.DefaultTopic(uuid.NewString(), parentName)
			parent.Description = fmt.Sprintf("auto-created parent topic for %s", t.Name)
			parent.AutoCleanup = false
			if i+1 < len(parents) {
				parent.ParentTopic = parents[i+1]
			}
			m.topics[parentName] = parent
			if err := m.persistLocked(ctx, parent); err != nil {
				m.logger.Error("failed to persist auto-created parent topic", "topic", parentName, "error", err)
			}
		}

		childName := t.Name
		if i > 0 {
			childName = parents[i-1]
		}
		if m.hierarchy[parentName] == nil {
			m.hierarchy[parentName] = map[string]struct{}{}
		}
		m.hierarchy[parentName][childName] = struct{}{}
	}
}

func (m *Manager) persistLocked(ctx context.Context, t *models.Topic) error {
	h := encodeTopic(t)
	if err := m.store.HSet(ctx, topicKey(t.ID), h); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "persisting topic", err)
	}
	if err := m.store.Set(ctx, topicNameKey(t.Name), t.ID); err != nil {
		return mailerr.Wrap(mailerr.KindBackendUnavailable, "persisting topic name lookup", err)
	}
	return nil
}

// DeleteTopic removes a topic, refusing (unless force) when it still has
// subscribers, and recursively force-removes its child topics (§4.G).
func (m *Manager) DeleteTopic(ctx context.Context, name string, force bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteTopicLocked(ctx, name, force)
}

func (m *Manager) deleteTopicLocked(ctx context.Context, name string, force bool) (bool, error) {
	t, ok := m.topics[name]
	if !ok {
		return false, nil
	}
	if !force && t.SubscriberCount > 0 {
		return false, mailerr.New(mailerr.KindConflict, fmt.Sprintf("topic %q has %d active subscribers", name, t.SubscriberCount))
	}

	for subID := range m.subscribers[name] {
		m.subs.RemoveSubscription(subID)
	}
	delete(m.subscribers, name)

	if t.ParentTopic != "" {
		delete(m.hierarchy[t.ParentTopic], name)
	}
	children := m.hierarchy[name]
	delete(m.hierarchy, name)
	for child := range children {
		if _, err := m.deleteTopicLocked(ctx, child, true); err != nil {
			m.logger.Error("failed to cascade-delete child topic", "topic", child, "error", err)
		}
	}

	delete(m.topics, name)
	if err := m.store.Del(ctx, topicKey(t.ID), topicNameKey(name)); err != nil {
		return false, mailerr.Wrap(mailerr.KindBackendUnavailable, "deleting topic", err)
	}
	return true, nil
}

// GetTopic returns a topic by name.
func (m *Manager) GetTopic(name string) (*models.Topic, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	return t, ok
}

// ListTopics returns active topics (or all, if includeInactive), sorted by
// name.
func (m *Manager) ListTopics(includeInactive bool) []*models.Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Topic
	for _, t := range m.topics {
		if !includeInactive && !t.Active {
			continue
		}
		out = append(out, t)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Name > out[j].Name; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// SubscribeToTopic subscribes agentID to a topic, delegating to the
// Subscription Manager. When includeChildren is set on a hierarchical
// topic, the resulting subscription's pattern is "name.*" (§4.G).
func (m *Manager) SubscribeToTopic(agentID, name string, options *models.SubscriptionOptions, includeChildren bool) (*models.Subscription, error) {
	m.mu.Lock()
	t, ok := m.topics[name]
	if !ok || !t.Active {
		m.mu.Unlock()
		return nil, mailerr.New(mailerr.KindNotFound, fmt.Sprintf("topic %q does not exist or is inactive", name))
	}
	if t.SubscriberCount >= t.MaxSubscribers {
		m.mu.Unlock()
		return nil, mailerr.New(mailerr.KindConflict, fmt.Sprintf("topic %q has reached maximum subscribers (%d)", name, t.MaxSubscribers))
	}
	m.mu.Unlock()

	pattern := ""
	if includeChildren && t.IsHierarchical() {
		pattern = name + ".*"
	}

	sub, err := m.subs.CreateSubscription(agentID, name, pattern, options)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers[name] == nil {
		m.subscribers[name] = map[string]struct{}{}
	}
	m.subscribers[name][sub.ID] = struct{}{}
	t.SubscriberCount = len(m.subscribers[name])
	t.UpdatedAt = time.Now().UTC().Unix()
	return sub, nil
}

// UnsubscribeFromTopic removes subID, updating the owning topic's
// subscriber count.
func (m *Manager) UnsubscribeFromTopic(subID string) bool {
	sub, ok := m.subs.GetSubscription(subID)
	if !ok {
		return false
	}
	topicName := sub.Target

	if !m.subs.RemoveSubscription(subID) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers[topicName], subID)
	if t, ok := m.topics[topicName]; ok {
		t.SubscriberCount = len(m.subscribers[topicName])
		t.UpdatedAt = time.Now().UTC().Unix()
	}
	return true
}

// PublishToTopic routes msg through the Subscription Manager to name's
// subscribers, returning how many were reached (§4.G).
func (m *Manager) PublishToTopic(ctx context.Context, name string, msg *models.Message) (int, error) {
	m.mu.Lock()
	t, ok := m.topics[name]
	if !ok || !t.Active {
		m.mu.Unlock()
		return 0, mailerr.New(mailerr.KindNotFound, fmt.Sprintf("topic %q does not exist or is inactive", name))
	}
	m.mu.Unlock()

	msg.RoutingInfo.AddressingMode = models.AddressingTopic
	msg.RoutingInfo.Target = name

	results := m.subs.DeliverMessage(ctx, msg, name)

	reached := 0
	for _, r := range results {
		if r.Success {
			reached++
		}
	}

	m.mu.Lock()
	t.MessageCount++
	t.UpdatedAt = time.Now().UTC().Unix()
	m.mu.Unlock()

	return reached, nil
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupInactiveTopics(ctx)
		}
	}
}

// cleanupInactiveTopics deletes auto_cleanup topics idle past
// cleanup_after_hours, re-checking subscriber_count==0 immediately before
// deletion under the topic lock to avoid a race against a concurrent
// subscribe (§4.G).
func (m *Manager) cleanupInactiveTopics(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.Lock()
	var candidates []string
	for name, t := range m.topics {
		if !t.AutoCleanup || !t.Active {
			continue
		}
		idleFor := now.Sub(time.Unix(t.UpdatedAt, 0))
		if idleFor.Hours() > float64(t.CleanupAfterHours) && t.SubscriberCount == 0 {
			candidates = append(candidates, name)
		}
	}
	m.mu.Unlock()

	for _, name := range candidates {
		m.mu.Lock()
		t, ok := m.topics[name]
		if !ok || t.SubscriberCount != 0 {
			m.mu.Unlock()
			continue
		}
		_, err := m.deleteTopicLocked(ctx, name, true)
		m.mu.Unlock()
		if err != nil {
			m.logger.Error("failed to auto-cleanup inactive topic", "topic", name, "error", err)
			continue
		}
		m.logger.Info("auto-cleaned up inactive topic", "topic", name)
	}
}

func encodeTopic(t *models.Topic) map[string]string {
	return map[string]string{
		"id":                    t.ID,
		"name":                  t.Name,
		"description":           t.Description,
		"parent_topic":          t.ParentTopic,
		"created_at":            fmt.Sprintf("%d", t.CreatedAt),
		"updated_at":            fmt.Sprintf("%d", t.UpdatedAt),
		"active":                fmt.Sprintf("%t", t.Active),
		"auto_cleanup":          fmt.Sprintf("%t", t.AutoCleanup),
		"cleanup_after_hours":   fmt.Sprintf("%d", t.CleanupAfterHours),
		"max_subscribers":       fmt.Sprintf("%d", t.MaxSubscribers),
		"message_retention_hrs": fmt.Sprintf("%d", t.MessageRetentionHrs),
		"subscriber_count":      fmt.Sprintf("%d", t.SubscriberCount),
		"message_count":         fmt.Sprintf("%d", t.MessageCount),
	}
}
