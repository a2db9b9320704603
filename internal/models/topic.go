package models

import (
	"strings"
	"time"
)

// Topic is a named publish/subscribe channel, optionally hierarchical via
// dot-separated segments (§3).
type Topic struct {
	ID                   string
	Name                 string
	Description          string
	ParentTopic          string // name of the immediate parent, empty if root
	CreatedAt            int64  // unix seconds
	UpdatedAt            int64
	Active               bool
	AutoCleanup          bool
	CleanupAfterHours    int
	MaxSubscribers       int
	MessageRetentionHrs  int
	Metadata             map[string]any
	Permissions          map[string]any
	SubscriberCount      int
	MessageCount         int64
}

// DefaultTopic returns a Topic with the documented defaults (§3).
func DefaultTopic(id, name string) *Topic {
	now := time.Now().UTC().Unix()
	return &Topic{
		ID:                  id,
		Name:                name,
		CreatedAt:           now,
		UpdatedAt:           now,
		Active:              true,
		AutoCleanup:         true,
		CleanupAfterHours:   24,
		MaxSubscribers:      1000,
		MessageRetentionHrs: 168,
		Metadata:            map[string]any{},
		Permissions:         map[string]any{},
	}
}

// IsHierarchical reports whether the topic's name contains a dotted
// hierarchy segment or it has an explicit parent.
func (t *Topic) IsHierarchical() bool {
	return strings.Contains(t.Name, ".") || t.ParentTopic != ""
}

// ParentNames returns every ancestor name implied by dotted segments, from
// the immediate parent up to the root, e.g. "a.b.c" -> ["a.b", "a"].
// Supplements §4.G's implicit-parent auto-creation with introspection.
func (t *Topic) ParentNames() []string {
	parts := strings.Split(t.Name, ".")
	if len(parts) <= 1 {
		return nil
	}
	var parents []string
	for i := len(parts) - 1; i > 0; i-- {
		parents = append(parents, strings.Join(parts[:i], "."))
	}
	return parents
}

// IsChildOf reports whether t is a direct or transitive dotted-segment
// descendant of candidateParent.
func (t *Topic) IsChildOf(candidateParent string) bool {
	prefix := candidateParent + "."
	return strings.HasPrefix(t.Name, prefix)
}

// HierarchyDepth returns the number of dot-separated segments in the name.
func (t *Topic) HierarchyDepth() int {
	return strings.Count(t.Name, ".") + 1
}
