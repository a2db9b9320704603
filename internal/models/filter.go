package models

import "strings"

// MessageFilter is the unified filter schema resolving the two parallel
// filter shapes found in the source (a storage-level one and a
// subscription-level one): the union of fields across both, with unknown
// fields rejected by callers that decode user input (§3/§4.E, Design Notes).
type MessageFilter struct {
	SenderID     *string       `json:"sender_id,omitempty"`
	ContentTypes []ContentType `json:"content_types,omitempty"`
	ContentType  *ContentType  `json:"content_type,omitempty"`
	MinPriority  *Priority     `json:"min_priority,omitempty"`
	Priority     *Priority     `json:"priority,omitempty"`
	Keyword      *string       `json:"keyword,omitempty"`
	StartTime    *int64        `json:"start_time,omitempty"` // unix seconds
	EndTime      *int64        `json:"end_time,omitempty"`   // unix seconds
	Tags         []string      `json:"tags,omitempty"`
}

// Matches reports whether msg satisfies every configured predicate in f.
// All configured fields are ANDed together; tag matching requires all tags
// present (§4.E).
func (f *MessageFilter) Matches(msg *Message, tags []string) bool {
	if f == nil {
		return true
	}
	if f.SenderID != nil && msg.SenderID != *f.SenderID {
		return false
	}
	if f.ContentType != nil && msg.ContentType != *f.ContentType {
		return false
	}
	if len(f.ContentTypes) > 0 {
		found := false
		for _, ct := range f.ContentTypes {
			if ct == msg.ContentType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Priority != nil && msg.RoutingInfo.Priority != *f.Priority {
		return false
	}
	if f.MinPriority != nil && msg.RoutingInfo.Priority < *f.MinPriority {
		return false
	}
	if f.StartTime != nil && msg.Timestamp.Unix() < *f.StartTime {
		return false
	}
	if f.EndTime != nil && msg.Timestamp.Unix() > *f.EndTime {
		return false
	}
	if f.Keyword != nil && *f.Keyword != "" {
		preview := msg.ContentPreview(len(msg.ContentPreview(1 << 20)))
		if !strings.Contains(strings.ToLower(preview), strings.ToLower(*f.Keyword)) {
			return false
		}
	}
	if len(f.Tags) > 0 {
		for _, want := range f.Tags {
			found := false
			for _, have := range tags {
				if have == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}
