package models

import "time"

// Mailbox is the durable record for a named direct-delivery destination (§3).
type Mailbox struct {
	Name            string
	CreatedAt       time.Time
	CreatedBy       string
	State           MailboxState
	Description     string
	MaxMessages     int
	MessageTTL      *int // seconds, nil means no expiry
	LastActivity    *time.Time
	MessageCount    int64
	TotalSizeBytes  int64
	Subscribers     []string
	Tags            []string
	CustomMetadata  map[string]any
}

// NewMailbox creates a Mailbox record with the documented default
// max_messages (10000) and ACTIVE state, auto-created on first direct send
// to an unknown name (§3, §4.E).
func NewMailbox(name, createdBy string) *Mailbox {
	return &Mailbox{
		Name:           name,
		CreatedAt:      time.Now().UTC(),
		CreatedBy:      createdBy,
		State:          MailboxActive,
		MaxMessages:    10000,
		CustomMetadata: map[string]any{},
	}
}
