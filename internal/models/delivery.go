package models

import "time"

// DeliveryAttempt records a single attempted delivery of a message to a
// target (§3).
type DeliveryAttempt struct {
	Number    int
	Timestamp time.Time
	Target    string
	Status    DeliveryStatus
	Error     string
	LatencyMS *float64
}

// DeliveryConfirmation tracks a message's per-target delivery attempts and
// terminal status (§3, §4.J).
type DeliveryConfirmation struct {
	MessageID   string
	Target      string
	Status      DeliveryStatus
	Attempts    []DeliveryAttempt
	CreatedAt   time.Time
	UpdatedAt   time.Time
	NextRetryAt *time.Time
}

// NewDeliveryConfirmation creates a PENDING confirmation.
func NewDeliveryConfirmation(messageID, target string) *DeliveryConfirmation {
	now := time.Now().UTC()
	return &DeliveryConfirmation{
		MessageID: messageID,
		Target:    target,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddAttempt appends an attempt and advances the confirmation's status.
func (c *DeliveryConfirmation) AddAttempt(status DeliveryStatus, errMsg string, latencyMS *float64) {
	attempt := DeliveryAttempt{
		Number:    len(c.Attempts) + 1,
		Timestamp: time.Now().UTC(),
		Target:    c.Target,
		Status:    status,
		Error:     errMsg,
		LatencyMS: latencyMS,
	}
	c.Attempts = append(c.Attempts, attempt)
	c.Status = status
	c.UpdatedAt = attempt.Timestamp
}

// RetryCount returns the number of attempts beyond the first.
func (c *DeliveryConfirmation) RetryCount() int {
	count := 0
	for _, a := range c.Attempts {
		if a.Number > 1 {
			count++
		}
	}
	return count
}

// ShouldRetry reports whether a FAILED confirmation is eligible for another
// attempt: below max_attempts and either no retry scheduled yet or its time
// has arrived (§4.J).
func (c *DeliveryConfirmation) ShouldRetry(maxAttempts int) bool {
	if c.Status != StatusFailed {
		return false
	}
	if len(c.Attempts) >= maxAttempts {
		return false
	}
	if c.NextRetryAt == nil {
		return true
	}
	return !time.Now().UTC().Before(*c.NextRetryAt)
}

// OfflineMessage is a message queued for an agent that had no connected
// handler at delivery time (§3, §4.F).
type OfflineMessage struct {
	Message          *Message
	QueuedAt         time.Time
	TargetAgent      string
	MailboxName      string
	Status           DeliveryStatus
	DeliveryAttempts int
	LastAttempt      *time.Time
	ExpiresAt        *time.Time
}

// ReadStatus records that an agent has read a specific message (§3).
type ReadStatus struct {
	MessageID   string
	AgentID     string
	ReadAt      time.Time
	MailboxName string
}
