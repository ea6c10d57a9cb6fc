package models

import (
	"time"

	"gorm.io/gorm"
)

// ScheduledMessage statuses. A sent row is immutable: no write path in this
// codebase may update or delete it.
const (
	MessageStatusScheduled = "scheduled"
	MessageStatusSending   = "sending"
	MessageStatusSent      = "sent"
	MessageStatusFailed    = "failed"
	MessageStatusBounced   = "bounced"
	MessageStatusSkipped   = "skipped"
)

// ScheduledMessage is one planned (or dispatched) email: a (campaign, lead,
// sequence step) triple with its assigned sender, send instant and rendered
// content. The unique index backs idempotent upserts so a retried batch never
// duplicates rows.
type ScheduledMessage struct {
	gorm.Model
	CampaignID   uint `gorm:"not null;uniqueIndex:idx_campaign_lead_step;index" json:"campaign_id"`
	LeadID       uint `gorm:"not null;uniqueIndex:idx_campaign_lead_step" json:"lead_id"`
	SequenceStep int  `gorm:"not null;uniqueIndex:idx_campaign_lead_step" json:"sequence_step"`
	SenderID     uint `gorm:"not null;index" json:"sender_id"`

	SendAt time.Time `gorm:"not null;index" json:"send_at"`
	Status string    `gorm:"default:'scheduled';index" json:"status"`

	// Rendered content, personalized per lead at plan time
	Subject       string `gorm:"not null" json:"subject"`
	Body          string `gorm:"type:text" json:"body"`
	TrackingToken string `gorm:"index" json:"tracking_token"`

	SentAt    *time.Time `json:"sent_at"`
	MessageID string     `json:"message_id"` // provider message id, set on dispatch
	LastError *string    `json:"last_error"`
}

// NonTerminal reports whether the row still represents work to do.
func (m *ScheduledMessage) NonTerminal() bool {
	return m.Status == MessageStatusScheduled || m.Status == MessageStatusSending
}

// Pending reports whether a reconciliation may overwrite the row.
func (m *ScheduledMessage) Pending() bool {
	switch m.Status {
	case MessageStatusScheduled, MessageStatusFailed, MessageStatusSkipped:
		return true
	}
	return false
}
