package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender statuses
const (
	SenderStatusActive   = "active"
	SenderStatusPaused   = "paused"
	SenderStatusDisabled = "disabled"
)

// Usage bucket kinds
const (
	UsagePeriodDay  = "day"
	UsagePeriodHour = "hour"
)

// Sender represents an onboarded sending account (SMTP/OAuth/relay). The
// connection credentials live with the onboarding subsystem; the scheduling
// core only cares about identity, limits and health.
type Sender struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`

	Name         string `gorm:"not null" json:"name"`
	FromEmail    string `gorm:"not null" json:"from_email"`
	FromName     string `json:"from_name"`
	ProviderType string `json:"provider_type"` // smtp, gmail, outlook, relay

	Status string `gorm:"default:'active';index" json:"status"`

	// Pacing limits and rotation knobs
	DailyLimit       int `gorm:"default:500" json:"daily_limit"`
	HourlyLimit      int `gorm:"default:50" json:"hourly_limit"`
	RotationPriority int `gorm:"default:0" json:"rotation_priority"`
	RotationWeight   int `gorm:"default:1" json:"rotation_weight"`

	// Deliverability standing, 0-100. Updated by the external health checker.
	HealthScore int `gorm:"default:100" json:"health_score"`

	// Rotation bookkeeping
	LastAssignedAt *time.Time `json:"last_assigned_at"`
	TotalSent      int        `gorm:"default:0" json:"total_sent"`
	LastError      *string    `json:"last_error"`
}

// SenderUsage is one consumption counter bucket for a sender: one row per
// (sender, period, bucket key). Rollover happens naturally because a new
// day/hour yields a new bucket key; nothing ever resets counters in place.
type SenderUsage struct {
	gorm.Model
	SenderID  uint   `gorm:"not null;uniqueIndex:idx_sender_usage_bucket" json:"sender_id"`
	Period    string `gorm:"not null;uniqueIndex:idx_sender_usage_bucket" json:"period"`
	Bucket    string `gorm:"not null;uniqueIndex:idx_sender_usage_bucket" json:"bucket"`
	SentCount int    `gorm:"default:0" json:"sent_count"`
}

// DayBucket formats t in loc as a daily usage bucket key.
func DayBucket(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// HourBucket formats t in loc as an hourly usage bucket key.
func HourBucket(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02T15")
}
