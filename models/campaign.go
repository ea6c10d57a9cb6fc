package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign statuses. Stopped and completed are terminal.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusStopped   = "stopped"
	CampaignStatusCompleted = "completed"
)

// Campaign represents a cold-email outreach campaign
type Campaign struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	Status      string     `gorm:"default:'draft';index" json:"status"`
	StartedAt   *time.Time `json:"started_at"`
	PausedAt    *time.Time `json:"paused_at"`
	StoppedAt   *time.Time `json:"stopped_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Sending configuration (validated before any scheduling runs)
	Sending SendingConfig `gorm:"embedded" json:"sending"`

	// Relations
	Steps   []SequenceStep   `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
	Senders []CampaignSender `gorm:"foreignKey:CampaignID" json:"senders,omitempty"`
}

// SendingConfig holds the timing and pacing rules for a campaign. Every field
// is explicit and typed; validation rejects bad values up front instead of
// letting the scheduler discover them mid-plan.
type SendingConfig struct {
	LeadListID uint `gorm:"not null;index" json:"lead_list_id" validate:"required"`

	EmailsPerDay           int `gorm:"default:100" json:"emails_per_day" validate:"required,min=1"`
	EmailsPerHour          int `gorm:"default:20" json:"emails_per_hour" validate:"required,min=1"`
	SendingIntervalMinutes int `gorm:"default:15" json:"sending_interval_minutes" validate:"required,min=1"`
	JitterMinutes          int `gorm:"default:0" json:"jitter_minutes" validate:"min=0"`

	// Local-time sending window, e.g. 9..17. End is exclusive.
	SendingHourStart int `gorm:"default:9" json:"sending_hour_start" validate:"min=0,max=23"`
	SendingHourEnd   int `gorm:"default:17" json:"sending_hour_end" validate:"min=1,max=24"`

	// Weekdays eligible for sending, time.Weekday numbering (0 = Sunday).
	ActiveDays []int `gorm:"type:jsonb;serializer:json" json:"active_days" validate:"required,min=1,dive,min=0,max=6"`

	// IANA zone name, e.g. "America/New_York".
	Timezone string `gorm:"default:'UTC'" json:"timezone" validate:"required,timezone"`
}

// SendingAt reports whether t (converted to the campaign zone) falls inside
// the sending window on an active day.
func (c SendingConfig) SendingAt(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	if local.Hour() < c.SendingHourStart || local.Hour() >= c.SendingHourEnd {
		return false
	}
	return c.DayActive(local.Weekday())
}

// DayActive reports whether the weekday is enabled for sending.
func (c SendingConfig) DayActive(day time.Weekday) bool {
	for _, d := range c.ActiveDays {
		if time.Weekday(d) == day {
			return true
		}
	}
	return false
}

// SequenceStep is one message in a campaign's email sequence. StepNumber 0 is
// the initial email; later steps are follow-ups sent DelayDays after their
// predecessor.
type SequenceStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	StepNumber        int    `gorm:"not null" json:"step_number"`
	Subject           string `gorm:"not null" json:"subject"`
	Body              string `gorm:"type:text" json:"body"`
	DelayDays         int    `gorm:"default:0" json:"delay_days"`
	ReplyToSameThread bool   `gorm:"default:true" json:"reply_to_same_thread"`
}

// CampaignSender joins campaigns to the sending accounts they rotate over
type CampaignSender struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	SenderID   uint `gorm:"not null;index" json:"sender_id"`
}

// Terminal reports whether the campaign can never become active again.
// Stopped campaigns are not terminal: a later start revives their schedule
// through reconciliation.
func (c *Campaign) Terminal() bool {
	return c.Status == CampaignStatusCompleted
}

// SenderIDs flattens the join rows into the configured account id list.
func (c *Campaign) SenderIDs() []uint {
	ids := make([]uint, 0, len(c.Senders))
	for _, cs := range c.Senders {
		ids = append(ids, cs.SenderID)
	}
	return ids
}

// OrderedSteps returns the sequence sorted by step number. Campaigns are
// created with contiguous step numbers starting at 0, but the order of the
// preloaded rows is not guaranteed.
func (c *Campaign) OrderedSteps() []SequenceStep {
	steps := make([]SequenceStep, len(c.Steps))
	copy(steps, c.Steps)
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j].StepNumber < steps[j-1].StepNumber; j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
	return steps
}

// StepAfter returns the step following stepNumber, or nil when the sequence
// ends there.
func (c *Campaign) StepAfter(stepNumber int) *SequenceStep {
	for i := range c.Steps {
		if c.Steps[i].StepNumber == stepNumber+1 {
			return &c.Steps[i]
		}
	}
	return nil
}
