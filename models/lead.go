package models

import (
	"time"

	"gorm.io/gorm"
)

// LeadList represents a list of leads/contacts. Lists and their contents are
// owned by the import subsystem; the scheduling core only reads them.
type LeadList struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"` // manual, csv, api

	// Statistics
	LeadCount    int `gorm:"default:0" json:"lead_count"`
	ActiveCount  int `gorm:"default:0" json:"active_count"`
	BouncedCount int `gorm:"default:0" json:"bounced_count"`

	// Relations
	Leads []Lead `gorm:"foreignKey:LeadListID" json:"leads,omitempty"`
}

// Lead represents a single contact
type Lead struct {
	gorm.Model
	LeadListID     uint `gorm:"not null;index" json:"lead_list_id"`
	OrganizationID uint `gorm:"index" json:"organization_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	JobTitle  string `json:"job_title"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`

	// Status flags; any of the negative flags removes the lead from scheduling
	IsVerified     bool `gorm:"default:false" json:"is_verified"`
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	LastContact *time.Time `json:"last_contact"`
}

// FullName joins first and last name, tolerating either being empty.
func (l *Lead) FullName() string {
	switch {
	case l.FirstName == "":
		return l.LastName
	case l.LastName == "":
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}
