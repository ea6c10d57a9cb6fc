package repository

import (
	"context"

	"gorm.io/gorm"

	"coldreach/models"
)

// LeadRepository reads contactable leads for scheduling. Leads are owned by
// the import subsystem; the engine never writes them.
type LeadRepository interface {
	FetchActiveLeads(ctx context.Context, leadListID uint, excludeLeadIDs []uint) ([]models.Lead, error)
	GetByID(ctx context.Context, id uint) (*models.Lead, error)
}

type leadRepository struct {
	DB *gorm.DB
}

func NewLeadRepository(db *gorm.DB) LeadRepository {
	return &leadRepository{DB: db}
}

func (r *leadRepository) FetchActiveLeads(ctx context.Context, leadListID uint, excludeLeadIDs []uint) ([]models.Lead, error) {
	q := r.DB.WithContext(ctx).
		Where("lead_list_id = ?", leadListID).
		Where("is_bounced = ? AND is_unsubscribed = ? AND is_do_not_contact = ?", false, false, false)
	if len(excludeLeadIDs) > 0 {
		q = q.Where("id NOT IN ?", excludeLeadIDs)
	}

	var leads []models.Lead
	// Stable input order matters: the planner's output must be reproducible
	// across runs for reconciliation to converge.
	if err := q.Order("id ASC").Find(&leads).Error; err != nil {
		return nil, err
	}
	return leads, nil
}

func (r *leadRepository) GetByID(ctx context.Context, id uint) (*models.Lead, error) {
	var lead models.Lead
	if err := r.DB.WithContext(ctx).First(&lead, id).Error; err != nil {
		return nil, err
	}
	return &lead, nil
}
