package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"coldreach/models"
)

// CampaignRepository is the campaign persistence surface the lifecycle engine
// depends on.
type CampaignRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Campaign, error)
	GetStatus(ctx context.Context, id uint) (string, error)
	// TransitionStatus performs a conditional status flip: the update only
	// lands when the stored status still equals from. Returns false when
	// another request changed the status first.
	TransitionStatus(ctx context.Context, id uint, from, to string) (bool, error)
	ListByStatus(ctx context.Context, status string) ([]models.Campaign, error)
}

type campaignRepository struct {
	DB *gorm.DB
}

func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &campaignRepository{DB: db}
}

func (r *campaignRepository) GetByID(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := r.DB.WithContext(ctx).
		Preload("Steps").
		Preload("Senders").
		First(&campaign, id).Error
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (r *campaignRepository) GetStatus(ctx context.Context, id uint) (string, error) {
	var status string
	err := r.DB.WithContext(ctx).
		Model(&models.Campaign{}).
		Where("id = ?", id).
		Pluck("status", &status).Error
	return status, err
}

func (r *campaignRepository) TransitionStatus(ctx context.Context, id uint, from, to string) (bool, error) {
	updates := map[string]interface{}{"status": to}
	now := time.Now().UTC()
	switch to {
	case models.CampaignStatusActive:
		updates["started_at"] = &now
	case models.CampaignStatusPaused:
		updates["paused_at"] = &now
	case models.CampaignStatusStopped:
		updates["stopped_at"] = &now
	case models.CampaignStatusCompleted:
		updates["completed_at"] = &now
	}

	res := r.DB.WithContext(ctx).
		Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *campaignRepository) ListByStatus(ctx context.Context, status string) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := r.DB.WithContext(ctx).
		Where("status = ?", status).
		Find(&campaigns).Error
	return campaigns, err
}
