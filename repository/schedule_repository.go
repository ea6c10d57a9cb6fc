package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coldreach/models"
)

// ScheduleRepository persists planned messages. BulkUpsert is keyed by
// (campaign_id, lead_id, sequence_step) so retried batches are idempotent,
// and its conflict clause refuses to touch rows that already reached sent.
type ScheduleRepository interface {
	FindByCampaign(ctx context.Context, campaignID uint) ([]models.ScheduledMessage, error)
	FindOpenBySenders(ctx context.Context, senderIDs []uint) ([]models.ScheduledMessage, error)
	BulkUpsert(ctx context.Context, rows []models.ScheduledMessage) error
	BulkTransitionStatus(ctx context.Context, campaignID uint, from, to string) (int64, error)
	// BulkMarkSkipped supersedes still-scheduled rows by id; rows in any
	// other status are left alone.
	BulkMarkSkipped(ctx context.Context, ids []uint) (int64, error)
	CountNonTerminal(ctx context.Context, campaignID uint) (int64, error)
	CountRecentSkips(ctx context.Context, campaignID uint, since time.Time) (int64, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error)
	ClaimSending(ctx context.Context, id uint) (bool, error)
	// RequeueStaleSending returns rows stuck in sending since before back to
	// scheduled. Crash recovery: a claim whose dispatcher died would
	// otherwise block its campaign forever.
	RequeueStaleSending(ctx context.Context, before time.Time) (int64, error)
	MarkSent(ctx context.Context, id uint, at time.Time, messageID string) error
	MarkFailed(ctx context.Context, id uint, sendErr string) error
}

type scheduleRepository struct {
	DB *gorm.DB
}

func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &scheduleRepository{DB: db}
}

func (r *scheduleRepository) FindByCampaign(ctx context.Context, campaignID uint) ([]models.ScheduledMessage, error) {
	var rows []models.ScheduledMessage
	err := r.DB.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *scheduleRepository) FindOpenBySenders(ctx context.Context, senderIDs []uint) ([]models.ScheduledMessage, error) {
	if len(senderIDs) == 0 {
		return nil, nil
	}
	var rows []models.ScheduledMessage
	err := r.DB.WithContext(ctx).
		Where("sender_id IN ?", senderIDs).
		Where("status IN ?", []string{models.MessageStatusScheduled, models.MessageStatusSending}).
		Find(&rows).Error
	return rows, err
}

func (r *scheduleRepository) BulkUpsert(ctx context.Context, rows []models.ScheduledMessage) error {
	if len(rows) == 0 {
		return nil
	}
	// Sent rows are immutable; the conflict clause enforces that at the
	// store even if a caller slips one through.
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "campaign_id"}, {Name: "lead_id"}, {Name: "sequence_step"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"sender_id", "send_at", "status", "subject", "body", "last_error", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{
				Column: clause.Column{Table: "scheduled_messages", Name: "status"},
				Value:  models.MessageStatusSent,
			},
		}},
	}).Create(&rows).Error
}

func (r *scheduleRepository) BulkTransitionStatus(ctx context.Context, campaignID uint, from, to string) (int64, error) {
	res := r.DB.WithContext(ctx).
		Model(&models.ScheduledMessage{}).
		Where("campaign_id = ? AND status = ?", campaignID, from).
		Update("status", to)
	return res.RowsAffected, res.Error
}

func (r *scheduleRepository) BulkMarkSkipped(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.DB.WithContext(ctx).
		Model(&models.ScheduledMessage{}).
		Where("id IN ? AND status = ?", ids, models.MessageStatusScheduled).
		Update("status", models.MessageStatusSkipped)
	return res.RowsAffected, res.Error
}

func (r *scheduleRepository) CountNonTerminal(ctx context.Context, campaignID uint) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).
		Model(&models.ScheduledMessage{}).
		Where("campaign_id = ?", campaignID).
		Where("status IN ?", []string{models.MessageStatusScheduled, models.MessageStatusSending}).
		Count(&count).Error
	return count, err
}

func (r *scheduleRepository) CountRecentSkips(ctx context.Context, campaignID uint, since time.Time) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).
		Model(&models.ScheduledMessage{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.MessageStatusSkipped).
		Where("updated_at > ?", since).
		Count(&count).Error
	return count, err
}

func (r *scheduleRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	var rows []models.ScheduledMessage
	// The owning campaign must still be active; paused campaigns keep their
	// rows scheduled but nothing may dispatch them.
	err := r.DB.WithContext(ctx).
		Joins("JOIN campaigns ON campaigns.id = scheduled_messages.campaign_id AND campaigns.status = ?",
			models.CampaignStatusActive).
		Where("scheduled_messages.status = ? AND scheduled_messages.send_at <= ?",
			models.MessageStatusScheduled, now).
		Order("scheduled_messages.send_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *scheduleRepository) ClaimSending(ctx context.Context, id uint) (bool, error) {
	res := r.DB.WithContext(ctx).
		Model(&models.ScheduledMessage{}).
		Where("id = ? AND status = ?", id, models.MessageStatusScheduled).
		Update("status", models.MessageStatusSending)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *scheduleRepository) RequeueStaleSending(ctx context.Context, before time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).
		Model(&models.ScheduledMessage{}).
		Where("status = ? AND updated_at < ?", models.MessageStatusSending, before).
		Update("status", models.MessageStatusScheduled)
	return res.RowsAffected, res.Error
}

func (r *scheduleRepository) MarkSent(ctx context.Context, id uint, at time.Time, messageID string) error {
	return r.DB.WithContext(ctx).
		Model(&models.ScheduledMessage{}).
		Where("id = ? AND status = ?", id, models.MessageStatusSending).
		Updates(map[string]interface{}{
			"status":     models.MessageStatusSent,
			"sent_at":    &at,
			"message_id": messageID,
			"last_error": nil,
		}).Error
}

func (r *scheduleRepository) MarkFailed(ctx context.Context, id uint, sendErr string) error {
	return r.DB.WithContext(ctx).
		Model(&models.ScheduledMessage{}).
		Where("id = ? AND status = ?", id, models.MessageStatusSending).
		Updates(map[string]interface{}{
			"status":     models.MessageStatusFailed,
			"last_error": sendErr,
		}).Error
}
