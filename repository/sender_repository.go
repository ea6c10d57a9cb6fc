package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coldreach/models"
)

// SenderRepository covers sending-account reads and the shared usage
// counters. Counter increments must stay atomic: accounts are shared across
// campaigns, so a read-then-write pair here would lose updates.
type SenderRepository interface {
	FetchEligibleSenders(ctx context.Context, orgID uint, senderIDs []uint) ([]models.Sender, error)
	GetByID(ctx context.Context, id uint) (*models.Sender, error)
	// IncrementUsage bumps the day and hour counters for the bucket containing
	// at (in loc) by n, creating the bucket rows as needed.
	IncrementUsage(ctx context.Context, senderID uint, at time.Time, loc *time.Location, n int) error
	// UsageFor returns consumed counts for the day and hour buckets containing
	// at (in loc).
	UsageFor(ctx context.Context, senderID uint, at time.Time, loc *time.Location) (daily int, hourly int, err error)
	TouchLastAssigned(ctx context.Context, senderID uint, at time.Time) error
}

type senderRepository struct {
	DB *gorm.DB
}

func NewSenderRepository(db *gorm.DB) SenderRepository {
	return &senderRepository{DB: db}
}

func (r *senderRepository) FetchEligibleSenders(ctx context.Context, orgID uint, senderIDs []uint) ([]models.Sender, error) {
	q := r.DB.WithContext(ctx).
		Where("organization_id = ? AND status = ?", orgID, models.SenderStatusActive)
	if len(senderIDs) > 0 {
		q = q.Where("id IN ?", senderIDs)
	}

	var senders []models.Sender
	if err := q.Order("id ASC").Find(&senders).Error; err != nil {
		return nil, err
	}
	return senders, nil
}

func (r *senderRepository) GetByID(ctx context.Context, id uint) (*models.Sender, error) {
	var sender models.Sender
	if err := r.DB.WithContext(ctx).First(&sender, id).Error; err != nil {
		return nil, err
	}
	return &sender, nil
}

func (r *senderRepository) IncrementUsage(ctx context.Context, senderID uint, at time.Time, loc *time.Location, n int) error {
	buckets := []models.SenderUsage{
		{SenderID: senderID, Period: models.UsagePeriodDay, Bucket: models.DayBucket(at, loc), SentCount: n},
		{SenderID: senderID, Period: models.UsagePeriodHour, Bucket: models.HourBucket(at, loc), SentCount: n},
	}

	err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "sender_id"}, {Name: "period"}, {Name: "bucket"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"sent_count": gorm.Expr("sender_usages.sent_count + ?", n),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&buckets).Error
	if err != nil {
		return err
	}

	return r.DB.WithContext(ctx).
		Model(&models.Sender{}).
		Where("id = ?", senderID).
		Update("total_sent", gorm.Expr("total_sent + ?", n)).Error
}

func (r *senderRepository) UsageFor(ctx context.Context, senderID uint, at time.Time, loc *time.Location) (int, int, error) {
	var usages []models.SenderUsage
	err := r.DB.WithContext(ctx).
		Where("sender_id = ?", senderID).
		Where("(period = ? AND bucket = ?) OR (period = ? AND bucket = ?)",
			models.UsagePeriodDay, models.DayBucket(at, loc),
			models.UsagePeriodHour, models.HourBucket(at, loc)).
		Find(&usages).Error
	if err != nil {
		return 0, 0, err
	}

	var daily, hourly int
	for _, u := range usages {
		switch u.Period {
		case models.UsagePeriodDay:
			daily = u.SentCount
		case models.UsagePeriodHour:
			hourly = u.SentCount
		}
	}
	return daily, hourly, nil
}

func (r *senderRepository) TouchLastAssigned(ctx context.Context, senderID uint, at time.Time) error {
	return r.DB.WithContext(ctx).
		Model(&models.Sender{}).
		Where("id = ?", senderID).
		Update("last_assigned_at", &at).Error
}
