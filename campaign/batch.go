package campaign

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"coldreach/models"
	"coldreach/repository"
)

// Batch persistence defaults. Batches stay small to bound load on the store;
// the limiter spaces them out.
const (
	DefaultBatchSize = 100
	DefaultBatchPace = 200 * time.Millisecond
)

// BatchWriter persists planned rows in bounded, paced batches. Between
// batches it re-reads the campaign status: a stop issued while a plan is
// being written must abort the remaining batches rather than keep scheduling
// into a stopped campaign. Writes are idempotent upserts, so a retried batch
// after a partial failure never duplicates rows.
type BatchWriter struct {
	Campaigns repository.CampaignRepository
	Schedules repository.ScheduleRepository
	BatchSize int
	Limiter   *rate.Limiter
	Logger    *logrus.Entry
}

func NewBatchWriter(campaigns repository.CampaignRepository, schedules repository.ScheduleRepository) *BatchWriter {
	return &BatchWriter{
		Campaigns: campaigns,
		Schedules: schedules,
		BatchSize: DefaultBatchSize,
		Limiter:   rate.NewLimiter(rate.Every(DefaultBatchPace), 1),
		Logger:    logrus.WithField("component", "batch_writer"),
	}
}

// Write persists rows for the campaign and returns how many landed. On any
// failure the count reflects the batches that committed; the caller reports
// partial progress instead of rolling back.
func (w *BatchWriter) Write(ctx context.Context, campaignID uint, rows []models.ScheduledMessage) (int, error) {
	written := 0
	for start := 0; start < len(rows); start += w.BatchSize {
		if written > 0 {
			if err := w.Limiter.Wait(ctx); err != nil {
				return written, &PartialBatchError{Written: written, Total: len(rows), Err: err}
			}
		}

		status, err := w.Campaigns.GetStatus(ctx, campaignID)
		if err != nil {
			return written, &PartialBatchError{Written: written, Total: len(rows), Err: err}
		}
		if status != models.CampaignStatusActive {
			w.Logger.WithFields(logrus.Fields{
				"campaign_id": campaignID,
				"status":      status,
				"written":     written,
				"total":       len(rows),
			}).Warn("campaign left active state mid-write, aborting remaining batches")
			return written, &ConflictError{Op: "persist schedule", Reason: "campaign is no longer active"}
		}

		end := start + w.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := w.Schedules.BulkUpsert(ctx, rows[start:end]); err != nil {
			return written, &PartialBatchError{Written: written, Total: len(rows), Err: err}
		}
		written += end - start
	}
	return written, nil
}
