package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"coldreach/campaign"
	"coldreach/models"
	"coldreach/repository"
	"coldreach/utils"
)

// Mailer hands a due message to the transport layer. Actual SMTP/API
// transmission lives outside this service; implementations return the
// provider message id.
type Mailer interface {
	Send(ctx context.Context, sender *models.Sender, lead *models.Lead, msg *models.ScheduledMessage) (string, error)
}

// LogMailer is the development Mailer: it logs instead of sending.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, sender *models.Sender, lead *models.Lead, msg *models.ScheduledMessage) (string, error) {
	logrus.WithFields(logrus.Fields{
		"from":    sender.FromEmail,
		"to":      lead.Email,
		"subject": msg.Subject,
	}).Info("dry-run send")
	return uuid.New().String(), nil
}

// DispatchWorker polls for scheduled rows whose send instant has arrived,
// re-checks that the owning campaign is still active, and hands them to the
// Mailer. It also materializes each lead's next sequence step once a message
// goes out, and completes campaigns with no open work left.
type DispatchWorker struct {
	Campaigns repository.CampaignRepository
	Leads     repository.LeadRepository
	Senders   repository.SenderRepository
	Schedules repository.ScheduleRepository
	Rotator   *campaign.Rotator
	Scheduler *campaign.Scheduler
	Mailer    Mailer
	Clock     campaign.Clock
	Logger    *logrus.Entry

	Tick      time.Duration
	Warmup    time.Duration
	BatchSize int
	// StaleClaimAge is how long a row may sit in sending before the tick
	// assumes its dispatcher died and returns it to scheduled.
	StaleClaimAge time.Duration
	// TrackingBaseURL, when set, gets an open-tracking pixel appended to each
	// outgoing body.
	TrackingBaseURL string
}

func NewDispatchWorker(
	campaigns repository.CampaignRepository,
	leads repository.LeadRepository,
	senders repository.SenderRepository,
	schedules repository.ScheduleRepository,
	rotator *campaign.Rotator,
	scheduler *campaign.Scheduler,
	mailer Mailer,
	clock campaign.Clock,
) *DispatchWorker {
	return &DispatchWorker{
		Campaigns: campaigns,
		Leads:     leads,
		Senders:   senders,
		Schedules: schedules,
		Rotator:   rotator,
		Scheduler: scheduler,
		Mailer:    mailer,
		Clock:     clock,
		Logger:    logrus.WithField("component", "dispatch_worker"),
		Tick:          30 * time.Second,
		Warmup:        10 * time.Second,
		BatchSize:     50,
		StaleClaimAge: 10 * time.Minute,
	}
}

func (w *DispatchWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.Warmup):
	}

	w.Logger.Info("dispatch worker started")

	ticker := time.NewTicker(w.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("dispatch worker shutting down")
			return
		case <-ticker.C:
			w.processDue(ctx)
		}
	}
}

func (w *DispatchWorker) processDue(ctx context.Context) {
	w.requeueStale(ctx)

	rows, err := w.Schedules.FindDue(ctx, w.Clock.Now(), w.BatchSize)
	if err != nil {
		w.Logger.WithError(err).Error("failed to fetch due messages")
		return
	}

	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		if err := w.dispatch(ctx, &rows[i]); err != nil {
			w.Logger.WithError(err).WithField("message_id", rows[i].ID).Error("dispatch failed")
		}
	}

	w.completeIdle(ctx)
}

func (w *DispatchWorker) requeueStale(ctx context.Context) {
	n, err := w.Schedules.RequeueStaleSending(ctx, w.Clock.Now().Add(-w.StaleClaimAge))
	if err != nil {
		w.Logger.WithError(err).Error("failed to requeue stale sends")
		return
	}
	if n > 0 {
		w.Logger.WithField("requeued", n).Warn("returned stuck sending rows to scheduled")
	}
}

// completeIdle sweeps active campaigns whose rows have all reached a terminal
// status. Dispatch completes a campaign after its last send, but a campaign
// whose final rows were skipped or failed ends here.
func (w *DispatchWorker) completeIdle(ctx context.Context) {
	campaigns, err := w.Campaigns.ListByStatus(ctx, models.CampaignStatusActive)
	if err != nil {
		w.Logger.WithError(err).Error("failed to list active campaigns")
		return
	}
	for i := range campaigns {
		c := &campaigns[i]
		open, err := w.Schedules.CountNonTerminal(ctx, c.ID)
		if err != nil || open > 0 {
			continue
		}
		rows, err := w.Schedules.FindByCampaign(ctx, c.ID)
		if err != nil || len(rows) == 0 {
			// No rows at all usually means a plan is still being written.
			continue
		}
		if err := w.maybeComplete(ctx, c); err != nil {
			w.Logger.WithError(err).WithField("campaign_id", c.ID).Error("failed to complete idle campaign")
		}
	}
}

func (w *DispatchWorker) dispatch(ctx context.Context, row *models.ScheduledMessage) error {
	c, err := w.Campaigns.GetByID(ctx, row.CampaignID)
	if err != nil {
		return err
	}
	// The due query already filters on campaign status, but the status is
	// authoritative and may have flipped since.
	if c.Status != models.CampaignStatusActive {
		return nil
	}

	loc, err := time.LoadLocation(c.Sending.Timezone)
	if err != nil {
		return err
	}

	av, err := w.Rotator.CheckAvailability(ctx, row.SenderID, loc)
	if err != nil {
		return err
	}
	if !av.CanSend {
		// Account capacity or health gone; leave the row scheduled and let a
		// later tick (or reconciliation) pick it up.
		w.Logger.WithFields(logrus.Fields{
			"message_id": row.ID,
			"sender_id":  row.SenderID,
		}).Debug("sender unavailable, deferring message")
		return nil
	}

	// Load everything the send needs before claiming: a row claimed and then
	// abandoned on a load error would sit in sending until the stale sweep.
	sender, err := w.Senders.GetByID(ctx, row.SenderID)
	if err != nil {
		return err
	}
	lead, err := w.Leads.GetByID(ctx, row.LeadID)
	if err != nil {
		return err
	}

	claimed, err := w.Schedules.ClaimSending(ctx, row.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil // another dispatcher got there first
	}

	if w.TrackingBaseURL != "" && row.TrackingToken != "" {
		pixel := utils.TrackingPixelURL(w.TrackingBaseURL, row.TrackingToken)
		row.Body += "\n" + `<img src="` + pixel + `" width="1" height="1" alt=""/>`
	}

	now := w.Clock.Now()
	messageID, err := w.Mailer.Send(ctx, sender, lead, row)
	if err != nil {
		if markErr := w.Schedules.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			w.Logger.WithError(markErr).Error("failed to mark message failed")
		}
		return err
	}

	if err := w.Schedules.MarkSent(ctx, row.ID, now, messageID); err != nil {
		return err
	}
	if err := w.Rotator.RecordAssignment(ctx, row.SenderID, now, loc, 1); err != nil {
		w.Logger.WithError(err).Warn("failed to record sender usage")
	}

	if err := w.scheduleFollowUp(ctx, c, lead, row, loc); err != nil {
		w.Logger.WithError(err).Warn("failed to schedule follow-up")
	}
	return w.maybeComplete(ctx, c)
}

func (w *DispatchWorker) scheduleFollowUp(ctx context.Context, c *models.Campaign, lead *models.Lead, prev *models.ScheduledMessage, loc *time.Location) error {
	next := c.StepAfter(prev.SequenceStep)
	if next == nil {
		return nil
	}

	senderID := prev.SenderID
	if !next.ReplyToSameThread {
		picked, err := w.Rotator.NextAvailable(ctx, c.OrganizationID, c.SenderIDs(), 1, campaign.StrategyHybrid, loc)
		if err != nil {
			return err
		}
		if len(picked) > 0 {
			senderID = picked[0].ID
		}
	}

	a, err := w.Scheduler.PlanFollowUp(c, lead, prev, *next, senderID)
	if err != nil {
		return err
	}
	return w.Schedules.BulkUpsert(ctx, []models.ScheduledMessage{a.Row(c.ID)})
}

func (w *DispatchWorker) maybeComplete(ctx context.Context, c *models.Campaign) error {
	open, err := w.Schedules.CountNonTerminal(ctx, c.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	done, err := w.Campaigns.TransitionStatus(ctx, c.ID,
		models.CampaignStatusActive, models.CampaignStatusCompleted)
	if err != nil {
		return err
	}
	if done {
		w.Logger.WithField("campaign_id", c.ID).Info("campaign completed")
	}
	return nil
}
