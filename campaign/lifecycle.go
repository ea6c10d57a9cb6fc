package campaign

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"coldreach/events"
	"coldreach/models"
	"coldreach/repository"
	"coldreach/utils"
)

// StartResult describes what a successful Start did.
type StartResult struct {
	CampaignID uint `json:"campaign_id"`
	// Restart is true when prior schedule rows existed and the reconciler ran
	// instead of a fresh plan.
	Restart  bool `json:"restart"`
	Planned  int  `json:"planned"`
	Updated  int  `json:"updated"`
	Inserted int  `json:"inserted"`
}

// Lifecycle owns campaign status and the start/pause/stop transitions. Every
// transition is a conditional update keyed on the observed status, so two
// concurrent requests for the same campaign resolve to exactly one winner;
// the loser gets a ConflictError.
type Lifecycle struct {
	Campaigns  repository.CampaignRepository
	Leads      repository.LeadRepository
	Senders    repository.SenderRepository
	Schedules  repository.ScheduleRepository
	Scheduler  *Scheduler
	Reconciler *Reconciler
	Writer     *BatchWriter
	Emitter    events.Emitter
	Clock      Clock
	Logger     *logrus.Entry
}

func NewLifecycle(
	campaigns repository.CampaignRepository,
	leads repository.LeadRepository,
	senders repository.SenderRepository,
	schedules repository.ScheduleRepository,
	scheduler *Scheduler,
	reconciler *Reconciler,
	writer *BatchWriter,
	emitter events.Emitter,
	clock Clock,
) *Lifecycle {
	return &Lifecycle{
		Campaigns:  campaigns,
		Leads:      leads,
		Senders:    senders,
		Schedules:  schedules,
		Scheduler:  scheduler,
		Reconciler: reconciler,
		Writer:     writer,
		Emitter:    emitter,
		Clock:      clock,
		Logger:     logrus.WithField("component", "lifecycle"),
	}
}

// Start activates a campaign and materializes its schedule. Whether this is a
// first run or a restart is decided by one explicit check: the presence of
// prior schedule rows. First runs plan the whole lead list; restarts hand the
// prior rows to the reconciler so sent history is preserved.
func (l *Lifecycle) Start(ctx context.Context, campaignID uint) (*StartResult, error) {
	c, err := l.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if err := utils.ValidateStruct(c.Sending); err != nil {
		return nil, &ValidationError{Field: "sending", Reason: err.Error()}
	}
	if len(c.Steps) == 0 {
		return nil, &ValidationError{Field: "sequence", Reason: "campaign has no sequence steps"}
	}
	if len(c.Senders) == 0 {
		return nil, &ValidationError{Field: "senders", Reason: "campaign has no sending accounts"}
	}

	if c.Status == models.CampaignStatusActive {
		return nil, &ConflictError{Op: "start", Reason: "campaign is already active"}
	}
	if c.Terminal() {
		return nil, &ConflictError{Op: "start", Reason: "campaign is completed"}
	}

	won, err := l.Campaigns.TransitionStatus(ctx, campaignID, c.Status, models.CampaignStatusActive)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, &ConflictError{Op: "start", Reason: "campaign status changed by another request"}
	}

	prior, err := l.Schedules.FindByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	result := &StartResult{CampaignID: campaignID}
	if len(prior) == 0 {
		written, err := l.freshPlan(ctx, c)
		result.Planned = written
		if err != nil {
			return result, err
		}
	} else {
		result.Restart = true
		rec, err := l.Reconciler.Reconcile(ctx, c, prior)
		if rec != nil {
			result.Updated = rec.Updated
			result.Inserted = rec.Inserted
		}
		if err != nil {
			return result, err
		}
	}

	l.emit(ctx, events.CampaignStarted, c, map[string]interface{}{"restart": result.Restart})
	return result, nil
}

// Pause flips an active campaign to paused. Schedule rows are left untouched;
// the dispatcher refuses rows of non-active campaigns, which is what keeps a
// paused campaign silent.
func (l *Lifecycle) Pause(ctx context.Context, campaignID uint) error {
	c, err := l.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignStatusActive {
		return &ConflictError{Op: "pause", Reason: "only active campaigns can be paused"}
	}

	won, err := l.Campaigns.TransitionStatus(ctx, campaignID, models.CampaignStatusActive, models.CampaignStatusPaused)
	if err != nil {
		return err
	}
	if !won {
		return &ConflictError{Op: "pause", Reason: "campaign status changed by another request"}
	}

	l.emit(ctx, events.CampaignPaused, c, nil)
	return nil
}

// Stop terminates a campaign from active or paused and supersedes every
// still-scheduled row. Rows already sent, failed or bounced are history and
// stay exactly as they are.
func (l *Lifecycle) Stop(ctx context.Context, campaignID uint) error {
	c, err := l.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignStatusActive && c.Status != models.CampaignStatusPaused {
		return &ConflictError{Op: "stop", Reason: "only active or paused campaigns can be stopped"}
	}

	won, err := l.Campaigns.TransitionStatus(ctx, campaignID, c.Status, models.CampaignStatusStopped)
	if err != nil {
		return err
	}
	if !won {
		return &ConflictError{Op: "stop", Reason: "campaign status changed by another request"}
	}

	skipped, err := l.Schedules.BulkTransitionStatus(ctx, campaignID,
		models.MessageStatusScheduled, models.MessageStatusSkipped)
	if err != nil {
		return err
	}
	l.Logger.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"skipped":     skipped,
	}).Info("campaign stopped")

	l.emit(ctx, events.CampaignStopped, c, map[string]interface{}{"skipped_rows": skipped})
	return nil
}

// Complete marks an active campaign completed; used by the dispatcher when no
// open work remains.
func (l *Lifecycle) Complete(ctx context.Context, campaignID uint) (bool, error) {
	return l.Campaigns.TransitionStatus(ctx, campaignID,
		models.CampaignStatusActive, models.CampaignStatusCompleted)
}

func (l *Lifecycle) freshPlan(ctx context.Context, c *models.Campaign) (int, error) {
	loc, err := time.LoadLocation(c.Sending.Timezone)
	if err != nil {
		return 0, &ValidationError{Field: "timezone", Reason: err.Error()}
	}

	leads, err := l.Leads.FetchActiveLeads(ctx, c.Sending.LeadListID, nil)
	if err != nil {
		return 0, err
	}
	senders, err := l.Senders.FetchEligibleSenders(ctx, c.OrganizationID, c.SenderIDs())
	if err != nil {
		return 0, err
	}
	load, err := snapshotLoad(ctx, l.Senders, l.Schedules, senders, loc, l.Clock.Now(), c.ID)
	if err != nil {
		return 0, err
	}

	plan, err := l.Scheduler.PlanWithLoad(leads, senders, c.OrderedSteps(), c.Sending, load)
	if err != nil {
		return 0, err
	}

	rows := make([]models.ScheduledMessage, 0, len(plan))
	for _, a := range plan {
		rows = append(rows, a.Row(c.ID))
	}

	written, err := l.Writer.Write(ctx, c.ID, rows)
	if err != nil {
		return written, err
	}
	l.Logger.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"leads":       len(leads),
		"planned":     written,
	}).Info("fresh schedule planned")
	return written, nil
}

func (l *Lifecycle) emit(ctx context.Context, event string, c *models.Campaign, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"campaign_id":     c.ID,
		"organization_id": c.OrganizationID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	utils.LogEvent(event, payload)
	l.Emitter.Emit(ctx, event, payload)
}

// snapshotLoad seeds a planning pass with what the accounts have already
// consumed: today's usage counters plus open rows other campaigns have
// planned onto them, bucketed in the campaign zone. Rows belonging to
// planningCampaignID are excluded; the pass is about to replace them.
func snapshotLoad(ctx context.Context, senders repository.SenderRepository, schedules repository.ScheduleRepository, eligible []models.Sender, loc *time.Location, now time.Time, planningCampaignID uint) (PlanLoad, error) {
	load := NewPlanLoad()

	ids := make([]uint, 0, len(eligible))
	for _, s := range eligible {
		ids = append(ids, s.ID)
	}

	for _, id := range ids {
		daily, hourly, err := senders.UsageFor(ctx, id, now, loc)
		if err != nil {
			return load, err
		}
		buckets := NewBucketLoad()
		buckets.Day[models.DayBucket(now, loc)] = daily
		buckets.Hour[models.HourBucket(now, loc)] = hourly
		load.Senders[id] = SenderLoad{Buckets: buckets}
	}

	open, err := schedules.FindOpenBySenders(ctx, ids)
	if err != nil {
		return load, err
	}
	for _, row := range open {
		if row.CampaignID == planningCampaignID {
			continue
		}
		sl := load.Senders[row.SenderID]
		if sl.Buckets.Day == nil {
			sl.Buckets = NewBucketLoad()
		}
		sl.Buckets.add(row.SendAt, loc, 1)
		if row.SendAt.After(sl.LastSlot) {
			sl.LastSlot = row.SendAt
		}
		load.Senders[row.SenderID] = sl
	}

	return load, nil
}
