package campaign

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"coldreach/models"
	"coldreach/repository"
)

// DefaultSkipGuardWindow is the trailing window in which skipped-row activity
// is treated as evidence of an overlapping reconciliation.
const DefaultSkipGuardWindow = 30 * time.Second

// ReconcileResult reports how a restart merged with prior rows.
type ReconcileResult struct {
	Updated  int `json:"updated"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"` // prior rows superseded by this pass
}

// Reconciler merges a freshly computed plan into a campaign's existing
// schedule on restart. Leads with any sent row are excluded from re-planning
// outright; pending rows are updated in place; everything else is inserted.
// Rows with status sent are never part of any write this type produces.
type Reconciler struct {
	Leads     repository.LeadRepository
	Senders   repository.SenderRepository
	Schedules repository.ScheduleRepository
	Scheduler *Scheduler
	Writer    *BatchWriter
	Clock     Clock
	// GuardWindow overrides DefaultSkipGuardWindow when positive.
	GuardWindow time.Duration
	Logger      *logrus.Entry
}

func NewReconciler(
	leads repository.LeadRepository,
	senders repository.SenderRepository,
	schedules repository.ScheduleRepository,
	scheduler *Scheduler,
	writer *BatchWriter,
	clock Clock,
) *Reconciler {
	return &Reconciler{
		Leads:     leads,
		Senders:   senders,
		Schedules: schedules,
		Scheduler: scheduler,
		Writer:    writer,
		Clock:     clock,
		Logger:    logrus.WithField("component", "reconciler"),
	}
}

type leadStep struct {
	leadID uint
	step   int
}

// Reconcile recomputes the schedule for the not-yet-sent subset of the
// campaign's leads and diffs it against prior rows, minimizing writes. prior
// is the campaign's full row set, already loaded by the caller.
func (r *Reconciler) Reconcile(ctx context.Context, c *models.Campaign, prior []models.ScheduledMessage) (*ReconcileResult, error) {
	loc, err := time.LoadLocation(c.Sending.Timezone)
	if err != nil {
		return nil, &ValidationError{Field: "timezone", Reason: err.Error()}
	}

	window := r.GuardWindow
	if window <= 0 {
		window = DefaultSkipGuardWindow
	}
	recent, err := r.Schedules.CountRecentSkips(ctx, c.ID, r.Clock.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	if recent > 0 {
		return nil, &ConflictError{
			Op:     "reconcile",
			Reason: "recent skipped-row activity suggests an overlapping reconciliation",
		}
	}

	// Partition prior rows: a lead with any sent row is done and excluded
	// from re-planning entirely; pending rows may be overwritten in place.
	sentLeads := map[uint]bool{}
	for _, row := range prior {
		if row.Status == models.MessageStatusSent {
			sentLeads[row.LeadID] = true
		}
	}
	pending := map[leadStep]models.ScheduledMessage{}
	for _, row := range prior {
		if sentLeads[row.LeadID] {
			continue
		}
		if row.Pending() {
			pending[leadStep{row.LeadID, row.SequenceStep}] = row
		}
	}

	excluded := make([]uint, 0, len(sentLeads))
	for id := range sentLeads {
		excluded = append(excluded, id)
	}

	leads, err := r.Leads.FetchActiveLeads(ctx, c.Sending.LeadListID, excluded)
	if err != nil {
		return nil, err
	}
	senders, err := r.Senders.FetchEligibleSenders(ctx, c.OrganizationID, c.SenderIDs())
	if err != nil {
		return nil, err
	}
	load, err := snapshotLoad(ctx, r.Senders, r.Schedules, senders, loc, r.Clock.Now(), c.ID)
	if err != nil {
		return nil, err
	}

	plan, err := r.Scheduler.PlanWithLoad(leads, senders, c.OrderedSteps(), c.Sending, load)
	if err != nil {
		return nil, err
	}

	rows := make([]models.ScheduledMessage, 0, len(plan))
	isUpdate := make([]bool, 0, len(plan))
	planned := map[leadStep]bool{}
	for _, a := range plan {
		key := leadStep{a.LeadID, a.SequenceStep}
		planned[key] = true
		if sentLeads[a.LeadID] {
			// Correctness-critical guard: nothing planned for a sent lead may
			// reach the store. The exclusion above should make this
			// unreachable; refuse loudly rather than write.
			r.Logger.WithFields(logrus.Fields{
				"campaign_id": c.ID,
				"lead_id":     a.LeadID,
			}).Error("refusing planned write for lead with sent history")
			continue
		}
		rows = append(rows, a.Row(c.ID))
		isUpdate = append(isUpdate, pending[key].ID != 0)
	}

	// Scheduled rows the new plan no longer covers (lead unsubscribed or
	// removed since) are superseded, not deleted.
	var stale []uint
	for key, row := range pending {
		if !planned[key] && row.Status == models.MessageStatusScheduled {
			stale = append(stale, row.ID)
		}
	}

	result := &ReconcileResult{}
	written, err := r.Writer.Write(ctx, c.ID, rows)
	for i := 0; i < written; i++ {
		if isUpdate[i] {
			result.Updated++
		} else {
			result.Inserted++
		}
	}
	if err != nil {
		return result, err
	}

	superseded, err := r.Schedules.BulkMarkSkipped(ctx, stale)
	if err != nil {
		return result, err
	}
	result.Skipped = int(superseded)

	r.Logger.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"updated":     result.Updated,
		"inserted":    result.Inserted,
		"superseded":  result.Skipped,
		"sent_leads":  len(sentLeads),
	}).Info("schedule reconciled")
	return result, nil
}
