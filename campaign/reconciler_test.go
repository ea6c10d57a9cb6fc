package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldreach/models"
)

func ageRows(m *memSchedules, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		r.UpdatedAt = r.UpdatedAt.Add(-d)
	}
}

func TestRestartPreservesSentRows(t *testing.T) {
	e := newTestEngine(testLeads(10), testSender(1))
	c := testCampaign(1)
	c.Status = models.CampaignStatusPaused
	e.campaigns.put(c)
	ctx := context.Background()

	sentAt := testNow.Add(-48 * time.Hour)
	var sentIDs []uint
	for leadID := uint(1); leadID <= 3; leadID++ {
		row := e.schedules.seed(models.ScheduledMessage{
			CampaignID: 1, LeadID: leadID, SequenceStep: 0, SenderID: 1,
			SendAt: sentAt, Status: models.MessageStatusSent, SentAt: &sentAt,
			Subject: "already delivered", MessageID: "mid-1",
		})
		sentIDs = append(sentIDs, row.ID)
	}
	staleTime := testNow.Add(-24 * time.Hour)
	var openIDs []uint
	for leadID := uint(4); leadID <= 10; leadID++ {
		row := e.schedules.seed(models.ScheduledMessage{
			CampaignID: 1, LeadID: leadID, SequenceStep: 0, SenderID: 1,
			SendAt: staleTime, Status: models.MessageStatusScheduled,
		})
		openIDs = append(openIDs, row.ID)
	}

	before := map[uint]models.ScheduledMessage{}
	for _, id := range sentIDs {
		before[id] = e.schedules.snapshot(id)
	}

	res, err := e.lifecycle.Start(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Restart)
	assert.Equal(t, 7, res.Updated)
	assert.Zero(t, res.Inserted)

	for _, id := range sentIDs {
		assert.Equal(t, before[id], e.schedules.snapshot(id), "sent rows must survive a restart untouched")
	}
	assert.Zero(t, e.schedules.sentWriteAttempts)

	for _, id := range openIDs {
		row := e.schedules.snapshot(id)
		assert.Equal(t, models.MessageStatusScheduled, row.Status)
		assert.False(t, row.SendAt.Before(testNow), "pending rows get fresh future slots")
	}
	assert.Len(t, e.schedules.all(1), 10, "reconcile updates in place, never duplicates")
}

func TestRestartPlansLeadsAddedSinceLastRun(t *testing.T) {
	e := newTestEngine(testLeads(3), testSender(1))
	c := testCampaign(1)
	c.Status = models.CampaignStatusPaused
	e.campaigns.put(c)
	ctx := context.Background()

	for leadID := uint(1); leadID <= 2; leadID++ {
		e.schedules.seed(models.ScheduledMessage{
			CampaignID: 1, LeadID: leadID, SequenceStep: 0, SenderID: 1,
			SendAt: testNow.Add(-time.Hour), Status: models.MessageStatusScheduled,
		})
	}

	res, err := e.lifecycle.Start(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Restart)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Inserted)
	assert.Len(t, e.schedules.all(1), 3)
}

func TestRestartAfterStopConflictsInsideGuardWindow(t *testing.T) {
	e := newTestEngine(testLeads(3), testSender(1))
	e.campaigns.put(testCampaign(1))
	ctx := context.Background()

	_, err := e.lifecycle.Start(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, e.lifecycle.Stop(ctx, 1))

	// The stop just flipped scheduled rows to skipped; an immediate restart
	// looks like an overlapping reconciliation and must back off.
	_, err = e.lifecycle.Start(ctx, 1)
	require.True(t, IsConflict(err))

	status, _ := e.campaigns.GetStatus(ctx, 1)
	assert.Equal(t, models.CampaignStatusActive, status,
		"the guard fires after the transition; the caller retries or stops again")
}

func TestRestartAfterStopRevivesSkippedRows(t *testing.T) {
	e := newTestEngine(testLeads(3), testSender(1))
	e.campaigns.put(testCampaign(1))
	ctx := context.Background()

	_, err := e.lifecycle.Start(ctx, 1)
	require.NoError(t, err)
	rowIDs := make([]uint, 0, 3)
	for _, row := range e.schedules.all(1) {
		rowIDs = append(rowIDs, row.ID)
	}
	require.NoError(t, e.lifecycle.Stop(ctx, 1))

	ageRows(e.schedules, 2*time.Minute)

	res, err := e.lifecycle.Start(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Restart)
	assert.Equal(t, 3, res.Updated)
	assert.Zero(t, res.Inserted)

	rows := e.schedules.all(1)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, rowIDs[i], row.ID, "skipped rows are revived in place")
		assert.Equal(t, models.MessageStatusScheduled, row.Status)
	}
}

func TestRestartSupersedesLeadsRemovedSinceLastRun(t *testing.T) {
	e := newTestEngine(testLeads(2), testSender(1))
	c := testCampaign(1)
	c.Status = models.CampaignStatusPaused
	e.campaigns.put(c)
	ctx := context.Background()

	keep := e.schedules.seed(models.ScheduledMessage{
		CampaignID: 1, LeadID: 1, SequenceStep: 0, SenderID: 1,
		SendAt: testNow.Add(-time.Hour), Status: models.MessageStatusScheduled,
	})
	gone := e.schedules.seed(models.ScheduledMessage{
		CampaignID: 1, LeadID: 2, SequenceStep: 0, SenderID: 1,
		SendAt: testNow.Add(-time.Hour), Status: models.MessageStatusScheduled,
	})
	e.leads.items[1].IsUnsubscribed = true

	res, err := e.lifecycle.Start(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Inserted)

	assert.Equal(t, models.MessageStatusScheduled, e.schedules.snapshot(keep.ID).Status)
	assert.Equal(t, models.MessageStatusSkipped, e.schedules.snapshot(gone.ID).Status)
}

func TestRestartLeavesSentLeadFollowUpsAlone(t *testing.T) {
	e := newTestEngine(testLeads(2), testSender(1))
	c := testCampaign(1)
	c.Status = models.CampaignStatusPaused
	e.campaigns.put(c)
	ctx := context.Background()

	sentAt := testNow.Add(-72 * time.Hour)
	e.schedules.seed(models.ScheduledMessage{
		CampaignID: 1, LeadID: 1, SequenceStep: 0, SenderID: 1,
		SendAt: sentAt, Status: models.MessageStatusSent, SentAt: &sentAt,
	})
	followUp := e.schedules.seed(models.ScheduledMessage{
		CampaignID: 1, LeadID: 1, SequenceStep: 1, SenderID: 1,
		SendAt: testNow.Add(time.Hour), Status: models.MessageStatusScheduled,
	})

	res, err := e.lifecycle.Start(ctx, 1)
	require.NoError(t, err)
	// Only lead 2 gets planned; lead 1's sequence already ran its course.
	assert.Zero(t, res.Updated)
	assert.Equal(t, 1, res.Inserted)

	row := e.schedules.snapshot(followUp.ID)
	assert.Equal(t, models.MessageStatusScheduled, row.Status)
	assert.Equal(t, testNow.Add(time.Hour), row.SendAt, "a sent lead's pending follow-up keeps its slot")
	assert.Zero(t, e.schedules.sentWriteAttempts)
}

func TestReconcileGuardWindowOverride(t *testing.T) {
	e := newTestEngine(testLeads(1), testSender(1))
	e.campaigns.put(testCampaign(1))
	ctx := context.Background()

	_, err := e.lifecycle.Start(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, e.lifecycle.Stop(ctx, 1))

	// With a one-second guard the just-written skips still conflict; aging
	// them past the shrunk window clears the path.
	e.lifecycle.Reconciler.GuardWindow = time.Second
	_, err = e.lifecycle.Start(ctx, 1)
	require.True(t, IsConflict(err))

	require.NoError(t, e.lifecycle.Stop(ctx, 1))
	ageRows(e.schedules, 5*time.Second)
	res, err := e.lifecycle.Start(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Restart)
}
