package campaign

import (
	"context"
	"sort"
	"sync"
	"time"

	"coldreach/models"
)

// In-memory repository fakes. They mirror the semantics the gorm
// implementations rely on: conditional updates under a lock, upserts keyed by
// (campaign, lead, step) that refuse to touch sent rows, and clock-driven
// UpdatedAt stamps so the reconciler's trailing-skip guard is testable.

type memCampaigns struct {
	mu    sync.Mutex
	items map[uint]*models.Campaign
}

func newMemCampaigns() *memCampaigns {
	return &memCampaigns{items: map[uint]*models.Campaign{}}
}

func (m *memCampaigns) put(c *models.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[c.ID] = c
}

func (m *memCampaigns) GetByID(_ context.Context, id uint) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCampaigns) GetStatus(_ context.Context, id uint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return "", errNotFound
	}
	return c.Status, nil
}

func (m *memCampaigns) TransitionStatus(_ context.Context, id uint, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (m *memCampaigns) ListByStatus(_ context.Context, status string) ([]models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Campaign
	for _, c := range m.items {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

type memLeads struct {
	items []models.Lead
}

func (m *memLeads) FetchActiveLeads(_ context.Context, leadListID uint, exclude []uint) ([]models.Lead, error) {
	excluded := map[uint]bool{}
	for _, id := range exclude {
		excluded[id] = true
	}
	var out []models.Lead
	for _, l := range m.items {
		if l.LeadListID != leadListID || excluded[l.ID] {
			continue
		}
		if l.IsBounced || l.IsUnsubscribed || l.IsDoNotContact {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memLeads) GetByID(_ context.Context, id uint) (*models.Lead, error) {
	for i := range m.items {
		if m.items[i].ID == id {
			cp := m.items[i]
			return &cp, nil
		}
	}
	return nil, errNotFound
}

type usageKey struct {
	senderID uint
	period   string
	bucket   string
}

type memSenders struct {
	mu    sync.Mutex
	items map[uint]*models.Sender
	usage map[usageKey]int
}

func newMemSenders(senders ...models.Sender) *memSenders {
	m := &memSenders{items: map[uint]*models.Sender{}, usage: map[usageKey]int{}}
	for i := range senders {
		s := senders[i]
		m.items[s.ID] = &s
	}
	return m
}

func (m *memSenders) FetchEligibleSenders(_ context.Context, orgID uint, ids []uint) ([]models.Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[uint]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	var out []models.Sender
	for _, s := range m.items {
		if s.OrganizationID != orgID || s.Status != models.SenderStatusActive {
			continue
		}
		if len(ids) > 0 && !wanted[s.ID] {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memSenders) GetByID(_ context.Context, id uint) (*models.Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSenders) IncrementUsage(_ context.Context, senderID uint, at time.Time, loc *time.Location, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[usageKey{senderID, models.UsagePeriodDay, models.DayBucket(at, loc)}] += n
	m.usage[usageKey{senderID, models.UsagePeriodHour, models.HourBucket(at, loc)}] += n
	if s, ok := m.items[senderID]; ok {
		s.TotalSent += n
	}
	return nil
}

func (m *memSenders) UsageFor(_ context.Context, senderID uint, at time.Time, loc *time.Location) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	daily := m.usage[usageKey{senderID, models.UsagePeriodDay, models.DayBucket(at, loc)}]
	hourly := m.usage[usageKey{senderID, models.UsagePeriodHour, models.HourBucket(at, loc)}]
	return daily, hourly, nil
}

func (m *memSenders) TouchLastAssigned(_ context.Context, senderID uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.items[senderID]; ok {
		t := at
		s.LastAssignedAt = &t
	}
	return nil
}

type memSchedules struct {
	mu        sync.Mutex
	seq       uint
	rows      map[uint]*models.ScheduledMessage
	campaigns *memCampaigns
	clock     Clock

	// sentWriteAttempts counts upserts that targeted an existing sent row;
	// the store guard must leave those rows untouched.
	sentWriteAttempts int
}

func newMemSchedules(campaigns *memCampaigns, clock Clock) *memSchedules {
	return &memSchedules{
		rows:      map[uint]*models.ScheduledMessage{},
		campaigns: campaigns,
		clock:     clock,
	}
}

func (m *memSchedules) seed(row models.ScheduledMessage) *models.ScheduledMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	row.ID = m.seq
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = m.clock.Now()
	}
	m.rows[row.ID] = &row
	return &row
}

func (m *memSchedules) snapshot(id uint) models.ScheduledMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memSchedules) all(campaignID uint) []models.ScheduledMessage {
	rows, _ := m.FindByCampaign(context.Background(), campaignID)
	return rows
}

func (m *memSchedules) FindByCampaign(_ context.Context, campaignID uint) ([]models.ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledMessage
	for _, r := range m.rows {
		if r.CampaignID == campaignID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memSchedules) FindOpenBySenders(_ context.Context, senderIDs []uint) ([]models.ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[uint]bool{}
	for _, id := range senderIDs {
		wanted[id] = true
	}
	var out []models.ScheduledMessage
	for _, r := range m.rows {
		if wanted[r.SenderID] && r.NonTerminal() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memSchedules) BulkUpsert(_ context.Context, rows []models.ScheduledMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		var existing *models.ScheduledMessage
		for _, r := range m.rows {
			if r.CampaignID == row.CampaignID && r.LeadID == row.LeadID && r.SequenceStep == row.SequenceStep {
				existing = r
				break
			}
		}
		if existing == nil {
			m.seq++
			row.ID = m.seq
			row.CreatedAt = m.clock.Now()
			row.UpdatedAt = m.clock.Now()
			m.rows[row.ID] = &row
			continue
		}
		if existing.Status == models.MessageStatusSent {
			m.sentWriteAttempts++
			continue
		}
		existing.SenderID = row.SenderID
		existing.SendAt = row.SendAt
		existing.Status = row.Status
		existing.Subject = row.Subject
		existing.Body = row.Body
		existing.LastError = row.LastError
		existing.UpdatedAt = m.clock.Now()
	}
	return nil
}

func (m *memSchedules) BulkTransitionStatus(_ context.Context, campaignID uint, from, to string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.CampaignID == campaignID && r.Status == from {
			r.Status = to
			r.UpdatedAt = m.clock.Now()
			n++
		}
	}
	return n, nil
}

func (m *memSchedules) BulkMarkSkipped(_ context.Context, ids []uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if r, ok := m.rows[id]; ok && r.Status == models.MessageStatusScheduled {
			r.Status = models.MessageStatusSkipped
			r.UpdatedAt = m.clock.Now()
			n++
		}
	}
	return n, nil
}

func (m *memSchedules) CountNonTerminal(_ context.Context, campaignID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.CampaignID == campaignID && r.NonTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *memSchedules) CountRecentSkips(_ context.Context, campaignID uint, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.CampaignID == campaignID && r.Status == models.MessageStatusSkipped && r.UpdatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memSchedules) FindDue(_ context.Context, now time.Time, limit int) ([]models.ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledMessage
	for _, r := range m.rows {
		if r.Status != models.MessageStatusScheduled || r.SendAt.After(now) {
			continue
		}
		if c, ok := m.campaigns.items[r.CampaignID]; !ok || c.Status != models.CampaignStatusActive {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSchedules) RequeueStaleSending(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.Status == models.MessageStatusSending && r.UpdatedAt.Before(before) {
			r.Status = models.MessageStatusScheduled
			r.UpdatedAt = m.clock.Now()
			n++
		}
	}
	return n, nil
}

func (m *memSchedules) ClaimSending(_ context.Context, id uint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.Status != models.MessageStatusScheduled {
		return false, nil
	}
	r.Status = models.MessageStatusSending
	r.UpdatedAt = m.clock.Now()
	return true, nil
}

func (m *memSchedules) MarkSent(_ context.Context, id uint, at time.Time, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok && r.Status == models.MessageStatusSending {
		r.Status = models.MessageStatusSent
		t := at
		r.SentAt = &t
		r.MessageID = messageID
		r.LastError = nil
		r.UpdatedAt = m.clock.Now()
	}
	return nil
}

func (m *memSchedules) MarkFailed(_ context.Context, id uint, sendErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok && r.Status == models.MessageStatusSending {
		r.Status = models.MessageStatusFailed
		msg := sendErr
		r.LastError = &msg
		r.UpdatedAt = m.clock.Now()
	}
	return nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "record not found" }

var errNotFound = notFoundError{}
