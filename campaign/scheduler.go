package campaign

import (
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"

	"coldreach/models"
	"coldreach/utils"
)

// Safety valve for a single lead's slot search; reached only by a
// configuration no slot can ever satisfy. Lead list size must never trip it.
const maxSlotAttempts = 50000

// Assignment is one planned send: a lead/step pair bound to a sender and an
// instant, content already rendered.
type Assignment struct {
	LeadID        uint      `json:"lead_id"`
	SequenceStep  int       `json:"sequence_step"`
	SenderID      uint      `json:"sender_id"`
	SendAt        time.Time `json:"send_at"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	TrackingToken string    `json:"tracking_token"`
}

// Row materializes the assignment as a schedule row for the campaign.
func (a Assignment) Row(campaignID uint) models.ScheduledMessage {
	return models.ScheduledMessage{
		CampaignID:    campaignID,
		LeadID:        a.LeadID,
		SequenceStep:  a.SequenceStep,
		SenderID:      a.SenderID,
		SendAt:        a.SendAt,
		Status:        models.MessageStatusScheduled,
		Subject:       a.Subject,
		Body:          a.Body,
		TrackingToken: a.TrackingToken,
	}
}

// BucketLoad counts consumption per day/hour bucket key.
type BucketLoad struct {
	Day  map[string]int
	Hour map[string]int
}

// NewBucketLoad returns an empty load.
func NewBucketLoad() BucketLoad {
	return BucketLoad{Day: map[string]int{}, Hour: map[string]int{}}
}

func (b BucketLoad) add(t time.Time, loc *time.Location, n int) {
	b.Day[models.DayBucket(t, loc)] += n
	b.Hour[models.HourBucket(t, loc)] += n
}

// SenderLoad seeds a planning pass with consumption that exists outside it:
// usage counters plus rows already scheduled for the account by any campaign.
type SenderLoad struct {
	Buckets BucketLoad
	// LastSlot is the latest already-planned send instant for the account,
	// zero when none. Fresh cursors start no earlier than LastSlot plus the
	// sending interval.
	LastSlot time.Time
}

// PlanLoad is the full capacity snapshot a plan starts from.
type PlanLoad struct {
	Senders  map[uint]SenderLoad
	Campaign BucketLoad
}

// NewPlanLoad returns an empty snapshot.
func NewPlanLoad() PlanLoad {
	return PlanLoad{Senders: map[uint]SenderLoad{}, Campaign: NewBucketLoad()}
}

// Scheduler assigns every lead's initial email a sender and a send instant,
// spreading work across accounts ("perfect rotation") while honoring sending
// windows, active days, pacing intervals and every per-account and
// per-campaign day/hour cap. Output is deterministic for identical inputs.
type Scheduler struct {
	Personalizer *Personalizer
	Clock        Clock
	HealthFloor  int
	Logger       *logrus.Entry
}

func NewScheduler(clock Clock, healthFloor int) *Scheduler {
	if healthFloor <= 0 {
		healthFloor = DefaultHealthFloor
	}
	return &Scheduler{
		Personalizer: NewPersonalizer(),
		Clock:        clock,
		HealthFloor:  healthFloor,
		Logger:       logrus.WithField("component", "scheduler"),
	}
}

// senderCursor is per-account planning state: the next candidate slot plus
// projected consumption including assignments made earlier in this same pass.
type senderCursor struct {
	sender  models.Sender
	next    time.Time
	buckets BucketLoad
	lastSeq int // ordinal of this account's latest assignment, -1 when unused
}

// Plan schedules the initial sequence step for every lead. Follow-up steps
// are intentionally absent: they are materialized later, anchored to their
// predecessor's actual send instant. Scheduling never fails for lack of
// capacity, only spills into future windows; it does fail when no eligible
// account exists at all.
func (s *Scheduler) Plan(leads []models.Lead, senders []models.Sender, steps []models.SequenceStep, cfg models.SendingConfig) ([]Assignment, error) {
	return s.PlanWithLoad(leads, senders, steps, cfg, NewPlanLoad())
}

// PlanWithLoad is Plan seeded with existing consumption.
func (s *Scheduler) PlanWithLoad(leads []models.Lead, senders []models.Sender, steps []models.SequenceStep, cfg models.SendingConfig, load PlanLoad) ([]Assignment, error) {
	loc, err := s.validate(steps, cfg)
	if err != nil {
		return nil, err
	}

	cursors := s.buildCursors(senders, cfg, loc, load)
	if len(cursors) == 0 {
		return nil, ErrNoSendersAvailable
	}

	campaign := load.Campaign
	if campaign.Day == nil {
		campaign = NewBucketLoad()
	}

	initial := steps[0]
	assignments := make([]Assignment, 0, len(leads))

	for _, lead := range leads {
		if err := checkmail.ValidateFormat(lead.Email); err != nil {
			s.Logger.WithFields(logrus.Fields{
				"lead_id": lead.ID,
				"email":   lead.Email,
			}).Warn("skipping lead with malformed email")
			continue
		}

		placed := false
		attempts := 0
		for !placed {
			attempts++
			if attempts > maxSlotAttempts {
				return nil, &ValidationError{Reason: "could not place leads within the configured limits"}
			}

			chosen := s.pickCursor(cursors, cfg, campaign, loc)
			if chosen == nil {
				s.advanceEarliest(cursors, cfg, campaign, loc)
				continue
			}

			sendAt := chosen.next
			seed := lead.Email
			assignments = append(assignments, Assignment{
				LeadID:        lead.ID,
				SequenceStep:  initial.StepNumber,
				SenderID:      chosen.sender.ID,
				SendAt:        sendAt,
				Subject:       s.Personalizer.Render(initial.Subject, &lead, seed),
				Body:          s.Personalizer.Render(initial.Body, &lead, seed),
				TrackingToken: utils.NewTrackingToken(),
			})

			chosen.buckets.add(sendAt, loc, 1)
			campaign.add(sendAt, loc, 1)
			chosen.lastSeq = len(assignments) - 1

			step := time.Duration(cfg.SendingIntervalMinutes+jitterOffset(chosen.sender.ID, len(assignments), cfg.JitterMinutes)) * time.Minute
			if step < time.Minute {
				step = time.Minute
			}
			chosen.next = clipToWindow(sendAt.Add(step), cfg, loc)
			placed = true
		}
	}

	return assignments, nil
}

// PlanFollowUp materializes the next sequence step for a lead whose
// predecessor is due or sent, anchored to the predecessor's send instant plus
// the step's delay and clipped into the sending window.
func (s *Scheduler) PlanFollowUp(c *models.Campaign, lead *models.Lead, prev *models.ScheduledMessage, next models.SequenceStep, senderID uint) (*Assignment, error) {
	loc, err := time.LoadLocation(c.Sending.Timezone)
	if err != nil {
		return nil, &ValidationError{Field: "timezone", Reason: err.Error()}
	}

	seed := lead.Email
	subject := s.Personalizer.Render(next.Subject, lead, seed)
	if next.ReplyToSameThread && next.Subject == "" {
		subject = "Re: " + prev.Subject
	}

	return &Assignment{
		LeadID:        lead.ID,
		SequenceStep:  next.StepNumber,
		SenderID:      senderID,
		SendAt:        clipToWindow(prev.SendAt.AddDate(0, 0, next.DelayDays), c.Sending, loc),
		Subject:       subject,
		Body:          s.Personalizer.Render(next.Body, lead, seed),
		TrackingToken: utils.NewTrackingToken(),
	}, nil
}

func (s *Scheduler) validate(steps []models.SequenceStep, cfg models.SendingConfig) (*time.Location, error) {
	if len(steps) == 0 {
		return nil, &ValidationError{Field: "sequence", Reason: "campaign has no sequence steps"}
	}
	if cfg.SendingIntervalMinutes < 1 {
		return nil, &ValidationError{Field: "sending_interval_minutes", Reason: "must be at least 1"}
	}
	if cfg.EmailsPerDay < 1 || cfg.EmailsPerHour < 1 {
		return nil, &ValidationError{Field: "emails_per_day", Reason: "daily and hourly volumes must be at least 1"}
	}
	if cfg.SendingHourStart >= cfg.SendingHourEnd {
		return nil, &ValidationError{Field: "sending_hours", Reason: "window start must precede end"}
	}
	if len(cfg.ActiveDays) == 0 {
		return nil, &ValidationError{Field: "active_days", Reason: "at least one active day required"}
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, &ValidationError{Field: "timezone", Reason: err.Error()}
	}
	return loc, nil
}

func (s *Scheduler) buildCursors(senders []models.Sender, cfg models.SendingConfig, loc *time.Location, load PlanLoad) []*senderCursor {
	now := s.Clock.Now()
	cursors := make([]*senderCursor, 0, len(senders))
	for _, sender := range senders {
		if sender.Status != models.SenderStatusActive || sender.HealthScore < s.HealthFloor {
			continue
		}
		if sender.DailyLimit < 1 || sender.HourlyLimit < 1 {
			continue
		}

		base := now
		seed := load.Senders[sender.ID]
		if !seed.LastSlot.IsZero() {
			next := seed.LastSlot.Add(time.Duration(cfg.SendingIntervalMinutes) * time.Minute)
			if next.After(base) {
				base = next
			}
		}
		buckets := seed.Buckets
		if buckets.Day == nil {
			buckets = NewBucketLoad()
		}

		cursors = append(cursors, &senderCursor{
			sender:  sender,
			next:    clipToWindow(base, cfg, loc),
			buckets: buckets,
			lastSeq: -1,
		})
	}
	return cursors
}

// pickCursor ranks accounts hybrid-style over projected state and returns the
// best one with capacity at its candidate slot, or nil when every account is
// blocked at its current cursor.
func (s *Scheduler) pickCursor(cursors []*senderCursor, cfg models.SendingConfig, campaign BucketLoad, loc *time.Location) *senderCursor {
	ranked := make([]*senderCursor, len(cursors))
	copy(ranked, cursors)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		sa, sb := hybridScore(a.sender), hybridScore(b.sender)
		if sa != sb {
			return sa > sb
		}
		if a.sender.RotationPriority != b.sender.RotationPriority {
			return a.sender.RotationPriority < b.sender.RotationPriority
		}
		if a.lastSeq != b.lastSeq {
			return a.lastSeq < b.lastSeq
		}
		return a.sender.ID < b.sender.ID
	})

	for _, c := range ranked {
		if s.hasCapacity(c, cfg, campaign, loc) {
			return c
		}
	}
	return nil
}

func (s *Scheduler) hasCapacity(c *senderCursor, cfg models.SendingConfig, campaign BucketLoad, loc *time.Location) bool {
	day := models.DayBucket(c.next, loc)
	hour := models.HourBucket(c.next, loc)
	if c.buckets.Day[day] >= c.sender.DailyLimit || c.buckets.Hour[hour] >= c.sender.HourlyLimit {
		return false
	}
	if campaign.Day[day] >= cfg.EmailsPerDay || campaign.Hour[hour] >= cfg.EmailsPerHour {
		return false
	}
	return true
}

// advanceEarliest moves the account with the earliest cursor past its
// exhausted bucket: to the next hour when only the hour is full, otherwise to
// the next active day's window start.
func (s *Scheduler) advanceEarliest(cursors []*senderCursor, cfg models.SendingConfig, campaign BucketLoad, loc *time.Location) {
	var earliest *senderCursor
	for _, c := range cursors {
		if earliest == nil || c.next.Before(earliest.next) {
			earliest = c
		}
	}
	if earliest == nil {
		return
	}

	t := earliest.next
	day := models.DayBucket(t, loc)
	if earliest.buckets.Day[day] >= earliest.sender.DailyLimit || campaign.Day[day] >= cfg.EmailsPerDay {
		next := t.In(loc)
		next = time.Date(next.Year(), next.Month(), next.Day(), cfg.SendingHourStart, 0, 0, 0, loc).AddDate(0, 0, 1)
		earliest.next = clipToWindow(next, cfg, loc)
		return
	}
	local := t.In(loc)
	nextHour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc).Add(time.Hour)
	earliest.next = clipToWindow(nextHour, cfg, loc)
}

// clipToWindow pushes t forward to the next instant inside the sending window
// on an active day, in the campaign zone. Instants already inside the window
// pass through unchanged.
func clipToWindow(t time.Time, cfg models.SendingConfig, loc *time.Location) time.Time {
	local := t.In(loc)
	for i := 0; i < 366; i++ {
		if cfg.DayActive(local.Weekday()) {
			switch {
			case local.Hour() < cfg.SendingHourStart:
				local = time.Date(local.Year(), local.Month(), local.Day(), cfg.SendingHourStart, 0, 0, 0, loc)
				continue
			case local.Hour() < cfg.SendingHourEnd:
				return local
			}
		}
		local = time.Date(local.Year(), local.Month(), local.Day(), cfg.SendingHourStart, 0, 0, 0, loc).AddDate(0, 0, 1)
	}
	return local
}

// jitterOffset derives a deterministic offset in [-bound, bound] minutes so
// repeated plans over identical inputs produce identical timestamps.
func jitterOffset(senderID uint, ordinal, bound int) int {
	if bound <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatUint(uint64(senderID), 10)))
	h.Write([]byte("/"))
	h.Write([]byte(strconv.Itoa(ordinal)))
	span := uint32(2*bound + 1)
	return int(h.Sum32()%span) - bound
}
