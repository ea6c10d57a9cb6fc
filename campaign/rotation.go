package campaign

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"coldreach/models"
	"coldreach/repository"
)

// Rotation strategies
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyWeighted    Strategy = "weighted"
	StrategyHealthBased Strategy = "health_based"
	StrategyHybrid      Strategy = "hybrid"
)

// DefaultHealthFloor is the health score below which an account is excluded
// from rotation.
const DefaultHealthFloor = 50

// Availability is a point-in-time read of a sender's remaining capacity.
type Availability struct {
	CanSend         bool `json:"can_send"`
	DailyRemaining  int  `json:"daily_remaining"`
	HourlyRemaining int  `json:"hourly_remaining"`
	HealthScore     int  `json:"health_score"`
}

// Rotator selects sending accounts and tracks their consumption. Usage
// counters are shared across every campaign in an organization, so all
// increments go through the repository's atomic upsert.
type Rotator struct {
	Senders     repository.SenderRepository
	Clock       Clock
	HealthFloor int
	Logger      *logrus.Entry
}

func NewRotator(senders repository.SenderRepository, clock Clock, healthFloor int) *Rotator {
	if healthFloor <= 0 {
		healthFloor = DefaultHealthFloor
	}
	return &Rotator{
		Senders:     senders,
		Clock:       clock,
		HealthFloor: healthFloor,
		Logger:      logrus.WithField("component", "rotator"),
	}
}

// CheckAvailability reads current counters against limits for one sender.
// Buckets are derived in loc, the owning campaign's timezone.
func (r *Rotator) CheckAvailability(ctx context.Context, senderID uint, loc *time.Location) (*Availability, error) {
	sender, err := r.Senders.GetByID(ctx, senderID)
	if err != nil {
		return nil, err
	}
	daily, hourly, err := r.Senders.UsageFor(ctx, senderID, r.Clock.Now(), loc)
	if err != nil {
		return nil, err
	}

	av := &Availability{
		DailyRemaining:  sender.DailyLimit - daily,
		HourlyRemaining: sender.HourlyLimit - hourly,
		HealthScore:     sender.HealthScore,
	}
	av.CanSend = sender.Status == models.SenderStatusActive &&
		av.DailyRemaining > 0 &&
		av.HourlyRemaining > 0 &&
		sender.HealthScore >= r.HealthFloor
	return av, nil
}

// NextAvailable returns up to count sendable accounts for the organization,
// ordered by strategy. A nil senderIDs means every account in the org;
// campaigns pass their configured subset. Fewer than count accounts is a
// normal outcome, not an error: callers must handle a short list.
func (r *Rotator) NextAvailable(ctx context.Context, orgID uint, senderIDs []uint, count int, strategy Strategy, loc *time.Location) ([]models.Sender, error) {
	senders, err := r.Senders.FetchEligibleSenders(ctx, orgID, senderIDs)
	if err != nil {
		return nil, err
	}

	eligible := r.FilterHealthy(senders)
	RankSenders(eligible, strategy)

	picked := make([]models.Sender, 0, count)
	for _, s := range eligible {
		if len(picked) == count {
			break
		}
		av, err := r.CheckAvailability(ctx, s.ID, loc)
		if err != nil {
			return nil, err
		}
		if av.CanSend {
			picked = append(picked, s)
		}
	}
	if len(picked) < count {
		r.Logger.WithFields(logrus.Fields{
			"organization_id": orgID,
			"requested":       count,
			"available":       len(picked),
		}).Debug("fewer senders available than requested")
	}
	return picked, nil
}

// RecordAssignment atomically bumps the day/hour counters for a send at the
// given instant and refreshes rotation bookkeeping.
func (r *Rotator) RecordAssignment(ctx context.Context, senderID uint, at time.Time, loc *time.Location, n int) error {
	if err := r.Senders.IncrementUsage(ctx, senderID, at, loc, n); err != nil {
		return err
	}
	return r.Senders.TouchLastAssigned(ctx, senderID, r.Clock.Now())
}

// FilterHealthy drops non-active accounts and accounts below the health floor.
func (r *Rotator) FilterHealthy(senders []models.Sender) []models.Sender {
	out := make([]models.Sender, 0, len(senders))
	for _, s := range senders {
		if s.Status == models.SenderStatusActive && s.HealthScore >= r.HealthFloor {
			out = append(out, s)
		}
	}
	return out
}

// RankSenders orders senders in place by the rotation strategy. Lower
// RotationPriority ranks first; a sender never assigned counts as least
// recently used. Ties always fall back to id order so ranking is stable
// across identical inputs.
func RankSenders(senders []models.Sender, strategy Strategy) {
	sort.SliceStable(senders, func(i, j int) bool {
		a, b := senders[i], senders[j]
		switch strategy {
		case StrategyRoundRobin:
			if !lastAssignedEqual(a, b) {
				return lessRecentlyUsed(a, b)
			}
		case StrategyWeighted:
			if a.RotationWeight != b.RotationWeight {
				return a.RotationWeight > b.RotationWeight
			}
			if a.RotationPriority != b.RotationPriority {
				return a.RotationPriority < b.RotationPriority
			}
		case StrategyHealthBased:
			if a.HealthScore != b.HealthScore {
				return a.HealthScore > b.HealthScore
			}
		default: // hybrid
			sa := hybridScore(a)
			sb := hybridScore(b)
			if sa != sb {
				return sa > sb
			}
			if a.RotationPriority != b.RotationPriority {
				return a.RotationPriority < b.RotationPriority
			}
			if !lastAssignedEqual(a, b) {
				return lessRecentlyUsed(a, b)
			}
		}
		return a.ID < b.ID
	})
}

func hybridScore(s models.Sender) float64 {
	return float64(s.RotationWeight) * float64(s.HealthScore) / 100.0
}

func lastAssignedEqual(a, b models.Sender) bool {
	if a.LastAssignedAt == nil || b.LastAssignedAt == nil {
		return a.LastAssignedAt == nil && b.LastAssignedAt == nil
	}
	return a.LastAssignedAt.Equal(*b.LastAssignedAt)
}

func lessRecentlyUsed(a, b models.Sender) bool {
	if a.LastAssignedAt == nil {
		return true
	}
	if b.LastAssignedAt == nil {
		return false
	}
	return a.LastAssignedAt.Before(*b.LastAssignedAt)
}
