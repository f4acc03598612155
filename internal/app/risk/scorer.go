package risk

import (
	"context"
	"time"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/contracts"
)

// RecentContactWindow is how far back exposures count toward the score.
const RecentContactWindow = 14 * 24 * time.Hour

// StatusSource answers a user's current infection status.
type StatusSource interface {
	CurrentStatus(ctx context.Context, userID string) (string, bool, error)
}

// ContactSource counts a user's recent exposures.
type ContactSource interface {
	CountRecentForUser(ctx context.Context, exposedUserID string, since time.Time) (int, error)
}

// PopulationSource provides the aggregate counts the heuristic weighs
// individual exposure against.
type PopulationSource interface {
	CountCurrentlyInfected(ctx context.Context) (int, error)
	CountUsers(ctx context.Context) (int, error)
}

// Scorer computes a heuristic infection-risk score.
type Scorer struct {
	Statuses   StatusSource
	Contacts   ContactSource
	Population PopulationSource
	Now        func() time.Time
}

func NewScorer(statuses StatusSource, contacts ContactSource, population PopulationSource) *Scorer {
	return &Scorer{
		Statuses:   statuses,
		Contacts:   contacts,
		Population: population,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Score returns 100 for a currently infected user, 0 for a recovered one, and
// otherwise a weighted ratio of the user's recent exposures and the currently
// infected share of the population, truncated to an integer and capped at 99.
func (s *Scorer) Score(ctx context.Context, userID string) (int, error) {
	status, known, err := s.Statuses.CurrentStatus(ctx, userID)
	if err != nil {
		return 0, err
	}
	if known {
		switch status {
		case contracts.StatusInfected:
			return 100, nil
		case contracts.StatusRecovered:
			return 0, nil
		}
	}

	since := s.Now().Add(-RecentContactWindow)
	recentContacts, err := s.Contacts.CountRecentForUser(ctx, userID, since)
	if err != nil {
		return 0, err
	}
	infected, err := s.Population.CountCurrentlyInfected(ctx)
	if err != nil {
		return 0, err
	}
	total, err := s.Population.CountUsers(ctx)
	if err != nil {
		return 0, err
	}

	denominator := recentContacts + infected + total
	if denominator == 0 {
		return 0, nil
	}

	raw := (float64(recentContacts)*5 + float64(infected)*0.3) / float64(denominator) * 100
	if raw >= 100 {
		return 99, nil
	}
	return int(raw), nil
}
