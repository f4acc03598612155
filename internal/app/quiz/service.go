package quiz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/achievements"
)

var (
	ErrSamePlayer     = errors.New("quiz: a match needs two distinct players")
	ErrNotParticipant = errors.New("quiz: user is not part of this match")
)

// Store is the persistence surface the service depends on.
type Store interface {
	InsertMatch(ctx context.Context, m Match) error
	GetMatch(ctx context.Context, matchID string) (Match, error)
	UpdateMatch(ctx context.Context, m Match) error
	ListMatchesForUser(ctx context.Context, userID string) ([]Match, error)
}

// TierApplier feeds the quizmaster track.
type TierApplier interface {
	ApplyDelta(ctx context.Context, userID string, kind achievements.Kind, delta float64) error
}

// EventNotifier pushes quiz activity to both participants.
type EventNotifier interface {
	NotifyQuizEvent(userID, matchID, event, detail string)
}

// Service manages quiz matches and round outcomes.
type Service struct {
	Repo     Store
	Tiers    TierApplier
	Notifier EventNotifier
	Now      func() time.Time
	NewID    func() string
}

func NewService(repo Store, tiers TierApplier, notifier EventNotifier, newID func() string) *Service {
	return &Service{
		Repo:     repo,
		Tiers:    tiers,
		Notifier: notifier,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    newID,
	}
}

// CreateMatch opens a match between two users and notifies both.
func (s *Service) CreateMatch(ctx context.Context, playerOneID, playerTwoID string) (Match, error) {
	if playerOneID == playerTwoID {
		return Match{}, ErrSamePlayer
	}
	match := Match{
		MatchID:     s.NewID(),
		PlayerOneID: playerOneID,
		PlayerTwoID: playerTwoID,
		CreatedAt:   s.Now(),
	}
	if err := s.Repo.InsertMatch(ctx, match); err != nil {
		return Match{}, err
	}
	s.Notifier.NotifyQuizEvent(playerOneID, match.MatchID, "match-created", playerTwoID)
	s.Notifier.NotifyQuizEvent(playerTwoID, match.MatchID, "match-created", playerOneID)
	return match, nil
}

// RecordRoundWinner credits a round to the winner, advances their quizmaster
// track and notifies both participants. Only a participant of the match may
// record a round.
func (s *Service) RecordRoundWinner(ctx context.Context, callerID, matchID, winnerID string) (Match, error) {
	match, err := s.Repo.GetMatch(ctx, matchID)
	if err != nil {
		return Match{}, err
	}
	if callerID != match.PlayerOneID && callerID != match.PlayerTwoID {
		return Match{}, ErrNotParticipant
	}

	switch winnerID {
	case match.PlayerOneID:
		match.ScoreOne++
	case match.PlayerTwoID:
		match.ScoreTwo++
	default:
		return Match{}, ErrNotParticipant
	}
	match.RoundsPlayed++

	if err := s.Repo.UpdateMatch(ctx, match); err != nil {
		return Match{}, err
	}
	if err := s.Tiers.ApplyDelta(ctx, winnerID, achievements.Quizmaster, 1); err != nil {
		return Match{}, fmt.Errorf("credit round winner: %w", err)
	}

	s.Notifier.NotifyQuizEvent(match.PlayerOneID, match.MatchID, "round-won", winnerID)
	s.Notifier.NotifyQuizEvent(match.PlayerTwoID, match.MatchID, "round-won", winnerID)
	return match, nil
}

// MatchesForUser lists the matches a user participates in.
func (s *Service) MatchesForUser(ctx context.Context, userID string) ([]Match, error) {
	return s.Repo.ListMatchesForUser(ctx, userID)
}
