package quiz

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrMatchNotFound = errors.New("quiz: match not found")

// Match is a head-to-head quiz between two users. Scores count won rounds.
type Match struct {
	MatchID      string    `json:"match_id"`
	PlayerOneID  string    `json:"player_one_id"`
	PlayerTwoID  string    `json:"player_two_id"`
	ScoreOne     int       `json:"score_one"`
	ScoreTwo     int       `json:"score_two"`
	RoundsPlayed int       `json:"rounds_played"`
	CreatedAt    time.Time `json:"created_at"`
}

const createQuizTablesSQL = `
CREATE TABLE IF NOT EXISTS quiz_matches (
  match_id text PRIMARY KEY,
  player_one_id text NOT NULL,
  player_two_id text NOT NULL,
  score_one integer NOT NULL DEFAULT 0,
  score_two integer NOT NULL DEFAULT 0,
  rounds_played integer NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL
)`

// Repository persists quiz matches.
type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createQuizTablesSQL)
	return err
}

func (r *Repository) InsertMatch(ctx context.Context, m Match) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO quiz_matches (match_id, player_one_id, player_two_id, score_one, score_two, rounds_played, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.MatchID, m.PlayerOneID, m.PlayerTwoID, m.ScoreOne, m.ScoreTwo, m.RoundsPlayed, m.CreatedAt,
	)
	return err
}

func (r *Repository) GetMatch(ctx context.Context, matchID string) (Match, error) {
	var m Match
	err := r.Pool.QueryRow(ctx,
		`SELECT match_id, player_one_id, player_two_id, score_one, score_two, rounds_played, created_at
		 FROM quiz_matches WHERE match_id = $1`,
		matchID,
	).Scan(&m.MatchID, &m.PlayerOneID, &m.PlayerTwoID, &m.ScoreOne, &m.ScoreTwo, &m.RoundsPlayed, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrMatchNotFound
		}
		return Match{}, err
	}
	return m, nil
}

func (r *Repository) UpdateMatch(ctx context.Context, m Match) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE quiz_matches SET score_one = $2, score_two = $3, rounds_played = $4 WHERE match_id = $1`,
		m.MatchID, m.ScoreOne, m.ScoreTwo, m.RoundsPlayed,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMatchNotFound
	}
	return nil
}

func (r *Repository) ListMatchesForUser(ctx context.Context, userID string) ([]Match, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT match_id, player_one_id, player_two_id, score_one, score_two, rounds_played, created_at
		 FROM quiz_matches WHERE player_one_id = $1 OR player_two_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := make([]Match, 0, 8)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.MatchID, &m.PlayerOneID, &m.PlayerTwoID, &m.ScoreOne, &m.ScoreTwo, &m.RoundsPlayed, &m.CreatedAt); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}
