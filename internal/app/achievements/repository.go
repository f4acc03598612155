package achievements

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createProgressTableSQL = `
CREATE TABLE IF NOT EXISTS achievement_progress (
  user_id text NOT NULL,
  kind text NOT NULL,
  badge text NOT NULL DEFAULT 'none',
  remaining double precision NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, kind)
)`

const selectForUpdateSQL = `
SELECT badge, remaining
FROM achievement_progress
WHERE user_id = $1 AND kind = $2
FOR UPDATE`

const updateProgressSQL = `
UPDATE achievement_progress
SET badge = $3, remaining = $4, updated_at = now()
WHERE user_id = $1 AND kind = $2`

const createSignalClaimsTableSQL = `
CREATE TABLE IF NOT EXISTS achievement_signal_claims (
  batch_id text NOT NULL,
  track text NOT NULL,
  claimed_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (batch_id, track)
)`

const insertSignalClaimSQL = `
INSERT INTO achievement_signal_claims (batch_id, track)
VALUES ($1, $2)
ON CONFLICT (batch_id, track) DO NOTHING`

const deleteSignalClaimSQL = `
DELETE FROM achievement_signal_claims
WHERE batch_id = $1 AND track = $2`

const insertDefaultSQL = `
INSERT INTO achievement_progress (user_id, kind, badge, remaining)
VALUES ($1, $2, 'none', $3)
ON CONFLICT (user_id, kind) DO NOTHING`

// badgeRankSQL maps badge names to their order for rank comparisons.
const badgeRankSQL = `
CASE badge
  WHEN 'gold' THEN 3
  WHEN 'silver' THEN 2
  WHEN 'bronze' THEN 1
  ELSE 0
END`

const rankCountSQL = `
SELECT count(*)
FROM achievement_progress ap
JOIN users u ON u.id = ap.user_id
WHERE ap.kind = $1
  AND ap.user_id <> $2
  AND NOT u.is_admin
  AND ` + badgeRankSQL + ` >= $3`

const totalUsersSQL = `
SELECT count(*) FROM users WHERE NOT is_admin`

// PostgresStore implements Store with row-level locking so concurrent
// ApplyDelta calls for the same (user, kind) serialize at the database.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createProgressTableSQL); err != nil {
		return err
	}
	_, err := s.Pool.Exec(ctx, createSignalClaimsTableSQL)
	return err
}

// ClaimSignal reports whether this call won the (batch, track) claim.
func (s *PostgresStore) ClaimSignal(ctx context.Context, batchID, track string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, insertSignalClaimSQL, batchID, track)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseSignal(ctx context.Context, batchID, track string) error {
	_, err := s.Pool.Exec(ctx, deleteSignalClaimSQL, batchID, track)
	return err
}

func (s *PostgresStore) Mutate(ctx context.Context, userID string, kind Kind, fn func(p *Progress) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p := Progress{UserID: userID, Kind: kind}
	err = tx.QueryRow(ctx, selectForUpdateSQL, userID, string(kind)).Scan(&p.Badge, &p.Remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if err := fn(&p); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, updateProgressSQL, userID, string(kind), string(p.Badge), p.Remaining); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListForUser(ctx context.Context, userID string) ([]Progress, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT kind, badge, remaining
		 FROM achievement_progress
		 WHERE user_id = $1
		 ORDER BY kind`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Progress, 0, len(Kinds))
	for rows.Next() {
		p := Progress{UserID: userID}
		if err := rows.Scan(&p.Kind, &p.Badge, &p.Remaining); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) CreateDefaults(ctx context.Context, userID string) error {
	batch := &pgx.Batch{}
	for _, kind := range Kinds {
		batch.Queue(insertDefaultSQL, userID, string(kind), thresholds[kind].Bronze)
	}
	results := s.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range Kinds {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) RankCounts(ctx context.Context, userID string, kind Kind, badge Badge) (int, int, error) {
	var atOrAbove int
	if err := s.Pool.QueryRow(ctx, rankCountSQL, string(kind), userID, badge.Rank()).Scan(&atOrAbove); err != nil {
		return 0, 0, err
	}
	var total int
	if err := s.Pool.QueryRow(ctx, totalUsersSQL).Scan(&total); err != nil {
		return 0, 0, err
	}
	return atOrAbove, total, nil
}
