package tracing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ContactEvent is a persisted, deduplicated exposure: the exposed user's
// source ping occurred within the contact neighborhood of one of the infected
// user's infectious-window pings. Never mutated, never deleted.
type ContactEvent struct {
	ExposedUserID  string    `json:"exposed_user_id"`
	InfectedUserID string    `json:"infected_user_id"`
	SourcePingID   string    `json:"source_ping_id"`
	SourcePingAt   time.Time `json:"source_ping_at"`
	CreatedAt      time.Time `json:"created_at"`
}

const createContactEventsTableSQL = `
CREATE TABLE IF NOT EXISTS contact_events (
  infected_user_id text NOT NULL,
  source_ping_id text NOT NULL,
  exposed_user_id text NOT NULL,
  source_ping_at timestamptz NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (infected_user_id, source_ping_id)
)`

const createContactEventsExposedIndexSQL = `
CREATE INDEX IF NOT EXISTS contact_events_exposed_idx
ON contact_events (exposed_user_id, source_ping_at)`

// The primary key carries the idempotency rule: re-running the matcher over
// the same report can never produce a second event for the same source ping.
const insertContactEventSQL = `
INSERT INTO contact_events (infected_user_id, source_ping_id, exposed_user_id, source_ping_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (infected_user_id, source_ping_id) DO NOTHING`

const createSuperspreaderCreditsTableSQL = `
CREATE TABLE IF NOT EXISTS superspreader_credits (
  report_id text NOT NULL,
  infector_id text NOT NULL,
  credited_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (report_id, infector_id)
)`

const insertSuperspreaderCreditSQL = `
INSERT INTO superspreader_credits (report_id, infector_id)
VALUES ($1, $2)
ON CONFLICT (report_id, infector_id) DO NOTHING`

const selectEventColumnsSQL = `
SELECT exposed_user_id, infected_user_id, source_ping_id, source_ping_at, created_at
FROM contact_events`

// Registry persists contact events with conflict-swallowing inserts.
type Registry struct {
	Pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{Pool: pool}
}

func (r *Registry) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createContactEventsTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createContactEventsExposedIndexSQL); err != nil {
		return err
	}
	_, err := r.Pool.Exec(ctx, createSuperspreaderCreditsTableSQL)
	return err
}

// Record inserts the candidate and reports whether a new event was created.
// A duplicate is not an error.
func (r *Registry) Record(ctx context.Context, candidate ContactCandidate) (bool, error) {
	tag, err := r.Pool.Exec(ctx, insertContactEventSQL,
		candidate.InfectedUserID,
		candidate.SourcePingID,
		candidate.ExposedUserID,
		candidate.SourcePingAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListForUser returns events where the user was exposed, newest first.
func (r *Registry) ListForUser(ctx context.Context, exposedUserID string) ([]ContactEvent, error) {
	rows, err := r.Pool.Query(ctx,
		selectEventColumnsSQL+` WHERE exposed_user_id = $1 ORDER BY source_ping_at DESC`,
		exposedUserID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListAll returns every recorded event, newest first.
func (r *Registry) ListAll(ctx context.Context) ([]ContactEvent, error) {
	rows, err := r.Pool.Query(ctx, selectEventColumnsSQL+` ORDER BY source_ping_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountRecentForUser counts the user's exposures with a source ping at or
// after since. The risk scorer reads this.
func (r *Registry) CountRecentForUser(ctx context.Context, exposedUserID string, since time.Time) (int, error) {
	var count int
	err := r.Pool.QueryRow(ctx,
		`SELECT count(*) FROM contact_events WHERE exposed_user_id = $1 AND source_ping_at >= $2`,
		exposedUserID, since,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// LatestContactSourceTime returns the source-ping timestamp of the user's
// most recent exposure. The foreveralone recompute reads this.
func (r *Registry) LatestContactSourceTime(ctx context.Context, exposedUserID string) (time.Time, bool, error) {
	var t time.Time
	err := r.Pool.QueryRow(ctx,
		`SELECT source_ping_at FROM contact_events WHERE exposed_user_id = $1 ORDER BY source_ping_at DESC LIMIT 1`,
		exposedUserID,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return t, true, nil
}

// CreditableInfectors returns, once per qualifying event, the infected user
// of each event where the given user was exposed with a source ping in
// [from, to). Superspreader crediting reads this.
func (r *Registry) CreditableInfectors(ctx context.Context, exposedUserID string, from, to time.Time) ([]string, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT infected_user_id
		 FROM contact_events
		 WHERE exposed_user_id = $1 AND source_ping_at >= $2 AND source_ping_at < $3`,
		exposedUserID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infectors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		infectors = append(infectors, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return infectors, nil
}

// ClaimCredit marks one (report, infector) credit as granted and reports
// whether this call won the claim. The primary key makes a redelivered report
// lose the claim, so the superspreader delta is applied at most once per pair.
func (r *Registry) ClaimCredit(ctx context.Context, reportID, infectorID string) (bool, error) {
	tag, err := r.Pool.Exec(ctx, insertSuperspreaderCreditSQL, reportID, infectorID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanEvents(rows pgx.Rows) ([]ContactEvent, error) {
	result := make([]ContactEvent, 0, 16)
	for rows.Next() {
		var e ContactEvent
		if err := rows.Scan(&e.ExposedUserID, &e.InfectedUserID, &e.SourcePingID, &e.SourcePingAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
