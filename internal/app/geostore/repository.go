package geostore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/geo"
)

var ErrPingNotFound = errors.New("ping not found")

// LocationPing is an immutable geotagged sample for one user.
type LocationPing struct {
	PingID     string    `json:"ping_id"`
	UserID     string    `json:"user_id"`
	Location   geo.Point `json:"location"`
	RecordedAt time.Time `json:"recorded_at"`
}

const createPingsTableSQL = `
CREATE TABLE IF NOT EXISTS location_pings (
  ping_id text PRIMARY KEY,
  user_id text NOT NULL,
  longitude double precision NOT NULL,
  latitude double precision NOT NULL,
  recorded_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const createPingsUserTimeIndexSQL = `
CREATE INDEX IF NOT EXISTS location_pings_user_time_idx
ON location_pings (user_id, recorded_at)`

const createPingsTimeIndexSQL = `
CREATE INDEX IF NOT EXISTS location_pings_time_idx
ON location_pings (recorded_at)`

const insertPingSQL = `
INSERT INTO location_pings (ping_id, user_id, longitude, latitude, recorded_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ping_id) DO NOTHING`

// haversineMetersSQL computes the great-circle distance from ($1=lon, $2=lat)
// to a row's coordinates, in meters.
const haversineMetersSQL = `
6371000 * 2 * asin(least(1.0, sqrt(
  power(sin(radians((latitude - $2) / 2)), 2) +
  cos(radians($2)) * cos(radians(latitude)) *
  power(sin(radians((longitude - $1) / 2)), 2)
)))`

const pingsNearSQL = `
SELECT ping_id, user_id, longitude, latitude, recorded_at
FROM location_pings
WHERE recorded_at BETWEEN $4 AND $5
  AND user_id <> $6
  AND ` + haversineMetersSQL + ` <= $3
ORDER BY recorded_at`

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createPingsTableSQL, createPingsUserTimeIndexSQL, createPingsTimeIndexSQL} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertPings persists a validated batch in a single round trip.
func (r *Repository) InsertPings(ctx context.Context, pings []LocationPing) error {
	if len(pings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range pings {
		batch.Queue(insertPingSQL, p.PingID, p.UserID, p.Location.Longitude, p.Location.Latitude, p.RecordedAt)
	}
	results := r.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range pings {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// PingsByUser returns a user's pings with recorded_at >= since, oldest first.
func (r *Repository) PingsByUser(ctx context.Context, userID string, since time.Time) ([]LocationPing, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT ping_id, user_id, longitude, latitude, recorded_at
		 FROM location_pings
		 WHERE user_id = $1 AND recorded_at >= $2
		 ORDER BY recorded_at`,
		userID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPings(rows)
}

// PingsNear returns other users' pings within radiusMeters of point recorded
// inside [from, to], excluding excludeUserID.
func (r *Repository) PingsNear(ctx context.Context, point geo.Point, radiusMeters float64, from, to time.Time, excludeUserID string) ([]LocationPing, error) {
	rows, err := r.Pool.Query(ctx, pingsNearSQL,
		point.Longitude, point.Latitude, radiusMeters, from, to, excludeUserID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPings(rows)
}

// LastPingBefore returns the user's most recent ping strictly before t.
func (r *Repository) LastPingBefore(ctx context.Context, userID string, t time.Time) (LocationPing, error) {
	return r.queryOne(ctx,
		`SELECT ping_id, user_id, longitude, latitude, recorded_at
		 FROM location_pings
		 WHERE user_id = $1 AND recorded_at < $2
		 ORDER BY recorded_at DESC
		 LIMIT 1`,
		userID, t,
	)
}

// OldestPing returns the user's first recorded ping.
func (r *Repository) OldestPing(ctx context.Context, userID string) (LocationPing, error) {
	return r.queryOne(ctx,
		`SELECT ping_id, user_id, longitude, latitude, recorded_at
		 FROM location_pings
		 WHERE user_id = $1
		 ORDER BY recorded_at
		 LIMIT 1`,
		userID,
	)
}

func (r *Repository) queryOne(ctx context.Context, sql string, args ...any) (LocationPing, error) {
	var p LocationPing
	err := r.Pool.QueryRow(ctx, sql, args...).Scan(
		&p.PingID, &p.UserID, &p.Location.Longitude, &p.Location.Latitude, &p.RecordedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LocationPing{}, ErrPingNotFound
		}
		return LocationPing{}, err
	}
	return p, nil
}

func scanPings(rows pgx.Rows) ([]LocationPing, error) {
	result := make([]LocationPing, 0, 16)
	for rows.Next() {
		var p LocationPing
		if err := rows.Scan(&p.PingID, &p.UserID, &p.Location.Longitude, &p.Location.Latitude, &p.RecordedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
