package infection

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoReport = errors.New("no infection report")

// Report is an immutable infection status report. Multiple reports per user
// are allowed; the most recent by DateOfTest wins.
type Report struct {
	ReportID               string     `json:"report_id"`
	UserID                 string     `json:"user_id"`
	Status                 string     `json:"status"`
	DateOfTest             time.Time  `json:"date_of_test"`
	OccurredDateEstimation *time.Time `json:"occurred_date_estimation,omitempty"`
	ReportedAt             time.Time  `json:"reported_at"`
}

const createReportsTableSQL = `
CREATE TABLE IF NOT EXISTS infection_reports (
  report_id text PRIMARY KEY,
  user_id text NOT NULL,
  status text NOT NULL,
  date_of_test timestamptz NOT NULL,
  occurred_date_estimation timestamptz,
  reported_at timestamptz NOT NULL DEFAULT now()
)`

const createReportsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS infection_reports_user_test_idx
ON infection_reports (user_id, date_of_test DESC)`

const insertReportSQL = `
INSERT INTO infection_reports (report_id, user_id, status, date_of_test, occurred_date_estimation, reported_at)
VALUES ($1, $2, $3, $4, $5, $6)`

const latestReportSQL = `
SELECT report_id, user_id, status, date_of_test, occurred_date_estimation, reported_at
FROM infection_reports
WHERE user_id = $1
ORDER BY date_of_test DESC
LIMIT 1`

const countInfectedSQL = `
SELECT count(*)
FROM (
  SELECT DISTINCT ON (user_id) status
  FROM infection_reports
  ORDER BY user_id, date_of_test DESC
) latest
WHERE status = 'infected'`

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createReportsTableSQL); err != nil {
		return err
	}
	_, err := r.Pool.Exec(ctx, createReportsUserIndexSQL)
	return err
}

func (r *Repository) InsertReport(ctx context.Context, report Report) error {
	_, err := r.Pool.Exec(ctx, insertReportSQL,
		report.ReportID,
		report.UserID,
		report.Status,
		report.DateOfTest,
		report.OccurredDateEstimation,
		report.ReportedAt,
	)
	return err
}

// LatestByUser returns the authoritative report for a user.
func (r *Repository) LatestByUser(ctx context.Context, userID string) (Report, error) {
	var report Report
	err := r.Pool.QueryRow(ctx, latestReportSQL, userID).Scan(
		&report.ReportID,
		&report.UserID,
		&report.Status,
		&report.DateOfTest,
		&report.OccurredDateEstimation,
		&report.ReportedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, ErrNoReport
		}
		return Report{}, err
	}
	return report, nil
}

// CurrentStatus adapts LatestByUser to the achievement recompute interface.
func (r *Repository) CurrentStatus(ctx context.Context, userID string) (string, bool, error) {
	report, err := r.LatestByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoReport) {
			return "", false, nil
		}
		return "", false, err
	}
	return report.Status, true, nil
}

// CountCurrentlyInfected counts users whose latest report says infected.
func (r *Repository) CountCurrentlyInfected(ctx context.Context) (int, error) {
	var count int
	if err := r.Pool.QueryRow(ctx, countInfectedSQL).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
