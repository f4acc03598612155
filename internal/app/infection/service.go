package infection

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nuid"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/contracts"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/sharding"
)

var (
	ErrInvalidStatus     = errors.New("status must be infected or recovered")
	ErrTestDateRequired  = errors.New("date_of_test is required")
	ErrTestDateInFuture  = errors.New("date_of_test must not be in the future")
	ErrEstimateAfterTest = errors.New("occurred_date_estimation must not be after date_of_test")
)

type PublishFunc func(subject string, payload []byte) error

// Inserter is the slice of the repository the reporting service writes to.
type Inserter interface {
	InsertReport(ctx context.Context, report Report) error
}

// SubmitRequest is a client-supplied infection report.
type SubmitRequest struct {
	Status                 string     `json:"status"`
	DateOfTest             time.Time  `json:"date_of_test"`
	OccurredDateEstimation *time.Time `json:"occurred_date_estimation,omitempty"`
}

// Service validates and persists reports and announces them on the bus.
type Service struct {
	Repo    Inserter
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

func NewService(repo Inserter, publish PublishFunc) *Service {
	return &Service{
		Repo:    repo,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   nuid.Next,
	}
}

func (s *Service) Submit(ctx context.Context, userID string, req SubmitRequest) (Report, error) {
	if req.Status != contracts.StatusInfected && req.Status != contracts.StatusRecovered {
		return Report{}, ErrInvalidStatus
	}
	if req.DateOfTest.IsZero() {
		return Report{}, ErrTestDateRequired
	}
	now := s.Now()
	if req.DateOfTest.After(now) {
		return Report{}, ErrTestDateInFuture
	}
	if req.OccurredDateEstimation != nil && req.OccurredDateEstimation.After(req.DateOfTest) {
		return Report{}, ErrEstimateAfterTest
	}

	report := Report{
		ReportID:               s.NewID(),
		UserID:                 userID,
		Status:                 req.Status,
		DateOfTest:             req.DateOfTest,
		OccurredDateEstimation: req.OccurredDateEstimation,
		ReportedAt:             now,
	}
	if err := s.Repo.InsertReport(ctx, report); err != nil {
		return Report{}, err
	}

	msg := contracts.InfectionReported{
		ReportID:               report.ReportID,
		UserID:                 report.UserID,
		Status:                 report.Status,
		DateOfTest:             report.DateOfTest,
		OccurredDateEstimation: report.OccurredDateEstimation,
		ReportedAt:             report.ReportedAt,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Report{}, err
	}
	if err := s.Publish(sharding.ReportSubject(report.Status, userID), payload); err != nil {
		return Report{}, err
	}
	return report, nil
}
