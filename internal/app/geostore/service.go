package geostore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nuid"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/contracts"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/geo"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/metrics"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/sharding"
)

var ErrEmptyBatch = errors.New("ping batch is empty")
var ErrTimestampRequired = errors.New("ping timestamp is required")

type PublishFunc func(subject string, payload []byte) error

// Inserter is the slice of the repository the ingestion service writes to.
type Inserter interface {
	InsertPings(ctx context.Context, pings []LocationPing) error
}

// PingUpload is one client-supplied location sample.
type PingUpload struct {
	Location   geo.Point `json:"location"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Service validates and persists ping batches and announces them on the bus.
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

// IngestBatch rejects the whole batch before any persistence attempt when a
// single ping is malformed.
func (s *Service) IngestBatch(ctx context.Context, userID string, uploads []PingUpload) ([]LocationPing, error) {
	if len(uploads) == 0 {
		return nil, ErrEmptyBatch
	}

	pings := make([]LocationPing, 0, len(uploads))
	firstAt := uploads[0].RecordedAt
	lastAt := uploads[0].RecordedAt
	for _, u := range uploads {
		if err := u.Location.Validate(); err != nil {
			return nil, err
		}
		if u.RecordedAt.IsZero() {
			return nil, ErrTimestampRequired
		}
		if u.RecordedAt.Before(firstAt) {
			firstAt = u.RecordedAt
		}
		if u.RecordedAt.After(lastAt) {
			lastAt = u.RecordedAt
		}
		pings = append(pings, LocationPing{
			PingID:     s.NewID(),
			UserID:     userID,
			Location:   u.Location,
			RecordedAt: u.RecordedAt,
		})
	}

	if err := s.Repo.InsertPings(ctx, pings); err != nil {
		return nil, err
	}
	metrics.PingsIngestedTotal.Add(float64(len(pings)))

	msg := contracts.PingBatchRecorded{
		BatchID:    s.NewID(),
		UserID:     userID,
		PingCount:  len(pings),
		FirstAt:    firstAt,
		LastAt:     lastAt,
		RecordedAt: s.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := s.Publish(sharding.PingSubject(userID), payload); err != nil {
		return nil, err
	}
	return pings, nil
}
