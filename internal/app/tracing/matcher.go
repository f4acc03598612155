package tracing

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/geostore"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/geo"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/metrics"
)

// Contact proximity constants: two pings count as a contact when they are
// within ContactRadiusMeters and ContactTimeSlack of each other.
const (
	ContactRadiusMeters = 10.0
	ContactTimeSlack    = 10 * time.Second
)

var ErrInvalidWindow = errors.New("window start is in the future")

// GeoStore is the slice of the ping store the matcher queries.
type GeoStore interface {
	PingsByUser(ctx context.Context, userID string, since time.Time) ([]geostore.LocationPing, error)
	PingsNear(ctx context.Context, point geo.Point, radiusMeters float64, from, to time.Time, excludeUserID string) ([]geostore.LocationPing, error)
}

// ContactCandidate is a proximity hit prior to deduplication: the exposed
// user's ping fell within the contact neighborhood of one of the infected
// user's infectious-window pings.
type ContactCandidate struct {
	InfectedUserID string
	ExposedUserID  string
	SourcePingID   string
	SourcePingAt   time.Time
}

// Matcher finds spatio-temporal contacts for a newly reported infection.
type Matcher struct {
	Geo GeoStore
	// QueryTimeout bounds each per-ping sub-query; zero disables the bound.
	QueryTimeout time.Duration
	Now          func() time.Time
}

func NewMatcher(geoStore GeoStore, queryTimeout time.Duration) *Matcher {
	return &Matcher{
		Geo:          geoStore,
		QueryTimeout: queryTimeout,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// FindContacts returns every candidate within the infectious window
// [windowStart, now]. Sub-queries for the infected user's pings run
// concurrently and join fail-fast: a single failure aborts the whole match,
// no partial contact sets are returned. Output ordering is not guaranteed.
func (m *Matcher) FindContacts(ctx context.Context, infectedUserID string, windowStart time.Time) ([]ContactCandidate, error) {
	now := m.Now()
	if windowStart.After(now) {
		return nil, ErrInvalidWindow
	}
	start := time.Now()
	defer func() { metrics.MatchDuration.Observe(time.Since(start).Seconds()) }()

	ownPings, err := m.Geo.PingsByUser(ctx, infectedUserID, windowStart)
	if err != nil {
		return nil, err
	}
	if len(ownPings) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var candidates []ContactCandidate

	g, groupCtx := errgroup.WithContext(ctx)
	for _, ping := range ownPings {
		ping := ping
		g.Go(func() error {
			queryCtx := groupCtx
			if m.QueryTimeout > 0 {
				var cancel context.CancelFunc
				queryCtx, cancel = context.WithTimeout(groupCtx, m.QueryTimeout)
				defer cancel()
			}

			nearby, err := m.Geo.PingsNear(
				queryCtx,
				ping.Location,
				ContactRadiusMeters,
				ping.RecordedAt.Add(-ContactTimeSlack),
				ping.RecordedAt.Add(ContactTimeSlack),
				infectedUserID,
			)
			if err != nil {
				return err
			}

			mu.Lock()
			for _, hit := range nearby {
				candidates = append(candidates, ContactCandidate{
					InfectedUserID: infectedUserID,
					ExposedUserID:  hit.UserID,
					SourcePingID:   hit.PingID,
					SourcePingAt:   hit.RecordedAt,
				})
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return candidates, nil
}
