package achievements

import (
	"context"
	"errors"
	"time"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/geostore"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/contracts"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/geo"
)

// GeoReader is the slice of the ping store the recompute path reads.
type GeoReader interface {
	PingsByUser(ctx context.Context, userID string, since time.Time) ([]geostore.LocationPing, error)
	LastPingBefore(ctx context.Context, userID string, t time.Time) (geostore.LocationPing, error)
	OldestPing(ctx context.Context, userID string) (geostore.LocationPing, error)
}

// ContactReader reports when a user was last exposed.
type ContactReader interface {
	// LatestContactSourceTime returns the source-ping timestamp of the
	// user's most recent contact event; ok is false when none exist.
	LatestContactSourceTime(ctx context.Context, exposedUserID string) (t time.Time, ok bool, err error)
}

// StatusReader reports a user's current infection status.
type StatusReader interface {
	// CurrentStatus returns the authoritative status; ok is false when the
	// user has never filed a report.
	CurrentStatus(ctx context.Context, userID string) (status string, ok bool, err error)
}

// SignalClaimer records which (batch, track) deltas have been applied, so a
// redelivered batch does not count twice.
type SignalClaimer interface {
	ClaimSignal(ctx context.Context, batchID, track string) (bool, error)
	ReleaseSignal(ctx context.Context, batchID, track string) error
}

// Recompute derives achievement deltas from raw ping and contact state. It is
// triggered once per ingested ping batch.
type Recompute struct {
	Engine   *Engine
	Geo      GeoReader
	Contacts ContactReader
	Statuses StatusReader
	Claims   SignalClaimer
	Now      func() time.Time
}

func NewRecompute(engine *Engine, geoReader GeoReader, contacts ContactReader, statuses StatusReader, claims SignalClaimer) *Recompute {
	return &Recompute{
		Engine:   engine,
		Geo:      geoReader,
		Contacts: contacts,
		Statuses: statuses,
		Claims:   claims,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnPingBatch updates the foreveralone track and, for currently infected
// users, the zombie track. Each track is keyed on the batch id, so a
// redelivery applies only the tracks that have not been counted yet.
func (r *Recompute) OnPingBatch(ctx context.Context, msg contracts.PingBatchRecorded) error {
	if err := r.runClaimed(ctx, msg.BatchID, string(Foreveralone), func() error {
		return r.applyForeveralone(ctx, msg.UserID)
	}); err != nil {
		return err
	}
	return r.runClaimed(ctx, msg.BatchID, string(Zombie), func() error {
		return r.applyZombie(ctx, msg)
	})
}

// runClaimed applies one track's delta at most once per batch. A failed apply
// releases the claim so a redelivery retries just that track.
func (r *Recompute) runClaimed(ctx context.Context, batchID, track string, apply func() error) error {
	claimed, err := r.Claims.ClaimSignal(ctx, batchID, track)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	if err := apply(); err != nil {
		_ = r.Claims.ReleaseSignal(ctx, batchID, track)
		return err
	}
	return nil
}

// applyForeveralone passes the absolute number of days since the user's last
// contact as the delta. Without any contact events the oldest own ping is the
// synthetic anchor; without pings there is no signal at all.
func (r *Recompute) applyForeveralone(ctx context.Context, userID string) error {
	anchor, ok, err := r.Contacts.LatestContactSourceTime(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		oldest, err := r.Geo.OldestPing(ctx, userID)
		if err != nil {
			if errors.Is(err, geostore.ErrPingNotFound) {
				return nil
			}
			return err
		}
		anchor = oldest.RecordedAt
	}

	days := float64(int(r.Now().Sub(anchor).Hours() / 24))
	if days < 0 {
		days = 0
	}
	return r.Engine.ApplyDelta(ctx, userID, Foreveralone, days)
}

// applyZombie adds the great-circle distance covered by the new batch,
// anchored at the last known ping before the batch, for infected users.
func (r *Recompute) applyZombie(ctx context.Context, msg contracts.PingBatchRecorded) error {
	status, ok, err := r.Statuses.CurrentStatus(ctx, msg.UserID)
	if err != nil {
		return err
	}
	if !ok || status != contracts.StatusInfected {
		return nil
	}

	points := make([]geo.Point, 0, msg.PingCount+1)
	anchor, err := r.Geo.LastPingBefore(ctx, msg.UserID, msg.FirstAt)
	if err == nil {
		points = append(points, anchor.Location)
	} else if !errors.Is(err, geostore.ErrPingNotFound) {
		return err
	}

	fresh, err := r.Geo.PingsByUser(ctx, msg.UserID, msg.FirstAt)
	if err != nil {
		return err
	}
	for _, p := range fresh {
		points = append(points, p.Location)
	}

	distance := geo.PathDistanceMeters(points)
	if distance <= 0 {
		return nil
	}
	return r.Engine.ApplyDelta(ctx, msg.UserID, Zombie, distance)
}
