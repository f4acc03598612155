package achievements

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/geostore"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/contracts"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/geo"
)

type fakeGeoReader struct {
	pings  []geostore.LocationPing
	oldest *geostore.LocationPing
	before *geostore.LocationPing
}

func (f *fakeGeoReader) PingsByUser(_ context.Context, _ string, since time.Time) ([]geostore.LocationPing, error) {
	var result []geostore.LocationPing
	for _, p := range f.pings {
		if !p.RecordedAt.Before(since) {
			result = append(result, p)
		}
	}
	return result, nil
}

func (f *fakeGeoReader) LastPingBefore(_ context.Context, _ string, _ time.Time) (geostore.LocationPing, error) {
	if f.before == nil {
		return geostore.LocationPing{}, geostore.ErrPingNotFound
	}
	return *f.before, nil
}

func (f *fakeGeoReader) OldestPing(_ context.Context, _ string) (geostore.LocationPing, error) {
	if f.oldest == nil {
		return geostore.LocationPing{}, geostore.ErrPingNotFound
	}
	return *f.oldest, nil
}

type fakeContacts struct {
	at time.Time
	ok bool
}

func (f *fakeContacts) LatestContactSourceTime(_ context.Context, _ string) (time.Time, bool, error) {
	return f.at, f.ok, nil
}

type fakeStatuses struct {
	status   string
	ok       bool
	failures int
}

func (f *fakeStatuses) CurrentStatus(_ context.Context, _ string) (string, bool, error) {
	if f.failures > 0 {
		f.failures--
		return "", false, errors.New("status lookup failed")
	}
	return f.status, f.ok, nil
}

// memSignalClaims mirrors the database semantics: the first claim for a
// (batch, track) pair wins, a release frees it again.
type memSignalClaims struct {
	claimed map[string]bool
}

func newMemSignalClaims() *memSignalClaims {
	return &memSignalClaims{claimed: map[string]bool{}}
}

func (c *memSignalClaims) ClaimSignal(_ context.Context, batchID, track string) (bool, error) {
	key := batchID + "|" + track
	if c.claimed[key] {
		return false, nil
	}
	c.claimed[key] = true
	return true, nil
}

func (c *memSignalClaims) ReleaseSignal(_ context.Context, batchID, track string) error {
	delete(c.claimed, batchID+"|"+track)
	return nil
}

func newTestRecompute(t *testing.T, geoReader *fakeGeoReader, contacts *fakeContacts, statuses *fakeStatuses) (*Recompute, *memStore) {
	t.Helper()
	store := newMemStore()
	store.seed("u1")
	engine := NewEngine(store, &fakeNotifier{})
	r := NewRecompute(engine, geoReader, contacts, statuses, newMemSignalClaims())
	r.Now = func() time.Time { return time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC) }
	return r, store
}

func TestOnPingBatch_ForeveraloneUsesLastContactAnchor(t *testing.T) {
	// Last contact 6 days ago: past the bronze threshold. The reset counter
	// means silver takes a later recomputation of at least 5 days.
	contacts := &fakeContacts{at: time.Date(2026, 8, 14, 12, 0, 0, 0, time.UTC), ok: true}
	r, store := newTestRecompute(t, &fakeGeoReader{}, contacts, &fakeStatuses{})

	msg := contracts.PingBatchRecorded{BatchID: "b-1", UserID: "u1", PingCount: 0}
	if err := r.OnPingBatch(context.Background(), msg); err != nil {
		t.Fatalf("OnPingBatch: %v", err)
	}

	p := progress(t, store, "u1", Foreveralone)
	if p.Badge != BadgeBronze {
		t.Fatalf("expected bronze after 6 contact-free days, got %s", p.Badge)
	}
	if p.Remaining != 5 {
		t.Fatalf("expected the counter reset to the silver threshold, got %f", p.Remaining)
	}

	// A later batch yielding 5 days promotes to silver.
	msg.BatchID = "b-2"
	if err := r.OnPingBatch(context.Background(), msg); err != nil {
		t.Fatalf("OnPingBatch: %v", err)
	}
	if p := progress(t, store, "u1", Foreveralone); p.Badge != BadgeSilver {
		t.Fatalf("expected silver after the second recomputation, got %s", p.Badge)
	}
}

func TestOnPingBatch_ForeveraloneFallsBackToOldestPing(t *testing.T) {
	oldest := &geostore.LocationPing{
		PingID:     "p0",
		UserID:     "u1",
		RecordedAt: time.Date(2026, 8, 17, 12, 0, 0, 0, time.UTC),
	}
	r, store := newTestRecompute(t, &fakeGeoReader{oldest: oldest}, &fakeContacts{}, &fakeStatuses{})

	if err := r.OnPingBatch(context.Background(), contracts.PingBatchRecorded{UserID: "u1"}); err != nil {
		t.Fatalf("OnPingBatch: %v", err)
	}

	// 3 days since the first own ping: bronze only.
	if p := progress(t, store, "u1", Foreveralone); p.Badge != BadgeBronze {
		t.Fatalf("expected bronze from the synthetic anchor, got %s", p.Badge)
	}
}

func TestOnPingBatch_ForeveraloneNoPingsNoSignal(t *testing.T) {
	r, store := newTestRecompute(t, &fakeGeoReader{}, &fakeContacts{}, &fakeStatuses{})

	if err := r.OnPingBatch(context.Background(), contracts.PingBatchRecorded{UserID: "u1"}); err != nil {
		t.Fatalf("OnPingBatch: %v", err)
	}
	if p := progress(t, store, "u1", Foreveralone); p.Badge != BadgeNone {
		t.Fatalf("no anchor must produce no promotion, got %s", p.Badge)
	}
}

func TestOnPingBatch_ZombieAccumulatesDistanceWhileInfected(t *testing.T) {
	batchStart := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	// Anchor plus two fresh pings roughly 1.1 km apart each along a parallel.
	anchor := &geostore.LocationPing{
		PingID:     "p0",
		UserID:     "u1",
		Location:   geo.Point{Longitude: 13.400, Latitude: 52.52},
		RecordedAt: batchStart.Add(-time.Hour),
	}
	geoReader := &fakeGeoReader{
		before: anchor,
		pings: []geostore.LocationPing{
			{PingID: "p1", UserID: "u1", Location: geo.Point{Longitude: 13.416, Latitude: 52.52}, RecordedAt: batchStart},
			{PingID: "p2", UserID: "u1", Location: geo.Point{Longitude: 13.432, Latitude: 52.52}, RecordedAt: batchStart.Add(time.Minute)},
		},
	}
	contacts := &fakeContacts{at: time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC), ok: true}
	r, store := newTestRecompute(t, geoReader, contacts, &fakeStatuses{status: contracts.StatusInfected, ok: true})

	msg := contracts.PingBatchRecorded{UserID: "u1", PingCount: 2, FirstAt: batchStart, LastAt: batchStart.Add(time.Minute)}
	if err := r.OnPingBatch(context.Background(), msg); err != nil {
		t.Fatalf("OnPingBatch: %v", err)
	}

	// Roughly 2.2 km total: past the 1 km bronze threshold, short of silver.
	p := progress(t, store, "u1", Zombie)
	if p.Badge != BadgeBronze {
		t.Fatalf("expected zombie bronze after ~2 km, got %s (remaining %f)", p.Badge, p.Remaining)
	}
}

func TestOnPingBatch_ZombieSkippedWhenNotInfected(t *testing.T) {
	batchStart := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	geoReader := &fakeGeoReader{
		pings: []geostore.LocationPing{
			{PingID: "p1", UserID: "u1", Location: geo.Point{Longitude: 13.4, Latitude: 52.52}, RecordedAt: batchStart},
			{PingID: "p2", UserID: "u1", Location: geo.Point{Longitude: 14.4, Latitude: 52.52}, RecordedAt: batchStart.Add(time.Minute)},
		},
	}
	contacts := &fakeContacts{at: batchStart, ok: true}
	r, store := newTestRecompute(t, geoReader, contacts, &fakeStatuses{status: contracts.StatusRecovered, ok: true})

	msg := contracts.PingBatchRecorded{UserID: "u1", PingCount: 2, FirstAt: batchStart}
	if err := r.OnPingBatch(context.Background(), msg); err != nil {
		t.Fatalf("OnPingBatch: %v", err)
	}
	if p := progress(t, store, "u1", Zombie); p.Badge != BadgeNone {
		t.Fatalf("recovered users accrue no zombie distance, got %s", p.Badge)
	}
}

func TestOnPingBatch_RedeliveredBatchCountsNothingTwice(t *testing.T) {
	batchStart := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	geoReader := &fakeGeoReader{
		pings: []geostore.LocationPing{
			{PingID: "p1", UserID: "u1", Location: geo.Point{Longitude: 13.416, Latitude: 52.52}, RecordedAt: batchStart},
			{PingID: "p2", UserID: "u1", Location: geo.Point{Longitude: 13.432, Latitude: 52.52}, RecordedAt: batchStart.Add(time.Minute)},
		},
	}
	contacts := &fakeContacts{at: time.Date(2026, 8, 14, 12, 0, 0, 0, time.UTC), ok: true}
	r, store := newTestRecompute(t, geoReader, contacts, &fakeStatuses{status: contracts.StatusInfected, ok: true})

	msg := contracts.PingBatchRecorded{BatchID: "b-1", UserID: "u1", PingCount: 2, FirstAt: batchStart, LastAt: batchStart.Add(time.Minute)}
	if err := r.OnPingBatch(context.Background(), msg); err != nil {
		t.Fatalf("OnPingBatch: %v", err)
	}
	lonely := progress(t, store, "u1", Foreveralone)
	zombie := progress(t, store, "u1", Zombie)

	if err := r.OnPingBatch(context.Background(), msg); err != nil {
		t.Fatalf("redelivered OnPingBatch: %v", err)
	}
	if p := progress(t, store, "u1", Foreveralone); p != lonely {
		t.Fatalf("foreveralone changed on redelivery: %+v, want %+v", p, lonely)
	}
	if p := progress(t, store, "u1", Zombie); p != zombie {
		t.Fatalf("zombie changed on redelivery: %+v, want %+v", p, zombie)
	}
}

func TestOnPingBatch_RedeliveryRetriesOnlyFailedTrack(t *testing.T) {
	batchStart := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	geoReader := &fakeGeoReader{
		pings: []geostore.LocationPing{
			{PingID: "p1", UserID: "u1", Location: geo.Point{Longitude: 13.416, Latitude: 52.52}, RecordedAt: batchStart},
			{PingID: "p2", UserID: "u1", Location: geo.Point{Longitude: 13.432, Latitude: 52.52}, RecordedAt: batchStart.Add(time.Minute)},
		},
	}
	contacts := &fakeContacts{at: time.Date(2026, 8, 14, 12, 0, 0, 0, time.UTC), ok: true}
	statuses := &fakeStatuses{status: contracts.StatusInfected, ok: true, failures: 1}
	r, store := newTestRecompute(t, geoReader, contacts, statuses)

	msg := contracts.PingBatchRecorded{BatchID: "b-1", UserID: "u1", PingCount: 2, FirstAt: batchStart, LastAt: batchStart.Add(time.Minute)}
	if err := r.OnPingBatch(context.Background(), msg); err == nil {
		t.Fatal("expected the zombie track to fail on first delivery")
	}
	lonely := progress(t, store, "u1", Foreveralone)
	if p := progress(t, store, "u1", Zombie); p.Badge != BadgeNone {
		t.Fatalf("zombie applied despite the failure, got %+v", p)
	}

	if err := r.OnPingBatch(context.Background(), msg); err != nil {
		t.Fatalf("redelivered OnPingBatch: %v", err)
	}
	if p := progress(t, store, "u1", Foreveralone); p != lonely {
		t.Fatalf("foreveralone counted twice across redelivery: %+v, want %+v", p, lonely)
	}
	if p := progress(t, store, "u1", Zombie); p.Badge != BadgeBronze {
		t.Fatalf("expected zombie bronze after the retried track, got %+v", p)
	}
}
