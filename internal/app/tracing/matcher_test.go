package tracing

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/geostore"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/geo"
)

// memGeoStore filters an in-memory ping set with the same semantics as the
// SQL queries: distance by haversine, time bounds inclusive.
type memGeoStore struct {
	pings   []geostore.LocationPing
	nearErr error
}

func (m *memGeoStore) PingsByUser(_ context.Context, userID string, since time.Time) ([]geostore.LocationPing, error) {
	var out []geostore.LocationPing
	for _, p := range m.pings {
		if p.UserID == userID && !p.RecordedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memGeoStore) PingsNear(_ context.Context, point geo.Point, radiusMeters float64, from, to time.Time, excludeUserID string) ([]geostore.LocationPing, error) {
	if m.nearErr != nil {
		return nil, m.nearErr
	}
	var out []geostore.LocationPing
	for _, p := range m.pings {
		if p.UserID == excludeUserID {
			continue
		}
		if p.RecordedAt.Before(from) || p.RecordedAt.After(to) {
			continue
		}
		if geo.DistanceMeters(point, p.Location) > radiusMeters {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestFindContactsMatchesWithinRadiusAndSlack(t *testing.T) {
	base := geo.Point{Longitude: -122.9043, Latitude: 50.1035}
	// One degree of latitude is about 111.2 km, so 0.00008 deg is about 8.9 m
	// and 0.0001 deg about 11.1 m.
	near := geo.Point{Longitude: base.Longitude, Latitude: base.Latitude + 0.00008}
	far := geo.Point{Longitude: base.Longitude, Latitude: base.Latitude + 0.0001}

	t0 := time.Date(2020, 7, 12, 10, 0, 0, 0, time.UTC)
	store := &memGeoStore{pings: []geostore.LocationPing{
		{PingID: "p-42-1", UserID: "42", Location: base, RecordedAt: t0},
		{PingID: "p-42-2", UserID: "42", Location: base, RecordedAt: t0.Add(time.Second)},
		{PingID: "p-1234-1", UserID: "1234", Location: near, RecordedAt: t0.Add(5 * time.Second)},
		{PingID: "p-1234-2", UserID: "1234", Location: far, RecordedAt: t0.Add(30 * time.Second)},
		{PingID: "p-7-1", UserID: "7", Location: base, RecordedAt: t0.Add(time.Minute)},
	}}

	m := NewMatcher(store, 0)
	m.Now = fixedNow(time.Date(2020, 7, 20, 0, 0, 0, 0, time.UTC))

	windowStart := time.Date(2020, 7, 10, 0, 0, 0, 0, time.UTC)
	got, err := m.FindContacts(context.Background(), "1234", windowStart)
	if err != nil {
		t.Fatalf("FindContacts: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(got), got)
	}
	ids := []string{got[0].SourcePingID, got[1].SourcePingID}
	sort.Strings(ids)
	if ids[0] != "p-42-1" || ids[1] != "p-42-2" {
		t.Fatalf("unexpected source pings %v", ids)
	}
	for _, c := range got {
		if c.ExposedUserID != "42" || c.InfectedUserID != "1234" {
			t.Fatalf("unexpected candidate %+v", c)
		}
	}
}

// Detection is symmetric: over the same ping set, the reverse report finds
// the same encounter, attributed to the other user's ping.
func TestFindContactsSymmetricAcrossReportDirection(t *testing.T) {
	base := geo.Point{Longitude: -122.9043, Latitude: 50.1035}
	near := geo.Point{Longitude: base.Longitude, Latitude: base.Latitude + 0.00008}
	far := geo.Point{Longitude: base.Longitude, Latitude: base.Latitude + 0.0001}

	t0 := time.Date(2020, 7, 12, 10, 0, 0, 0, time.UTC)
	store := &memGeoStore{pings: []geostore.LocationPing{
		{PingID: "p-42-1", UserID: "42", Location: base, RecordedAt: t0},
		{PingID: "p-42-2", UserID: "42", Location: base, RecordedAt: t0.Add(time.Second)},
		{PingID: "p-1234-1", UserID: "1234", Location: near, RecordedAt: t0.Add(5 * time.Second)},
		{PingID: "p-1234-2", UserID: "1234", Location: far, RecordedAt: t0.Add(30 * time.Second)},
		{PingID: "p-7-1", UserID: "7", Location: base, RecordedAt: t0.Add(time.Minute)},
	}}

	m := NewMatcher(store, 0)
	m.Now = fixedNow(time.Date(2020, 7, 20, 0, 0, 0, 0, time.UTC))

	windowStart := time.Date(2020, 7, 10, 0, 0, 0, 0, time.UTC)
	got, err := m.FindContacts(context.Background(), "42", windowStart)
	if err != nil {
		t.Fatalf("FindContacts: %v", err)
	}

	// Both of 42's pings see 1234's near ping; the event store collapses
	// them into one event keyed on that ping.
	if len(got) == 0 {
		t.Fatal("got no candidates, want the encounter detected in reverse")
	}
	for _, c := range got {
		if c.InfectedUserID != "42" || c.ExposedUserID != "1234" || c.SourcePingID != "p-1234-1" {
			t.Fatalf("unexpected candidate %+v", c)
		}
	}

	events := newMemContactStore()
	created := 0
	for _, c := range got {
		fresh, err := events.Record(context.Background(), c)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if fresh {
			created++
		}
	}
	if created != 1 || len(events.events) != 1 {
		t.Fatalf("created %d events (%d stored), want exactly 1", created, len(events.events))
	}
}

func TestFindContactsExcludesBeyondRadius(t *testing.T) {
	base := geo.Point{Longitude: 8.4037, Latitude: 49.0069}
	other := geo.Point{Longitude: base.Longitude, Latitude: base.Latitude + 0.00012} // ~13 m

	t0 := time.Date(2020, 7, 12, 10, 0, 0, 0, time.UTC)
	store := &memGeoStore{pings: []geostore.LocationPing{
		{PingID: "p-infected", UserID: "i", Location: base, RecordedAt: t0},
		{PingID: "p-other", UserID: "o", Location: other, RecordedAt: t0},
	}}

	m := NewMatcher(store, 0)
	m.Now = fixedNow(t0.Add(time.Hour))

	got, err := m.FindContacts(context.Background(), "i", t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("FindContacts: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d candidates, want 0", len(got))
	}
}

func TestFindContactsExcludesBeyondTimeSlack(t *testing.T) {
	base := geo.Point{Longitude: 8.4037, Latitude: 49.0069}
	t0 := time.Date(2020, 7, 12, 10, 0, 0, 0, time.UTC)
	store := &memGeoStore{pings: []geostore.LocationPing{
		{PingID: "p-infected", UserID: "i", Location: base, RecordedAt: t0},
		{PingID: "p-other", UserID: "o", Location: base, RecordedAt: t0.Add(11 * time.Second)},
	}}

	m := NewMatcher(store, 0)
	m.Now = fixedNow(t0.Add(time.Hour))

	got, err := m.FindContacts(context.Background(), "i", t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("FindContacts: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d candidates, want 0", len(got))
	}
}

func TestFindContactsRejectsFutureWindow(t *testing.T) {
	now := time.Date(2020, 7, 20, 0, 0, 0, 0, time.UTC)
	m := NewMatcher(&memGeoStore{}, 0)
	m.Now = fixedNow(now)

	_, err := m.FindContacts(context.Background(), "u", now.Add(time.Hour))
	if !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("err = %v, want ErrInvalidWindow", err)
	}
}

func TestFindContactsNoOwnPings(t *testing.T) {
	t0 := time.Date(2020, 7, 12, 10, 0, 0, 0, time.UTC)
	m := NewMatcher(&memGeoStore{}, 0)
	m.Now = fixedNow(t0)

	got, err := m.FindContacts(context.Background(), "u", t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("FindContacts: %v", err)
	}
	if got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestFindContactsSubQueryFailureAbortsMatch(t *testing.T) {
	base := geo.Point{Longitude: 8.4037, Latitude: 49.0069}
	t0 := time.Date(2020, 7, 12, 10, 0, 0, 0, time.UTC)
	queryErr := errors.New("query timeout")
	store := &memGeoStore{
		pings: []geostore.LocationPing{
			{PingID: "p-1", UserID: "i", Location: base, RecordedAt: t0},
			{PingID: "p-2", UserID: "i", Location: base, RecordedAt: t0.Add(time.Minute)},
		},
		nearErr: queryErr,
	}

	m := NewMatcher(store, 0)
	m.Now = fixedNow(t0.Add(time.Hour))

	got, err := m.FindContacts(context.Background(), "i", t0.Add(-time.Hour))
	if !errors.Is(err, queryErr) {
		t.Fatalf("err = %v, want %v", err, queryErr)
	}
	if got != nil {
		t.Fatalf("expected no partial candidates, got %v", got)
	}
}
