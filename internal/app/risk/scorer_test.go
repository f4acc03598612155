package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/contracts"
)

type fakeSources struct {
	status      string
	statusKnown bool
	statusErr   error

	contacts    int
	contactsErr error
	lastSince   time.Time

	infected int
	users    int
}

func (f *fakeSources) CurrentStatus(context.Context, string) (string, bool, error) {
	return f.status, f.statusKnown, f.statusErr
}

func (f *fakeSources) CountRecentForUser(_ context.Context, _ string, since time.Time) (int, error) {
	f.lastSince = since
	return f.contacts, f.contactsErr
}

func (f *fakeSources) CountCurrentlyInfected(context.Context) (int, error) {
	return f.infected, nil
}

func (f *fakeSources) CountUsers(context.Context) (int, error) {
	return f.users, nil
}

func newTestScorer(f *fakeSources, now time.Time) *Scorer {
	s := NewScorer(f, f, f)
	s.Now = func() time.Time { return now }
	return s
}

func TestScoreInfectedAndRecovered(t *testing.T) {
	now := time.Date(2020, 7, 20, 0, 0, 0, 0, time.UTC)

	f := &fakeSources{status: contracts.StatusInfected, statusKnown: true}
	got, err := newTestScorer(f, now).Score(context.Background(), "u")
	if err != nil || got != 100 {
		t.Fatalf("infected: got %d, %v; want 100", got, err)
	}

	f = &fakeSources{status: contracts.StatusRecovered, statusKnown: true, contacts: 50, infected: 50, users: 100}
	got, err = newTestScorer(f, now).Score(context.Background(), "u")
	if err != nil || got != 0 {
		t.Fatalf("recovered: got %d, %v; want 0", got, err)
	}
}

func TestScoreHeuristic(t *testing.T) {
	now := time.Date(2020, 7, 20, 0, 0, 0, 0, time.UTC)

	// (3*5 + 10*0.3) / (3 + 10 + 100) * 100 = 15.929..., truncated to 15.
	f := &fakeSources{contacts: 3, infected: 10, users: 100}
	got, err := newTestScorer(f, now).Score(context.Background(), "u")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got != 15 {
		t.Fatalf("got %d, want 15", got)
	}
	if want := now.Add(-RecentContactWindow); !f.lastSince.Equal(want) {
		t.Fatalf("since = %v, want %v", f.lastSince, want)
	}
}

func TestScoreCapsAtNinetyNine(t *testing.T) {
	now := time.Date(2020, 7, 20, 0, 0, 0, 0, time.UTC)

	// (40*5 + 0*0.3) / (40 + 0 + 1) * 100 = 487.8, capped.
	f := &fakeSources{contacts: 40, users: 1}
	got, err := newTestScorer(f, now).Score(context.Background(), "u")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got != 99 {
		t.Fatalf("got %d, want 99", got)
	}
}

func TestScoreEmptyPopulation(t *testing.T) {
	now := time.Date(2020, 7, 20, 0, 0, 0, 0, time.UTC)
	got, err := newTestScorer(&fakeSources{}, now).Score(context.Background(), "u")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestScorePropagatesErrors(t *testing.T) {
	now := time.Date(2020, 7, 20, 0, 0, 0, 0, time.UTC)
	statusErr := errors.New("status lookup failed")
	if _, err := newTestScorer(&fakeSources{statusErr: statusErr}, now).Score(context.Background(), "u"); !errors.Is(err, statusErr) {
		t.Fatalf("err = %v, want %v", err, statusErr)
	}

	contactsErr := errors.New("contact count failed")
	if _, err := newTestScorer(&fakeSources{contactsErr: contactsErr}, now).Score(context.Background(), "u"); !errors.Is(err, contactsErr) {
		t.Fatalf("err = %v, want %v", err, contactsErr)
	}
}
