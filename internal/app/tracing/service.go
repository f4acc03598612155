package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/achievements"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/contracts"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/metrics"
)

// ErrInvalidReportPayload marks a report message that can never be processed
// and must not be redelivered.
var ErrInvalidReportPayload = errors.New("tracing: invalid infection report payload")

// ContactStore persists matched candidates and answers the queries the
// workflow needs after matching.
type ContactStore interface {
	Record(ctx context.Context, candidate ContactCandidate) (bool, error)
	CreditableInfectors(ctx context.Context, exposedUserID string, from, to time.Time) ([]string, error)
	ClaimCredit(ctx context.Context, reportID, infectorID string) (bool, error)
}

// ContactFinder runs the spatio-temporal match for one infection report.
type ContactFinder interface {
	FindContacts(ctx context.Context, infectedUserID string, windowStart time.Time) ([]ContactCandidate, error)
}

// TierApplier feeds achievement signals derived from tracing outcomes.
type TierApplier interface {
	ApplyDelta(ctx context.Context, userID string, kind achievements.Kind, delta float64) error
}

// ContactNotifier pushes contact notices to exposed users.
type ContactNotifier interface {
	BroadcastContactNotice(userIDs []string)
}

// Service drives the tracing workflow: an infection report comes in, contacts
// are matched and recorded, infectors are credited, exposed users notified.
type Service struct {
	Finder   ContactFinder
	Store    ContactStore
	Tiers    TierApplier
	Notifier ContactNotifier
	Logger   *slog.Logger
}

// HandleInfectionReport processes one InfectionReported message. Recovered
// reports are acknowledged without matching. Only users behind newly created
// events are notified, so redelivery of the same report notifies nobody twice.
func (s *Service) HandleInfectionReport(ctx context.Context, data []byte) error {
	var report contracts.InfectionReported
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReportPayload, err)
	}
	if report.UserID == "" || report.DateOfTest.IsZero() {
		return fmt.Errorf("%w: missing user id or test date", ErrInvalidReportPayload)
	}
	if report.Status != contracts.StatusInfected {
		return nil
	}

	windowStart := report.WindowStart()
	candidates, err := s.Finder.FindContacts(ctx, report.UserID, windowStart)
	if err != nil {
		return fmt.Errorf("match contacts for report %s: %w", report.ReportID, err)
	}

	newlyExposed := make([]string, 0, len(candidates))
	for _, c := range candidates {
		created, err := s.Store.Record(ctx, c)
		if err != nil {
			return fmt.Errorf("record contact event: %w", err)
		}
		if created {
			metrics.ContactEventsCreatedTotal.Inc()
			newlyExposed = append(newlyExposed, c.ExposedUserID)
		} else {
			metrics.ContactEventsDuplicateTotal.Inc()
		}
	}

	if err := s.creditInfectors(ctx, report); err != nil {
		s.Logger.Warn("superspreader crediting failed",
			"report_id", report.ReportID, "user_id", report.UserID, "error", err)
	}

	if len(newlyExposed) > 0 && s.Notifier != nil {
		s.Notifier.BroadcastContactNotice(newlyExposed)
	}

	s.Logger.Info("infection report traced",
		"report_id", report.ReportID,
		"user_id", report.UserID,
		"window_start", windowStart,
		"candidates", len(candidates),
		"new_events", len(newlyExposed),
	)
	return nil
}

// creditInfectors awards each recorded infector one superspreader point per
// qualifying event in the two weeks before the reporter's test date. The
// summed delta is claimed per (report, infector) before it is applied, so a
// redelivered report credits nobody twice.
func (s *Service) creditInfectors(ctx context.Context, report contracts.InfectionReported) error {
	if s.Tiers == nil {
		return nil
	}
	from := report.DateOfTest.AddDate(0, 0, -14)
	infectors, err := s.Store.CreditableInfectors(ctx, report.UserID, from, report.DateOfTest)
	if err != nil {
		return err
	}
	eventCounts := make(map[string]int)
	for _, infector := range infectors {
		if infector == report.UserID {
			continue
		}
		eventCounts[infector]++
	}
	for infector, events := range eventCounts {
		claimed, err := s.Store.ClaimCredit(ctx, report.ReportID, infector)
		if err != nil {
			return fmt.Errorf("claim credit for infector %s: %w", infector, err)
		}
		if !claimed {
			continue
		}
		if err := s.Tiers.ApplyDelta(ctx, infector, achievements.Superspreader, float64(events)); err != nil {
			return fmt.Errorf("credit infector %s: %w", infector, err)
		}
	}
	return nil
}
