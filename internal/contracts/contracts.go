package contracts

import "time"

// Infection status values carried on reports. The most recent report by
// DateOfTest is authoritative for a user's current status.
const (
	StatusInfected  = "infected"
	StatusRecovered = "recovered"
)

// PingBatchRecorded is published by the location ingestion path after a batch
// of pings has been persisted. The achievement recompute consumer reacts to it.
type PingBatchRecorded struct {
	BatchID    string    `json:"batch_id"`
	UserID     string    `json:"user_id"`
	PingCount  int       `json:"ping_count"`
	FirstAt    time.Time `json:"first_at"`
	LastAt     time.Time `json:"last_at"`
	RecordedAt time.Time `json:"recorded_at"`
}

// InfectionReported is published once per accepted infection report and
// consumed by the tracing workflow for "infected" reports.
type InfectionReported struct {
	ReportID               string     `json:"report_id"`
	UserID                 string     `json:"user_id"`
	Status                 string     `json:"status"`
	DateOfTest             time.Time  `json:"date_of_test"`
	OccurredDateEstimation *time.Time `json:"occurred_date_estimation,omitempty"`
	ReportedAt             time.Time  `json:"reported_at"`
}

// WindowStart resolves the start of the infectious window: the reporter's
// estimate when present, otherwise fourteen days before the test date.
func (r InfectionReported) WindowStart() time.Time {
	if r.OccurredDateEstimation != nil {
		return *r.OccurredDateEstimation
	}
	return r.DateOfTest.AddDate(0, 0, -14)
}
