package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const (
	pingsStream   = "PINGS"
	reportsStream = "REPORTS"
)

// EnsureStreams creates (or validates) the two streams required locally:
// - corona.pings.>
// - corona.reports.>
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(pingsStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      pingsStream,
				Subjects:  []string{"corona.pings.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}

	if _, err := js.StreamInfo(reportsStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:      reportsStream,
				Subjects:  []string{"corona.reports.>"},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}

	return nil
}
