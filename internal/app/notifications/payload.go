package notifications

import (
	"encoding/json"
	"time"
)

// Kind discriminates the notification payload union on the wire.
type Kind string

const (
	KindContactNotice     Kind = "contact-notice"
	KindAchievementTierUp Kind = "achievement-tier-up"
	KindQuizEvent         Kind = "quiz-event"
)

// Payload is one member of the notification union.
type Payload interface {
	NotificationKind() Kind
}

// ContactNotice tells a user they were near an infected person. It carries no
// identifying details about the infected user.
type ContactNotice struct {
	Message string `json:"message"`
}

func (ContactNotice) NotificationKind() Kind { return KindContactNotice }

// NewContactNotice is the fixed payload used for contact broadcast.
func NewContactNotice() ContactNotice {
	return ContactNotice{Message: "You have recently been near an infected person. Please consider getting tested."}
}

// AchievementTierUp announces a badge promotion.
type AchievementTierUp struct {
	AchievementKind string `json:"achievement_kind"`
	Badge           string `json:"badge"`
}

func (AchievementTierUp) NotificationKind() Kind { return KindAchievementTierUp }

// QuizEvent announces quiz match activity to a participant.
type QuizEvent struct {
	MatchID string `json:"match_id"`
	Event   string `json:"event"`
	Detail  string `json:"detail,omitempty"`
}

func (QuizEvent) NotificationKind() Kind { return KindQuizEvent }

type wireMessage struct {
	Type   Kind      `json:"type"`
	SentAt time.Time `json:"sent_at"`
	Data   any       `json:"data"`
}

// Encode serializes a payload into its wire envelope.
func Encode(p Payload, sentAt time.Time) ([]byte, error) {
	return json.Marshal(wireMessage{Type: p.NotificationKind(), SentAt: sentAt, Data: p})
}
