package achievements

import (
	"context"
	"errors"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/metrics"
)

var (
	ErrNotFound    = errors.New("achievement progress not found")
	ErrUnknownKind = errors.New("unknown achievement kind")
)

// Kind identifies one gamified progress track.
type Kind string

const (
	Foreveralone  Kind = "foreveralone"
	Zombie        Kind = "zombie"
	Moneyboy      Kind = "moneyboy"
	Hamsterbuyer  Kind = "hamsterbuyer"
	Superspreader Kind = "superspreader"
	Quizmaster    Kind = "quizmaster"
)

// Kinds lists every achievement track in a stable order.
var Kinds = []Kind{Foreveralone, Zombie, Moneyboy, Hamsterbuyer, Superspreader, Quizmaster}

// Badge is the ordered tier of one track. Gold is terminal.
type Badge string

const (
	BadgeNone   Badge = "none"
	BadgeBronze Badge = "bronze"
	BadgeSilver Badge = "silver"
	BadgeGold   Badge = "gold"
)

var badgeRank = map[Badge]int{
	BadgeNone:   0,
	BadgeBronze: 1,
	BadgeSilver: 2,
	BadgeGold:   3,
}

// Rank orders badges for comparison; unknown badges rank below none.
func (b Badge) Rank() int { return badgeRank[b] }

func (b Badge) next() Badge {
	switch b {
	case BadgeNone:
		return BadgeBronze
	case BadgeBronze:
		return BadgeSilver
	case BadgeSilver:
		return BadgeGold
	default:
		return BadgeGold
	}
}

// Thresholds is the progress needed from the named tier's predecessor to
// reach it: Bronze from none, Silver from bronze, Gold from silver.
type Thresholds struct {
	Bronze float64
	Silver float64
	Gold   float64
}

func (t Thresholds) toward(b Badge) float64 {
	switch b {
	case BadgeBronze:
		return t.Bronze
	case BadgeSilver:
		return t.Silver
	default:
		return t.Gold
	}
}

// thresholds units: foreveralone in days, zombie in meters, the trading and
// quiz kinds in counts.
var thresholds = map[Kind]Thresholds{
	Foreveralone:  {Bronze: 2, Silver: 5, Gold: 10},
	Zombie:        {Bronze: 1000, Silver: 5000, Gold: 20000},
	Moneyboy:      {Bronze: 1, Silver: 10, Gold: 50},
	Hamsterbuyer:  {Bronze: 1, Silver: 10, Gold: 50},
	Superspreader: {Bronze: 1, Silver: 5, Gold: 20},
	Quizmaster:    {Bronze: 1, Silver: 10, Gold: 50},
}

// nonCumulative kinds reset the counter to the next tier's full threshold on
// tier-up instead of carrying overflow.
var nonCumulative = map[Kind]bool{
	Foreveralone: true,
	Hamsterbuyer: true,
}

// ThresholdsFor exposes the configured triple for a kind.
func ThresholdsFor(kind Kind) (Thresholds, bool) {
	t, ok := thresholds[kind]
	return t, ok
}

// Progress is one user's state on one track.
type Progress struct {
	UserID    string  `json:"user_id"`
	Kind      Kind    `json:"kind"`
	Badge     Badge   `json:"badge"`
	Remaining float64 `json:"remaining"`
}

// Status is the read model returned to clients.
type Status struct {
	Kind           Kind    `json:"kind"`
	Badge          Badge   `json:"badge"`
	Remaining      float64 `json:"remaining"`
	PercentileRank float64 `json:"percentile_rank"`
}

// Store persists progress records. Mutate must serialize concurrent calls for
// the same (userID, kind); the pgx implementation does so with a row lock.
type Store interface {
	Mutate(ctx context.Context, userID string, kind Kind, fn func(p *Progress) error) error
	ListForUser(ctx context.Context, userID string) ([]Progress, error)
	CreateDefaults(ctx context.Context, userID string) error
	// RankCounts returns how many other users hold a badge >= the given one
	// for the kind, and the total number of non-administrative users.
	RankCounts(ctx context.Context, userID string, kind Kind, badge Badge) (atOrAbove, totalUsers int, err error)
}

// TierUpNotifier receives promotion alerts; the notification hub implements it.
type TierUpNotifier interface {
	NotifyAchievementTierUp(userID, kind, badge string)
}

// Engine drives the per-(user, kind) tiered state machine.
type Engine struct {
	Store    Store
	Notifier TierUpNotifier
}

func NewEngine(store Store, notifier TierUpNotifier) *Engine {
	return &Engine{Store: store, Notifier: notifier}
}

// SeedUser creates the initial progress rows for a fresh account, each with
// remaining set to the kind's bronze threshold.
func (e *Engine) SeedUser(ctx context.Context, userID string) error {
	return e.Store.CreateDefaults(ctx, userID)
}

// ApplyDelta advances the state machine for one track. Gold is terminal: the
// call is a no-op. Crossing zero promotes the badge; overflow carries into the
// next tier's counter except for non-cumulative kinds, which reset to the next
// tier's full threshold. Every promotion triggers a tier-up notification.
func (e *Engine) ApplyDelta(ctx context.Context, userID string, kind Kind, delta float64) error {
	limits, ok := thresholds[kind]
	if !ok {
		return ErrUnknownKind
	}

	var promotions []Badge
	err := e.Store.Mutate(ctx, userID, kind, func(p *Progress) error {
		if p.Badge == BadgeGold {
			return nil
		}

		remaining := p.Remaining - delta
		for remaining <= 0 && p.Badge != BadgeGold {
			p.Badge = p.Badge.next()
			promotions = append(promotions, p.Badge)
			if p.Badge == BadgeGold {
				remaining = 0
				break
			}
			if nonCumulative[kind] {
				remaining = limits.toward(p.Badge.next())
			} else {
				remaining = limits.toward(p.Badge.next()) + remaining
			}
		}
		p.Remaining = remaining
		return nil
	})
	if err != nil {
		return err
	}

	for _, badge := range promotions {
		metrics.AchievementTierUpsTotal.WithLabelValues(string(kind)).Inc()
		e.Notifier.NotifyAchievementTierUp(userID, string(kind), string(badge))
	}
	return nil
}

// GetStatus returns the user's progress on every track with a percentile rank:
// the share of other users holding a badge at least as high, over all
// non-administrative users.
func (e *Engine) GetStatus(ctx context.Context, userID string) ([]Status, error) {
	records, err := e.Store.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	statuses := make([]Status, 0, len(records))
	for _, p := range records {
		atOrAbove, total, err := e.Store.RankCounts(ctx, userID, p.Kind, p.Badge)
		if err != nil {
			return nil, err
		}
		var rank float64
		if total > 0 {
			rank = float64(atOrAbove) / float64(total)
		}
		statuses = append(statuses, Status{
			Kind:           p.Kind,
			Badge:          p.Badge,
			Remaining:      p.Remaining,
			PercentileRank: rank,
		})
	}
	return statuses, nil
}
