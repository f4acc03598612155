package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/achievements"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/geo"
)

var (
	ErrProductRequired = errors.New("trading: product is required")
	ErrInvalidAmount   = errors.New("trading: amount must be positive")
	ErrNotOwner        = errors.New("trading: listing belongs to another user")
	ErrSelfTrade       = errors.New("trading: buyer and seller must differ")
)

// Store is the persistence surface the service depends on.
type Store interface {
	InsertOffer(ctx context.Context, o Offer) error
	GetOffer(ctx context.Context, offerID string) (Offer, error)
	UpdateOffer(ctx context.Context, o Offer) error
	DeleteOffer(ctx context.Context, offerID string) error
	ListOffersNear(ctx context.Context, point geo.Point, radiusMeters float64, product string) ([]Offer, error)
	InsertNeed(ctx context.Context, n Need) error
	DeleteNeed(ctx context.Context, needID string) error
	ListNeedsByUser(ctx context.Context, userID string) ([]Need, error)
	InsertTransaction(ctx context.Context, t Transaction) error
}

// TierApplier feeds the moneyboy and hamsterbuyer tracks.
type TierApplier interface {
	ApplyDelta(ctx context.Context, userID string, kind achievements.Kind, delta float64) error
}

// Service implements marketplace listing management and transaction
// completion.
type Service struct {
	Repo  Store
	Tiers TierApplier
	Now   func() time.Time
	NewID func() string
}

func NewService(repo Store, tiers TierApplier, newID func() string) *Service {
	return &Service{
		Repo:  repo,
		Tiers: tiers,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: newID,
	}
}

func validateListing(product string, amount int, location geo.Point) error {
	if strings.TrimSpace(product) == "" {
		return ErrProductRequired
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return location.Validate()
}

func (s *Service) CreateOffer(ctx context.Context, userID, product string, amount int, priceCents int64, location geo.Point) (Offer, error) {
	if err := validateListing(product, amount, location); err != nil {
		return Offer{}, err
	}
	offer := Offer{
		OfferID:    s.NewID(),
		UserID:     userID,
		Product:    product,
		Amount:     amount,
		PriceCents: priceCents,
		Location:   location,
		CreatedAt:  s.Now(),
	}
	if err := s.Repo.InsertOffer(ctx, offer); err != nil {
		return Offer{}, err
	}
	return offer, nil
}

// UpdateOffer replaces the mutable fields of an offer the caller owns.
func (s *Service) UpdateOffer(ctx context.Context, userID, offerID, product string, amount int, priceCents int64, location geo.Point) (Offer, error) {
	if err := validateListing(product, amount, location); err != nil {
		return Offer{}, err
	}
	existing, err := s.Repo.GetOffer(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if existing.UserID != userID {
		return Offer{}, ErrNotOwner
	}
	existing.Product = product
	existing.Amount = amount
	existing.PriceCents = priceCents
	existing.Location = location
	if err := s.Repo.UpdateOffer(ctx, existing); err != nil {
		return Offer{}, err
	}
	return existing, nil
}

func (s *Service) DeleteOffer(ctx context.Context, userID, offerID string) error {
	existing, err := s.Repo.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if existing.UserID != userID {
		return ErrNotOwner
	}
	return s.Repo.DeleteOffer(ctx, offerID)
}

func (s *Service) FindOffers(ctx context.Context, point geo.Point, radiusMeters float64, product string) ([]Offer, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.Repo.ListOffersNear(ctx, point, radiusMeters, strings.TrimSpace(product))
}

func (s *Service) CreateNeed(ctx context.Context, userID, product string, amount int, location geo.Point) (Need, error) {
	if err := validateListing(product, amount, location); err != nil {
		return Need{}, err
	}
	need := Need{
		NeedID:    s.NewID(),
		UserID:    userID,
		Product:   product,
		Amount:    amount,
		Location:  location,
		CreatedAt: s.Now(),
	}
	if err := s.Repo.InsertNeed(ctx, need); err != nil {
		return Need{}, err
	}
	return need, nil
}

func (s *Service) DeleteNeed(ctx context.Context, userID, needID string) error {
	needs, err := s.Repo.ListNeedsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, n := range needs {
		if n.NeedID == needID {
			return s.Repo.DeleteNeed(ctx, needID)
		}
	}
	return ErrNeedNotFound
}

func (s *Service) ListNeeds(ctx context.Context, userID string) ([]Need, error) {
	return s.Repo.ListNeedsByUser(ctx, userID)
}

// CompleteTransaction records a finished sale and advances the seller's
// moneyboy and the buyer's hamsterbuyer tracks by the item count.
func (s *Service) CompleteTransaction(ctx context.Context, sellerID, buyerID, product string, amount int) (Transaction, error) {
	if sellerID == buyerID {
		return Transaction{}, ErrSelfTrade
	}
	if strings.TrimSpace(product) == "" {
		return Transaction{}, ErrProductRequired
	}
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}

	txn := Transaction{
		TransactionID: s.NewID(),
		SellerID:      sellerID,
		BuyerID:       buyerID,
		Product:       product,
		Amount:        amount,
		CompletedAt:   s.Now(),
	}
	if err := s.Repo.InsertTransaction(ctx, txn); err != nil {
		return Transaction{}, err
	}

	if err := s.Tiers.ApplyDelta(ctx, sellerID, achievements.Moneyboy, float64(amount)); err != nil {
		return Transaction{}, fmt.Errorf("credit seller: %w", err)
	}
	if err := s.Tiers.ApplyDelta(ctx, buyerID, achievements.Hamsterbuyer, float64(amount)); err != nil {
		return Transaction{}, fmt.Errorf("credit buyer: %w", err)
	}
	return txn, nil
}
