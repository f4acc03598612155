package trading

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/geo"
)

var (
	ErrOfferNotFound = errors.New("trading: offer not found")
	ErrNeedNotFound  = errors.New("trading: need not found")
)

// Offer is a product a user sells; Need is one a user looks for. Both carry a
// location so nearby listings can be filtered by distance.
type Offer struct {
	OfferID    string    `json:"offer_id"`
	UserID     string    `json:"user_id"`
	Product    string    `json:"product"`
	Amount     int       `json:"amount"`
	PriceCents int64     `json:"price_cents"`
	Location   geo.Point `json:"location"`
	CreatedAt  time.Time `json:"created_at"`
}

type Need struct {
	NeedID    string    `json:"need_id"`
	UserID    string    `json:"user_id"`
	Product   string    `json:"product"`
	Amount    int       `json:"amount"`
	Location  geo.Point `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is the record of a completed sale between two users.
type Transaction struct {
	TransactionID string    `json:"transaction_id"`
	SellerID      string    `json:"seller_id"`
	BuyerID       string    `json:"buyer_id"`
	Product       string    `json:"product"`
	Amount        int       `json:"amount"`
	CompletedAt   time.Time `json:"completed_at"`
}

const createTradingTablesSQL = `
CREATE TABLE IF NOT EXISTS trade_offers (
  offer_id text PRIMARY KEY,
  user_id text NOT NULL,
  product text NOT NULL,
  amount integer NOT NULL,
  price_cents bigint NOT NULL,
  longitude double precision NOT NULL,
  latitude double precision NOT NULL,
  created_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS trade_needs (
  need_id text PRIMARY KEY,
  user_id text NOT NULL,
  product text NOT NULL,
  amount integer NOT NULL,
  longitude double precision NOT NULL,
  latitude double precision NOT NULL,
  created_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS trade_transactions (
  transaction_id text PRIMARY KEY,
  seller_id text NOT NULL,
  buyer_id text NOT NULL,
  product text NOT NULL,
  amount integer NOT NULL,
  completed_at timestamptz NOT NULL
)`

// Same haversine expression as the location ping queries, including the
// clamp that keeps rounding error from pushing the asin argument past 1.
const offerDistanceSQL = `
6371000 * 2 * asin(least(1.0, sqrt(
  power(sin(radians((latitude - $2) / 2)), 2) +
  cos(radians($2)) * cos(radians(latitude)) *
  power(sin(radians((longitude - $1) / 2)), 2)
)))`

// Repository persists offers, needs and completed transactions.
type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createTradingTablesSQL)
	return err
}

func (r *Repository) InsertOffer(ctx context.Context, o Offer) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO trade_offers (offer_id, user_id, product, amount, price_cents, longitude, latitude, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.OfferID, o.UserID, o.Product, o.Amount, o.PriceCents,
		o.Location.Longitude, o.Location.Latitude, o.CreatedAt,
	)
	return err
}

func (r *Repository) GetOffer(ctx context.Context, offerID string) (Offer, error) {
	var o Offer
	err := r.Pool.QueryRow(ctx,
		`SELECT offer_id, user_id, product, amount, price_cents, longitude, latitude, created_at
		 FROM trade_offers WHERE offer_id = $1`,
		offerID,
	).Scan(&o.OfferID, &o.UserID, &o.Product, &o.Amount, &o.PriceCents,
		&o.Location.Longitude, &o.Location.Latitude, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrOfferNotFound
		}
		return Offer{}, err
	}
	return o, nil
}

func (r *Repository) UpdateOffer(ctx context.Context, o Offer) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE trade_offers SET product = $2, amount = $3, price_cents = $4, longitude = $5, latitude = $6
		 WHERE offer_id = $1`,
		o.OfferID, o.Product, o.Amount, o.PriceCents, o.Location.Longitude, o.Location.Latitude,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (r *Repository) DeleteOffer(ctx context.Context, offerID string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM trade_offers WHERE offer_id = $1`, offerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOfferNotFound
	}
	return nil
}

// ListOffersNear returns offers within radiusMeters of point, closest first.
// An empty product matches all products.
func (r *Repository) ListOffersNear(ctx context.Context, point geo.Point, radiusMeters float64, product string) ([]Offer, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT offer_id, user_id, product, amount, price_cents, longitude, latitude, created_at
		 FROM trade_offers
		 WHERE `+offerDistanceSQL+` <= $3 AND ($4 = '' OR product = $4)
		 ORDER BY `+offerDistanceSQL+` ASC`,
		point.Longitude, point.Latitude, radiusMeters, product,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	offers := make([]Offer, 0, 16)
	for rows.Next() {
		var o Offer
		if err := rows.Scan(&o.OfferID, &o.UserID, &o.Product, &o.Amount, &o.PriceCents,
			&o.Location.Longitude, &o.Location.Latitude, &o.CreatedAt); err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return offers, nil
}

func (r *Repository) InsertNeed(ctx context.Context, n Need) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO trade_needs (need_id, user_id, product, amount, longitude, latitude, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.NeedID, n.UserID, n.Product, n.Amount, n.Location.Longitude, n.Location.Latitude, n.CreatedAt,
	)
	return err
}

func (r *Repository) DeleteNeed(ctx context.Context, needID string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM trade_needs WHERE need_id = $1`, needID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNeedNotFound
	}
	return nil
}

func (r *Repository) ListNeedsByUser(ctx context.Context, userID string) ([]Need, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT need_id, user_id, product, amount, longitude, latitude, created_at
		 FROM trade_needs WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	needs := make([]Need, 0, 8)
	for rows.Next() {
		var n Need
		if err := rows.Scan(&n.NeedID, &n.UserID, &n.Product, &n.Amount,
			&n.Location.Longitude, &n.Location.Latitude, &n.CreatedAt); err != nil {
			return nil, err
		}
		needs = append(needs, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return needs, nil
}

func (r *Repository) InsertTransaction(ctx context.Context, t Transaction) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO trade_transactions (transaction_id, seller_id, buyer_id, product, amount, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TransactionID, t.SellerID, t.BuyerID, t.Product, t.Amount, t.CompletedAt,
	)
	return err
}
