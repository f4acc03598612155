package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/achievements"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/geostore"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/identity"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/infection"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/quiz"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/risk"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/tracing"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/trading"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/geo"
	platformauth "github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/auth"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/metrics"
)

// PingReader is the slice of the location store the API reads from.
type PingReader interface {
	PingsByUser(ctx context.Context, userID string, since time.Time) ([]geostore.LocationPing, error)
}

// ContactReader is the slice of the contact registry the API reads from.
type ContactReader interface {
	ListForUser(ctx context.Context, exposedUserID string) ([]tracing.ContactEvent, error)
	ListAll(ctx context.Context) ([]tracing.ContactEvent, error)
}

// ReportReader answers a user's authoritative infection report.
type ReportReader interface {
	LatestByUser(ctx context.Context, userID string) (infection.Report, error)
}

// Handler is the HTTP surface of the service. The websocket endpoint is
// mounted unwrapped because the Prometheus middleware's response recorder
// does not implement http.Hijacker.
type Handler struct {
	Identity     *identity.Service
	Geo          *geostore.Service
	Pings        PingReader
	Infections   *infection.Service
	Reports      ReportReader
	Contacts     ContactReader
	Achievements *achievements.Engine
	Risk         *risk.Scorer
	Trading      *trading.Service
	Quiz         *quiz.Service
	Websocket    http.Handler
	Ready        func(ctx context.Context) error
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", h.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if h.Websocket != nil {
		r.Method(http.MethodGet, "/ws", h.Websocket)
	}

	r.Group(func(api chi.Router) {
		api.Use(metrics.Middleware("api"))

		api.Post("/api/v1/auth/register", h.handleRegister)
		api.Post("/api/v1/auth/login", h.handleLogin)
		api.Post("/api/v1/auth/refresh", h.handleRefresh)
		api.Post("/api/v1/auth/logout", h.handleLogout)

		api.Group(func(authed chi.Router) {
			authed.Use(h.authMiddleware)

			authed.Post("/api/v1/locations", h.handleUploadPings)
			authed.Get("/api/v1/locations", h.handleListPings)

			authed.Post("/api/v1/infections", h.handleSubmitReport)
			authed.Get("/api/v1/infections/latest", h.handleLatestReport)

			authed.Get("/api/v1/contacts", h.handleListContacts)
			authed.Get("/api/v1/contacts/all", h.handleListAllContacts)

			authed.Get("/api/v1/achievements", h.handleAchievementStatus)
			authed.Get("/api/v1/risk", h.handleRiskScore)

			authed.Post("/api/v1/trading/offers", h.handleCreateOffer)
			authed.Get("/api/v1/trading/offers", h.handleFindOffers)
			authed.Put("/api/v1/trading/offers/{offerID}", h.handleUpdateOffer)
			authed.Delete("/api/v1/trading/offers/{offerID}", h.handleDeleteOffer)
			authed.Post("/api/v1/trading/needs", h.handleCreateNeed)
			authed.Get("/api/v1/trading/needs", h.handleListNeeds)
			authed.Delete("/api/v1/trading/needs/{needID}", h.handleDeleteNeed)
			authed.Post("/api/v1/trading/transactions", h.handleCompleteTransaction)

			authed.Post("/api/v1/quiz/matches", h.handleCreateMatch)
			authed.Get("/api/v1/quiz/matches", h.handleListMatches)
			authed.Post("/api/v1/quiz/matches/{matchID}/rounds", h.handleRecordRound)
		})
	})

	return r
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type uploadPingsRequest struct {
	Pings []geostore.PingUpload `json:"pings"`
}

func (h *Handler) handleUploadPings(w http.ResponseWriter, r *http.Request) {
	var req uploadPingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	pings, err := h.Geo.IngestBatch(r.Context(), claims.Subject, req.Pings)
	if err != nil {
		switch {
		case errors.Is(err, geostore.ErrEmptyBatch),
			errors.Is(err, geostore.ErrTimestampRequired),
			errors.Is(err, geo.ErrInvalidCoordinates):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, pings)
}

func (h *Handler) handleListPings(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = parsed
	}
	pings, err := h.Pings.PingsByUser(r.Context(), claims.Subject, since)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, pings)
}

func (h *Handler) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var req infection.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	report, err := h.Infections.Submit(r.Context(), claims.Subject, req)
	if err != nil {
		switch {
		case errors.Is(err, infection.ErrInvalidStatus),
			errors.Is(err, infection.ErrTestDateRequired),
			errors.Is(err, infection.ErrTestDateInFuture),
			errors.Is(err, infection.ErrEstimateAfterTest):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, report)
}

func (h *Handler) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	report, err := h.Reports.LatestByUser(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, infection.ErrNoReport) {
			h.writeError(w, http.StatusNotFound, "no infection report")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleListContacts(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	events, err := h.Contacts.ListForUser(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleListAllContacts(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !claims.Admin {
		h.writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	events, err := h.Contacts.ListAll(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleAchievementStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	statuses, err := h.Achievements.GetStatus(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, achievements.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "no achievement records")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) handleRiskScore(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	score, err := h.Risk.Score(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"score": score})
}

type offerRequest struct {
	Product    string    `json:"product"`
	Amount     int       `json:"amount"`
	PriceCents int64     `json:"price_cents"`
	Location   geo.Point `json:"location"`
}

func (h *Handler) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	offer, err := h.Trading.CreateOffer(r.Context(), claims.Subject, req.Product, req.Amount, req.PriceCents, req.Location)
	if err != nil {
		h.writeTradingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, offer)
}

func (h *Handler) handleUpdateOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	offer, err := h.Trading.UpdateOffer(r.Context(), claims.Subject, chi.URLParam(r, "offerID"), req.Product, req.Amount, req.PriceCents, req.Location)
	if err != nil {
		h.writeTradingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, offer)
}

func (h *Handler) handleDeleteOffer(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if err := h.Trading.DeleteOffer(r.Context(), claims.Subject, chi.URLParam(r, "offerID")); err != nil {
		h.writeTradingError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFindOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "lon is required")
		return
	}
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "lat is required")
		return
	}
	radius, err := strconv.ParseFloat(q.Get("radius"), 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "radius is required")
		return
	}
	offers, err := h.Trading.FindOffers(r.Context(), geo.Point{Longitude: lon, Latitude: lat}, radius, q.Get("product"))
	if err != nil {
		h.writeTradingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, offers)
}

type needRequest struct {
	Product  string    `json:"product"`
	Amount   int       `json:"amount"`
	Location geo.Point `json:"location"`
}

func (h *Handler) handleCreateNeed(w http.ResponseWriter, r *http.Request) {
	var req needRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	need, err := h.Trading.CreateNeed(r.Context(), claims.Subject, req.Product, req.Amount, req.Location)
	if err != nil {
		h.writeTradingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, need)
}

func (h *Handler) handleListNeeds(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	needs, err := h.Trading.ListNeeds(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, needs)
}

func (h *Handler) handleDeleteNeed(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if err := h.Trading.DeleteNeed(r.Context(), claims.Subject, chi.URLParam(r, "needID")); err != nil {
		h.writeTradingError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transactionRequest struct {
	BuyerID string `json:"buyer_id"`
	Product string `json:"product"`
	Amount  int    `json:"amount"`
}

func (h *Handler) handleCompleteTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	txn, err := h.Trading.CompleteTransaction(r.Context(), claims.Subject, req.BuyerID, req.Product, req.Amount)
	if err != nil {
		h.writeTradingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

func (h *Handler) writeTradingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trading.ErrProductRequired),
		errors.Is(err, trading.ErrInvalidAmount),
		errors.Is(err, trading.ErrSelfTrade),
		errors.Is(err, geo.ErrInvalidCoordinates):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, trading.ErrNotOwner):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, trading.ErrOfferNotFound), errors.Is(err, trading.ErrNeedNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type createMatchRequest struct {
	OpponentID string `json:"opponent_id"`
}

type recordRoundRequest struct {
	WinnerID string `json:"winner_id"`
}

func (h *Handler) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	match, err := h.Quiz.CreateMatch(r.Context(), claims.Subject, req.OpponentID)
	if err != nil {
		if errors.Is(err, quiz.ErrSamePlayer) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, match)
}

func (h *Handler) handleListMatches(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	matches, err := h.Quiz.MatchesForUser(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, matches)
}

func (h *Handler) handleRecordRound(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req recordRoundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	match, err := h.Quiz.RecordRoundWinner(r.Context(), claims.Subject, chi.URLParam(r, "matchID"), req.WinnerID)
	if err != nil {
		switch {
		case errors.Is(err, quiz.ErrNotParticipant):
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, quiz.ErrMatchNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, match)
}

type claimsContextKey struct{}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
