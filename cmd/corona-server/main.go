package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/achievements"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/geostore"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/httpapi"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/identity"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/infection"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/notifications"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/quiz"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/risk"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/tracing"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/app/trading"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/contracts"
	platformauth "github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/auth"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/config"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/dbpool"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/metrics"
	"github.com/ckuessner/vivacoronia-backend-sub000/internal/platform/natsutil"
)

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("corona-server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	metrics.Register()

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	geoRepo := geostore.NewRepository(pool)
	infectionRepo := infection.NewRepository(pool)
	contactRegistry := tracing.NewRegistry(pool)
	achievementStore := achievements.NewPostgresStore(pool)
	identityRepo := identity.NewPostgresRepository(pool)
	tradingRepo := trading.NewRepository(pool)
	quizRepo := quiz.NewRepository(pool)

	schemas := []schemaEnsurer{
		identityRepo, geoRepo, infectionRepo, contactRegistry,
		achievementStore, tradingRepo, quizRepo,
	}
	for _, repo := range schemas {
		if err := waitForSchema(runCtx, logger, repo, 30*time.Second); err != nil {
			return err
		}
	}

	client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, "corona-server", cfg.NATSTimeout)
	if err != nil {
		return err
	}
	defer client.Close()
	publisher := natsutil.JetStreamPublisher{JS: client.JS}

	hub := notifications.NewHub(cfg.NotificationBufferCap)
	tokens := platformauth.NewManager(cfg.JWTSecret, cfg.TokenTTL)

	engine := achievements.NewEngine(achievementStore, hub)
	identitySvc := identity.NewService(identityRepo, tokens, engine)
	geoSvc := geostore.NewService(geoRepo, publisher.Publish)
	infectionSvc := infection.NewService(infectionRepo, publisher.Publish)
	scorer := risk.NewScorer(infectionRepo, contactRegistry, population{
		infections: infectionRepo,
		users:      identityRepo,
	})
	tradingSvc := trading.NewService(tradingRepo, engine, nuid.Next)
	quizSvc := quiz.NewService(quizRepo, engine, hub, nuid.Next)

	matcher := tracing.NewMatcher(geoRepo, cfg.MatcherQueryTimeout)
	tracingSvc := &tracing.Service{
		Finder:   matcher,
		Store:    contactRegistry,
		Tiers:    engine,
		Notifier: hub,
		Logger:   logger.With("component", "tracing"),
	}
	recompute := achievements.NewRecompute(engine, geoRepo, contactRegistry, infectionRepo, achievementStore)

	reportSub, err := subscribeReports(runCtx, client.JS, logger, tracingSvc)
	if err != nil {
		return err
	}
	defer func() { _ = reportSub.Drain() }()

	pingSub, err := subscribePingBatches(runCtx, client.JS, logger, recompute)
	if err != nil {
		return err
	}
	defer func() { _ = pingSub.Drain() }()

	wsHandler := notifications.NewWebsocketHandler(hub, tokens, logger.With("component", "websocket"))
	apiHandler := &httpapi.Handler{
		Identity:     identitySvc,
		Geo:          geoSvc,
		Pings:        geoRepo,
		Infections:   infectionSvc,
		Reports:      infectionRepo,
		Contacts:     contactRegistry,
		Achievements: engine,
		Risk:         scorer,
		Trading:      tradingSvc,
		Quiz:         quizSvc,
		Websocket:    wsHandler,
		Ready: func(ctx context.Context) error {
			if client.Conn == nil || !client.Conn.IsConnected() {
				return errors.New("nats connection is down")
			}
			return pool.Ping(ctx)
		},
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("corona-server listening", "addr", cfg.HTTPAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

type population struct {
	infections *infection.Repository
	users      *identity.PostgresRepository
}

func (p population) CountCurrentlyInfected(ctx context.Context) (int, error) {
	return p.infections.CountCurrentlyInfected(ctx)
}

func (p population) CountUsers(ctx context.Context) (int, error) {
	return p.users.CountUsers(ctx)
}

// subscribeReports feeds infection reports into the tracing workflow.
// Malformed payloads and matcher failures are terminated, not retried: the
// tracing core performs no automatic retries of a failed match.
func subscribeReports(ctx context.Context, js nats.JetStreamContext, logger *slog.Logger, svc *tracing.Service) (*nats.Subscription, error) {
	return js.QueueSubscribe("corona.reports.>", "tracing", func(msg *nats.Msg) {
		if err := svc.HandleInfectionReport(ctx, msg.Data); err != nil {
			if errors.Is(err, tracing.ErrInvalidReportPayload) {
				logger.Warn("discarding invalid report message", "subject", msg.Subject, "error", err)
			} else {
				logger.Error("tracing infection report failed", "subject", msg.Subject, "error", err)
			}
			_ = msg.Term()
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck())
}

// subscribePingBatches feeds recorded ping batches into the achievement
// recompute. Store errors are retryable and get a Nak.
func subscribePingBatches(ctx context.Context, js nats.JetStreamContext, logger *slog.Logger, recompute *achievements.Recompute) (*nats.Subscription, error) {
	return js.QueueSubscribe("corona.pings.>", "achievement-recompute", func(msg *nats.Msg) {
		var batch contracts.PingBatchRecorded
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			logger.Warn("discarding invalid ping batch message", "subject", msg.Subject, "error", err)
			_ = msg.Term()
			return
		}
		if err := recompute.OnPingBatch(ctx, batch); err != nil {
			logger.Error("achievement recompute failed", "subject", msg.Subject, "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck())
}

func waitForSchema(ctx context.Context, logger *slog.Logger, repo schemaEnsurer, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		logger.Info("waiting for database schema readiness", "error", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
