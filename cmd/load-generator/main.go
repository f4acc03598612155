package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"
)

// Generates synthetic traffic: registered users upload location pings around
// a shared city center, a small share files infection reports, and everyone
// polls their risk score. Useful for smoke-testing the matching pipeline.
type config struct {
	APIBase          string        `env:"LOADGEN_API_BASE" envDefault:"http://localhost:8080"`
	Users            int           `env:"LOADGEN_USERS" envDefault:"50"`
	SetupConcurrency int           `env:"LOADGEN_SETUP_CONCURRENCY" envDefault:"10"`
	Duration         time.Duration `env:"LOADGEN_DURATION" envDefault:"1m"`
	PingInterval     time.Duration `env:"LOADGEN_PING_INTERVAL" envDefault:"2s"`
	ReportChance     float64       `env:"LOADGEN_REPORT_CHANCE" envDefault:"0.02"`
	RequestTimeout   time.Duration `env:"LOADGEN_REQUEST_TIMEOUT" envDefault:"10s"`
	Password         string        `env:"LOADGEN_PASSWORD" envDefault:"loadgen-password"`
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

type simulatedUser struct {
	Username string
	Token    string
	Lon      float64
	Lat      float64
}

type runner struct {
	cfg    config
	client *http.Client
	logger *slog.Logger

	success atomic.Int64
	failure atomic.Int64
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Error("parse config", "error", err)
		os.Exit(1)
	}
	if cfg.Users <= 0 || cfg.SetupConcurrency <= 0 {
		logger.Error("LOADGEN_USERS and LOADGEN_SETUP_CONCURRENCY must be > 0")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	r := &runner{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}

	users, err := r.setupUsers(ctx)
	if err != nil {
		logger.Error("user setup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("users registered", "count", len(users))

	g, runCtx := errgroup.WithContext(ctx)
	for _, u := range users {
		u := u
		g.Go(func() error {
			r.runUser(runCtx, u)
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("load generation finished",
		"requests_ok", r.success.Load(),
		"requests_failed", r.failure.Load(),
	)
}

func (r *runner) setupUsers(ctx context.Context) ([]*simulatedUser, error) {
	users := make([]*simulatedUser, r.cfg.Users)
	g, setupCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SetupConcurrency)

	runID := time.Now().UnixNano()
	for i := range users {
		i := i
		g.Go(func() error {
			username := fmt.Sprintf("loadgen-%d-%d", runID, i)
			token, err := r.register(setupCtx, username)
			if err != nil {
				return fmt.Errorf("register %s: %w", username, err)
			}
			users[i] = &simulatedUser{
				Username: username,
				Token:    token,
				// Scatter users across roughly one square kilometer.
				Lon: 8.4037 + (rand.Float64()-0.5)*0.01,
				Lat: 49.0069 + (rand.Float64()-0.5)*0.01,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *runner) register(ctx context.Context, username string) (string, error) {
	body := map[string]string{"username": username, "password": r.cfg.Password}
	var resp authResponse
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/auth/register", "", body, &resp); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

func (r *runner) runUser(ctx context.Context, u *simulatedUser) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// A short random walk keeps neighbors within contact range often
		// enough to generate matches.
		u.Lon += (rand.Float64() - 0.5) * 0.0001
		u.Lat += (rand.Float64() - 0.5) * 0.0001

		r.uploadPing(ctx, u)

		switch {
		case rand.Float64() < r.cfg.ReportChance:
			r.submitReport(ctx, u)
		case rand.Float64() < 0.2:
			r.fetchRiskScore(ctx, u)
		}
	}
}

func (r *runner) uploadPing(ctx context.Context, u *simulatedUser) {
	body := map[string]any{
		"pings": []map[string]any{{
			"location":    map[string]float64{"lon": u.Lon, "lat": u.Lat},
			"recorded_at": time.Now().UTC().Format(time.RFC3339),
		}},
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/locations", u.Token, body, nil); err != nil {
		r.logger.Debug("ping upload failed", "user", u.Username, "error", err)
	}
}

func (r *runner) submitReport(ctx context.Context, u *simulatedUser) {
	body := map[string]any{
		"status":       "infected",
		"date_of_test": time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.doJSON(ctx, http.MethodPost, "/api/v1/infections", u.Token, body, nil); err != nil {
		r.logger.Debug("report submission failed", "user", u.Username, "error", err)
	}
}

func (r *runner) fetchRiskScore(ctx context.Context, u *simulatedUser) {
	if err := r.doJSON(ctx, http.MethodGet, "/api/v1/risk", u.Token, nil, nil); err != nil {
		r.logger.Debug("risk fetch failed", "user", u.Username, "error", err)
	}
}

func (r *runner) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.APIBase+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.failure.Add(1)
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		r.failure.Add(1)
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	r.success.Add(1)
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
