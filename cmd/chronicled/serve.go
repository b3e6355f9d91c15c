package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/chroniclelabs/chronicle/pkg/api"
	"github.com/chroniclelabs/chronicle/pkg/config"
	"github.com/chroniclelabs/chronicle/pkg/crosssign"
	"github.com/chroniclelabs/chronicle/pkg/observability"
	"github.com/chroniclelabs/chronicle/pkg/signing"
)

// runServe starts the publication API and the cross-sign scheduler and
// blocks until SIGINT/SIGTERM.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var noScheduler bool
	cmd.BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without the periodic cross-sign scheduler")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", "error", err, "db", cfg.DatabaseURL)
		return 2
	}
	defer func() { _ = db.Close() }()

	keyring, generated, err := loadKeyring(cfg)
	if err != nil {
		logger.Error("keyring init failed", "error", err)
		return 2
	}
	crossSigner, err := keyring.Derive(signing.PurposeCrossSign)
	if err != nil {
		logger.Error("key derivation failed", "error", err)
		return 2
	}
	ackSigner, err := keyring.Derive(signing.PurposeAcknowledgement)
	if err != nil {
		logger.Error("key derivation failed", "error", err)
		return 2
	}
	operatorSigner, err := keyring.Derive(signing.PurposeOperator)
	if err != nil {
		logger.Error("key derivation failed", "error", err)
		return 2
	}
	if generated {
		logger.Warn("no master seed configured, generated a fresh instance identity",
			"seed_file", cfg.DataDir+"/seed",
			"cross_sign_key", crossSigner.PublicKey())
	}

	locker, err := newLocker(cfg)
	if err != nil {
		logger.Error("run lock init failed", "error", err)
		return 2
	}

	if cfg.Profile != "" {
		profile, err := config.LoadSeedProfile(cfg.Profile)
		if err != nil {
			logger.Error("seed profile rejected", "profile", cfg.Profile, "error", err)
			return 2
		}
		if err := applySeedProfile(ctx, st, profile, logger); err != nil {
			logger.Error("seed profile import failed", "profile", cfg.Profile, "error", err)
			return 2
		}
	}

	// Telemetry is optional: without an OTLP endpoint the runner simply
	// gets no metrics hook.
	var (
		obs     *observability.Provider
		metrics crosssign.RunMetrics
	)
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = cfg.OTLPInsecure
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			logger.Error("telemetry init failed, continuing without", "error", err)
		} else {
			metrics = obs
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = obs.Shutdown(shutdownCtx)
			}()
		}
	}

	exchange := crosssign.NewExchange(crossSigner, cfg.ExchangeTimeout)
	runner := crosssign.NewRunner(st, st, locker, exchange, logger, metrics, nil)

	auth := api.NewAuthenticator(st, operatorSigner.PublicKeyBytes())
	server := api.NewServer(st, auth, ackSigner, locker, logger)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	limiter := api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.RequestID(limiter.Middleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("chronicle instance ready",
			"listen", cfg.Listen,
			"verification_key", ackSigner.PublicKey(),
			"cross_sign_key", crossSigner.PublicKey())
		serveErr <- httpServer.ListenAndServe()
	}()

	if noScheduler {
		logger.Info("cross-sign scheduler disabled")
	} else {
		go runScheduler(ctx, runner, obs, cfg.Cycle, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		logger.Error("http server failed", "error", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	_, _ = fmt.Fprintln(stdout, "chronicled stopped")
	return 0
}

// runScheduler sweeps all targets every cycle until the context ends.
// Each sweep is independent; there is no catch-up for missed cycles and
// no inline retry, the next tick is the retry.
func runScheduler(ctx context.Context, runner *crosssign.Runner, obs *observability.Provider, cycle time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(cycle)
	defer ticker.Stop()

	logger.Info("cross-sign scheduler started", "cycle", cycle.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, runner, obs, logger)
		}
	}
}

func sweep(ctx context.Context, runner *crosssign.Runner, obs *observability.Provider, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	var done func(error)
	if obs != nil {
		ctx, done = obs.TrackOperation(ctx, "crosssign.sweep")
	}

	results := runner.RunAll(ctx)

	var failed error
	counts := map[crosssign.Outcome]int{}
	for _, res := range results {
		counts[res.Outcome]++
		if res.Outcome == crosssign.OutcomeFailed && failed == nil {
			failed = res.Err
		}
	}
	if done != nil {
		done(failed)
	}
	if len(results) > 0 {
		logger.Debug("cross-sign sweep finished",
			"targets", len(results),
			"ran", counts[crosssign.OutcomeRan],
			"failed", counts[crosssign.OutcomeFailed])
	}
}
