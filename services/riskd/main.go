package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kishansudani/accounts-v2/assets/derived"
	"github.com/kishansudani/accounts-v2/assets/primary"
	"github.com/kishansudani/accounts-v2/observability/logging"
	telemetry "github.com/kishansudani/accounts-v2/observability/otel"
	"github.com/kishansudani/accounts-v2/oracle"
	"github.com/kishansudani/accounts-v2/registry"
	"github.com/kishansudani/accounts-v2/services/riskd/config"
	"github.com/kishansudani/accounts-v2/services/riskd/server"
	"github.com/kishansudani/accounts-v2/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/riskd/riskd.toml", "path to riskd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("riskd", cfg.Environment, logging.Options{
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	shutdownTelemetry, err := telemetry.InitFromEnv(context.Background(), "riskd", cfg.Environment)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	if err := run(cfg, logger); err != nil {
		log.Fatalf("riskd failed: %v", err)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	var db storage.Database
	if cfg.DataDir != "" {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open database %s: %w", cfg.DataDir, err)
		}
		db = ldb
	} else {
		logger.Warn("no DataDir configured, using in-memory storage")
		db = storage.NewMemDB()
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("close database", "error", err)
		}
	}()

	hub := oracle.NewHub(cfg.Oracle.MaxQuoteAge.Duration)
	feeds := make(map[string]*oracle.ManualFeed, len(cfg.Oracle.Feeds))
	for _, name := range cfg.Oracle.Feeds {
		feed := oracle.NewManualFeed()
		if err := hub.Register(name, feed); err != nil {
			return fmt.Errorf("register feed %s: %w", name, err)
		}
		feeds[name] = feed
	}

	state := storage.NewManager(db)
	reg := registry.New(state, logger)
	tokens := primary.NewTokenModule("erc20", state, hub)
	floors := primary.NewFloorModule("floor-collections", state, hub)
	reserves := derived.NewManualReserves()
	pool := derived.NewPoolModule("pool-positions", state, reserves)
	pool.SetRouter(reg)

	var opts server.Options
	if cfg.Auth.Enabled {
		opts.Auth = server.NewAuthenticator(server.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger)
	} else {
		logger.Warn("authentication disabled, all routes are open")
	}
	if cfg.Limits.RequestsPerMinute > 0 {
		opts.RateLimiter = server.NewRateLimiter(cfg.Limits.RequestsPerMinute, cfg.Limits.Burst)
	}
	opts.Observability = server.NewObservability("riskd", logger)

	srv := server.New(server.Engine{
		Registry: reg,
		Tokens:   tokens,
		Floors:   floors,
		Pool:     pool,
		Reserves: reserves,
		Oracle:   hub,
		Feeds:    feeds,
	}, logger, opts)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("riskd listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
