package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/club"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/emission"
	"github.com/warp/points-ledger/loyalty"
	"github.com/warp/points-ledger/observability"
	"github.com/warp/points-ledger/purchase"
	"github.com/warp/points-ledger/store/sqlite"
)

// app is the wired set of engines both commands run on.
type app struct {
	logger   *zap.Logger
	metrics  *observability.Metrics
	store    *sqlite.Store
	calendar loyalty.Calendar

	sweeper *club.Sweeper
	handler *api.Handler
}

func newApp(cfg config.Config) (*app, error) {
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	calendar, err := cfg.Calendar()
	if err != nil {
		return nil, err
	}

	if cfg.DBPath != ":memory:" {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
	}
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	metrics := observability.NewMetrics()
	ledger := purchase.NewService(store, logger.Named("purchase"), purchase.WithMetrics(metrics))
	emissions, err := emission.NewEngine(store, store, emission.Config{
		Policies:  emission.DefaultPolicies(cfg.Limits()),
		Calendar:  calendar,
		CacheSize: cfg.CacheSize,
		Metrics:   metrics,
		Logger:    logger.Named("emission"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	clubs := club.NewService(store, store, calendar, logger.Named("club"))
	sweeper := club.NewSweeper(store, club.SweeperConfig{
		Calendar:  calendar,
		BatchSize: cfg.SweepBatchSize,
		Metrics:   metrics,
		Logger:    logger.Named("sweep"),
	})

	handler := api.NewHandler(api.Deps{
		Ledger:           ledger,
		Emissions:        emissions,
		Clubs:            clubs,
		Sweeper:          sweeper,
		Store:            store,
		Logger:           logger.Named("api"),
		Calendar:         calendar,
		SweepConcurrency: cfg.SweepConcurrency,
	})

	return &app{
		logger:   logger,
		metrics:  metrics,
		store:    store,
		calendar: calendar,
		sweeper:  sweeper,
		handler:  handler,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
