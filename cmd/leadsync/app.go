package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lead-sync-service/internal/bilprospekt"
	"lead-sync-service/internal/config"
	"lead-sync-service/internal/database"
	"lead-sync-service/internal/enrich"
	"lead-sync-service/internal/logger"
	"lead-sync-service/internal/registry"
	"lead-sync-service/internal/store"
	"lead-sync-service/internal/sync"
)

// app holds the wiring shared by every command.
type app struct {
	cfg          *config.Config
	db           *database.Database
	store        *store.SQLStore
	source       *bilprospekt.Source
	orchestrator *sync.Orchestrator
	backfiller   *sync.Backfiller
	runners      map[string]*enrich.Runner
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	db, err := database.NewDatabase(cfg.StateStorage)
	if err != nil {
		return nil, fmt.Errorf("failed to open state storage: %w", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	st := store.NewSQLStore(db)
	source := bilprospekt.NewSource(cfg.Bilprospekt)
	lookup := registry.NewClient(cfg.Registry)
	delay := enrich.DelayPolicy{Min: cfg.Enrichment.MinDelay, Max: cfg.Enrichment.MaxDelay}
	retryAfter := cfg.Enrichment.RetryAfter

	a := &app{
		cfg:          cfg,
		db:           db,
		store:        st,
		source:       source,
		orchestrator: sync.NewOrchestrator(st, source, cfg.Sync),
		backfiller:   sync.NewBackfiller(st, source, cfg.Bilprospekt.YearRanges),
		runners: map[string]*enrich.Runner{
			enrich.PolicyDealer: enrich.NewRunner(
				enrich.NewRegistryPolicy(store.SellerDealer, lookup, st, retryAfter), delay),
			enrich.PolicyPrivate: enrich.NewRunner(
				enrich.NewRegistryPolicy(store.SellerPrivate, lookup, st, retryAfter), delay),
			enrich.PolicyBuyer: enrich.NewRunner(
				enrich.NewBuyerPolicy(lookup, st, cfg.Enrichment.SoldMinAgeDays, cfg.Enrichment.SoldMaxAgeDays, retryAfter), delay),
		},
	}

	logger.Log.Info("State storage ready",
		zap.String("driver", db.Driver),
		zap.Bool("bilprospekt_credentials", source.HasCredentials()),
	)
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logger.Log.Warn("Failed to close state storage", zap.Error(err))
	}
	logger.Sync()
}
