package main

import (
	"context"
	"fmt"
	"log/slog"

	"illustpub/internal/accounts"
	"illustpub/internal/catalogue"
	"illustpub/internal/config"
	"illustpub/internal/platform"
	"illustpub/internal/progress"
	"illustpub/internal/resolution"
	"illustpub/internal/services"
)

// app is the wired service graph shared by serve and the one-shot commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     catalogue.Store
	accounts  *accounts.Registry
	tracker   *progress.Tracker
	selector  *services.Selector
	fetcher   *services.Fetcher
	processor *services.ImageProcessor
	publisher *services.Publisher
	curator   *services.Curator
	sessions  *services.SessionStore
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, onComplete services.OnComplete) (*app, error) {
	store, err := catalogue.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}
	registry, err := accounts.Load(cfg.Paths.AccountsFile)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	source, err := resolution.NewHTTPSource(cfg.Resolution, nil)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client, err := platform.NewClient(cfg.Platform, nil, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		accounts: registry,
		tracker:  progress.New(logger, cfg.TaskRetention()),
	}
	a.selector = services.NewSelector(store, logger)
	a.fetcher = services.NewFetcher(store, source, cfg, logger)
	a.processor = services.NewImageProcessor(a.fetcher, a.tracker, cfg.Workers.Materialize, cfg.Workers.QueueSize, logger, onComplete)
	a.publisher = services.NewPublisher(store, registry, services.ClientSessions(client), a.tracker, cfg.Paths.WorkDir, logger)
	a.sessions = services.NewSessionStore(cfg.SessionTTL(), logger)
	a.curator = services.NewCurator(a.selector, a.processor, a.fetcher, a.publisher, a.sessions, logger)

	logger.Info("catalogue ready",
		"driver", cfg.Database.Driver,
		"destinations", len(registry.List()),
		"workers", cfg.Workers.Materialize)
	return a, nil
}

func (a *app) Close() {
	a.processor.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close catalogue", "error", err)
	}
}
