package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nidhogg/standards-retrieval/internal/agent"
	"github.com/nidhogg/standards-retrieval/internal/api"
	"github.com/nidhogg/standards-retrieval/internal/artifact"
	"github.com/nidhogg/standards-retrieval/internal/checkpoint"
	"github.com/nidhogg/standards-retrieval/internal/config"
	"github.com/nidhogg/standards-retrieval/internal/orchestrator"
	"github.com/nidhogg/standards-retrieval/internal/provider"
	"github.com/nidhogg/standards-retrieval/internal/quality"
	pgstore "github.com/nidhogg/standards-retrieval/internal/store"
	"github.com/nidhogg/standards-retrieval/internal/task"
)

type app struct {
	orch        *orchestrator.Orchestrator
	checkpoints *checkpoint.Manager
	refresher   *provider.Refresher
	health      map[string]api.Pinger
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func wire(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{health: make(map[string]api.Pinger)}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	tax, err := config.LoadTaxonomy(cfg.TaxonomyPath)
	if err != nil {
		return fail(err)
	}
	logger.Info("Taxonomy loaded", zap.Int("disciplines", len(tax.All())))

	router := provider.NewRouter(cfg.Backends.LocalProvider, logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(pc.Provider(), logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}

	var feed provider.Feed = provider.StaticFeed(cfg.Backends.Profiles)
	if cfg.Backends.File != "" {
		feed = provider.FileFeed{Path: cfg.Backends.File}
	}
	catalog := provider.NewCatalog(nil)
	a.refresher = provider.NewRefresher(feed, catalog, cfg.Backends.RefreshInterval.Std(), logger)
	if err := a.refresher.Refresh(ctx); err != nil {
		return fail(fmt.Errorf("load backend profiles: %w", err))
	}

	var pg *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		pg, err = pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
			return fail(err)
		}
		a.health["postgres"] = pg
	}

	artifacts, err := openArtifacts(cfg, logger, a)
	if err != nil {
		return fail(err)
	}

	ckptStore, err := openCheckpoints(cfg, pg, a)
	if err != nil {
		return fail(err)
	}
	a.checkpoints = checkpoint.NewManager(ckptStore, cfg.CheckpointManager(), logger)

	var events orchestrator.EventSink = orchestrator.NopSink{}
	if cfg.Database.Redis.URL != "" {
		bus, err := orchestrator.NewRedisEventBus(cfg.Database.Redis.URL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, progress events disabled", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { bus.Close() })
			events = bus
		}
	}

	agents := agent.NewAll(agent.Deps{
		Catalog:      catalog,
		Selector:     provider.NewSelector(cfg.Selection.Weights),
		Ladder:       &cfg.Selection.Ladder,
		Executor:     agent.NewProviderExecutor(router, logger),
		Artifacts:    artifacts,
		Requirements: cfg.Requirements(),
		Disciplines:  tax.Map(),
		Logger:       logger,
	})
	list := make([]agent.Agent, 0, len(agents))
	for _, st := range task.Stages {
		list = append(list, agents[st])
	}

	deps := orchestrator.Deps{
		Taxonomy:    tax,
		Agents:      list,
		Gate:        quality.NewGate(cfg.Quality, nil, logger),
		Checkpoints: a.checkpoints,
		Events:      events,
		Logger:      logger,
	}
	if pg != nil {
		deps.Ledger = pg
	}
	a.orch = orchestrator.New(orchestrator.OptionsFromConfig(cfg), deps)
	return a, nil
}

func openArtifacts(cfg *config.Config, logger *zap.Logger, a *app) (artifact.Store, error) {
	switch cfg.Artifacts.Backend {
	case "redis":
		rs, err := artifact.NewRedisStore(cfg.Database.Redis.URL, cfg.Artifacts.TTL.Std(), logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { rs.Close() })
		a.health["redis"] = rs
		return rs, nil
	case "memory":
		return artifact.NewMemoryStore(), nil
	default:
		fs, err := artifact.NewFileStore(cfg.Artifacts.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
}

func openCheckpoints(cfg *config.Config, pg *pgstore.Store, a *app) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "postgres":
		if pg == nil {
			return nil, &config.Error{Field: "checkpoint.backend", Msg: "postgres backend needs database.postgres.dsn"}
		}
		return pg.Checkpoints(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Checkpoint.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		s, err := checkpoint.OpenSQLite(cfg.Checkpoint.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { s.Close() })
		return s, nil
	default:
		fs, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
}
