package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/allocstats/internal/config"
	"github.com/ehr/allocstats/internal/domain/allocation"
	"github.com/ehr/allocstats/internal/domain/report"
	"github.com/ehr/allocstats/internal/domain/rollup"
	"github.com/ehr/allocstats/internal/domain/scope"
	"github.com/ehr/allocstats/internal/platform/db"
	"github.com/ehr/allocstats/internal/platform/jobs"
	"github.com/ehr/allocstats/internal/platform/otel"
	"github.com/ehr/allocstats/migrations"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	pool  *pgxpool.Pool
	cal   *scope.Calendar
	store rollup.Store
	queue jobs.Queue
	orch  *rollup.Orchestrator

	shutdownTracing func(context.Context) error
}

func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	shutdown, err := otel.Setup(ctx, otel.Config{
		ServiceName: "allocstats",
		Version:     version,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	cal, err := cfg.Calendar()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.Pool())
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	logger.Info().Str("schema", cfg.DBSchema).Str("timezone", cal.Location().String()).Msg("connected to database")

	facts := allocation.NewRepoPG(pool, cal)
	store := rollup.NewStorePG(pool)
	return &app{
		cfg:             cfg,
		log:             logger,
		pool:            pool,
		cal:             cal,
		store:           store,
		queue:           jobs.NewQueuePG(pool, cfg.WorkerMaxAttempts),
		orch:            newEngine(cfg, cal, facts, store, logger),
		shutdownTracing: shutdown,
	}, nil
}

func (a *app) close() {
	a.pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracing(ctx); err != nil {
		a.log.Warn().Err(err).Msg("flush traces")
	}
}

// newEngine assembles the rollup orchestrator over a fact repository and an
// aggregate store.
func newEngine(cfg *config.Config, cal *scope.Calendar, facts allocation.Repository, store rollup.Store, logger zerolog.Logger) *rollup.Orchestrator {
	calcs := rollup.DefaultCalculators(facts, store, cal, rollup.Options{
		TopN:      cfg.StatsTopN,
		SliceTopN: cfg.StatsSliceTopN,
	})
	return rollup.NewOrchestrator(facts, rollup.DefaultProviders(facts, logger), calcs,
		rollup.WithConcurrency(cfg.RollupConcurrency),
		rollup.WithLogger(logger),
	)
}

func (a *app) dispatcher() *rollup.Dispatcher {
	return rollup.NewDispatcher(a.orch, a.queue)
}

func (a *app) worker() *jobs.Worker {
	return jobs.NewWorker(a.queue, a.orch.JobHandler(), jobs.Config{
		PollInterval: a.cfg.WorkerPoll,
		MaxAttempts:  a.cfg.WorkerMaxAttempts,
		LeaseTTL:     a.cfg.WorkerLeaseTTL,
	}, jobs.WithLogger(a.log.With().Str("component", "worker").Logger()))
}

func (a *app) serve(ctx context.Context) error {
	e := newRouter(a.cfg, a.log, routes{
		reports:    report.NewService(a.store, a.cal),
		dispatcher: a.dispatcher(),
		jobs:       a.queue,
		probe:      db.NewProbe(a.pool, db.NewMigrator(a.pool, migrations.FS), a.cfg.DBSchema),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.log.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	a.log.Info().Msg("server stopped")
	return nil
}
