// Package app opens the store and assembles an engine from config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"metaflow/internal/config"
	"metaflow/internal/db"
	"metaflow/internal/dispatch"
	"metaflow/internal/engine"
	"metaflow/internal/migrate"
	"metaflow/internal/tracing"
)

// App owns the resources behind one engine.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Engine  engine.Engine
	Tracing *tracing.Provider
	Log     *zap.Logger
}

// Open connects to the configured store, migrates it, and wires handlers from config.
func Open(workspace string, cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	dbCfg := db.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Workspace: workspace}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	handlers, err := BuildHandlers(cfg.Handlers)
	if err != nil {
		conn.Close()
		return nil, err
	}
	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}
	e := engine.New(conn, engine.Options{
		Dialect:        dbCfg.Dialect(),
		Logger:         log,
		Tracer:         tp.Tracer(),
		Handlers:       handlers,
		StoreTimeout:   cfg.Store.Timeout.Std(),
		HandlerTimeout: cfg.Dispatch.HandlerTimeout.Std(),
		Parallelism:    cfg.Dispatch.Parallelism,
	})
	log.Debug("engine ready",
		zap.String("driver", string(dbCfg.Dialect())),
		zap.Strings("handlers", handlers.Names()),
	)
	return &App{Config: cfg, DB: conn, Engine: e, Tracing: tp, Log: log}, nil
}

// BuildHandlers registers one HTTP handler per configured entry.
func BuildHandlers(cfgs []config.HandlerConfig) (*dispatch.Handlers, error) {
	handlers := dispatch.NewHandlers()
	for _, hc := range cfgs {
		h := dispatch.HTTPHandler{URL: hc.URL, HealthURL: hc.HealthURL, Timeout: hc.Timeout.Std()}
		if err := handlers.Register(hc.Name, h); err != nil {
			return nil, err
		}
	}
	return handlers, nil
}

// Close flushes spans and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Tracing != nil {
		errs = append(errs, a.Tracing.Shutdown(ctx))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
