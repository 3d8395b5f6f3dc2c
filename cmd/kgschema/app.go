package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/dusk-indust/kgschema/internal/config"
	"github.com/dusk-indust/kgschema/internal/export"
	"github.com/dusk-indust/kgschema/internal/graph"
	"github.com/dusk-indust/kgschema/internal/logging"
	"github.com/dusk-indust/kgschema/internal/manager"
	"github.com/dusk-indust/kgschema/internal/metrics"
	"github.com/dusk-indust/kgschema/internal/migrate"
	"github.com/dusk-indust/kgschema/internal/schema"
	"github.com/dusk-indust/kgschema/internal/versions"
)

// app is the wiring shared by every command that touches the store.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	closeLog func() error
	store    graph.Store
	mgr      *manager.Manager
	metrics  *metrics.Collector
	json     bool
}

// loadConfig reads kgschema.yml and applies flag overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.Dir)
	if err != nil {
		return nil, err
	}
	if flags.Driver != "" {
		cfg.Store.Driver = flags.Driver
	}
	if flags.StorePath != "" {
		cfg.Store.Path = flags.StorePath
	}
	if flags.SchemaFile != "" {
		cfg.Schema.File = flags.SchemaFile
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openApp loads config, builds the logger and opens the store. extra engine
// options are appended after the config-derived ones.
func openApp(ctx context.Context, flags *rootFlags, logOut io.Writer, extra ...migrate.Option) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.NewWithWriter(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}
	store, err := graph.Open(ctx, cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	logger.Debug("store opened",
		zap.String("driver", cfg.Store.Driver),
		zap.String("path", cfg.Store.Path),
		zap.String("config", cfg.File))

	collector := metrics.NewCollector()
	engineOpts := []migrate.Option{
		migrate.WithBatchSize(cfg.Migration.BatchSize),
		migrate.WithLockName(cfg.Migration.LockName),
		migrate.WithLockTTL(cfg.Migration.LockTTL),
		migrate.WithLogger(logger.Named("migrate")),
		migrate.WithRecorder(collector),
	}
	if cfg.Migration.Owner != "" {
		engineOpts = append(engineOpts, migrate.WithOwner(cfg.Migration.Owner))
	}
	engineOpts = append(engineOpts, extra...)

	mgr := manager.New(store,
		manager.WithLogger(logger.Named("manager")),
		manager.WithIgnoredLabels(cfg.Schema.IgnoredLabels...),
		manager.WithEngineOptions(engineOpts...),
		manager.WithVersionOptions(versions.WithLogger(logger.Named("versions"))),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		mgr:      mgr,
		metrics:  collector,
		json:     flags.JSON,
	}, nil
}

// Close closes the store, then flushes and closes the log sinks.
func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.closeLog())
}

// candidate loads the schema file named by args[0], or the configured one.
func (a *app) candidate(args []string) (*schema.Definition, error) {
	path := a.cfg.Schema.File
	if len(args) > 0 {
		path = args[0]
	}
	return export.LoadFile(path)
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = w.Write(append(out, '\n'))
	return err
}
