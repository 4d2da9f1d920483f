package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/procman/internal/catalog"
	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/executor"
	"github.com/rendis/procman/internal/logging"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/internal/streaming"
	"github.com/rendis/procman/internal/validation"
)

// app holds the components shared by the commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	hub       *streaming.MemoryHub
	validator *validation.JSONSchemaValidator
	coord     *engine.Coordinator
}

// resolveConfig loads the layered configuration and applies flag overrides.
func resolveConfig(cli *CLI, o Overrides) (Config, error) {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return cfg, err
	}
	o.apply(&cfg)
	return cfg, nil
}

// newApp opens and migrates the store and builds the coordinator.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)

	if cfg.StoreDSN == defaultConfig().StoreDSN {
		if err := os.MkdirAll(procmanDir(), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", procmanDir(), err)
		}
	}
	st, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		st.Close()
		return nil, err
	}

	var exec engine.Executor
	if cfg.ExecutorURL != "" {
		exec, err = executor.NewWebhook(executor.WebhookConfig{
			URL:     cfg.ExecutorURL,
			Timeout: time.Duration(cfg.ExecutorTimeout),
			Breaker: executor.DefaultBreakerConfig(),
		}, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	} else {
		logger.Warn("no executor url configured, engine commands are only logged")
		exec = executor.NewLogging(logger)
	}

	hub := streaming.NewMemoryHub()
	coord, err := engine.NewCoordinator(engine.CoordinatorDeps{
		Store:     st,
		Executor:  exec,
		Validator: validator,
		Hub:       hub,
		Logger:    logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		hub:       hub,
		validator: validator,
		coord:     coord,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// syncCatalogs loads the configured catalogs and synchronizes each host.
func (a *app) syncCatalogs(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	catalogs, err := catalog.NewLoader(a.validator).LoadFiles(paths)
	if err != nil {
		return err
	}
	for _, cat := range catalogs {
		host := cat.Host
		if host == "" {
			host = a.cfg.HostName
		}
		res, err := a.coord.SynchronizeHost(ctx, host, cat.Descriptions)
		if err != nil {
			return fmt.Errorf("synchronize host %q: %w", host, err)
		}
		a.logger.Info("catalog synchronized",
			slog.String("host", host),
			slog.Int("registered", len(res.Registered)),
			slog.Int64("disabled", res.Disabled))
	}
	return nil
}
