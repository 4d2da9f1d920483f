package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/procman/internal/api"
	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/scheduler"
	"github.com/rendis/procman/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs the HTTP API and the scheduler until interrupted.
type ServeCmd struct {
	Overrides `embed:""`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := resolveConfig(cli, c.Overrides)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.syncCatalogs(ctx, cfg.CatalogPaths); err != nil {
		return err
	}

	schedCfg := scheduler.Config{
		Spec:        cfg.SchedulerSpec,
		Concurrency: cfg.SchedulerConcurrency,
		Recurring:   cfg.Recurring,
	}
	if cfg.Recurring {
		actor, err := identity.NewActor(cfg.SystemActorNumber, string(identity.RoleDataHubAdministrator))
		if err != nil {
			return fmt.Errorf("system actor: %w", err)
		}
		schedCfg.SystemIdentity = identity.ActorIdentity{Actor: actor}
	}
	sched, err := scheduler.New(a.coord, schedCfg, nil, a.logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Coordinator: a.coord,
			Store:       a.store,
			Hub:         a.hub,
			Logger:      a.logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("procman listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if cfg.MCP {
		go func() {
			if err := newMCPServer(a).Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mcp: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err = <-errCh:
		a.logger.Error("server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("http shutdown", slog.String("error", serr.Error()))
	}
	return err
}

// MCPCmd serves the MCP tools on stdio.
type MCPCmd struct {
	Overrides `embed:""`
}

func (c *MCPCmd) Run(cli *CLI) error {
	cfg, err := resolveConfig(cli, c.Overrides)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.syncCatalogs(ctx, cfg.CatalogPaths); err != nil {
		return err
	}
	err = newMCPServer(a).Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newMCPServer(a *app) *mcp.Server {
	return mcp.NewServer(mcp.ServerDeps{
		Coordinator: a.coord,
		Hub:         a.hub,
		Version:     version,
		Logger:      a.logger,
	})
}

// MigrateCmd applies the store migrations and exits.
type MigrateCmd struct {
	StoreDriver string `name:"store-driver" help:"Store driver."`
	StoreDSN    string `name:"store-dsn" help:"Store data source name."`
}

func (c *MigrateCmd) Run(cli *CLI) error {
	cfg, err := resolveConfig(cli, Overrides{StoreDriver: c.StoreDriver, StoreDSN: c.StoreDSN})
	if err != nil {
		return err
	}
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.logger.Info("store migrated", slog.String("driver", cfg.StoreDriver))
	return nil
}

// RegisterCmd synchronizes catalog files into the store without serving.
type RegisterCmd struct {
	Paths       []string `arg:"" name:"catalog" help:"Catalog files." type:"existingfile"`
	HostName    string   `name:"host-name" help:"Host name for catalogs without one."`
	StoreDriver string   `name:"store-driver" help:"Store driver."`
	StoreDSN    string   `name:"store-dsn" help:"Store data source name."`
}

func (c *RegisterCmd) Run(cli *CLI) error {
	cfg, err := resolveConfig(cli, Overrides{
		StoreDriver: c.StoreDriver,
		StoreDSN:    c.StoreDSN,
		HostName:    c.HostName,
	})
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.syncCatalogs(ctx, c.Paths)
}

// InitCmd writes a settings file from the defaults and the given flags.
type InitCmd struct {
	Overrides `embed:""`
	Force     bool `name:"force" help:"Overwrite an existing settings file."`
}

func (c *InitCmd) Run(cli *CLI) error {
	path := cli.Config
	if path == "" {
		path = settingsPath()
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	cfg := defaultConfig()
	c.Overrides.apply(&cfg)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}
