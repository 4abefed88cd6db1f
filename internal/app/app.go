package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/adstash/internal/checkpoint"
	"github.com/ternarybob/adstash/internal/common"
	"github.com/ternarybob/adstash/internal/harvest"
	"github.com/ternarybob/adstash/internal/interfaces"
	"github.com/ternarybob/adstash/internal/models"
	"github.com/ternarybob/adstash/internal/registry"
	"github.com/ternarybob/adstash/internal/sinks"
	"github.com/ternarybob/adstash/internal/sources"
	"github.com/ternarybob/arbor"
)

// App holds the components of one harvest invocation
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Checkpoints interfaces.CheckpointStore
	Sources     *registry.Registry[interfaces.AdSource]
	Sinks       *registry.Registry[interfaces.Sink]
	Driver      *harvest.Driver
}

// New wires the registries and the driver, then checks the configured
// selection. Nothing touches an endpoint or the checkpoint store until the
// selection is known to be valid.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	app.Sources = sources.NewRegistry(sources.Deps{Config: cfg, Logger: logger})
	app.Sinks = sinks.NewRegistry(sinks.Deps{Config: cfg, Logger: logger})

	// Resolve ahead of opening the store so a bad name leaves no trace
	resolver := harvest.NewDriver(cfg, app.Sources, app.Sinks, nil, logger)
	if _, err := resolver.Resolve(); err != nil {
		return nil, err
	}

	if err := app.initCheckpoints(); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoints: %w", err)
	}

	app.Driver = harvest.NewDriver(cfg, app.Sources, app.Sinks, app.Checkpoints, logger)
	return app, nil
}

func (a *App) initCheckpoints() error {
	store, err := checkpoint.Open(a.Config.Checkpoint, a.Logger)
	if err != nil {
		return err
	}
	a.Checkpoints = store

	a.Logger.Debug().
		Str("backend", a.Config.Checkpoint.Backend).
		Str("path", a.Config.Checkpoint.Path).
		Msg("Checkpoint store initialized")
	return nil
}

// Run performs one harvest pass
func (a *App) Run(ctx context.Context) (*models.HarvestSummary, error) {
	return a.Driver.Run(ctx)
}

// Close releases the checkpoint store
func (a *App) Close() error {
	if a.Checkpoints != nil {
		if err := a.Checkpoints.Close(); err != nil {
			return fmt.Errorf("failed to close checkpoint store: %w", err)
		}
		a.Logger.Debug().Msg("Checkpoint store closed")
	}
	return nil
}
