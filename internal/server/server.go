// Package server provides the main application server.
package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/api"
	"github.com/sweepdl/sweepdl/internal/app"
	"github.com/sweepdl/sweepdl/internal/config"
	"github.com/sweepdl/sweepdl/internal/dispatch"
	"github.com/sweepdl/sweepdl/internal/download"
	"github.com/sweepdl/sweepdl/internal/events"
	"github.com/sweepdl/sweepdl/internal/keylock"
	"github.com/sweepdl/sweepdl/internal/media"
	"github.com/sweepdl/sweepdl/internal/supervisor"
	"github.com/sweepdl/sweepdl/internal/timeline"
)

// Options holds additional server options not in config.
type Options struct {
	// Logger
	Logger zerolog.Logger
}

// Server is the main application server.
type Server struct {
	cfg        config.Config
	opts       Options
	apiServer  *api.Server
	eventBus   *events.Bus
	controller *timeline.Controller
	dispatcher *dispatch.Dispatcher
	supervisor *supervisor.Supervisor
	logger     zerolog.Logger
}

// New creates a new server with the given configuration.
//
//nolint:funlen // initialization function needs to set up multiple components
func New(cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	// aria2 client
	client := download.NewAria2(
		cfg.Aria2,
		download.WithLogger(logger.With().Str("component", "aria2").Logger()),
	)

	// Build apps from config
	appRegistry := app.NewRegistry()
	for name, appCfg := range cfg.Apps {
		logger.Info().
			Str("name", name).
			Str("type", appCfg.Type).
			Msg("configuring app")

		arrCfg := app.ArrConfig{
			URL:         appCfg.URL,
			APIKey:      appCfg.APIKey,
			HTTPTimeout: appCfg.HTTPTimeout,
		}

		switch appCfg.Type {
		case "sonarr":
			appRegistry.Register(name, app.NewSonarr(
				name,
				arrCfg,
				app.WithLogger(logger.With().Str("app", name).Logger()),
			))

		case "radarr":
			appRegistry.Register(name, app.NewRadarr(
				name,
				arrCfg,
				app.WithLogger(logger.With().Str("app", name).Logger()),
			))

		case "passthrough":
			appRegistry.Register(name, app.NewPassthrough(
				name,
				media.CategoryOthers,
				app.WithLogger(logger.With().Str("app", name).Logger()),
			))

		default:
			logger.Warn().Str("type", appCfg.Type).Msg("unknown app type")
		}
	}

	if len(cfg.Apps) == 0 {
		logger.Warn().Msg("no apps configured - media will be moved but no import scans triggered")
	}

	// Event bus and timeline
	eventBus := events.New(
		events.WithLogger(logger.With().Str("component", "events").Logger()),
	)

	recorder := timeline.NewRecorder(
		timeline.WithLogger(logger.With().Str("component", "timeline").Logger()),
	)

	controller := timeline.NewController(
		eventBus,
		recorder,
		timeline.WithControllerLogger(logger.With().Str("component", "timeline").Logger()),
	)

	// Processing pipeline
	locks := keylock.NewRegistry(
		keylock.WithTimeout(cfg.Dispatch.LockTimeout),
	)

	mover := media.NewMover(
		media.WithLogger(logger.With().Str("component", "media").Logger()),
	)

	notifier := app.NewNotifier(
		appRegistry,
		cfg.Paths.Destination,
		app.WithNotifierBus(eventBus),
		app.WithNotifierLogger(logger.With().Str("component", "notifier").Logger()),
	)

	dispatcher := dispatch.New(
		client,
		locks,
		mover,
		notifier,
		eventBus,
		cfg.Paths,
		dispatch.WithLogger(logger.With().Str("component", "dispatch").Logger()),
	)

	sup := supervisor.New(
		client,
		eventBus,
		cfg.Supervisor,
		supervisor.WithLogger(logger.With().Str("component", "supervisor").Logger()),
	)

	// API server
	apiServer := api.New(
		client,
		dispatcher,
		appRegistry,
		locks,
		eventBus,
		recorder,
		api.WithLogger(logger.With().Str("component", "api").Logger()),
	)

	return &Server{
		cfg:        cfg,
		opts:       opts,
		apiServer:  apiServer,
		eventBus:   eventBus,
		controller: controller,
		dispatcher: dispatcher,
		supervisor: sup,
		logger:     logger,
	}, nil
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info().
		Str("listen", s.cfg.Server.Listen).
		Str("downloads", s.cfg.Paths.Downloads).
		Str("destination", s.cfg.Paths.Destination).
		Msg("starting sweepdl")

	if err := s.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start timeline controller: %w", err)
	}

	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if err := s.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	s.eventBus.Publish(events.Event{Type: events.SystemStarted})

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.apiServer.Start(s.cfg.Server.Listen); err != nil {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	if err := s.apiServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("server shutdown error")
	}

	if err := s.supervisor.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("supervisor stop error")
	}

	if err := s.dispatcher.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("dispatcher stop error")
	}

	if err := s.controller.Stop(); err != nil {
		s.logger.Error().Err(err).Msg("timeline controller stop error")
	}

	s.eventBus.Close()

	s.logger.Info().Msg("shutdown complete")
	return nil
}
