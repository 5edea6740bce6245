// Package api provides the HTTP API server.
package api //nolint:revive // api is a common, well-understood package name

import (
	"context"
	"net/http"
	"regexp"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/apitypes"
	"github.com/sweepdl/sweepdl/internal/app"
	"github.com/sweepdl/sweepdl/internal/dispatch"
	"github.com/sweepdl/sweepdl/internal/download"
	"github.com/sweepdl/sweepdl/internal/events"
	"github.com/sweepdl/sweepdl/internal/keylock"
	"github.com/sweepdl/sweepdl/internal/timeline"
)

// validGIDPattern matches aria2 gids and similar opaque IDs while
// blocking path traversal and injection.
var validGIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxGIDLength is the maximum allowed length for gid parameters.
const maxGIDLength = 256

// validateGID checks that a gid parameter is non-empty, reasonable
// length, and contains only safe characters.
func validateGID(gid string) error {
	if gid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "gid is required")
	}
	if len(gid) > maxGIDLength {
		return echo.NewHTTPError(http.StatusBadRequest, "gid too long")
	}
	if !validGIDPattern.MatchString(gid) {
		return echo.NewHTTPError(http.StatusBadRequest, "gid contains invalid characters")
	}
	return nil
}

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	client     download.Client
	dispatcher *dispatch.Dispatcher
	apps       *app.Registry
	locks      *keylock.Registry
	eventBus   *events.Bus
	recorder   timeline.Recorder
	logger     zerolog.Logger
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new API server.
func New(
	client download.Client,
	dispatcher *dispatch.Dispatcher,
	apps *app.Registry,
	locks *keylock.Registry,
	eventBus *events.Bus,
	recorder timeline.Recorder,
	opts ...Option,
) *Server {
	s := &Server{
		echo:       echo.New(),
		client:     client,
		dispatcher: dispatcher,
		apps:       apps,
		locks:      locks,
		eventBus:   eventBus,
		recorder:   recorder,
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request error")
			} else {
				s.logger.Debug().
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Msg("request")
			}
			return nil
		},
	}))

	// Recovery
	s.echo.Use(middleware.Recover())

	// CORS
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
	}))
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	// Health check
	api.GET("/health", s.healthHandler)

	// Processing status
	api.GET("/status", s.statusHandler)

	// Downloads (live view from aria2)
	api.GET("/downloads", s.listDownloadsHandler)
	api.GET("/downloads/:gid", s.getDownloadHandler)
	api.GET("/downloads/:gid/events", s.downloadEventsHandler)

	// Apps
	api.GET("/apps", s.listAppsHandler)

	// Timeline
	api.GET("/events", s.eventsHandler)
}

// Start starts the server.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("starting http server")
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Handlers

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.HealthResponse{
		Status: "ok",
	})
}

func (s *Server) statusHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, apitypes.Status{
		ActiveWorkers: s.dispatcher.ActiveWorkers(),
		HeldLocks:     s.locks.Len(),
		Subscribers:   s.eventBus.SubscriberCount(),
	})
}

func (s *Server) listDownloadsHandler(c echo.Context) error {
	downloads, err := s.client.GetDownloads(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	response := make([]apitypes.Download, 0, len(downloads))
	for _, dl := range downloads {
		response = append(response, toAPIDownload(dl))
	}

	// Sort by name for consistent ordering
	sort.Slice(response, func(i, j int) bool {
		return response[i].Name < response[j].Name
	})

	return c.JSON(http.StatusOK, response)
}

func (s *Server) getDownloadHandler(c echo.Context) error {
	gid := c.Param("gid")
	if err := validateGID(gid); err != nil {
		return err
	}

	dl, err := s.client.GetDownload(c.Request().Context(), gid)
	if err != nil {
		return c.JSON(http.StatusNotFound, apitypes.ErrorResponse{
			Error: "download not found",
		})
	}

	return c.JSON(http.StatusOK, toAPIDownload(dl))
}

func (s *Server) downloadEventsHandler(c echo.Context) error {
	gid := c.Param("gid")
	if err := validateGID(gid); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, s.recorder.GetByGID(gid))
}

func (s *Server) listAppsHandler(c echo.Context) error {
	apps := s.apps.All()

	response := make([]apitypes.App, 0, len(apps))
	for name, a := range apps {
		response = append(response, apitypes.App{
			Name:       name,
			Type:       a.Type(),
			Category:   string(a.Category()),
			Configured: a.Configured(),
		})
	}

	sort.Slice(response, func(i, j int) bool {
		return response[i].Name < response[j].Name
	})

	return c.JSON(http.StatusOK, response)
}

func (s *Server) eventsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.recorder.GetAll())
}

func toAPIDownload(dl *download.Download) apitypes.Download {
	files := make([]apitypes.File, 0, len(dl.Files))
	for _, f := range dl.Files {
		files = append(files, apitypes.File{
			Path:            f.Path,
			Length:          f.Length,
			CompletedLength: f.CompletedLength,
		})
	}

	return apitypes.Download{
		GID:    dl.GID,
		Name:   dl.DisplayName(),
		Status: string(dl.Status),
		Files:  files,
	}
}
