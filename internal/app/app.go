// Package app provides clients for the media-library applications notified
// after a download has been processed.
package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/media"
)

// configurable is implemented by all apps to support shared options.
type configurable interface {
	setLogger(zerolog.Logger)
}

// Option is a functional option for configuring apps.
type Option func(configurable)

// WithLogger sets the logger for any app.
func WithLogger(logger zerolog.Logger) Option {
	return func(c configurable) {
		c.setLogger(logger)
	}
}

// App is the interface that applications (Sonarr, Radarr, passthrough) must implement.
type App interface {
	// Name returns the configured name of this app instance.
	Name() string

	// Type returns the type of app (e.g., "sonarr", "radarr", "passthrough").
	Type() string

	// Category returns the media category this app handles.
	Category() media.Category

	// Configured reports whether the app can reach a real service. An
	// unconfigured app is a silent no-op.
	Configured() bool

	// TriggerImport tells the app to scan the given path for completed
	// downloads and import them.
	TriggerImport(ctx context.Context, path string) error

	// TestConnection tests the connection to the app.
	TestConnection(ctx context.Context) error
}

// Registry holds all configured apps.
type Registry struct {
	apps       map[string]App
	byCategory map[media.Category][]App
}

// NewRegistry creates a new app registry.
func NewRegistry() *Registry {
	return &Registry{
		apps:       make(map[string]App),
		byCategory: make(map[media.Category][]App),
	}
}

// Register adds an app to the registry.
func (r *Registry) Register(name string, a App) {
	r.apps[name] = a
	r.byCategory[a.Category()] = append(r.byCategory[a.Category()], a)
}

// Get returns an app by name.
func (r *Registry) Get(name string) (App, bool) {
	a, ok := r.apps[name]
	return a, ok
}

// GetByCategory returns all apps that handle the given category.
func (r *Registry) GetByCategory(category media.Category) []App {
	return r.byCategory[category]
}

// All returns all registered apps.
func (r *Registry) All() map[string]App {
	return r.apps
}
