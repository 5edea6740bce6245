package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/media"
)

// passthroughClient implements the App interface for categories that have no
// downstream service. Files are moved but no API calls are made.
// It is private and only exposed via the App interface.
type passthroughClient struct {
	name     string
	category media.Category
	logger   zerolog.Logger
}

// setLogger implements configurable for shared options.
func (c *passthroughClient) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// NewPassthrough creates a new passthrough client and returns it as App.
func NewPassthrough(name string, category media.Category, opts ...Option) App {
	c := &passthroughClient{
		name:     name,
		category: category,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the configured name of this app instance.
func (c *passthroughClient) Name() string {
	return c.name
}

// Type returns the type of app.
func (c *passthroughClient) Type() string {
	return "passthrough"
}

// Category returns the media category this app handles.
func (c *passthroughClient) Category() media.Category {
	return c.category
}

// Configured always reports false: nothing downstream to call.
func (c *passthroughClient) Configured() bool {
	return false
}

// TriggerImport is a no-op for passthrough.
func (c *passthroughClient) TriggerImport(_ context.Context, path string) error {
	c.logger.Debug().
		Str("name", c.name).
		Str("path", path).
		Msg("passthrough complete - no import triggered")
	return nil
}

// TestConnection always succeeds for passthrough since there's nothing to connect to.
func (c *passthroughClient) TestConnection(_ context.Context) error {
	c.logger.Debug().
		Str("name", c.name).
		Msg("passthrough connection test - always succeeds")
	return nil
}
