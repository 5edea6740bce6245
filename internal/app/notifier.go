package app

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/events"
	"github.com/sweepdl/sweepdl/internal/media"
)

// Notifier fans a processed item out to the apps registered for its
// category. Failures at this boundary are logged and swallowed: a dead
// Sonarr must never fail the download-processing event itself.
type Notifier struct {
	registry *Registry
	destRoot string
	eventBus *events.Bus
	logger   zerolog.Logger
}

// NotifierOption is a functional option for configuring the notifier.
type NotifierOption func(*Notifier)

// WithNotifierLogger sets the logger.
func WithNotifierLogger(logger zerolog.Logger) NotifierOption {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithNotifierBus sets the event bus used to announce triggered scans.
func WithNotifierBus(eventBus *events.Bus) NotifierOption {
	return func(n *Notifier) {
		n.eventBus = eventBus
	}
}

// NewNotifier creates a notifier over the given registry. destRoot is the
// destination library root used for whole-directory scans.
func NewNotifier(registry *Registry, destRoot string, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		registry: registry,
		destRoot: destRoot,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Notify triggers one import scan per media file on every app handling the
// category. With no media files the category directory as a whole is
// scanned, with a trailing separator to mark it as a directory. Unconfigured
// apps cause zero network calls.
func (n *Notifier) Notify(ctx context.Context, category media.Category, mediaFiles []string) {
	apps := n.registry.GetByCategory(category)
	if len(apps) == 0 {
		n.logger.Debug().
			Str("category", string(category)).
			Msg("no apps for category, skipping notification")
		return
	}

	paths := mediaFiles
	if len(paths) == 0 {
		paths = []string{filepath.Join(n.destRoot, string(category)) + string(os.PathSeparator)}
	}

	for _, a := range apps {
		if !a.Configured() {
			n.logger.Debug().
				Str("app", a.Name()).
				Str("category", string(category)).
				Msg("app not configured, skipping scan")
			continue
		}

		for _, path := range paths {
			if err := a.TriggerImport(ctx, path); err != nil {
				n.logger.Error().
					Err(err).
					Str("app", a.Name()).
					Str("path", path).
					Msg("import trigger failed")
				continue
			}

			if n.eventBus != nil {
				n.eventBus.Publish(events.Event{
					Type: events.AppNotified,
					Data: map[string]any{
						"app_name": a.Name(),
						"path":     path,
					},
				})
			}
		}
	}
}
