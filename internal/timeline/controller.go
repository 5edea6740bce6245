package timeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/events"
)

// Controller records bus events into the timeline. It communicates only
// via the event bus, with no direct dependencies on other domain packages.
type Controller struct {
	eventBus *events.Bus
	recorder Recorder
	logger   zerolog.Logger

	subscription events.Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// ControllerOption is a functional option for configuring the Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger for the controller.
func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a new timeline Controller.
func NewController(eventBus *events.Bus, recorder Recorder, opts ...ControllerOption) *Controller {
	c := &Controller{
		eventBus: eventBus,
		recorder: recorder,
		logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins recording all bus events.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	// Subscribe to all events (no filter)
	c.subscription = c.eventBus.Subscribe()

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info().Msg("timeline controller started")
	return nil
}

// Stop stops the controller and waits for it to finish.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.eventBus.Unsubscribe(c.subscription)
	c.wg.Wait()

	c.logger.Info().Msg("timeline controller stopped")
	return nil
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.subscription:
			if !ok {
				return
			}
			c.recorder.Record(Event{
				Type:      string(ev.Type),
				Timestamp: ev.Timestamp,
				Message:   generateMessage(ev),
				GID:       ev.GID,
				Details:   ev.Data,
			})
		}
	}
}

func generateMessage(ev events.Event) string {
	name, _ := ev.Data["name"].(string)
	if name == "" {
		name = ev.GID
	}

	switch ev.Type {
	case events.SystemStarted:
		return "System started"
	case events.SupervisorConnected:
		return "Connected to aria2 notification stream"
	case events.SupervisorDisconnected:
		return "Lost aria2 notification stream"
	case events.SupervisorStopped:
		return "Supervisor stopped"
	case events.DownloadComplete:
		if catchup, _ := ev.Data["catchup"].(bool); catchup {
			return fmt.Sprintf("Found completed download at startup: %s", name)
		}
		return fmt.Sprintf("Download complete: %s", name)
	case events.DownloadProcessed:
		return fmt.Sprintf("Processed: %s", name)
	case events.DownloadError:
		reason, _ := ev.Data["error"].(string)
		return fmt.Sprintf("Processing failed: %s (%s)", name, reason)
	case events.ExtractStarted:
		key, _ := ev.Data["key"].(string)
		return fmt.Sprintf("Extracting archive group: %s", key)
	case events.ExtractComplete:
		key, _ := ev.Data["key"].(string)
		return fmt.Sprintf("Extracted archive group: %s", key)
	case events.ExtractFailed:
		key, _ := ev.Data["key"].(string)
		return fmt.Sprintf("Extraction failed: %s", key)
	case events.ExtractSkipped:
		key, _ := ev.Data["key"].(string)
		reason, _ := ev.Data["reason"].(string)
		return fmt.Sprintf("Extraction skipped: %s (%s)", key, reason)
	case events.MediaMoved:
		category, _ := ev.Data["category"].(string)
		return fmt.Sprintf("Moved to %s: %s", category, name)
	case events.SweepCleaned:
		key, _ := ev.Data["key"].(string)
		return fmt.Sprintf("Cleaned archive sources: %s", key)
	case events.AppNotified:
		appName, _ := ev.Data["app_name"].(string)
		return fmt.Sprintf("Import scan triggered: %s", appName)
	default:
		return fmt.Sprintf("Event: %s", ev.Type)
	}
}
