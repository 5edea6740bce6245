// Package supervisor maintains the aria2 notification stream and turns
// completion notifications into bus events.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/config"
	"github.com/sweepdl/sweepdl/internal/download"
	"github.com/sweepdl/sweepdl/internal/events"
)

// Supervisor connects to the downloader's notification stream, reconnects
// with exponential backoff when the stream dies, and publishes a
// DownloadComplete event for every finished download. On the first
// successful connection it also runs a catch-up pass so downloads that
// finished while the process was down are still handled.
type Supervisor struct {
	client   download.Client
	eventBus *events.Bus
	cfg      config.SupervisorConfig
	logger   zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Option is a functional option for configuring the supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// New creates a new supervisor.
func New(client download.Client, eventBus *events.Bus, cfg config.SupervisorConfig, opts ...Option) *Supervisor {
	s := &Supervisor{
		client:   client,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the supervision loop.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info().Msg("supervisor started")
	return nil
}

// Stop stops the supervisor and waits for the loop to exit.
func (s *Supervisor) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.logger.Info().Msg("supervisor stopped")
	return nil
}

// Done is closed when the supervision loop exits, either because the
// context was cancelled or the retry budget ran out.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)
	defer s.eventBus.Publish(events.Event{Type: events.SupervisorStopped})

	backoff := s.cfg.InitialBackoff
	retries := 0
	first := true

	for {
		if ctx.Err() != nil {
			return
		}

		notifications, err := s.client.Subscribe(ctx)
		if err != nil {
			s.logger.Warn().Err(err).
				Dur("backoff", backoff).
				Int("retries", retries).
				Msg("failed to connect to notification stream")

			retries++
			if s.cfg.MaxRetries > 0 && retries >= s.cfg.MaxRetries {
				s.logger.Error().
					Int("retries", retries).
					Msg("retry budget exhausted, giving up")
				return
			}

			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		// Connected. Reset the backoff schedule.
		backoff = s.cfg.InitialBackoff
		retries = 0

		s.logger.Info().Msg("connected to notification stream")
		s.eventBus.Publish(events.Event{Type: events.SupervisorConnected})

		if first {
			first = false
			s.catchUp(ctx)
		}

		s.watch(ctx, notifications)

		_ = notifications.Close()

		if ctx.Err() != nil {
			return
		}

		s.logger.Warn().Msg("notification stream lost")
		s.eventBus.Publish(events.Event{Type: events.SupervisorDisconnected})

		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = s.nextBackoff(backoff)
	}
}

// watch consumes completion notifications until the stream dies or the
// context is cancelled. A liveness poll catches connections that died
// without the events channel closing.
func (s *Supervisor) watch(ctx context.Context, notifications download.Notifications) {
	ticker := time.NewTicker(s.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case gid, ok := <-notifications.Events():
			if !ok {
				return
			}
			s.publishComplete(ctx, gid, false)
		case <-ticker.C:
			if !notifications.Alive() {
				return
			}
		}
	}
}

// catchUp publishes completion events for downloads that finished before
// the supervisor connected.
func (s *Supervisor) catchUp(ctx context.Context) {
	downloads, err := s.client.GetDownloads(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("catch-up pass failed")
		return
	}

	for _, d := range downloads {
		if !d.IsComplete() {
			continue
		}

		s.logger.Info().
			Str("gid", d.GID).
			Str("name", d.DisplayName()).
			Msg("found completed download at startup")

		s.eventBus.Publish(events.Event{
			Type: events.DownloadComplete,
			GID:  d.GID,
			Data: map[string]any{
				"name":    d.DisplayName(),
				"catchup": true,
			},
		})
	}
}

func (s *Supervisor) publishComplete(ctx context.Context, gid string, catchup bool) {
	data := map[string]any{"catchup": catchup}

	// Best effort name lookup for logs and the timeline.
	if d, err := s.client.GetDownload(ctx, gid); err == nil {
		data["name"] = d.DisplayName()
	}

	s.logger.Info().Str("gid", gid).Msg("download complete")

	s.eventBus.Publish(events.Event{
		Type: events.DownloadComplete,
		GID:  gid,
		Data: data,
	})
}

func (s *Supervisor) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > s.cfg.MaxBackoff {
		next = s.cfg.MaxBackoff
	}
	return next
}

// sleep waits for d or until the context is cancelled. It reports whether
// the full wait elapsed.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
