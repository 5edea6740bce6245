// Package dispatch turns download-completion events into post-processing
// actions: archive extraction, categorized moves, cleanup and import scans.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/app"
	"github.com/sweepdl/sweepdl/internal/config"
	"github.com/sweepdl/sweepdl/internal/download"
	"github.com/sweepdl/sweepdl/internal/events"
	"github.com/sweepdl/sweepdl/internal/extract"
	"github.com/sweepdl/sweepdl/internal/keylock"
	"github.com/sweepdl/sweepdl/internal/media"
)

// multipartPattern matches names like "show.part2.rar", capturing the
// group base and the part number.
var multipartPattern = regexp.MustCompile(`(?i)^(.+)\.part(\d+)\.(zip|rar)$`)

// How long Stop waits for in-flight workers before giving up.
const workerJoinTimeout = 30 * time.Second

// Dispatcher subscribes to completion events and processes each one in
// its own goroutine. Per-group mutual exclusion comes from the keyed
// lock registry, so no bounded worker pool is needed.
type Dispatcher struct {
	client   download.Client
	locks    *keylock.Registry
	mover    *media.Mover
	notifier *app.Notifier
	eventBus *events.Bus
	paths    config.PathsConfig
	logger   zerolog.Logger

	subscription events.Subscription
	cancel       context.CancelFunc
	loopWG       sync.WaitGroup

	workerMu sync.Mutex
	workers  map[string]struct{}
	workerWG sync.WaitGroup
}

// Option is a functional option for configuring the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates a new dispatcher.
func New(
	client download.Client,
	locks *keylock.Registry,
	mover *media.Mover,
	notifier *app.Notifier,
	eventBus *events.Bus,
	paths config.PathsConfig,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		client:   client,
		locks:    locks,
		mover:    mover,
		notifier: notifier,
		eventBus: eventBus,
		paths:    paths,
		logger:   zerolog.Nop(),
		workers:  make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start subscribes to completion events and begins dispatching.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	d.subscription = d.eventBus.Subscribe(events.DownloadComplete)

	d.loopWG.Add(1)
	go d.run(ctx)

	d.logger.Info().Msg("dispatcher started")
	return nil
}

// Stop stops accepting events and waits for in-flight workers, bounded
// by workerJoinTimeout.
func (d *Dispatcher) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}

	d.eventBus.Unsubscribe(d.subscription)
	d.loopWG.Wait()

	joined := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(joined)
	}()

	select {
	case <-joined:
	case <-time.After(workerJoinTimeout):
		d.logger.Warn().Msg("timed out waiting for workers")
	}

	d.logger.Info().Msg("dispatcher stopped")
	return nil
}

// ActiveWorkers returns the number of events currently being processed.
func (d *Dispatcher) ActiveWorkers() int {
	d.workerMu.Lock()
	defer d.workerMu.Unlock()
	return len(d.workers)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.loopWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.subscription:
			if !ok {
				return
			}
			d.spawn(ctx, ev.GID)
		}
	}
}

// spawn starts a worker for a completion event. A second event for a gid
// already in flight is dropped.
func (d *Dispatcher) spawn(ctx context.Context, gid string) {
	d.workerMu.Lock()
	if _, running := d.workers[gid]; running {
		d.workerMu.Unlock()
		d.logger.Debug().Str("gid", gid).Msg("event already in flight, dropping")
		return
	}
	d.workers[gid] = struct{}{}
	d.workerMu.Unlock()

	d.workerWG.Add(1)
	go func() {
		defer d.workerWG.Done()
		defer func() {
			d.workerMu.Lock()
			delete(d.workers, gid)
			d.workerMu.Unlock()
		}()

		d.Handle(ctx, gid)
	}()
}

// Handle processes a single completion event to completion.
func (d *Dispatcher) Handle(ctx context.Context, gid string) {
	logger := d.logger.With().Str("gid", gid).Logger()

	dl, err := d.client.GetDownload(ctx, gid)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up download")
		d.publishError(gid, "", err)
		return
	}

	if len(dl.Files) == 0 {
		logger.Warn().Msg("download has no files, purging record")
		_ = d.client.Remove(ctx, gid, false)
		return
	}

	// aria2 direct downloads carry a single file; the first file decides
	// the processing branch.
	path := dl.Files[0].Path
	name := filepath.Base(path)
	logger = logger.With().Str("name", name).Logger()

	switch {
	case strings.EqualFold(filepath.Ext(name), ".nfo"):
		d.handleNfo(ctx, logger, dl)
	case extract.Supported(name):
		d.handleArchive(ctx, logger, dl, path)
	default:
		d.handleOther(ctx, logger, dl, path)
	}
}

// handleNfo deletes both the file and the download record.
func (d *Dispatcher) handleNfo(ctx context.Context, logger zerolog.Logger, dl *download.Download) {
	logger.Info().Msg("discarding nfo file")

	if err := d.client.Remove(ctx, dl.GID, true); err != nil {
		logger.Error().Err(err).Msg("failed to remove nfo download")
		d.publishError(dl.GID, dl.DisplayName(), err)
		return
	}

	d.publishProcessed(dl, "nfo discarded")
}

// handleOther moves a non-archive file straight to the destination and
// purges the record.
func (d *Dispatcher) handleOther(ctx context.Context, logger zerolog.Logger, dl *download.Download, path string) {
	category, mediaFiles, err := d.mover.Move(path, d.paths.Destination)
	if err != nil {
		logger.Error().Err(err).Msg("failed to move file")
		d.publishError(dl.GID, dl.DisplayName(), err)
		return
	}

	logger.Info().Str("category", string(category)).Msg("moved to destination")
	d.eventBus.Publish(events.Event{
		Type: events.MediaMoved,
		GID:  dl.GID,
		Data: map[string]any{
			"name":     dl.DisplayName(),
			"category": string(category),
		},
	})

	d.notifier.Notify(ctx, category, mediaFiles)

	if err := d.client.Remove(ctx, dl.GID, false); err != nil {
		logger.Warn().Err(err).Msg("failed to purge download record")
	}

	d.publishProcessed(dl, "moved")
}

// handleArchive runs multi-part detection and, when the group is ready,
// the locked extraction procedure.
func (d *Dispatcher) handleArchive(ctx context.Context, logger zerolog.Logger, dl *download.Download, path string) {
	name := filepath.Base(path)

	// The lock key is the group base for multi-part sets and the full
	// archive filename otherwise, so the cleanup sweep catches every
	// sibling part but nothing else.
	key := name
	source := path
	multipart := false

	if m := multipartPattern.FindStringSubmatch(name); m != nil {
		multipart = true
		key = m[1]

		ready, first, err := d.groupReady(ctx, m[1])
		if err != nil {
			logger.Error().Err(err).Msg("failed to check sibling parts")
			d.publishError(dl.GID, dl.DisplayName(), err)
			return
		}
		if !ready {
			logger.Info().Str("group", m[1]).Msg("waiting for remaining parts")
			d.publishSkipped(dl.GID, keylock.Sanitize(key), "waiting for remaining parts")
			return
		}

		// Extraction starts from the first volume of the set.
		if first != "" {
			source = first
		}
	}

	sanitized := keylock.Sanitize(key)

	if err := d.locks.Acquire(sanitized); err != nil {
		logger.Info().Str("key", sanitized).Msg("group already being extracted, dropping")
		d.publishSkipped(dl.GID, sanitized, "already locked")
		return
	}
	defer d.locks.Release(sanitized)

	// An earlier run may have consumed the source already.
	if _, err := os.Stat(source); err != nil {
		logger.Warn().Str("source", source).Msg("source file gone, nothing to extract")
		d.publishSkipped(dl.GID, sanitized, "source missing")
		return
	}

	outDir := filepath.Join(d.paths.Extract, sanitized+"-OUT")

	logger.Info().Str("key", sanitized).Str("out", outDir).Msg("extracting")
	d.eventBus.Publish(events.Event{
		Type: events.ExtractStarted,
		GID:  dl.GID,
		Data: map[string]any{"name": dl.DisplayName(), "key": sanitized},
	})

	if err := extract.Extract(ctx, source, outDir); err != nil {
		// Partial output and sources stay on disk for inspection.
		logger.Error().Err(err).Str("key", sanitized).Msg("extraction failed")
		d.eventBus.Publish(events.Event{
			Type: events.ExtractFailed,
			GID:  dl.GID,
			Data: map[string]any{
				"name":  dl.DisplayName(),
				"key":   sanitized,
				"error": err.Error(),
			},
		})
		return
	}

	d.eventBus.Publish(events.Event{
		Type: events.ExtractComplete,
		GID:  dl.GID,
		Data: map[string]any{"name": dl.DisplayName(), "key": sanitized},
	})

	category, mediaFiles, err := d.mover.Move(outDir, d.paths.Destination)
	if err != nil {
		logger.Error().Err(err).Msg("failed to move extracted output")
		d.publishError(dl.GID, dl.DisplayName(), err)
		return
	}

	logger.Info().Str("category", string(category)).Msg("moved to destination")
	d.eventBus.Publish(events.Event{
		Type: events.MediaMoved,
		GID:  dl.GID,
		Data: map[string]any{
			"name":     dl.DisplayName(),
			"category": string(category),
			"key":      sanitized,
		},
	})

	d.notifier.Notify(ctx, category, mediaFiles)

	d.sweep(logger, sanitized)
	d.purgeGroup(ctx, logger, key, multipart, dl.GID)

	d.publishProcessed(dl, "extracted")
}

// groupReady reports whether every known download in a multi-part group
// is complete. It also returns the path of the first volume, the one
// extraction must start from.
func (d *Dispatcher) groupReady(ctx context.Context, base string) (bool, string, error) {
	downloads, err := d.client.GetDownloads(ctx)
	if err != nil {
		return false, "", err
	}

	var first string

	for _, dl := range downloads {
		if !strings.HasPrefix(dl.DisplayName(), base) {
			continue
		}
		if !dl.IsComplete() {
			return false, "", nil
		}
		for _, f := range dl.Files {
			fname := filepath.Base(f.Path)
			if m := multipartPattern.FindStringSubmatch(fname); m != nil && m[1] == base && m[2] == "1" {
				first = f.Path
			}
		}
	}

	return true, first, nil
}

// sweep removes every file directly under the download root whose
// sanitized name starts with the lock key. For a multi-part group this
// catches all parts; for a single archive, just the source file.
func (d *Dispatcher) sweep(logger zerolog.Logger, key string) {
	entries, err := os.ReadDir(d.paths.Downloads)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read download root for sweep")
		return
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(keylock.Sanitize(entry.Name()), key) {
			continue
		}

		target := filepath.Join(d.paths.Downloads, entry.Name())
		if err := os.Remove(target); err != nil {
			logger.Warn().Err(err).Str("path", target).Msg("failed to sweep file")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		logger.Info().Int("files", cleaned).Str("key", key).Msg("swept archive sources")
		d.eventBus.Publish(events.Event{
			Type: events.SweepCleaned,
			Data: map[string]any{"key": key, "files": cleaned},
		})
	}
}

// purgeGroup removes the download records behind an extracted group. The
// files are already gone from the sweep, so records are purged without
// deleting files.
func (d *Dispatcher) purgeGroup(ctx context.Context, logger zerolog.Logger, base string, multipart bool, gid string) {
	if !multipart {
		if err := d.client.Remove(ctx, gid, false); err != nil {
			logger.Warn().Err(err).Msg("failed to purge download record")
		}
		return
	}

	downloads, err := d.client.GetDownloads(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list downloads for purge")
		return
	}

	for _, dl := range downloads {
		if !strings.HasPrefix(dl.DisplayName(), base) {
			continue
		}
		if err := d.client.Remove(ctx, dl.GID, false); err != nil {
			logger.Warn().Err(err).Str("gid", dl.GID).Msg("failed to purge download record")
		}
	}
}

func (d *Dispatcher) publishProcessed(dl *download.Download, outcome string) {
	d.eventBus.Publish(events.Event{
		Type: events.DownloadProcessed,
		GID:  dl.GID,
		Data: map[string]any{
			"name":    dl.DisplayName(),
			"outcome": outcome,
		},
	})
}

func (d *Dispatcher) publishError(gid, name string, err error) {
	d.eventBus.Publish(events.Event{
		Type: events.DownloadError,
		GID:  gid,
		Data: map[string]any{
			"name":  name,
			"error": fmt.Sprintf("%v", err),
		},
	})
}

func (d *Dispatcher) publishSkipped(gid, key, reason string) {
	d.eventBus.Publish(events.Event{
		Type: events.ExtractSkipped,
		GID:  gid,
		Data: map[string]any{
			"key":    key,
			"reason": reason,
		},
	})
}
