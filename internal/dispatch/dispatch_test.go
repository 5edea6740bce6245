package dispatch_test

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweepdl/sweepdl/internal/app"
	"github.com/sweepdl/sweepdl/internal/config"
	"github.com/sweepdl/sweepdl/internal/dispatch"
	"github.com/sweepdl/sweepdl/internal/download"
	"github.com/sweepdl/sweepdl/internal/events"
	"github.com/sweepdl/sweepdl/internal/keylock"
	"github.com/sweepdl/sweepdl/internal/media"
	sweeptest "github.com/sweepdl/sweepdl/internal/testing"
)

// harness bundles a dispatcher with its collaborators and temp roots.
type harness struct {
	client     *sweeptest.MockClient
	locks      *keylock.Registry
	bus        *events.Bus
	dispatcher *dispatch.Dispatcher
	paths      config.PathsConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tmpDir := t.TempDir()
	paths := config.PathsConfig{
		Downloads:   filepath.Join(tmpDir, "downloads"),
		Extract:     filepath.Join(tmpDir, "extract"),
		Destination: filepath.Join(tmpDir, "ended"),
	}
	require.NoError(t, os.MkdirAll(paths.Downloads, 0750))
	require.NoError(t, os.MkdirAll(paths.Extract, 0750))

	client := sweeptest.NewMockClient()
	locks := keylock.NewRegistry(keylock.WithTimeout(20 * time.Millisecond))
	bus := events.New()
	t.Cleanup(bus.Close)

	notifier := app.NewNotifier(app.NewRegistry(), paths.Destination)

	dispatcher := dispatch.New(
		client,
		locks,
		media.NewMover(),
		notifier,
		bus,
		paths,
	)

	return &harness{
		client:     client,
		locks:      locks,
		bus:        bus,
		dispatcher: dispatcher,
		paths:      paths,
	}
}

// addFile writes content into the download root and registers a completed
// download for it.
func (h *harness) addFile(t *testing.T, gid, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(h.paths.Downloads, name)
	require.NoError(t, os.WriteFile(path, content, 0600))

	h.client.AddDownload(&download.Download{
		GID:    gid,
		Status: download.StatusComplete,
		Files:  []download.File{{Path: path, Length: int64(len(content)), CompletedLength: int64(len(content))}},
	})

	return path
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestHandleNfo(t *testing.T) {
	h := newHarness(t)

	path := h.addFile(t, "gid-nfo", "release.nfo", []byte("junk"))

	h.dispatcher.Handle(t.Context(), "gid-nfo")

	// File and record are both gone, nothing lands in the destination
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{"gid-nfo"}, h.client.Removed())

	_, err = os.Stat(h.paths.Destination)
	assert.True(t, os.IsNotExist(err))
}

func TestHandleOther(t *testing.T) {
	t.Run("episode file moves to series", func(t *testing.T) {
		h := newHarness(t)

		src := h.addFile(t, "gid-ep", "Show.Name.S01E02.mkv", []byte("video"))

		h.dispatcher.Handle(t.Context(), "gid-ep")

		moved := filepath.Join(h.paths.Destination, "series", "Show.Name.S01E02.mkv")
		content, err := os.ReadFile(moved)
		require.NoError(t, err)
		assert.Equal(t, []byte("video"), content)

		_, err = os.Stat(src)
		assert.True(t, os.IsNotExist(err))
		assert.Equal(t, []string{"gid-ep"}, h.client.Removed())
	})

	t.Run("document moves to others", func(t *testing.T) {
		h := newHarness(t)

		h.addFile(t, "gid-doc", "report.pdf", []byte("pdf"))

		h.dispatcher.Handle(t.Context(), "gid-doc")

		_, err := os.Stat(filepath.Join(h.paths.Destination, "others", "report.pdf"))
		require.NoError(t, err)
	})

	t.Run("unknown gid publishes an error event", func(t *testing.T) {
		h := newHarness(t)
		sub := h.bus.Subscribe(events.DownloadError)

		h.dispatcher.Handle(t.Context(), "gid-missing")

		select {
		case ev := <-sub:
			assert.Equal(t, "gid-missing", ev.GID)
		case <-time.After(time.Second):
			t.Fatal("expected download.error event")
		}
	})
}

func TestHandleSingleArchive(t *testing.T) {
	h := newHarness(t)

	src := h.addFile(t, "gid-zip", "simple.zip",
		zipBytes(t, map[string]string{"simple.txt": "hello world"}))

	h.dispatcher.Handle(t.Context(), "gid-zip")

	// Content extracted into <key>-OUT under the destination's others dir
	extracted := filepath.Join(h.paths.Destination, "others", "simple.zip-OUT", "simple.txt")
	content, err := os.ReadFile(extracted)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	// Source swept from the download root
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	// Extraction root holds no leftovers
	entries, err := os.ReadDir(h.paths.Extract)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Record purged, lock released
	assert.Equal(t, []string{"gid-zip"}, h.client.Removed())
	assert.Equal(t, 0, h.locks.Len())
}

func TestHandleArchiveWithMedia(t *testing.T) {
	h := newHarness(t)

	h.addFile(t, "gid-show", "show.zip",
		zipBytes(t, map[string]string{"Show.Name.S03E07.mkv": "episode bytes"}))

	h.dispatcher.Handle(t.Context(), "gid-show")

	extracted := filepath.Join(h.paths.Destination, "series", "show.zip-OUT", "Show.Name.S03E07.mkv")
	_, err := os.Stat(extracted)
	require.NoError(t, err)
}

func TestMultipart(t *testing.T) {
	t.Run("waits while a part is still downloading", func(t *testing.T) {
		h := newHarness(t)
		sub := h.bus.Subscribe(events.ExtractSkipped)

		part1 := h.addFile(t, "gid-p1", "multi.part1.zip",
			zipBytes(t, map[string]string{"content.txt": "data"}))

		// Part 2 known to aria2 but still running
		part2 := filepath.Join(h.paths.Downloads, "multi.part2.zip")
		h.client.AddDownload(&download.Download{
			GID:    "gid-p2",
			Status: download.StatusActive,
			Files:  []download.File{{Path: part2}},
		})

		h.dispatcher.Handle(t.Context(), "gid-p1")

		select {
		case ev := <-sub:
			assert.Equal(t, "waiting for remaining parts", ev.Data["reason"])
		case <-time.After(time.Second):
			t.Fatal("expected archive.skipped event")
		}

		// Nothing extracted, nothing swept, no record purged
		_, err := os.Stat(part1)
		require.NoError(t, err)
		assert.Empty(t, h.client.Removed())
		assert.NoDirExists(t, filepath.Join(h.paths.Extract, "multi-OUT"))
	})

	t.Run("extracts when every part is complete", func(t *testing.T) {
		h := newHarness(t)

		part1 := h.addFile(t, "gid-p1", "multi.part1.zip",
			zipBytes(t, map[string]string{"content.txt": "joined data"}))
		part2 := h.addFile(t, "gid-p2", "multi.part2.zip",
			zipBytes(t, map[string]string{"more.txt": "tail"}))

		// The completion event for the final part triggers the group
		h.dispatcher.Handle(t.Context(), "gid-p2")

		// Extraction starts from the first volume
		content, err := os.ReadFile(
			filepath.Join(h.paths.Destination, "others", "multi-OUT", "content.txt"))
		require.NoError(t, err)
		assert.Equal(t, "joined data", string(content))

		// All parts swept, all group records purged
		_, err = os.Stat(part1)
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(part2)
		assert.True(t, os.IsNotExist(err))
		assert.ElementsMatch(t, []string{"gid-p1", "gid-p2"}, h.client.Removed())
		assert.Equal(t, 0, h.locks.Len())
	})

	t.Run("extraction failure leaves sources for inspection", func(t *testing.T) {
		h := newHarness(t)
		sub := h.bus.Subscribe(events.ExtractFailed)

		// Both parts complete but the volumes are not a valid archive
		part1 := h.addFile(t, "gid-p1", "broken.part1.rar", []byte("not a rar"))
		part2 := h.addFile(t, "gid-p2", "broken.part2.rar", []byte("still not"))

		h.dispatcher.Handle(t.Context(), "gid-p1")

		select {
		case ev := <-sub:
			assert.Equal(t, "broken", ev.Data["key"])
		case <-time.After(time.Second):
			t.Fatal("expected archive.failed event")
		}

		// Sources stay on disk, the partial output directory remains,
		// nothing reaches the destination and no record is purged
		_, err := os.Stat(part1)
		require.NoError(t, err)
		_, err = os.Stat(part2)
		require.NoError(t, err)
		assert.DirExists(t, filepath.Join(h.paths.Extract, "broken-OUT"))
		assert.NoDirExists(t, h.paths.Destination)
		assert.Empty(t, h.client.Removed())
		assert.Equal(t, 0, h.locks.Len())
	})
}

func TestLocking(t *testing.T) {
	t.Run("contended key is dropped without filesystem mutation", func(t *testing.T) {
		h := newHarness(t)
		sub := h.bus.Subscribe(events.ExtractSkipped)

		src := h.addFile(t, "gid-zip", "simple.zip",
			zipBytes(t, map[string]string{"simple.txt": "hello"}))

		// Simulate another worker holding the group lock
		require.NoError(t, h.locks.Acquire("simple.zip"))
		defer h.locks.Release("simple.zip")

		h.dispatcher.Handle(t.Context(), "gid-zip")

		select {
		case ev := <-sub:
			assert.Equal(t, "already locked", ev.Data["reason"])
		case <-time.After(time.Second):
			t.Fatal("expected archive.skipped event")
		}

		_, err := os.Stat(src)
		require.NoError(t, err)
		assert.NoDirExists(t, h.paths.Destination)
		assert.Empty(t, h.client.Removed())
	})

	t.Run("missing source releases the lock and skips", func(t *testing.T) {
		h := newHarness(t)
		sub := h.bus.Subscribe(events.ExtractSkipped)

		// Record exists but the file was already consumed by an earlier run
		h.client.AddDownload(&download.Download{
			GID:    "gid-gone",
			Status: download.StatusComplete,
			Files:  []download.File{{Path: filepath.Join(h.paths.Downloads, "gone.zip")}},
		})

		h.dispatcher.Handle(t.Context(), "gid-gone")

		select {
		case ev := <-sub:
			assert.Equal(t, "source missing", ev.Data["reason"])
		case <-time.After(time.Second):
			t.Fatal("expected archive.skipped event")
		}

		assert.Equal(t, 0, h.locks.Len())
	})
}

func TestSweepUsesSanitizedPrefix(t *testing.T) {
	h := newHarness(t)

	// A neighboring file with an unrelated name must survive the sweep
	neighbor := filepath.Join(h.paths.Downloads, "unrelated.txt")
	require.NoError(t, os.WriteFile(neighbor, []byte("keep me"), 0600))

	h.addFile(t, "gid-zip", "simple.zip",
		zipBytes(t, map[string]string{"simple.txt": "hello"}))

	h.dispatcher.Handle(t.Context(), "gid-zip")

	_, err := os.Stat(neighbor)
	require.NoError(t, err)
}

func TestDispatcherLifecycle(t *testing.T) {
	t.Run("processes events from the bus", func(t *testing.T) {
		h := newHarness(t)
		sub := h.bus.Subscribe(events.DownloadProcessed)

		h.addFile(t, "gid-ep", "Show.S01E01.mkv", []byte("video"))

		require.NoError(t, h.dispatcher.Start(t.Context()))

		h.bus.Publish(events.Event{Type: events.DownloadComplete, GID: "gid-ep"})

		select {
		case ev := <-sub:
			assert.Equal(t, "gid-ep", ev.GID)
			assert.Equal(t, "moved", ev.Data["outcome"])
		case <-time.After(2 * time.Second):
			t.Fatal("expected download.processed event")
		}

		require.NoError(t, h.dispatcher.Stop())
		assert.Equal(t, 0, h.dispatcher.ActiveWorkers())
	})

	t.Run("stop waits for in-flight workers", func(t *testing.T) {
		h := newHarness(t)

		h.addFile(t, "gid-doc", "report.pdf", []byte("pdf"))

		require.NoError(t, h.dispatcher.Start(t.Context()))
		h.bus.Publish(events.Event{Type: events.DownloadComplete, GID: "gid-doc"})

		require.NoError(t, h.dispatcher.Stop())
		assert.Equal(t, 0, h.dispatcher.ActiveWorkers())
	})
}
