// Package download provides the client for the aria2 download manager.
package download

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog"
)

// configurable is implemented by clients to support shared options.
type configurable interface {
	setLogger(zerolog.Logger)
}

// Option is a functional option for configuring clients.
type Option func(configurable)

// WithLogger sets the logger for any client.
func WithLogger(logger zerolog.Logger) Option {
	return func(c configurable) {
		c.setLogger(logger)
	}
}

// Status represents the overall state of a download as reported by aria2.
type Status string

const (
	// StatusActive indicates the download is in progress.
	StatusActive Status = "active"
	// StatusWaiting indicates the download is queued.
	StatusWaiting Status = "waiting"
	// StatusPaused indicates the download is paused.
	StatusPaused Status = "paused"
	// StatusComplete indicates the download finished successfully.
	StatusComplete Status = "complete"
	// StatusError indicates the download stopped with an error.
	StatusError Status = "error"
	// StatusRemoved indicates the download was removed by the user.
	StatusRemoved Status = "removed"
)

// File represents a single output file of a download.
type File struct {
	// Path is the absolute path of the file on disk.
	Path string
	// Length is the total size in bytes.
	Length int64
	// CompletedLength is the number of bytes downloaded.
	CompletedLength int64
}

// Download represents a download task tracked by aria2.
type Download struct {
	// GID is the opaque identifier aria2 assigned to the task.
	GID string
	// Name is the display name (torrent name or first file base name).
	Name string
	// Status is the overall state.
	Status Status
	// Files is the list of output files.
	Files []File
}

// IsComplete reports whether the download finished successfully.
func (d *Download) IsComplete() bool {
	return d.Status == StatusComplete
}

// DisplayName returns the download name, falling back to the first file's
// base name when aria2 reports no name.
func (d *Download) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if len(d.Files) > 0 {
		return filepath.Base(d.Files[0].Path)
	}
	return d.GID
}

// Notifications is a live subscription to aria2's notification stream.
type Notifications interface {
	// Events returns the channel of completed-download gids. The channel
	// is closed when the subscription dies.
	Events() <-chan string

	// Alive reports whether the subscription is still receiving.
	Alive() bool

	// Close tears down the subscription.
	Close() error
}

// Client is the interface the pipeline consumes to talk to aria2.
type Client interface {
	// GetDownloads returns every download aria2 currently knows about,
	// across the active, waiting and stopped lists.
	GetDownloads(ctx context.Context) ([]*Download, error)

	// GetDownload returns a single download by gid.
	GetDownload(ctx context.Context, gid string) (*Download, error)

	// Remove removes the download record from aria2. When deleteFiles is
	// set, the output files are deleted from disk as well.
	Remove(ctx context.Context, gid string, deleteFiles bool) error

	// Subscribe opens the completion-notification stream.
	Subscribe(ctx context.Context) (Notifications, error)
}
