// Package testing provides mock implementations for use in tests.
// This package should only be imported by test files (*_test.go).
package testing

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/sweepdl/sweepdl/internal/download"
)

// ErrNotFound is returned when a download is not found.
var ErrNotFound = errors.New("download not found")

// MockClient is a mock implementation of download.Client for testing.
type MockClient struct {
	mu        sync.RWMutex
	downloads map[string]*download.Download
	removed   []string

	// Hooks for custom behavior
	OnGetDownloads func(ctx context.Context) ([]*download.Download, error)
	OnGetDownload  func(ctx context.Context, gid string) (*download.Download, error)
	OnRemove       func(ctx context.Context, gid string, deleteFiles bool) error
	OnSubscribe    func(ctx context.Context) (download.Notifications, error)
}

// NewMockClient creates a new mock aria2 client.
func NewMockClient() *MockClient {
	return &MockClient{
		downloads: make(map[string]*download.Download),
	}
}

// AddDownload registers a download with the mock.
func (m *MockClient) AddDownload(dl *download.Download) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads[dl.GID] = dl
}

// Removed returns the gids removed so far, in order.
func (m *MockClient) Removed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, len(m.removed))
	copy(result, m.removed)
	return result
}

// GetDownloads returns all registered downloads.
func (m *MockClient) GetDownloads(ctx context.Context) ([]*download.Download, error) {
	if m.OnGetDownloads != nil {
		return m.OnGetDownloads(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*download.Download, 0, len(m.downloads))
	for _, dl := range m.downloads {
		result = append(result, dl)
	}
	return result, nil
}

// GetDownload returns a specific download by gid.
func (m *MockClient) GetDownload(ctx context.Context, gid string) (*download.Download, error) {
	if m.OnGetDownload != nil {
		return m.OnGetDownload(ctx, gid)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	dl, ok := m.downloads[gid]
	if !ok {
		return nil, ErrNotFound
	}
	return dl, nil
}

// Remove drops the download record and optionally deletes its files,
// mirroring the real client's behavior.
func (m *MockClient) Remove(ctx context.Context, gid string, deleteFiles bool) error {
	if m.OnRemove != nil {
		return m.OnRemove(ctx, gid, deleteFiles)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dl, ok := m.downloads[gid]
	if !ok {
		return ErrNotFound
	}

	if deleteFiles {
		for _, f := range dl.Files {
			_ = os.Remove(f.Path)
		}
	}

	delete(m.downloads, gid)
	m.removed = append(m.removed, gid)
	return nil
}

// Subscribe returns a mock notification stream.
func (m *MockClient) Subscribe(ctx context.Context) (download.Notifications, error) {
	if m.OnSubscribe != nil {
		return m.OnSubscribe(ctx)
	}
	return NewMockNotifications(), nil
}

// MockNotifications is a controllable download.Notifications implementation.
type MockNotifications struct {
	mu     sync.Mutex
	events chan string
	alive  bool
	closed bool
}

// NewMockNotifications creates a live mock notification stream.
func NewMockNotifications() *MockNotifications {
	return &MockNotifications{
		events: make(chan string, 16),
		alive:  true,
	}
}

// Emit delivers a completion notification for gid.
func (m *MockNotifications) Emit(gid string) {
	m.events <- gid
}

// MarkDead flips the liveness flag without closing the events channel,
// simulating a connection that died silently.
func (m *MockNotifications) MarkDead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = false
}

// Kill marks the stream dead and closes the events channel, simulating a
// dropped connection.
func (m *MockNotifications) Kill() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.alive = false
	m.closed = true
	close(m.events)
}

// Events returns the notification channel.
func (m *MockNotifications) Events() <-chan string {
	return m.events
}

// Alive reports whether the stream is still up.
func (m *MockNotifications) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

// Close tears down the stream.
func (m *MockNotifications) Close() error {
	m.Kill()
	return nil
}
