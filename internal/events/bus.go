// Package events provides an in-process event bus for decoupled communication.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type represents the type of event.
type Type string

// Event types for the post-processing pipeline.
const (
	// SystemStarted indicates the system has started.
	SystemStarted Type = "system.started"

	// SupervisorConnected indicates the notification stream is up.
	SupervisorConnected Type = "supervisor.connected"
	// SupervisorDisconnected indicates the notification stream died.
	SupervisorDisconnected Type = "supervisor.disconnected"
	// SupervisorStopped indicates the supervisor gave up or was stopped.
	SupervisorStopped Type = "supervisor.stopped"

	// DownloadComplete indicates aria2 reported a finished download.
	// Data carries "gid"; catch-up passes mark "catchup" true.
	DownloadComplete Type = "download.complete"
	// DownloadProcessed indicates the dispatcher finished an event.
	DownloadProcessed Type = "download.processed"
	// DownloadError indicates processing a completion event failed.
	DownloadError Type = "download.error"

	// ExtractStarted indicates archive extraction began for a lock key.
	ExtractStarted Type = "archive.extracting"
	// ExtractComplete indicates archive extraction succeeded.
	ExtractComplete Type = "archive.extracted"
	// ExtractFailed indicates archive extraction failed; sources are kept.
	ExtractFailed Type = "archive.failed"
	// ExtractSkipped indicates the lock was contended or parts are missing.
	ExtractSkipped Type = "archive.skipped"

	// MediaMoved indicates an item was categorized and moved to the library.
	MediaMoved Type = "media.moved"
	// SweepCleaned indicates source files of an archive group were removed.
	SweepCleaned Type = "sweep.cleaned"

	// AppNotified indicates an import scan was triggered successfully.
	AppNotified Type = "app.notified"
)

// Event represents an event in the system.
// Data contains event-specific information such as "gid", "path" or "key".
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	GID       string         `json:"gid,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is a channel that receives events.
type Subscription <-chan Event

// subscriberEntry tracks a subscriber and its filter.
type subscriberEntry struct {
	ch     chan Event
	types  map[Type]bool // nil means all events
	closed bool
}

// Bus is an in-process event bus that supports pub/sub.
type Bus struct {
	subscribers []*subscriberEntry
	mu          sync.RWMutex
	logger      zerolog.Logger
	bufferSize  int
}

// Option is a functional option for configuring the bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

// Default buffer size for subscriber channels.
const defaultBufferSize = 100

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:     zerolog.Nop(),
		bufferSize: defaultBufferSize,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe creates a subscription for specific event types.
// If no types are provided, the subscription receives all events.
func (b *Bus) Subscribe(types ...Type) Subscription {
	ch := make(chan Event, b.bufferSize)

	entry := &subscriberEntry{
		ch: ch,
	}

	if len(types) > 0 {
		entry.types = make(map[Type]bool, len(types))
		for _, t := range types {
			entry.types[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, entry)
	b.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.subscribers {
		if entry.ch == sub {
			if !entry.closed {
				close(entry.ch)
				entry.closed = true
			}
			// Remove from slice
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, entry := range b.subscribers {
		if entry.closed {
			continue
		}

		// Check if subscriber wants this event type
		if entry.types != nil && !entry.types[event.Type] {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case entry.ch <- event:
		default:
			b.logger.Warn().
				Str("type", string(event.Type)).
				Msg("event dropped - subscriber buffer full")
		}
	}

	b.logger.Debug().
		Str("type", string(event.Type)).
		Msg("event published")
}

// Close closes all subscriber channels and cleans up.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range b.subscribers {
		if !entry.closed {
			close(entry.ch)
			entry.closed = true
		}
	}
	b.subscribers = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
