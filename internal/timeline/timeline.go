// Package timeline provides event history for the processing pipeline.
package timeline

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Event represents a single timeline event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	GID       string         `json:"gid,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Recorder records and retrieves timeline events.
type Recorder interface {
	// Record adds a new event to the timeline.
	Record(event Event)

	// GetAll returns all events, newest first.
	GetAll() []Event

	// GetByGID returns events for a specific download, newest first.
	GetByGID(gid string) []Event

	// Clear removes all events for a download.
	Clear(gid string)
}

// recorder is the default in-memory implementation of Recorder.
type recorder struct {
	events    []Event
	mu        sync.RWMutex
	logger    zerolog.Logger
	maxEvents int
}

// Option is a functional option for configuring the recorder.
type Option func(*recorder)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *recorder) {
		r.logger = logger
	}
}

// WithMaxEvents sets the maximum number of events to retain.
func WithMaxEvents(maxEvents int) Option {
	return func(r *recorder) {
		r.maxEvents = maxEvents
	}
}

// Default configuration values.
const (
	defaultMaxEvents = 10000
)

// NewRecorder creates a new timeline recorder.
func NewRecorder(opts ...Option) Recorder {
	r := &recorder{
		events:    make([]Event, 0),
		logger:    zerolog.Nop(),
		maxEvents: defaultMaxEvents,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Record adds a new event to the timeline.
func (r *recorder) Record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == "" {
		event.ID = ulid.Make().String()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Prepend event (newest first)
	r.events = append([]Event{event}, r.events...)

	// Trim if over max
	if len(r.events) > r.maxEvents {
		r.events = r.events[:r.maxEvents]
	}

	r.logger.Debug().
		Str("id", event.ID).
		Str("type", event.Type).
		Str("message", event.Message).
		Msg("timeline event recorded")
}

// GetAll returns all events, newest first.
func (r *recorder) GetAll() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Return a copy
	result := make([]Event, len(r.events))
	copy(result, r.events)
	return result
}

// GetByGID returns events for a specific download, newest first.
func (r *recorder) GetByGID(gid string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Event
	for _, e := range r.events {
		if e.GID == gid {
			result = append(result, e)
		}
	}
	return result
}

// Clear removes all events for a download.
func (r *recorder) Clear(gid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []Event
	for _, e := range r.events {
		if e.GID != gid {
			filtered = append(filtered, e)
		}
	}
	r.events = filtered
}
