package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweepdl/sweepdl/internal/events"
)

func TestNew(t *testing.T) {
	t.Run("creates bus with defaults", func(t *testing.T) {
		bus := events.New()
		require.NotNil(t, bus)
		assert.Equal(t, 0, bus.SubscriberCount())
	})

	t.Run("applies options", func(t *testing.T) {
		logger := zerolog.Nop()
		bus := events.New(
			events.WithLogger(logger),
			events.WithBufferSize(50),
		)
		require.NotNil(t, bus)
		// Verify buffer size by behavior: we can publish 50 events without blocking
		sub := bus.Subscribe()
		for range 50 {
			bus.Publish(events.Event{Type: events.DownloadComplete})
		}
		// Should be able to receive all 50
		for range 50 {
			select {
			case <-sub:
				// Good
			case <-time.After(100 * time.Millisecond):
				t.Fatal("expected to receive all 50 events")
			}
		}
		bus.Unsubscribe(sub)
	})
}

func TestSubscribe(t *testing.T) {
	t.Run("subscribes to all events", func(t *testing.T) {
		bus := events.New()
		sub := bus.Subscribe()

		assert.Equal(t, 1, bus.SubscriberCount())
		assert.NotNil(t, sub)

		bus.Unsubscribe(sub)
		assert.Equal(t, 0, bus.SubscriberCount())
	})

	t.Run("subscribes to specific event types", func(t *testing.T) {
		bus := events.New()
		sub := bus.Subscribe(events.DownloadComplete, events.DownloadProcessed)

		assert.Equal(t, 1, bus.SubscriberCount())

		// Publish matching event
		bus.Publish(events.Event{Type: events.DownloadComplete, GID: "gid-1"})

		select {
		case event := <-sub:
			assert.Equal(t, events.DownloadComplete, event.Type)
			assert.Equal(t, "gid-1", event.GID)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("expected to receive event")
		}

		// Publish non-matching event
		bus.Publish(events.Event{Type: events.ExtractStarted, GID: "gid-2"})

		select {
		case <-sub:
			t.Fatal("should not receive non-matching event")
		case <-time.After(50 * time.Millisecond):
			// Expected - no event received
		}

		bus.Unsubscribe(sub)
	})

	t.Run("multiple subscribers receive same event", func(t *testing.T) {
		bus := events.New()
		sub1 := bus.Subscribe()
		sub2 := bus.Subscribe()

		assert.Equal(t, 2, bus.SubscriberCount())

		bus.Publish(events.Event{Type: events.MediaMoved, GID: "gid-1"})

		// Both should receive
		for _, sub := range []events.Subscription{sub1, sub2} {
			select {
			case event := <-sub:
				assert.Equal(t, events.MediaMoved, event.Type)
			case <-time.After(100 * time.Millisecond):
				t.Fatal("expected to receive event")
			}
		}

		bus.Unsubscribe(sub1)
		bus.Unsubscribe(sub2)
	})
}

func TestPublish(t *testing.T) {
	t.Run("sets timestamp if not provided", func(t *testing.T) {
		bus := events.New()
		sub := bus.Subscribe()

		before := time.Now()
		bus.Publish(events.Event{Type: events.DownloadComplete})
		after := time.Now()

		select {
		case event := <-sub:
			assert.False(t, event.Timestamp.Before(before))
			assert.False(t, event.Timestamp.After(after))
		case <-time.After(100 * time.Millisecond):
			t.Fatal("expected to receive event")
		}

		bus.Unsubscribe(sub)
	})

	t.Run("preserves provided timestamp", func(t *testing.T) {
		bus := events.New()
		sub := bus.Subscribe()

		ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		bus.Publish(events.Event{Type: events.DownloadComplete, Timestamp: ts})

		select {
		case event := <-sub:
			assert.Equal(t, ts, event.Timestamp)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("expected to receive event")
		}

		bus.Unsubscribe(sub)
	})

	t.Run("drops events when subscriber buffer is full", func(t *testing.T) {
		bus := events.New(events.WithBufferSize(1))
		sub := bus.Subscribe()

		// Fill the buffer, then overflow
		bus.Publish(events.Event{Type: events.DownloadComplete, GID: "first"})
		bus.Publish(events.Event{Type: events.DownloadComplete, GID: "dropped"})

		select {
		case event := <-sub:
			assert.Equal(t, "first", event.GID)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("expected to receive first event")
		}

		select {
		case event := <-sub:
			t.Fatalf("expected second event to be dropped, got %s", event.GID)
		case <-time.After(50 * time.Millisecond):
			// Expected
		}

		bus.Unsubscribe(sub)
	})

	t.Run("concurrent publish is safe", func(t *testing.T) {
		bus := events.New(events.WithBufferSize(1000))
		sub := bus.Subscribe()

		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 10 {
					bus.Publish(events.Event{Type: events.DownloadComplete})
				}
			}()
		}
		wg.Wait()

		received := 0
		for range 100 {
			select {
			case <-sub:
				received++
			case <-time.After(100 * time.Millisecond):
				t.Fatalf("expected 100 events, got %d", received)
			}
		}

		bus.Unsubscribe(sub)
	})
}

func TestClose(t *testing.T) {
	t.Run("closes all subscriber channels", func(t *testing.T) {
		bus := events.New()
		sub1 := bus.Subscribe()
		sub2 := bus.Subscribe(events.DownloadComplete)

		bus.Close()

		_, ok := <-sub1
		assert.False(t, ok)
		_, ok = <-sub2
		assert.False(t, ok)
		assert.Equal(t, 0, bus.SubscriberCount())
	})

	t.Run("unsubscribe after close is safe", func(t *testing.T) {
		bus := events.New()
		sub := bus.Subscribe()

		bus.Close()
		bus.Unsubscribe(sub)
	})
}
