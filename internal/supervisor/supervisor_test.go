package supervisor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweepdl/sweepdl/internal/config"
	"github.com/sweepdl/sweepdl/internal/download"
	"github.com/sweepdl/sweepdl/internal/events"
	"github.com/sweepdl/sweepdl/internal/supervisor"
	sweeptest "github.com/sweepdl/sweepdl/internal/testing"
)

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		MaxRetries:       3,
		InitialBackoff:   5 * time.Millisecond,
		MaxBackoff:       20 * time.Millisecond,
		LivenessInterval: 5 * time.Millisecond,
	}
}

func waitForEvent(t *testing.T, sub events.Subscription, eventType events.Type) events.Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestSupervisor(t *testing.T) {
	t.Run("publishes completion events from the stream", func(t *testing.T) {
		client := sweeptest.NewMockClient()
		notifications := sweeptest.NewMockNotifications()
		client.OnSubscribe = func(_ context.Context) (download.Notifications, error) {
			return notifications, nil
		}

		bus := events.New()
		defer bus.Close()
		sub := bus.Subscribe(events.SupervisorConnected, events.DownloadComplete)

		sup := supervisor.New(client, bus, testConfig())
		require.NoError(t, sup.Start(t.Context()))
		defer sup.Stop()

		waitForEvent(t, sub, events.SupervisorConnected)

		notifications.Emit("gid-1")

		ev := waitForEvent(t, sub, events.DownloadComplete)
		assert.Equal(t, "gid-1", ev.GID)
		assert.Equal(t, false, ev.Data["catchup"])
	})

	t.Run("runs catch-up pass on first connect", func(t *testing.T) {
		client := sweeptest.NewMockClient()
		client.AddDownload(&download.Download{
			GID:    "gid-old",
			Status: download.StatusComplete,
			Files:  []download.File{{Path: "/downloads/old.zip"}},
		})
		client.AddDownload(&download.Download{
			GID:    "gid-running",
			Status: download.StatusActive,
			Files:  []download.File{{Path: "/downloads/new.zip"}},
		})

		bus := events.New()
		defer bus.Close()
		sub := bus.Subscribe(events.DownloadComplete)

		sup := supervisor.New(client, bus, testConfig())
		require.NoError(t, sup.Start(t.Context()))
		defer sup.Stop()

		// Only the completed download is caught up
		ev := waitForEvent(t, sub, events.DownloadComplete)
		assert.Equal(t, "gid-old", ev.GID)
		assert.Equal(t, true, ev.Data["catchup"])

		select {
		case extra := <-sub:
			t.Fatalf("unexpected catch-up event for %s", extra.GID)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("reconnects after the stream dies", func(t *testing.T) {
		client := sweeptest.NewMockClient()

		var subscribes atomic.Int32
		second := sweeptest.NewMockNotifications()
		first := sweeptest.NewMockNotifications()
		client.OnSubscribe = func(_ context.Context) (download.Notifications, error) {
			if subscribes.Add(1) == 1 {
				return first, nil
			}
			return second, nil
		}

		bus := events.New()
		defer bus.Close()
		sub := bus.Subscribe(
			events.SupervisorConnected,
			events.SupervisorDisconnected,
			events.DownloadComplete,
		)

		sup := supervisor.New(client, bus, testConfig())
		require.NoError(t, sup.Start(t.Context()))
		defer sup.Stop()

		waitForEvent(t, sub, events.SupervisorConnected)

		first.Kill()
		waitForEvent(t, sub, events.SupervisorDisconnected)
		waitForEvent(t, sub, events.SupervisorConnected)

		// The fresh stream works
		second.Emit("gid-after-reconnect")
		ev := waitForEvent(t, sub, events.DownloadComplete)
		assert.Equal(t, "gid-after-reconnect", ev.GID)

		assert.GreaterOrEqual(t, subscribes.Load(), int32(2))
	})

	t.Run("liveness poll detects a silent dead stream", func(t *testing.T) {
		client := sweeptest.NewMockClient()

		dead := sweeptest.NewMockNotifications()
		live := sweeptest.NewMockNotifications()

		var subscribes atomic.Int32
		client.OnSubscribe = func(_ context.Context) (download.Notifications, error) {
			if subscribes.Add(1) == 1 {
				return dead, nil
			}
			return live, nil
		}

		bus := events.New()
		defer bus.Close()
		sub := bus.Subscribe(events.SupervisorConnected, events.SupervisorDisconnected)

		sup := supervisor.New(client, bus, testConfig())
		require.NoError(t, sup.Start(t.Context()))
		defer sup.Stop()

		waitForEvent(t, sub, events.SupervisorConnected)

		// Mark dead without closing the events channel
		dead.MarkDead()

		waitForEvent(t, sub, events.SupervisorDisconnected)
		waitForEvent(t, sub, events.SupervisorConnected)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		client := sweeptest.NewMockClient()
		client.OnSubscribe = func(_ context.Context) (download.Notifications, error) {
			return nil, errors.New("connection refused")
		}

		bus := events.New()
		defer bus.Close()
		sub := bus.Subscribe(events.SupervisorStopped)

		sup := supervisor.New(client, bus, testConfig())
		require.NoError(t, sup.Start(t.Context()))

		select {
		case <-sup.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("expected supervisor to give up")
		}

		waitForEvent(t, sub, events.SupervisorStopped)
		require.NoError(t, sup.Stop())
	})

	t.Run("stop interrupts the backoff wait", func(t *testing.T) {
		client := sweeptest.NewMockClient()
		client.OnSubscribe = func(_ context.Context) (download.Notifications, error) {
			return nil, errors.New("connection refused")
		}

		cfg := testConfig()
		cfg.MaxRetries = 0 // unlimited
		cfg.InitialBackoff = time.Hour
		cfg.MaxBackoff = time.Hour

		bus := events.New()
		defer bus.Close()

		sup := supervisor.New(client, bus, cfg)
		require.NoError(t, sup.Start(t.Context()))

		done := make(chan struct{})
		go func() {
			_ = sup.Stop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("stop did not interrupt the backoff wait")
		}
	})
}
