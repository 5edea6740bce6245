package download

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Buffer for completion gids so a slow consumer does not stall the read loop.
const notificationBufferSize = 64

// pingInterval keeps intermediaries from dropping an idle websocket.
const pingInterval = 30 * time.Second

// rpcNotification is a JSON-RPC 2.0 notification envelope.
type rpcNotification struct {
	Method string `json:"method"`
	Params []struct {
		GID string `json:"gid"`
	} `json:"params"`
}

// wsNotifications implements Notifications over aria2's websocket endpoint.
type wsNotifications struct {
	conn   *websocket.Conn
	events chan string
	logger zerolog.Logger

	mu    sync.Mutex
	alive bool
	done  chan struct{}
}

// newNotifications dials the websocket endpoint derived from the RPC base
// URL and starts the read loop.
func newNotifications(ctx context.Context, baseURL string, logger zerolog.Logger) (Notifications, error) {
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	n := &wsNotifications{
		conn:   conn,
		events: make(chan string, notificationBufferSize),
		logger: logger,
		alive:  true,
		done:   make(chan struct{}),
	}

	go n.readLoop()
	go n.pingLoop()

	logger.Info().Str("url", wsURL).Msg("subscribed to aria2 notifications")
	return n, nil
}

// websocketURL converts the HTTP RPC base URL to its websocket equivalent.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	if !strings.HasSuffix(u.Path, "/jsonrpc") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/jsonrpc"
	}

	return u.String(), nil
}

// Events returns the channel of completed-download gids.
func (n *wsNotifications) Events() <-chan string {
	return n.events
}

// Alive reports whether the read loop is still running.
func (n *wsNotifications) Alive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alive
}

// Close tears down the subscription.
func (n *wsNotifications) Close() error {
	n.markDead()
	return n.conn.Close()
}

func (n *wsNotifications) markDead() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.alive {
		return
	}
	n.alive = false
	close(n.done)
}

// readLoop owns the events channel: it is the only closer, so Close racing
// an in-flight send cannot panic.
func (n *wsNotifications) readLoop() {
	defer func() {
		n.markDead()
		close(n.events)
	}()

	for {
		_, msg, err := n.conn.ReadMessage()
		if err != nil {
			n.logger.Debug().Err(err).Msg("notification stream closed")
			return
		}

		var notification rpcNotification
		if err = json.Unmarshal(msg, &notification); err != nil {
			n.logger.Warn().Err(err).Msg("unparseable notification, skipping")
			continue
		}

		if notification.Method != "aria2.onDownloadComplete" {
			continue
		}

		for _, p := range notification.Params {
			select {
			case n.events <- p.GID:
			default:
				n.logger.Warn().Str("gid", p.GID).Msg("notification dropped - event buffer full")
			}
		}
	}
}

func (n *wsNotifications) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			if err := n.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingInterval)); err != nil {
				return
			}
		}
	}
}
