package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/config"
)

// Number of stopped/waiting entries fetched per listing call. aria2 keeps
// its result list bounded by --max-download-result (default 1000).
const listPageSize = 1000

// aria2Client implements the Client interface over aria2's JSON-RPC API.
// It is private and only exposed via the Client interface.
type aria2Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	Version string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message)
}

// aria2Status mirrors the aria2.tellStatus response structure.
type aria2Status struct {
	GID        string      `json:"gid"`
	Status     string      `json:"status"`
	Files      []aria2File `json:"files"`
	Bittorrent *struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent"`
}

type aria2File struct {
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
	Selected        string `json:"selected"`
}

// setLogger implements configurable for shared options.
func (c *aria2Client) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// NewAria2 creates a new aria2 JSON-RPC client and returns it as Client.
func NewAria2(cfg config.Aria2Config, opts ...Option) Client {
	c := &aria2Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		secret:  cfg.Secret,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// call performs a single JSON-RPC request and decodes the result into out.
func (c *aria2Client) call(ctx context.Context, method string, params []any, out any) error {
	if c.secret != "" {
		params = append([]any{"token:" + c.secret}, params...)
	}

	body, err := json.Marshal(rpcRequest{
		Version: "2.0",
		ID:      "sweepdl",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("aria2 rpc call failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope rpcResponse
	if err = json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode rpc response: %w", err)
	}

	if envelope.Error != nil {
		return envelope.Error
	}

	if out != nil {
		if err = json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode rpc result: %w", err)
		}
	}

	return nil
}

// GetDownloads returns all downloads aria2 knows about, across the active,
// waiting and stopped lists.
func (c *aria2Client) GetDownloads(ctx context.Context) ([]*Download, error) {
	var all []*Download

	var active []aria2Status
	if err := c.call(ctx, "aria2.tellActive", nil, &active); err != nil {
		return nil, err
	}
	for i := range active {
		all = append(all, toDownload(&active[i]))
	}

	var waiting []aria2Status
	if err := c.call(ctx, "aria2.tellWaiting", []any{0, listPageSize}, &waiting); err != nil {
		return nil, err
	}
	for i := range waiting {
		all = append(all, toDownload(&waiting[i]))
	}

	var stopped []aria2Status
	if err := c.call(ctx, "aria2.tellStopped", []any{0, listPageSize}, &stopped); err != nil {
		return nil, err
	}
	for i := range stopped {
		all = append(all, toDownload(&stopped[i]))
	}

	return all, nil
}

// GetDownload returns a single download by gid.
func (c *aria2Client) GetDownload(ctx context.Context, gid string) (*Download, error) {
	var status aria2Status
	if err := c.call(ctx, "aria2.tellStatus", []any{gid}, &status); err != nil {
		return nil, err
	}
	return toDownload(&status), nil
}

// Remove removes the download record from aria2. Stopped downloads are
// purged via removeDownloadResult; anything still running is force-removed
// first. File deletion is performed locally, matching aria2's behavior of
// never touching completed files itself.
func (c *aria2Client) Remove(ctx context.Context, gid string, deleteFiles bool) error {
	dl, err := c.GetDownload(ctx, gid)
	if err != nil {
		return err
	}

	switch dl.Status {
	case StatusActive, StatusWaiting, StatusPaused:
		var removed string
		if err = c.call(ctx, "aria2.forceRemove", []any{gid}, &removed); err != nil {
			return err
		}
	case StatusComplete, StatusError, StatusRemoved:
		// Already stopped, result purge below is enough.
	}

	var ok string
	if err = c.call(ctx, "aria2.removeDownloadResult", []any{gid}, &ok); err != nil {
		return err
	}

	if deleteFiles {
		for _, f := range dl.Files {
			if removeErr := os.Remove(f.Path); removeErr != nil && !os.IsNotExist(removeErr) {
				c.logger.Warn().Err(removeErr).Str("path", f.Path).Msg("failed to delete download file")
			}
		}
	}

	c.logger.Debug().Str("gid", gid).Bool("delete_files", deleteFiles).Msg("removed download record")
	return nil
}

// Subscribe opens the websocket notification stream.
func (c *aria2Client) Subscribe(ctx context.Context) (Notifications, error) {
	return newNotifications(ctx, c.baseURL, c.logger)
}

func toDownload(s *aria2Status) *Download {
	d := &Download{
		GID:    s.GID,
		Status: Status(s.Status),
	}

	if s.Bittorrent != nil {
		d.Name = s.Bittorrent.Info.Name
	}

	for _, f := range s.Files {
		if f.Selected == "false" {
			continue
		}
		d.Files = append(d.Files, File{
			Path:            f.Path,
			Length:          parseInt64(f.Length),
			CompletedLength: parseInt64(f.CompletedLength),
		})
	}

	if d.Name == "" {
		d.Name = d.DisplayName()
	}

	return d
}

// parseInt64 parses aria2's stringly-typed numeric fields.
func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
