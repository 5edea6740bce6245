package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/media"
)

// Status polling after a scan command is accepted: fixed delay, few attempts,
// purely informational.
const (
	statusPollAttempts = 3
	statusPollDelay    = 2 * time.Second
)

// arrClient implements the App interface for *arr applications (Sonarr, Radarr).
// It is private and only exposed via the App interface.
type arrClient struct {
	name        string
	appType     string
	scanCommand string
	category    media.Category
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	pollDelay   time.Duration
	logger      zerolog.Logger
}

// arrCommandRequest represents a command request to the *arr API.
type arrCommandRequest struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// arrCommandResponse represents the response from the command endpoint.
type arrCommandResponse struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// arrSystemStatus represents the response from the system/status endpoint.
type arrSystemStatus struct {
	Version string `json:"version"`
	AppName string `json:"appName"`
}

// ArrConfig holds configuration for an *arr app client.
type ArrConfig struct {
	URL         string
	APIKey      string
	HTTPTimeout time.Duration
	// PollDelay overrides the fixed delay between status polls. Zero means
	// the default.
	PollDelay time.Duration
}

// setLogger implements configurable for shared options.
func (c *arrClient) setLogger(logger zerolog.Logger) {
	c.logger = logger
}

// newArrClient creates a new *arr client.
func newArrClient(name, appType, scanCommand string, category media.Category, cfg ArrConfig, opts ...Option) App {
	c := &arrClient{
		name:        name,
		appType:     appType,
		scanCommand: scanCommand,
		category:    category,
		baseURL:     strings.TrimSuffix(cfg.URL, "/"),
		apiKey:      cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		pollDelay: statusPollDelay,
		logger:    zerolog.Nop(),
	}

	if cfg.PollDelay > 0 {
		c.pollDelay = cfg.PollDelay
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewSonarr creates a new Sonarr client handling the series category.
func NewSonarr(name string, cfg ArrConfig, opts ...Option) App {
	return newArrClient(name, "sonarr", "DownloadedEpisodesScan", media.CategorySeries, cfg, opts...)
}

// NewRadarr creates a new Radarr client handling the movies category.
func NewRadarr(name string, cfg ArrConfig, opts ...Option) App {
	return newArrClient(name, "radarr", "DownloadedMoviesScan", media.CategoryMovies, cfg, opts...)
}

// Name returns the configured name of this app instance.
func (c *arrClient) Name() string {
	return c.name
}

// Type returns the type of app.
func (c *arrClient) Type() string {
	return c.appType
}

// Category returns the media category this app handles.
func (c *arrClient) Category() media.Category {
	return c.category
}

// Configured reports whether both the base URL and API key are set.
func (c *arrClient) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// TriggerImport tells the *arr app to scan the given path. On acceptance the
// command status is polled a few times for the log; polling failures never
// surface to the caller.
func (c *arrClient) TriggerImport(ctx context.Context, path string) error {
	if !c.Configured() {
		c.logger.Debug().
			Str("name", c.name).
			Msgf("%s not configured, skipping scan", c.appType)
		return nil
	}

	cmd := arrCommandRequest{
		Name: c.scanCommand,
		Path: path,
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/command", bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to trigger import: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned status %d: %s", c.appType, resp.StatusCode, string(respBody))
	}

	var cmdResp arrCommandResponse
	if err = json.NewDecoder(resp.Body).Decode(&cmdResp); err != nil {
		// Scan was accepted, response body is only needed for status polling.
		c.logger.Debug().Err(err).Msg("could not decode command response, skipping status poll")
		cmdResp.ID = 0
	}

	c.logger.Info().
		Str("name", c.name).
		Str("path", path).
		Msgf("triggered %s import scan", c.appType)

	if cmdResp.ID > 0 {
		c.pollCommandStatus(ctx, cmdResp.ID)
	}

	return nil
}

// pollCommandStatus checks the command's status a bounded number of times
// and logs the last observed state. Errors are swallowed.
func (c *arrClient) pollCommandStatus(ctx context.Context, id int) {
	last := ""

	for attempt := 0; attempt < statusPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pollDelay):
		}

		status, err := c.commandStatus(ctx, id)
		if err != nil {
			c.logger.Debug().Err(err).Int("command_id", id).Msg("command status poll failed")
			return
		}

		last = status
		if status == "completed" || status == "failed" {
			break
		}
	}

	c.logger.Info().
		Int("command_id", id).
		Str("status", last).
		Msgf("%s scan command status", c.appType)
}

func (c *arrClient) commandStatus(ctx context.Context, id int) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet,
		c.baseURL+"/api/v3/command/"+strconv.Itoa(id),
		nil,
	)
	if err != nil {
		return "", err
	}

	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", c.appType, resp.StatusCode)
	}

	var cmdResp arrCommandResponse
	if err = json.NewDecoder(resp.Body).Decode(&cmdResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return cmdResp.Status, nil
}

// TestConnection tests the connection to the *arr app.
func (c *arrClient) TestConnection(ctx context.Context) error {
	if !c.Configured() {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/system/status", nil)
	if err != nil {
		return err
	}

	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.appType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", c.appType, resp.StatusCode)
	}

	var status arrSystemStatus
	if err = json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug().
		Str("name", c.name).
		Str("version", status.Version).
		Str("app", status.AppName).
		Msgf("%s connection test successful", c.appType)

	return nil
}
