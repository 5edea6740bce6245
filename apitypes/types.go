// Package apitypes provides API response types for the SweepDL HTTP API.
package apitypes

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Status represents the daemon's processing status.
type Status struct {
	ActiveWorkers int `json:"active_workers"`
	HeldLocks     int `json:"held_locks"`
	Subscribers   int `json:"subscribers"`
}

// Download represents a download known to aria2.
type Download struct {
	GID    string `json:"gid"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Files  []File `json:"files,omitempty"`
}

// File represents a file within a download.
type File struct {
	Path            string `json:"path"`
	Length          int64  `json:"length"`
	CompletedLength int64  `json:"completed_length"`
}

// App represents a configured application.
type App struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Category   string `json:"category"`
	Configured bool   `json:"configured"`
}
