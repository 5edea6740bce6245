package testing

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/sweepdl/sweepdl/internal/config"
)

// ValidConfig returns a fully populated, valid config.Config struct.
// The returned config passes all validation checks and can be used as a
// starting point for tests that need to modify specific fields.
// All filesystem paths point into a per-test temp directory.
func ValidConfig(t *testing.T) config.Config {
	t.Helper()

	tmpDir := t.TempDir()

	return config.Config{
		Server: config.ServerConfig{
			Listen: "[::]:8426",
		},
		Aria2: config.Aria2Config{
			URL:         "http://aria2.example.com:6800",
			Secret:      "secret",
			HTTPTimeout: config.DefaultHTTPTimeout,
		},
		Paths: config.PathsConfig{
			Downloads:   filepath.Join(tmpDir, "downloads"),
			Extract:     filepath.Join(tmpDir, "extract"),
			Destination: filepath.Join(tmpDir, "ended"),
		},
		Apps: map[string]config.AppEntryConfig{
			"sonarr": {
				Type:        "sonarr",
				URL:         "http://sonarr.example.com:8989",
				APIKey:      "sonarr-key",
				HTTPTimeout: config.DefaultHTTPTimeout,
			},
			"radarr": {
				Type:        "radarr",
				URL:         "http://radarr.example.com:7878",
				APIKey:      "radarr-key",
				HTTPTimeout: config.DefaultHTTPTimeout,
			},
		},
		Supervisor: config.SupervisorConfig{
			MaxRetries:       config.DefaultMaxRetries,
			InitialBackoff:   config.DefaultInitialBackoff,
			MaxBackoff:       config.DefaultMaxBackoff,
			LivenessInterval: config.DefaultLivenessInterval,
		},
		Dispatch: config.DispatchConfig{
			LockTimeout: config.DefaultLockTimeout,
		},
	}
}

// WriteConfigFile marshals cfg to YAML in a temp directory and returns
// the file path.
func WriteConfigFile(t *testing.T, cfg map[string]any) string {
	t.Helper()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	return path
}
