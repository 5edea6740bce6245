// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultHTTPTimeout      = 10 * time.Second
	DefaultLockTimeout      = 3 * time.Second
	DefaultMaxRetries       = 10
	DefaultInitialBackoff   = 1 * time.Second
	DefaultMaxBackoff       = 60 * time.Second
	DefaultLivenessInterval = 2 * time.Second
)

// Config is the application configuration.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Aria2      Aria2Config               `mapstructure:"aria2"`
	Paths      PathsConfig               `mapstructure:"paths"`
	Apps       map[string]AppEntryConfig `mapstructure:"apps"`
	Supervisor SupervisorConfig          `mapstructure:"supervisor"`
	Dispatch   DispatchConfig            `mapstructure:"dispatch"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// Aria2Config holds the connection settings for the aria2 RPC endpoint.
type Aria2Config struct {
	URL         string        `mapstructure:"url"`
	Secret      string        `mapstructure:"secret"`
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`
}

// PathsConfig holds the filesystem roots the pipeline operates on.
type PathsConfig struct {
	Downloads   string `mapstructure:"downloads"`   // where aria2 writes completed files
	Extract     string `mapstructure:"extract"`     // scratch space for archive extraction
	Destination string `mapstructure:"destination"` // library root, gets series/movies/others subdirs
}

// AppEntryConfig holds configuration for a notification target instance.
type AppEntryConfig struct {
	Type        string        `mapstructure:"type"`
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"apiKey"`
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`
}

// SupervisorConfig holds the reconnect loop settings.
type SupervisorConfig struct {
	MaxRetries       int           `mapstructure:"maxRetries"`
	InitialBackoff   time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff       time.Duration `mapstructure:"maxBackoff"`
	LivenessInterval time.Duration `mapstructure:"livenessInterval"`
}

// DispatchConfig holds the completion-event dispatcher settings.
type DispatchConfig struct {
	LockTimeout time.Duration `mapstructure:"lockTimeout"`
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. If empty, default locations are searched.
	ConfigFile string
}

// Load reads configuration from file and environment variables.
// If opts.ConfigFile is set, that file is used directly.
// Otherwise, it searches default locations: $HOME, current directory, /config
// for files named .sweepdl.yaml, sweepdl.yaml, or config.yaml.
//
// Environment variables with prefix SWEEPDL_ override config file values.
// For the dynamic apps map, set SWEEPDL_APPS to a comma-separated list of
// names to enable env var binding for those entries.
func Load(opts LoadOptions) (Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/config")
		v.SetConfigType("yaml")
		v.SetConfigName(".sweepdl")
		v.SetConfigName("sweepdl")
		v.SetConfigName("config")
	}

	// Environment variables
	v.SetEnvPrefix("SWEEPDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind env vars for dynamic map keys if specified
	bindAppEnvVars(v)

	// Set defaults
	v.SetDefault("server.listen", "[::]:8426")
	v.SetDefault("aria2.url", "http://127.0.0.1:6800")
	v.SetDefault("paths.downloads", "/downloads")
	v.SetDefault("paths.extract", "/downloads/Extract")
	v.SetDefault("paths.destination", "/downloads/Ended")
	v.SetDefault("supervisor.maxRetries", DefaultMaxRetries)
	v.SetDefault("supervisor.initialBackoff", "1s")
	v.SetDefault("supervisor.maxBackoff", "60s")
	v.SetDefault("supervisor.livenessInterval", "2s")
	v.SetDefault("dispatch.lockTimeout", "3s")

	// Read config file (ignore error if not found)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	setDefaultsOnListConfigs(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaultsOnListConfigs applies default values to config fields that can't
// be set with viper.SetDefault.
func setDefaultsOnListConfigs(cfg *Config) {
	if cfg.Aria2.HTTPTimeout == 0 {
		cfg.Aria2.HTTPTimeout = DefaultHTTPTimeout
	}

	for name, app := range cfg.Apps {
		if app.HTTPTimeout == 0 {
			app.HTTPTimeout = DefaultHTTPTimeout
		}
		cfg.Apps[name] = app
	}
}

// Valid app types.
//
//nolint:gochecknoglobals // validation lookup table
var validAppTypes = map[string]bool{
	"sonarr":      true,
	"radarr":      true,
	"passthrough": true,
}

// validate checks that the configuration is valid.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Aria2.URL == "" {
		errs = append(errs, errors.New("aria2.url is required"))
	} else if _, err := url.Parse(cfg.Aria2.URL); err != nil {
		errs = append(errs, fmt.Errorf("aria2.url: invalid url: %w", err))
	}

	if cfg.Paths.Downloads == "" {
		errs = append(errs, errors.New("paths.downloads is required"))
	}
	if cfg.Paths.Extract == "" {
		errs = append(errs, errors.New("paths.extract is required"))
	}
	if cfg.Paths.Destination == "" {
		errs = append(errs, errors.New("paths.destination is required"))
	}

	for name, app := range cfg.Apps {
		if app.Type == "" {
			errs = append(errs, fmt.Errorf("app %q: type is required", name))
		} else if !validAppTypes[app.Type] {
			errs = append(errs, fmt.Errorf("app %q: unknown type %q", name, app.Type))
		}

		// URL and API key required for non-passthrough apps
		if app.Type != "passthrough" && app.Type != "" {
			if app.URL == "" {
				errs = append(errs, fmt.Errorf("app %q: url is required", name))
			} else if _, err := url.Parse(app.URL); err != nil {
				errs = append(errs, fmt.Errorf("app %q: invalid url: %w", name, err))
			}

			if app.APIKey == "" {
				errs = append(errs, fmt.Errorf("app %q: apiKey is required", name))
			}
		}
	}

	if cfg.Supervisor.MaxRetries < 0 {
		errs = append(errs, errors.New("supervisor.maxRetries must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// appEnvFields lists all AppEntryConfig fields for env var binding.
// This must be kept in sync with AppEntryConfig struct.
// Tests verify this list matches the struct fields.
//
//nolint:gochecknoglobals // env var binding field list
var appEnvFields = []string{
	"type",
	"url",
	"apiKey",
	"httpTimeout",
}

// bindAppEnvVars reads SWEEPDL_APPS env var to get the list of app names,
// then binds all app fields for each name using MustBindEnv.
// This allows viper to discover dynamic map keys from environment variables.
// The list env var is unset after reading to prevent viper from treating it as
// the "apps" config key (which would cause a type mismatch).
func bindAppEnvVars(v *viper.Viper) {
	appsEnv := os.Getenv("SWEEPDL_APPS")
	if appsEnv == "" {
		return
	}

	// Unset the list env var so viper doesn't interpret it as apps=string
	_ = os.Unsetenv("SWEEPDL_APPS")

	for name := range strings.SplitSeq(appsEnv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		for _, field := range appEnvFields {
			key := "apps." + name + "." + field
			v.MustBindEnv(key)
		}
	}
}
