package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "petalboard.yaml"
	homeConfigName    = "config.yaml"
)

// Config is the declarative startup config for the petalboard server.
type Config struct {
	Listen       string             `yaml:"listen,omitempty"`
	CORSOrigin   string             `yaml:"cors_origin,omitempty"`
	MaxBodyBytes int64              `yaml:"max_body_bytes,omitempty"`
	Store        StoreConfig        `yaml:"store,omitempty"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Scheduler    SchedulerConfig    `yaml:"scheduler,omitempty"`
	Telemetry    TelemetryConfig    `yaml:"telemetry,omitempty"`
}

// StoreConfig selects the workflow persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite". Default "memory".
	Backend string `yaml:"backend,omitempty"`

	// Path is the SQLite database file. Required when Backend is "sqlite".
	Path string `yaml:"path,omitempty"`
}

// OrchestratorConfig points at the external agent orchestrator.
type OrchestratorConfig struct {
	Endpoint       string `yaml:"endpoint,omitempty"`
	AuthToken      string `yaml:"auth_token,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// Timeout returns the submission timeout, or zero to use the default.
func (c OrchestratorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SchedulerConfig tunes the background schedule runner.
type SchedulerConfig struct {
	Enabled             *bool `yaml:"enabled,omitempty"`
	PollIntervalSeconds int   `yaml:"poll_interval_seconds,omitempty"`
	BatchLimit          int   `yaml:"batch_limit,omitempty"`
}

// PollInterval returns the poll interval, or zero to use the default.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Listen:       ":8090",
		CORSOrigin:   "*",
		MaxBodyBytes: 1 << 20,
		Store:        StoreConfig{Backend: "memory"},
	}
}

// DiscoverConfigPath resolves the config file location with first-match
// semantics: explicit path, then ./petalboard.yaml, then
// ~/.petalboard/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 3)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".petalboard", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads and validates a config file, applying defaults for unset
// fields. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	clean := strings.TrimSpace(path)
	if clean == "" {
		return cfg, nil
	}

	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(clean)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", clean, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", clean, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", clean, err)
	}
	return cfg, nil
}

// Validate checks the config for contradictions.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}

	if c.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes must not be negative")
	}
	if c.Scheduler.PollIntervalSeconds < 0 {
		return errors.New("scheduler poll_interval_seconds must not be negative")
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return errors.New("telemetry endpoint is required when telemetry is enabled")
	}
	return nil
}

// SchedulerEnabled reports whether the background scheduler should start.
// Defaults to true when a schedule store is configured.
func (c Config) SchedulerEnabled() bool {
	if c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}
