// ABOUTME: Configuration loading and parsing for smbctl
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding a config file path.
const EnvConfigPath = "SMBCTL_CONFIG"

// ErrUnsupportedFormat is returned for config files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config represents the complete smbctl configuration
type Config struct {
	Share    ShareConfig    `yaml:"share" toml:"share"`
	Liveness LivenessConfig `yaml:"liveness" toml:"liveness"`
	Plugins  PluginsConfig  `yaml:"plugins" toml:"plugins"`
	Watcher  WatcherConfig  `yaml:"watcher" toml:"watcher"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ShareConfig locates the shared directory tree
type ShareConfig struct {
	Root      string `yaml:"root" toml:"root"`
	NoHistory bool   `yaml:"no_history" toml:"no_history"`
}

// LivenessConfig holds the heartbeat window
type LivenessConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// PluginsConfig locates the central plugin catalog
type PluginsConfig struct {
	CatalogDir string `yaml:"catalog_dir" toml:"catalog_dir"`
}

// WatcherConfig tunes change detection and response collection
type WatcherConfig struct {
	PollInterval   time.Duration `yaml:"-" toml:"-"`
	DedupeWindow   time.Duration `yaml:"-" toml:"-"`
	SettleDelay    time.Duration `yaml:"-" toml:"-"`
	SettleAttempts int           `yaml:"settle_attempts" toml:"settle_attempts"`

	// Raw string values for unmarshaling
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	DedupeWindowRaw string `yaml:"dedupe_window" toml:"dedupe_window"`
	SettleDelayRaw  string `yaml:"settle_delay" toml:"settle_delay"`
}

// DatabaseConfig holds ledger database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Liveness: LivenessConfig{TimeoutRaw: "20s"},
		Plugins:  PluginsConfig{CatalogDir: "plugins"},
		Watcher: WatcherConfig{
			SettleAttempts:  5,
			PollIntervalRaw: "0s",
			DedupeWindowRaw: "2s",
			SettleDelayRaw:  "100ms",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: "localhost:9464", Path: "/metrics"},
	}
	// Defaults are constants; parse cannot fail.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path on top of Default().
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	return cfg, nil
}

// ResolvePath picks the config file to load. An explicit flag wins, then
// SMBCTL_CONFIG, then the XDG location if a file exists there. An empty
// result means run on defaults.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	candidate := filepath.Join(base, "smbctl", "config.yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Share.Root == "" {
		return fmt.Errorf("share.root is required (or pass SHARE_PATH)")
	}

	if c.Liveness.Timeout < 0 {
		return fmt.Errorf("liveness.timeout must not be negative")
	}
	if c.Watcher.PollInterval < 0 {
		return fmt.Errorf("watcher.poll_interval must not be negative")
	}
	if c.Watcher.DedupeWindow < 0 {
		return fmt.Errorf("watcher.dedupe_window must not be negative")
	}
	if c.Watcher.SettleDelay < 0 {
		return fmt.Errorf("watcher.settle_delay must not be negative")
	}
	if c.Watcher.SettleAttempts < 1 {
		return fmt.Errorf("watcher.settle_attempts must be at least 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"liveness.timeout", cfg.Liveness.TimeoutRaw, &cfg.Liveness.Timeout},
		{"watcher.poll_interval", cfg.Watcher.PollIntervalRaw, &cfg.Watcher.PollInterval},
		{"watcher.dedupe_window", cfg.Watcher.DedupeWindowRaw, &cfg.Watcher.DedupeWindow},
		{"watcher.settle_delay", cfg.Watcher.SettleDelayRaw, &cfg.Watcher.SettleDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
