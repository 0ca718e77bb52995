package engine

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PORTBRIDGE_ADDR.
const EnvPrefix = "PORTBRIDGE_"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config is the top-level engine configuration.
type Config struct {
	Addr           string   `yaml:"addr" env:"ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	// TagPrefix namespaces tags on the websocket, e.g. "Ports".
	TagPrefix       string      `yaml:"tag_prefix" env:"TAG_PREFIX"`
	AnnounceOnWatch bool        `yaml:"announce_on_watch" env:"ANNOUNCE_ON_WATCH"`
	FeedBuffer      int         `yaml:"feed_buffer" env:"FEED_BUFFER"` // Per-bridge change buffer.
	Debug           bool        `yaml:"debug" env:"DEBUG"`
	Store           StoreConfig `yaml:"store" envPrefix:"STORE_"`
	Log             LogConfig   `yaml:"log" envPrefix:"LOG_"`
}

// StoreConfig selects and tunes the host store.
type StoreConfig struct {
	Driver       string        `yaml:"driver" env:"DRIVER"`
	Path         string        `yaml:"path" env:"PATH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Retention    time.Duration `yaml:"retention" env:"RETENTION"`
}

// LogConfig controls the diagnostic logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text or json
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Addr:       ":8080",
		FeedBuffer: 64,
		Store: StoreConfig{
			Driver:       DriverMemory,
			PollInterval: 500 * time.Millisecond,
			Retention:    10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Environment variables
// referenced as ${VAR} or $VAR in the YAML are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("engine: load config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("engine: parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields of cfg from PORTBRIDGE_* environment variables.
// Unset variables leave the field unchanged.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("engine: parse env: %w", err)
	}

	return nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("engine: config: addr is required")
	}
	if strings.HasSuffix(c.TagPrefix, ".") {
		return fmt.Errorf("engine: config: tag_prefix %q must not end with a dot", c.TagPrefix)
	}
	if c.FeedBuffer < 0 {
		return fmt.Errorf("engine: config: feed_buffer must not be negative")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("engine: config: store path is required for driver %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("engine: config: unknown store driver %q", c.Store.Driver)
	}

	if c.Store.PollInterval < 0 || c.Store.Retention < 0 {
		return fmt.Errorf("engine: config: store durations must not be negative")
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("engine: config: unknown log format %q", c.Log.Format)
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("engine: config: log level %q: %w", s, err)
	}

	return level, nil
}
