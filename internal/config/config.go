// Package config loads the pgnotify CLI configuration.
//
// Configuration is a TOML file in the data directory. Missing keys take the
// values from [DefaultConfig], older schema versions are migrated forward on
// load (with a .bak copy of the original), and the result is validated before
// use.
package config

//go:generate go run ../../cmd/genconfig

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"

	"tools.zach/dev/pgnotify/internal/atomicfile"
	"tools.zach/dev/pgnotify/internal/logger"
	"tools.zach/dev/pgnotify/internal/migrate"
	"tools.zach/dev/pgnotify/internal/paths"
	"tools.zach/dev/pgnotify/internal/sigbridge"
)

// DSNEnv overrides database.dsn when set.
const DSNEnv = "PGNOTIFY_DSN"

// maxChannelLen is PostgreSQL's identifier limit (NAMEDATALEN - 1). Longer
// channel names are truncated by the server, so notifications would arrive
// under a different name than the one configured.
const maxChannelLen = 63

// maxTimeoutSeconds is the longest wait a time.Duration can hold.
const maxTimeoutSeconds = float64(math.MaxInt64) / float64(time.Second)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config is the top-level configuration.
type Config struct {
	// Version is the config schema version used for migrations.
	Version int `toml:"version"`
	// Database says where to connect.
	Database DatabaseConfig `toml:"database"`
	// Listen holds the subscription and loop settings.
	Listen ListenConfig `toml:"listen"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
	// Forward lists webhooks that receive notifications.
	Forward []ForwardConfig `toml:"forward,omitempty"`
}

// DatabaseConfig holds connection settings.
type DatabaseConfig struct {
	// DSN is a PostgreSQL connection string or URL. The PGNOTIFY_DSN
	// environment variable wins over this value.
	DSN string `toml:"dsn"`
}

// ListenConfig holds the event loop settings.
type ListenConfig struct {
	// Channels to subscribe to. A single string is accepted too.
	Channels ChannelList `toml:"channels"`
	// TimeoutSeconds bounds each wait; fractions are allowed.
	TimeoutSeconds float64 `toml:"timeout_seconds"`
	// YieldOnTimeout reports idle ticks.
	YieldOnTimeout bool `toml:"yield_on_timeout"`
	// Signals are delivered into the stream, by name ("SIGINT", "HUP") or
	// number.
	Signals []string `toml:"signals"`
	// Batch groups the notifications of one wakeup together.
	Batch bool `toml:"batch"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the log file size that triggers rotation.
	MaxSizeMB int `toml:"max_size_mb"`
	// File is the log file path. Empty means pgnotify.log in the data
	// directory; "-" logs to stderr.
	File string `toml:"file"`
}

// ForwardConfig routes notifications to a webhook.
type ForwardConfig struct {
	// Channels are glob patterns matched against the channel name.
	Channels []string `toml:"channels"`
	// URL receives one JSON POST per notification.
	URL string `toml:"url"`
	// MaxRetries bounds retries per notification.
	MaxRetries int `toml:"max_retries"`
}

// ChannelList is a list of channel names that also decodes from a single
// TOML string.
type ChannelList []string

// UnmarshalTOML implements toml.Unmarshaler.
func (c *ChannelList) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case string:
		*c = ChannelList{v}
	case []any:
		out := make(ChannelList, 0, len(v))
		for i, e := range v {
			s, ok := e.(string)
			if !ok {
				return fmt.Errorf("channels[%d] is a %T, not a string", i, e)
			}
			out = append(out, s)
		}
		*c = out
	default:
		return fmt.Errorf("channels must be a string or a list of strings, got %T", v)
	}
	return nil
}

// ///////////////////////////////////////////////
// Defaults
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Migrations.CurrentVersion,
		Listen: ListenConfig{
			Channels:       ChannelList{},
			TimeoutSeconds: 3,
			Signals:        []string{"SIGINT", "SIGTERM", "SIGHUP"},
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ExampleConfig returns the Config rendered into config.default.toml.
func ExampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Database.DSN = "postgres://localhost/postgres"
	cfg.Listen.Channels = ChannelList{"hello"}
	return cfg
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads dataDir/config.toml. A missing file yields DefaultConfig. An
// older file is backed up, migrated and saved back in the current schema.
func Load(dataDir string) (*Config, error) {
	path := paths.DataDir{Root: dataDir}.Config()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	migrated := false
	if version := migrate.PeekVersion(data); Migrations.NeedsMigration(version) {
		if _, err := atomicfile.Backup(path, ".bak"); err != nil {
			slog.Warn("failed to write config backup", "error", err)
		}
		if data, err = Migrations.Run(data); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		migrated = true
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if migrated {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse decodes current-schema TOML over the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parse config: unknown keys: %s", strings.Join(keys, ", "))
	}
	cfg.Version = Migrations.CurrentVersion
	return cfg, nil
}

// Save writes the config as TOML, atomically.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o600)
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(DSNEnv); dsn != "" {
		c.Database.DSN = dsn
	}
}

// ///////////////////////////////////////////////
// Derived Values
// ///////////////////////////////////////////////

// Timeout returns listen.timeout_seconds as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Listen.TimeoutSeconds * float64(time.Second))
}

// SignalSet parses listen.signals.
func (c *Config) SignalSet() ([]os.Signal, error) {
	out := make([]os.Signal, 0, len(c.Listen.Signals))
	for _, name := range c.Listen.Signals {
		sig, err := sigbridge.Parse(name)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() slog.Level {
	level, _ := logger.ParseLevel(c.Log.Level)
	return level
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// Validate checks that all values are usable. Every problem is reported, not
// just the first.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB))
	}

	switch ts := c.Listen.TimeoutSeconds; {
	case math.IsNaN(ts) || ts < 0:
		errs = append(errs, fmt.Errorf("listen.timeout_seconds must be >= 0, got %g", ts))
	case ts > maxTimeoutSeconds:
		errs = append(errs, fmt.Errorf("listen.timeout_seconds must be <= %.0f, got %g", maxTimeoutSeconds, ts))
	}
	for _, ch := range c.Listen.Channels {
		if err := ValidateChannel(ch); err != nil {
			errs = append(errs, fmt.Errorf("listen.channels: %w", err))
		}
	}
	if _, err := c.SignalSet(); err != nil {
		errs = append(errs, fmt.Errorf("listen.signals: %w", err))
	}

	for i, f := range c.Forward {
		if err := f.validate(); err != nil {
			errs = append(errs, fmt.Errorf("forward[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateChannel reports whether name can be used as a channel.
func ValidateChannel(name string) error {
	switch {
	case name == "":
		return errors.New("empty channel name")
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("channel %q contains a NUL byte", name)
	case len(name) > maxChannelLen:
		return fmt.Errorf("channel %q is longer than %d bytes", name, maxChannelLen)
	}
	return nil
}

func (f ForwardConfig) validate() error {
	u, err := url.Parse(f.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("url %q must be an absolute http(s) URL", f.URL)
	}
	if len(f.Channels) == 0 {
		return errors.New("channels must list at least one pattern")
	}
	for _, p := range f.Channels {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid channel pattern %q", p)
		}
	}
	if f.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", f.MaxRetries)
	}
	return nil
}
