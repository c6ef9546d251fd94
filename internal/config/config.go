// Package config loads and validates chorus.toml, the optional workspace
// configuration file. Missing file means pure defaults; a present but
// invalid file is an error listing every problem at once.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chorushq/chorus/internal/workspace"
)

// Plugin type tags. Linkifiers produce enrichments for a single message;
// extractors produce attachments for the message's topic.
const (
	PluginLinkifier = "linkifier"
	PluginExtractor = "extractor"
)

// DefaultPluginTimeout bounds one plugin invocation unless overridden.
const DefaultPluginTimeout = 5 * time.Second

// Duration is a time.Duration that unmarshals from TOML strings like "5s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the resolved workspace configuration.
type Config struct {
	Server  ServerConfig   `toml:"server"`
	Limits  LimitsConfig   `toml:"limits"`
	Search  SearchConfig   `toml:"search"`
	Log     LogConfig      `toml:"log"`
	Plugins []PluginConfig `toml:"plugin"`
}

// ServerConfig controls the listen address. Host is forced to loopback
// unless UnsafeNetwork is set.
type ServerConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	UnsafeNetwork bool   `toml:"unsafe_network"`
}

// LimitsConfig holds body-size caps and rate limits enforced by the API.
type LimitsConfig struct {
	MaxMessageBytes    int64   `toml:"max_message_bytes"`
	MaxAttachmentBytes int64   `toml:"max_attachment_bytes"`
	MaxBodyBytes       int64   `toml:"max_body_bytes"`
	RatePerSecond      float64 `toml:"rate_per_second"`
	RateBurst          int     `toml:"rate_burst"`
	GlobalRatePerSec   float64 `toml:"global_rate_per_second"`
	GlobalRateBurst    int     `toml:"global_rate_burst"`
}

// SearchConfig opts in to the full-text index (migration v2).
type SearchConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig controls the daemon log level and file rotation.
type LogConfig struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// PluginConfig declares one plugin. Module is a path inside the workspace
// root pointing at a WASI command module.
type PluginConfig struct {
	Name    string         `toml:"name"`
	Type    string         `toml:"type"`
	Module  string         `toml:"module"`
	Enabled bool           `toml:"enabled"`
	Timeout Duration       `toml:"timeout"`
	Config  map[string]any `toml:"config"`
}

// EffectiveTimeout returns the per-plugin timeout or the default.
func (p PluginConfig) EffectiveTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout.Std()
	}
	return DefaultPluginTimeout
}

// Default returns the configuration used when chorus.toml is absent.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 0,
		},
		Limits: LimitsConfig{
			MaxMessageBytes:    256 << 10,
			MaxAttachmentBytes: 1 << 20,
			MaxBodyBytes:       64 << 10,
			RatePerSecond:      20,
			RateBurst:          40,
			GlobalRatePerSec:   200,
			GlobalRateBurst:    400,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads chorus.toml from the workspace root, applies defaults for
// anything unset, applies environment overrides, and validates. A missing
// file is not an error.
func Load(root string) (*Config, error) {
	cfg := Default()

	path := workspace.ConfigPath(root)
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, cfg.Validate(root)
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parse %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	fillDefaults(cfg)
	applyEnv(cfg)
	if err := cfg.Validate(root); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults restores defaults for fields the file left at zero values.
func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Limits.MaxMessageBytes == 0 {
		cfg.Limits.MaxMessageBytes = def.Limits.MaxMessageBytes
	}
	if cfg.Limits.MaxAttachmentBytes == 0 {
		cfg.Limits.MaxAttachmentBytes = def.Limits.MaxAttachmentBytes
	}
	if cfg.Limits.MaxBodyBytes == 0 {
		cfg.Limits.MaxBodyBytes = def.Limits.MaxBodyBytes
	}
	if cfg.Limits.RatePerSecond == 0 {
		cfg.Limits.RatePerSecond = def.Limits.RatePerSecond
	}
	if cfg.Limits.RateBurst == 0 {
		cfg.Limits.RateBurst = def.Limits.RateBurst
	}
	if cfg.Limits.GlobalRatePerSec == 0 {
		cfg.Limits.GlobalRatePerSec = def.Limits.GlobalRatePerSec
	}
	if cfg.Limits.GlobalRateBurst == 0 {
		cfg.Limits.GlobalRateBurst = def.Limits.GlobalRateBurst
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = def.Log.MaxBackups
	}
}

// applyEnv applies the advisory environment overrides. These take the
// highest precedence.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHORUS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CHORUS_ENABLE_FTS"); v == "1" || strings.EqualFold(v, "true") {
		cfg.Search.Enabled = true
	}
}

// Validate checks the configuration and returns every problem found as a
// single error.
func (c *Config) Validate(root string) error {
	var problems []string

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q must be debug, info, warn, or error", c.Log.Level))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}

	seen := make(map[string]bool)
	for i, p := range c.Plugins {
		where := fmt.Sprintf("plugin[%d]", i)
		if p.Name != "" {
			where = fmt.Sprintf("plugin %q", p.Name)
		}
		if p.Name == "" {
			problems = append(problems, where+": name is required")
		} else if seen[p.Name] {
			problems = append(problems, where+": duplicate name")
		}
		seen[p.Name] = true
		if p.Type != PluginLinkifier && p.Type != PluginExtractor {
			problems = append(problems, fmt.Sprintf("%s: type %q must be %q or %q", where, p.Type, PluginLinkifier, PluginExtractor))
		}
		if p.Module == "" {
			problems = append(problems, where+": module is required")
		} else if !workspace.Within(root, p.Module) {
			problems = append(problems, fmt.Sprintf("%s: module %q escapes the workspace root", where, p.Module))
		}
		if p.Timeout < 0 {
			problems = append(problems, where+": timeout must not be negative")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// EnabledPlugins returns the enabled plugin declarations in file order.
func (c *Config) EnabledPlugins() []PluginConfig {
	var out []PluginConfig
	for _, p := range c.Plugins {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// WriteStarter writes a commented starter chorus.toml if none exists.
// Returns true when a file was written.
func WriteStarter(root string) (bool, error) {
	path := workspace.ConfigPath(root)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

const starterConfig = `# chorus workspace configuration

[server]
host = "127.0.0.1"
port = 0               # 0 picks an ephemeral port

[limits]
max_message_bytes = 262144
max_attachment_bytes = 1048576
max_body_bytes = 65536
rate_per_second = 20.0
rate_burst = 40
global_rate_per_second = 200.0
global_rate_burst = 400

[search]
enabled = false        # opt-in full-text index over message content

[log]
level = "info"
max_size_mb = 10
max_backups = 3

# Plugins run as WASI modules inside the workspace. Example:
#
# [[plugin]]
# name = "linkify"
# type = "linkifier"
# module = "plugins/linkify.wasm"
# enabled = true
# timeout = "5s"
`
