// Package config holds the server's runtime configuration, loaded from
// defaults, an optional YAML file in the config root, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the server's runtime configuration.
type Config struct {
	Addr       string `koanf:"addr"`        // Listen address (localhost only)
	ConfigRoot string `koanf:"config_root"` // Root for DB, outputs, worktrees, uploads
	LogLevel   string `koanf:"log_level"`

	// Output log tuning.
	FlushThreshold int           `koanf:"flush_threshold"` // bytes
	FlushInterval  time.Duration `koanf:"flush_interval"`
	FileMaxSize    int64         `koanf:"file_max_size"` // bytes

	// Activity detection.
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	ActiveWindow time.Duration `koanf:"active_window"`

	// Job queue.
	JobConcurrency int `koanf:"job_concurrency"`

	// Timeouts.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"` // WS history handshake
	OutboundTimeout  time.Duration `koanf:"outbound_timeout"`  // user-configured HTTP targets
	KillGrace        time.Duration `koanf:"kill_grace"`        // SIGTERM -> SIGKILL

	// Upload limits for session messages.
	MaxMessageFiles  int   `koanf:"max_message_files"`
	MaxTotalFileSize int64 `koanf:"max_total_file_size"` // bytes

	// Integrations.
	GitHubWebhookSecret string `koanf:"github_webhook_secret"`
	SuggesterURL        string `koanf:"suggester_url"` // metadata suggester endpoint
	SlackToken          string `koanf:"slack_token"`
}

// defaults are the baseline configuration values.
func defaults() map[string]any {
	return map[string]any{
		"addr":                "127.0.0.1:4820",
		"config_root":         defaultConfigRoot(),
		"log_level":           "info",
		"flush_threshold":     16 * 1024,
		"flush_interval":      "250ms",
		"file_max_size":       10 * 1024 * 1024,
		"idle_timeout":        "10s",
		"active_window":       "1s",
		"job_concurrency":     4,
		"handshake_timeout":   "3s",
		"outbound_timeout":    "15s",
		"kill_grace":          "3s",
		"max_message_files":   10,
		"max_total_file_size": 50 * 1024 * 1024,
	}
}

// Load builds the configuration: defaults, then config.yaml in the
// config root (if present), then AGENT_CONSOLE_* environment variables.
// An explicit non-empty configRoot overrides the default before the
// file is looked up.
func Load(configRoot string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	root := configRoot
	if root == "" {
		root = k.String("config_root")
	}

	cfgFile := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(cfgFile); err == nil {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", cfgFile, err)
		}
	}

	if err := k.Load(env.Provider("AGENT_CONSOLE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "AGENT_CONSOLE_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.ConfigRoot = root

	return &c, nil
}

// Validate checks the configuration values and ensures the config root
// and its subdirectories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	for _, dir := range []string{c.ConfigRoot, c.OutputsDir(), c.RepositoriesDir(), c.UploadsDir(), c.TemplatesDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func defaultConfigRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent-console"
	}
	return filepath.Join(home, ".agent-console")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.ConfigRoot, "store.db")
}

// OutputsDir returns the root of the per-worker output logs.
func (c *Config) OutputsDir() string {
	return filepath.Join(c.ConfigRoot, "outputs")
}

// RepositoriesDir returns the root of the managed worktree directories.
func (c *Config) RepositoriesDir() string {
	return filepath.Join(c.ConfigRoot, "repositories")
}

// UploadsDir returns the directory for transient image uploads.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.ConfigRoot, "uploads")
}

// TemplatesDir returns the global worktree template directory.
func (c *Config) TemplatesDir() string {
	return filepath.Join(c.ConfigRoot, "templates")
}
