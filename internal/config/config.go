// Package config provides configuration for the session engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the engine configuration. Values come from built-in defaults,
// an optional config.toml in the data directory, and ZENCLAUDE_* environment
// variables, in increasing order of precedence.
type Config struct {
	// DataDir is the root for session metadata, logs and snapshots.
	DataDir string `mapstructure:"data_dir"`

	// ImageTag is the isolation image built and reused across sessions.
	ImageTag string `mapstructure:"image_tag"`

	// BuildDir holds the image build context.
	BuildDir string `mapstructure:"build_dir"`

	Defaults struct {
		Memory   string `mapstructure:"memory"`
		CPUs     string `mapstructure:"cpus"`
		Pids     int    `mapstructure:"pids"`
		Snapshot bool   `mapstructure:"snapshot"`
	} `mapstructure:"defaults"`

	Dashboard struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"dashboard"`

	// ClaudeConfigDir is the host-side agent configuration directory mounted
	// read-only into each session container.
	ClaudeConfigDir string `mapstructure:"claude_config_dir"`

	// StopGracePeriod bounds how long a graceful stop waits before the
	// process is terminated forcefully.
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"`
}

// Load reads configuration from defaults, the optional config file and the
// environment.
func Load() (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".zenclaude")

	v.SetDefault("data_dir", dataDir)
	v.SetDefault("image_tag", "zenclaude:latest")
	v.SetDefault("build_dir", filepath.Join(dataDir, "image"))
	v.SetDefault("defaults.memory", "8g")
	v.SetDefault("defaults.cpus", "4")
	v.SetDefault("defaults.pids", 256)
	v.SetDefault("defaults.snapshot", true)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 7777)
	v.SetDefault("claude_config_dir", filepath.Join(home, ".claude"))
	v.SetDefault("stop_grace_period", 10*time.Second)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("ZENCLAUDE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// SessionDir returns the per-session state directory.
func (c *Config) SessionDir(sessionID string) string {
	return filepath.Join(c.DataDir, "sessions", sessionID)
}

// LogPath returns the durable output log for a session.
func (c *Config) LogPath(sessionID string) string {
	return filepath.Join(c.SessionDir(sessionID), "output.log")
}

// ChildLogPath returns the durable log for one async sub-agent's stream.
func (c *Config) ChildLogPath(sessionID, agentID string) string {
	return filepath.Join(c.SessionDir(sessionID), "child-"+agentID+".log")
}

// APIKeyPath returns the file holding a stored agent API key.
func (c *Config) APIKeyPath() string {
	return filepath.Join(c.DataDir, "api_key")
}

// SnapshotDir returns the directory holding workspace snapshots.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// DatabasePath returns the session metadata database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// EnsureDirs creates the data directory layout.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		filepath.Join(c.DataDir, "sessions"),
		c.SnapshotDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
