package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Broker   BrokerConfig   `toml:"broker"`
	Queue    QueueConfig    `toml:"queue"`
	Workflow WorkflowConfig `toml:"workflow"`
	Gates    GatesConfig    `toml:"gates"`
	Raw      map[string]any `toml:"-"`
	Path     string         `toml:"-"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StoreConfig struct {
	DBPath        string `toml:"db_path"`
	WorkspaceRoot string `toml:"workspace_root"`
}

type BrokerConfig struct {
	QueueCapacity     int `toml:"queue_capacity"`
	MessageTTLMS      int `toml:"message_ttl_ms"`
	CleanupIntervalMS int `toml:"cleanup_interval_ms"`
	HistoryLimit      int `toml:"history_limit"`
}

type QueueConfig struct {
	WorkersPerQueue    int `toml:"workers_per_queue"`
	PollIntervalMS     int `toml:"poll_interval_ms"`
	LeaseDurationMS    int `toml:"lease_duration_ms"`
	WatchdogIntervalMS int `toml:"watchdog_interval_ms"`
	RetryBaseMS        int `toml:"retry_base_ms"`
	RetryMaxMS         int `toml:"retry_max_ms"`
	ExecTimeoutMS      int `toml:"exec_timeout_ms"`
}

type WorkflowConfig struct {
	DefaultStepTimeoutMS int `toml:"default_step_timeout_ms"`
	DefaultMaxRetries    int `toml:"default_max_retries"`
}

// GatesConfig carries per-policy score thresholds keyed by policy name.
type GatesConfig struct {
	PassThreshold float64            `toml:"pass_threshold"`
	Thresholds    map[string]float64 `toml:"thresholds"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: "127.0.0.1:8765"},
		Store: StoreConfig{
			DBPath:        "taskforge.db",
			WorkspaceRoot: "workspace",
		},
		Gates: GatesConfig{PassThreshold: 0.7},
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskforge/config.toml"
	}
	return filepath.Join(home, ".taskforge", "config.toml")
}
