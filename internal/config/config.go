// Package config loads the orchestrator's YAML configuration file and
// merges it with environment variables and CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AudioSourceKind names a supported audio source implementation.
type AudioSourceKind string

const (
	SourceLocal    AudioSourceKind = "local"
	SourceDiscord  AudioSourceKind = "discord"
	SourceTelegram AudioSourceKind = "telegram"
)

// TelegramConfig configures the Telegram voice-bridge audio source.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// DiscordConfig configures the Discord voice-channel audio source.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// SupervisorConfig controls how a managed subprocess (subagent server or
// builder server) is started and health-checked.
type SupervisorConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConfigDirEnv   string        `yaml:"config_dir_env"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	AgentDefsDir   string        `yaml:"agent_defs_dir"`
}

// TelemetryConfig controls OpenTelemetry trace/metric export. When Enabled
// is false, internal/otel.Init returns a zero-overhead no-op provider.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// Config is the top-level orchestrator configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// Source selects which audio source implementation to run (GC-SPEC-CLI flag --source).
	Source AudioSourceKind `yaml:"source"`

	// ModelAPIKeyEnv names the environment variable holding the speech model's API key.
	ModelAPIKeyEnv string `yaml:"model_api_key_env"`
	Model          string `yaml:"model"`

	// OpencodeURL is the base URL of the subagent HTTP server (flag --opencode-url).
	OpencodeURL string `yaml:"opencode_url"`
	BuilderURL  string `yaml:"builder_url"`

	DashboardPort int    `yaml:"dashboard_port"`
	LogLevel      string `yaml:"log_level"`

	WorkspaceRoot string `yaml:"workspace_root"`

	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`

	Subagent SupervisorConfig `yaml:"subagent_supervisor"`
	Builder  SupervisorConfig `yaml:"builder_supervisor"`

	MonitorIntervalSeconds int `yaml:"monitor_interval_seconds"`

	AllowOrigins []string `yaml:"allow_origins"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DefaultHomeDir returns ~/.vocorch, mirroring the teacher's ~/.goclaw convention.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".vocorch")
}

func defaults() Config {
	return Config{
		HomeDir:                DefaultHomeDir(),
		Source:                 SourceLocal,
		ModelAPIKeyEnv:         "GEMINI_API_KEY",
		Model:                  "gemini-2.5-flash-native-audio-preview",
		OpencodeURL:            "http://127.0.0.1:4096",
		BuilderURL:             "http://127.0.0.1:4097",
		DashboardPort:          8787,
		LogLevel:               "info",
		MonitorIntervalSeconds: 5,
		Subagent: SupervisorConfig{
			Command:       "opencode",
			Args:          []string{"serve"},
			Host:          "127.0.0.1",
			Port:          4096,
			ConfigDirEnv:  "OPENCODE_CONFIG_DIR",
			HealthTimeout: 30 * time.Second,
			StopTimeout:   5 * time.Second,
		},
		Builder: SupervisorConfig{
			Command:       "opencode",
			Args:          []string{"serve"},
			Host:          "127.0.0.1",
			Port:          4097,
			ConfigDirEnv:  "OPENCODE_CONFIG_DIR",
			HealthTimeout: 30 * time.Second,
			StopTimeout:   5 * time.Second,
		},
	}
}

// Load reads the YAML config file at path (or the default location under
// HomeDir if path is empty), applying defaults and environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = filepath.Join(cfg.HomeDir, "config.yaml")
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VOCORCH_HOME"); v != "" {
		cfg.HomeDir = v
	}
	if v := os.Getenv("VOCORCH_OPENCODE_URL"); v != "" {
		cfg.OpencodeURL = v
	}
	if v := os.Getenv("VOCORCH_BUILDER_URL"); v != "" {
		cfg.BuilderURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		cfg.Discord.Token = v
	}
}

// ModelAPIKey returns the speech model's API key, per ModelAPIKeyEnv.
func (c Config) ModelAPIKey() string {
	return os.Getenv(c.ModelAPIKeyEnv)
}

// Validate checks required fields are present for the selected source.
// GC-SPEC parity: exit code 1 on any startup failure (missing API key, ...).
func (c Config) Validate() error {
	if c.ModelAPIKey() == "" {
		return fmt.Errorf("missing required environment variable %s", c.ModelAPIKeyEnv)
	}
	switch c.Source {
	case SourceLocal:
	case SourceTelegram:
		if c.Telegram.Token == "" {
			return fmt.Errorf("source=telegram requires telegram.token (or TELEGRAM_BOT_TOKEN)")
		}
	case SourceDiscord:
		if c.Discord.Token == "" {
			return fmt.Errorf("source=discord requires discord.token (or DISCORD_BOT_TOKEN)")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	return nil
}
