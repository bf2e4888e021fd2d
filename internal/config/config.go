package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultAPIBase    = "http://localhost:8080"
	defaultDurationMS = 10000
)

// Config stores runtime configuration for the listen client.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	// WSURL overrides the socket URL derived from APIBase.
	WSURL   string `yaml:"ws_url" env:"SONICRES_WS_URL"`
	APIBase string `yaml:"api_base" env:"SONICRES_API_BASE"`
}

type SessionConfig struct {
	DurationMS int `yaml:"duration_ms" env:"SONICRES_RECORDING_DURATION_MS"`
}

type AudioConfig struct {
	FFMPEGCommand string `yaml:"ffmpeg_command" env:"SONICRES_FFMPEG_COMMAND"`
	InputFormat   string `yaml:"input_format" env:"SONICRES_AUDIO_INPUT_FORMAT"`
	InputDevice   string `yaml:"input_device" env:"SONICRES_AUDIO_INPUT_DEVICE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"SONICRES_LOG_LEVEL"`
	Format string `yaml:"format" env:"SONICRES_LOG_FORMAT"`
}

type MetricsConfig struct {
	// Addr enables the /metrics endpoint when set.
	Addr string `yaml:"addr" env:"SONICRES_METRICS_ADDR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{APIBase: defaultAPIBase},
		Session: SessionConfig{DurationMS: defaultDurationMS},
		Audio: AudioConfig{
			FFMPEGCommand: "ffmpeg",
			InputFormat:   "pulse",
			InputDevice:   "default",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load resolves configuration from defaults, the optional YAML file named by
// SONICRES_CONFIG_FILE and environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("SONICRES_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("environment variables are invalid: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() {
	defaults := Default()

	c.Server.WSURL = strings.TrimSpace(c.Server.WSURL)
	c.Server.APIBase = firstNonEmpty(c.Server.APIBase, defaults.Server.APIBase)
	if c.Session.DurationMS <= 0 {
		c.Session.DurationMS = defaults.Session.DurationMS
	}
	c.Audio.FFMPEGCommand = firstNonEmpty(c.Audio.FFMPEGCommand, defaults.Audio.FFMPEGCommand)
	c.Audio.InputFormat = firstNonEmpty(c.Audio.InputFormat, defaults.Audio.InputFormat)
	c.Audio.InputDevice = firstNonEmpty(c.Audio.InputDevice, defaults.Audio.InputDevice)
	c.Log.Level = strings.ToLower(firstNonEmpty(c.Log.Level, defaults.Log.Level))
	c.Log.Format = strings.ToLower(firstNonEmpty(c.Log.Format, defaults.Log.Format))
	c.Metrics.Addr = strings.TrimSpace(c.Metrics.Addr)
}

// Validate checks the resolved configuration.
func (c Config) Validate() error {
	if c.Server.WSURL != "" {
		if err := checkScheme(c.Server.WSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("server.ws_url: %w", err)
		}
	}
	if err := checkScheme(c.Server.APIBase, "http", "https", "ws", "wss"); err != nil {
		return fmt.Errorf("server.api_base: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Duration returns the recording duration.
func (c Config) Duration() time.Duration {
	return time.Duration(c.Session.DurationMS) * time.Millisecond
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(value string) (slog.Level, error) {
	switch value {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", value)
	}
}

func checkScheme(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Host == "" {
		return errors.New("URL must include a host")
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
