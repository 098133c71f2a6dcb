package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// TransportType identifies which transport backend should be used.
type TransportType string

const (
	TransportZMQ       TransportType = "zmq"
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "ws"

	VideoPatternSub  = "sub"
	VideoPatternPull = "pull"

	DefaultCommandPort  = "5555"
	DefaultVideoPort    = "5556"
	DefaultOutboxSize   = 64
	DefaultMetricsAddr  = "127.0.0.1:9464"
	DefaultMaxFrameSize = 8 << 20

	// EnvPrefix is prepended to every environment override.
	EnvPrefix = "KIWILINK_"
)

// Duration is a time.Duration stored as a string such as "250ms".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(raw []byte) error {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		*d = 0

		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)

	return nil
}

// ConnectionConfig describes where the robot is and how to reach it.
type ConnectionConfig struct {
	Transport    TransportType `json:"transport" env:"TRANSPORT"`
	Host         string        `json:"host" env:"HOST"`
	CommandPort  string        `json:"command_port" env:"COMMAND_PORT"`
	VideoPort    string        `json:"video_port" env:"VIDEO_PORT"`
	VideoPattern string        `json:"video_pattern" env:"VIDEO_PATTERN"`
	DialTimeout  Duration      `json:"dial_timeout" env:"DIAL_TIMEOUT"`
	MaxFrameSize int           `json:"max_frame_size" env:"MAX_FRAME_SIZE"`
	CommandPath  string        `json:"command_path" env:"WS_COMMAND_PATH"`
	VideoPath    string        `json:"video_path" env:"WS_VIDEO_PATH"`
}

// SessionConfig tunes the command buffer and the video watchdog.
type SessionConfig struct {
	OutboxSize   int      `json:"outbox_size" env:"OUTBOX_SIZE"`
	SendWait     Duration `json:"send_wait" env:"SEND_WAIT"`
	WriteTimeout Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	StallTimeout Duration `json:"stall_timeout" env:"STALL_TIMEOUT"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	LogToFile  bool   `json:"log_to_file" env:"LOG_TO_FILE"`
	MaxSizeMB  int    `json:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `json:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED"`
	Listen  string `json:"listen" env:"METRICS_LISTEN"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Connection ConnectionConfig `json:"connection"`
	Session    SessionConfig    `json:"session"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Transport:    TransportZMQ,
			Host:         "",
			CommandPort:  DefaultCommandPort,
			VideoPort:    DefaultVideoPort,
			VideoPattern: VideoPatternSub,
			DialTimeout:  Duration(6 * time.Second),
			MaxFrameSize: DefaultMaxFrameSize,
			CommandPath:  "/command",
			VideoPath:    "/video",
		},
		Session: SessionConfig{
			OutboxSize:   DefaultOutboxSize,
			SendWait:     0,
			WriteTimeout: Duration(5 * time.Second),
			StallTimeout: Duration(2 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			LogToFile:  false,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  DefaultMetricsAddr,
		},
	}
}

// Load reads path (a missing file yields defaults) and applies environment
// overrides on top.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime or given explicitly by the user.
	raw, err := os.ReadFile(cleanPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("decode config json: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return AppConfig{}, err
	}
	cfg.FillMissingDefaults()

	return cfg, nil
}

// ApplyEnv overrides cfg fields from KIWILINK_* variables that are set.
func ApplyEnv(cfg *AppConfig) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	return nil
}

func (c *AppConfig) FillMissingDefaults() {
	def := Default()
	c.Connection.Transport = TransportType(strings.ToLower(strings.TrimSpace(string(c.Connection.Transport))))
	if c.Connection.Transport == "" {
		c.Connection.Transport = def.Connection.Transport
	}
	c.Connection.Host = strings.TrimSpace(c.Connection.Host)
	if c.Connection.CommandPort == "" {
		c.Connection.CommandPort = def.Connection.CommandPort
	}
	if c.Connection.VideoPort == "" {
		c.Connection.VideoPort = def.Connection.VideoPort
	}
	c.Connection.VideoPattern = normalizeVideoPattern(c.Connection.VideoPattern)
	if c.Connection.DialTimeout <= 0 {
		c.Connection.DialTimeout = def.Connection.DialTimeout
	}
	if c.Connection.MaxFrameSize <= 0 {
		c.Connection.MaxFrameSize = def.Connection.MaxFrameSize
	}
	if c.Connection.CommandPath == "" {
		c.Connection.CommandPath = def.Connection.CommandPath
	}
	if c.Connection.VideoPath == "" {
		c.Connection.VideoPath = def.Connection.VideoPath
	}
	if c.Session.OutboxSize <= 0 {
		c.Session.OutboxSize = def.Session.OutboxSize
	}
	if c.Session.WriteTimeout <= 0 {
		c.Session.WriteTimeout = def.Session.WriteTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = def.Logging.MaxSizeMB
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = def.Metrics.Listen
	}
}

func normalizeVideoPattern(pattern string) string {
	switch strings.ToLower(strings.TrimSpace(pattern)) {
	case VideoPatternPull:
		return VideoPatternPull
	default:
		return VideoPatternSub
	}
}

// Validate checks the settings that do not depend on the robot being known;
// host and ports are checked when a session is initialized.
func (c AppConfig) Validate() error {
	switch c.Connection.Transport {
	case TransportZMQ, TransportTCP:
	case TransportWebSocket:
		if !strings.HasPrefix(c.Connection.CommandPath, "/") || !strings.HasPrefix(c.Connection.VideoPath, "/") {
			return errors.New("websocket paths must start with /")
		}
	default:
		return fmt.Errorf("unknown transport: %s", c.Connection.Transport)
	}
	if strings.TrimSpace(c.Connection.CommandPort) == "" || strings.TrimSpace(c.Connection.VideoPort) == "" {
		return errors.New("command and video ports are required")
	}
	if c.Session.OutboxSize <= 0 {
		return errors.New("session outbox size must be positive")
	}
	if c.Session.SendWait < 0 || c.Session.StallTimeout < 0 {
		return errors.New("session durations must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "":
	default:
		return fmt.Errorf("unsupported log format: %q", c.Logging.Format)
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		return errors.New("metrics listen address is required when metrics are enabled")
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
