package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultServerURL      = "http://localhost:8080"
	DefaultMaxAttempts    = 5
	DefaultBaseDelayMs    = 1000
	DefaultWriteTimeoutMs = 5000
	DefaultDigestSchedule = "0 0 9 * * *"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Notify    NotifyConfig    `json:"notify"`
}

type ServerConfig struct {
	BaseURL string `json:"baseUrl"`
	// WSURL overrides the duplex endpoint derived from BaseURL.
	WSURL string `json:"wsUrl,omitempty"`
}

type AuthConfig struct {
	Token string `json:"token,omitempty"`
	Email string `json:"email,omitempty"`
}

type ReconnectConfig struct {
	MaxAttempts    int `json:"maxAttempts"`
	BaseDelayMs    int `json:"baseDelayMs"`
	WriteTimeoutMs int `json:"writeTimeoutMs"`
}

func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

func (r ReconnectConfig) WriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMs) * time.Millisecond
}

// ScheduleConfig holds cron expressions (seconds field first, or
// descriptors such as "@every 5m"). Empty disables the job.
type ScheduleConfig struct {
	Resync string `json:"resync,omitempty"`
	Digest string `json:"digest,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
	Proxy   string `json:"proxy,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{BaseURL: DefaultServerURL},
		Reconnect: ReconnectConfig{
			MaxAttempts:    DefaultMaxAttempts,
			BaseDelayMs:    DefaultBaseDelayMs,
			WriteTimeoutMs: DefaultWriteTimeoutMs,
		},
		Schedule: ScheduleConfig{Digest: DefaultDigestSchedule},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".tasksync")
}

func ConfigPath() string {
	if p := os.Getenv("TASKSYNC_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if url := os.Getenv("TASKSYNC_SERVER_URL"); url != "" {
		cfg.Server.BaseURL = url
	}
	if url := os.Getenv("TASKSYNC_WS_URL"); url != "" {
		cfg.Server.WSURL = url
	}
	if token := os.Getenv("TASKSYNC_TOKEN"); token != "" {
		cfg.Auth.Token = token
	}
	if v := os.Getenv("TASKSYNC_MAX_ATTEMPTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Reconnect.MaxAttempts = parsed
		}
	}
	if v := os.Getenv("TASKSYNC_BASE_DELAY_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Reconnect.BaseDelayMs = parsed
		}
	}
	if v, ok := os.LookupEnv("TASKSYNC_RESYNC_SCHEDULE"); ok {
		cfg.Schedule.Resync = v
	}
	if v, ok := os.LookupEnv("TASKSYNC_DIGEST_SCHEDULE"); ok {
		cfg.Schedule.Digest = v
	}
	if token := os.Getenv("TASKSYNC_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
		cfg.Notify.Telegram.Enabled = true
	}
	if chatID := os.Getenv("TASKSYNC_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = parsed
		}
	}

	if strings.TrimSpace(cfg.Server.BaseURL) == "" {
		cfg.Server.BaseURL = DefaultServerURL
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Reconnect.BaseDelayMs <= 0 {
		cfg.Reconnect.BaseDelayMs = DefaultBaseDelayMs
	}
	if cfg.Reconnect.WriteTimeoutMs <= 0 {
		cfg.Reconnect.WriteTimeoutMs = DefaultWriteTimeoutMs
	}

	return cfg, nil
}

// ChannelURL is the base the duplex endpoint is derived from.
func (c *Config) ChannelURL() string {
	if c.Server.WSURL != "" {
		return c.Server.WSURL
	}
	return c.Server.BaseURL
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file holds a bearer token.
	return os.WriteFile(path, data, 0600)
}
