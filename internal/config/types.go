package config

import (
	"strconv"
	"strings"
	"time"

	"broadcastbot/internal/storage"
	logx "broadcastbot/pkg/logx"
)

// Config is the whole bot configuration. Every field can come from the
// optional config file; the environment overrides a subset of them.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Audit    AuditConfig    `json:"audit"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// AdminUserID is the only user allowed to run admin commands.
	AdminUserID int64 `json:"admin_user_id"`

	// PollTimeout is a Go duration string (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// UpdateBuffer is the capacity of the adapter's update channel (default 256).
	UpdateBuffer int `json:"update_buffer,omitempty"`
}

type LoggingConfig struct {
	Level    string                `json:"level"`
	Console  bool                  `json:"console"`
	File     LoggingFileConfig     `json:"file"`
	Telegram LoggingTelegramConfig `json:"telegram"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegramConfig forwards WARN+ lines to a log chat.
type LoggingTelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the chat registry backend.
//
// Driver values: "file" (default) or "sqlite".
type StorageConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string used by the sqlite driver.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AuditConfig controls pruning of the audit log.
//
// Defaults:
//   - prune_schedule: "@daily" (robfig/cron spec; "off" disables pruning)
//   - retention: "720h"
type AuditConfig struct {
	PruneSchedule string `json:"prune_schedule,omitempty"`
	Retention     string `json:"retention,omitempty"`
}

const (
	defaultPollTimeout   = 10 * time.Second
	defaultUpdateBuffer  = 256
	defaultPruneSchedule = "@daily"
	defaultRetention     = 720 * time.Hour
)

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Telegram.UpdateBuffer <= 0 {
		c.Telegram.UpdateBuffer = defaultUpdateBuffer
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = storage.DefaultPath
	}
	if strings.TrimSpace(c.Audit.PruneSchedule) == "" {
		c.Audit.PruneSchedule = defaultPruneSchedule
	}
	// A file-less setup must still log somewhere.
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}
}

// PollTimeoutDuration returns the long-poll timeout.
func (c *Config) PollTimeoutDuration() time.Duration {
	d, err := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return defaultPollTimeout
	}
	return d
}

func (c *Config) AuditRetention() time.Duration {
	d, err := ParseDurationOrDefault("audit.retention", c.Audit.Retention, defaultRetention)
	if err != nil {
		return defaultRetention
	}
	return d
}

// PruneEnabled reports whether the audit prune job should be scheduled.
func (c *Config) PruneEnabled() bool {
	s := strings.ToLower(strings.TrimSpace(c.Audit.PruneSchedule))
	return s != "off" && s != "disabled" && s != "none"
}

func (c *Config) StorageConfig() storage.Config {
	bt, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: bt,
	}
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Logging.Telegram.Enabled && c.Logging.Telegram.ChatID != 0,
			ChatID:     c.Logging.Telegram.ChatID,
			MinLevel:   c.Logging.Telegram.MinLevel,
			RatePerSec: c.Logging.Telegram.RatePerSec,
		},
	}
}

// parseInt64 accepts an optional sign and surrounding spaces.
func parseInt64(raw string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}
