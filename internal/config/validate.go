package config

import (
	"errors"
	"fmt"
	"strings"

	"broadcastbot/internal/audit"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram token is required (set %s)", EnvToken))
	}
	if cfg.Telegram.AdminUserID == 0 {
		errs = append(errs, fmt.Errorf("admin user id is required (set %s)", EnvAdminUserID))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("audit.retention", cfg.Audit.Retention); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.PruneEnabled() {
		if err := audit.ParseSchedule(cfg.Audit.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("audit.prune_schedule: %w", err))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}
	return errors.Join(errs...)
}
