package config

import (
	"strings"

	logx "broadcastbot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging (never the token) and the changed sections that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	// Telegram (never log token)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		restart = append(restart, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Bool("telegram.admin_changed", oldCfg.Telegram.AdminUserID != newCfg.Telegram.AdminUserID),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Audit != newCfg.Audit {
		changed = append(changed, "audit")
		restart = append(restart, "audit")
		attrs = append(attrs,
			logx.String("audit.prune_schedule", newCfg.Audit.PruneSchedule),
			logx.String("audit.retention", newCfg.Audit.Retention),
		)
	}

	if len(changed) > 0 {
		attrs = append(attrs, logx.String("changed", strings.Join(changed, ",")))
	}
	return changed, attrs, restart
}
