package config

import (
	"reflect"
	"sort"
	"strings"

	logx "adventbot/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// RestartRequired is set when a section that is only read at startup
	// (storage, telegram, calendar) changed.
	RestartRequired bool
}

// SummarizeConfigChange compares two configs. Attrs never include secrets.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.RestartRequired = true
	}
	if !reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.LogChat) != strings.TrimSpace(newCfg.Telegram.LogChat) {
		ch.Sections = append(ch.Sections, "telegram.admins")
		ch.Attrs = append(ch.Attrs,
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(newCfg.Telegram.LogChat) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Calendar != newCfg.Calendar {
		ch.Sections = append(ch.Sections, "calendar")
		ch.RestartRequired = true
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ch.Sections = append(ch.Sections, "storage")
		ch.RestartRequired = true
		var driver string
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		ch.Attrs = append(ch.Attrs, logx.String("storage.driver", driver))
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		ch.Sections = append(ch.Sections, "broadcast")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("broadcast.enabled", newCfg.Broadcast.Enabled),
			logx.String("broadcast.schedule", newCfg.Broadcast.Schedule),
			logx.String("broadcast.cooldown", newCfg.Broadcast.Cooldown),
			logx.Int("broadcast.workers", newCfg.Broadcast.Workers),
		)
	}

	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled || oldCfg.HTTP.Addr != newCfg.HTTP.Addr || oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof {
		ch.Sections = append(ch.Sections, "http")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if oldCfg.HTTP.TriggerToken != newCfg.HTTP.TriggerToken {
		ch.Sections = append(ch.Sections, "http.trigger_token")
		ch.Attrs = append(ch.Attrs, logx.Bool("http.trigger_token_set", newCfg.HTTP.TriggerToken != ""))
	}

	sort.Strings(ch.Sections)
	return ch
}
