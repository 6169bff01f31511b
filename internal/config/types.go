package config

type Config struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Calendar CalendarConfig `json:"calendar" yaml:"calendar"`

	// Storage selects the durable store driver. Nil (omitted) means the
	// in-memory driver; everything is lost on restart.
	Storage *StorageConfig `json:"storage,omitempty" yaml:"storage,omitempty"`

	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
}

type TelegramConfig struct {
	Token        string  `json:"token" yaml:"token"`
	AdminUserIDs []int64 `json:"admin_user_ids" yaml:"admin_user_ids"`
	// LogChat is the chat id (numeric string) that receives WARN+ logs when
	// logging.telegram is enabled.
	LogChat string `json:"log_chat" yaml:"log_chat"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout" yaml:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level" yaml:"level"`
	Console  bool            `json:"console" yaml:"console"`
	File     LoggingFile     `json:"file" yaml:"file"`
	Telegram LoggingTelegram `json:"telegram" yaml:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	MinLevel   string `json:"min_level" yaml:"min_level"`
	RatePerSec int    `json:"rate_per_sec" yaml:"rate_per_sec"`
}

// CalendarConfig controls which days exist and when they unlock.
//
// Defaults: days=24, month=12, timezone=Local, content_file="" (built-in table).
type CalendarConfig struct {
	Days        int    `json:"days,omitempty" yaml:"days,omitempty"`
	Month       int    `json:"month,omitempty" yaml:"month,omitempty"`
	Timezone    string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	ContentFile string `json:"content_file,omitempty" yaml:"content_file,omitempty"`
}

// StorageConfig controls the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./adventbot.db" }
//
// Driver specific fields:
//   - file, sqlite: path
//   - postgres: dsn
//   - dynamodb: table, region, endpoint (endpoint is for local emulators)
type StorageConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	DSN         string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Table       string `json:"table,omitempty" yaml:"table,omitempty"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// LookupTimeout bounds a single cache-miss lookup (default 2s).
	LookupTimeout string `json:"lookup_timeout,omitempty" yaml:"lookup_timeout,omitempty"`
	// FlushInterval is the write-behind flush period (default 2s).
	FlushInterval string `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
}

// BroadcastConfig controls the cooldown-gated notification run.
//
// All durations are Go duration strings. Defaults (when omitted/zero):
//   - cooldown: 1h
//   - inter_send_delay: 50ms
//   - workers: 4
//   - send_timeout: 10s
//   - flush_timeout: 15s
type BroadcastConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Schedule is a cron spec (seconds optional). Empty disables the
	// scheduled trigger; HTTP and /broadcast still work.
	Schedule       string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Cooldown       string `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	InterSendDelay string `json:"inter_send_delay,omitempty" yaml:"inter_send_delay,omitempty"`
	Workers        int    `json:"workers,omitempty" yaml:"workers,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty" yaml:"send_timeout,omitempty"`
	FlushTimeout   string `json:"flush_timeout,omitempty" yaml:"flush_timeout,omitempty"`
	Text           string `json:"text,omitempty" yaml:"text,omitempty"`
}

// HTTPConfig controls the trigger/health HTTP surface.
type HTTPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"` // default: "127.0.0.1:8080"
	// TriggerToken guards /broadcast. Empty disables the endpoint (do not log).
	TriggerToken string `json:"trigger_token,omitempty" yaml:"trigger_token,omitempty"`
	// Pprof mounts net/http/pprof under /debug on the same listener.
	Pprof bool `json:"pprof,omitempty" yaml:"pprof,omitempty"`
}
