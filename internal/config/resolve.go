package config

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingToken  = errors.New("telegram.token is required")
	ErrInvalidDriver = errors.New("unknown storage driver")
)

const (
	DefaultDays           = 24
	DefaultMonth          = 12
	DefaultLookupTimeout  = 2 * time.Second
	DefaultFlushInterval  = 2 * time.Second
	DefaultBusyTimeout    = time.Second
	DefaultPollTimeout    = 10 * time.Second
	DefaultCooldown       = time.Hour
	DefaultInterSendDelay = 50 * time.Millisecond
	DefaultWorkers        = 4
	DefaultSendTimeout    = 10 * time.Second
	DefaultFlushTimeout   = 15 * time.Second
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultBroadcastText  = "🎄 A new day is waiting for you in the advent calendar!"
)

// Calendar holds resolved calendar settings.
type Calendar struct {
	Days        int
	Month       time.Month
	Location    *time.Location
	ContentFile string
}

// Broadcast holds resolved broadcast settings.
type Broadcast struct {
	Enabled        bool
	Schedule       string
	Cooldown       time.Duration
	InterSendDelay time.Duration
	Workers        int
	SendTimeout    time.Duration
	FlushTimeout   time.Duration
	Text           string
}

// Storage holds resolved cache/write-behind timings. Driver specific fields
// are read straight from StorageConfig by storage.Open.
type Storage struct {
	Driver        string
	LookupTimeout time.Duration
	FlushInterval time.Duration
	BusyTimeout   time.Duration
}

func (c CalendarConfig) Resolve() (Calendar, error) {
	out := Calendar{Days: c.Days, Month: time.Month(c.Month), ContentFile: strings.TrimSpace(c.ContentFile)}
	if out.Days <= 0 {
		out.Days = DefaultDays
	}
	if out.Days > 31 {
		return Calendar{}, &FieldError{Field: "calendar.days", Value: strconv.Itoa(c.Days), Err: errors.New("must be <= 31")}
	}
	if c.Month == 0 {
		out.Month = DefaultMonth
	}
	if out.Month < time.January || out.Month > time.December {
		return Calendar{}, &FieldError{Field: "calendar.month", Value: strconv.Itoa(c.Month), Err: errors.New("must be 1..12")}
	}
	loc, err := LoadLocation(c.Timezone)
	if err != nil {
		return Calendar{}, &FieldError{Field: "calendar.timezone", Value: c.Timezone, Err: err}
	}
	out.Location = loc
	return out, nil
}

func (c BroadcastConfig) Resolve() (Broadcast, error) {
	out := Broadcast{
		Enabled:  c.Enabled,
		Schedule: strings.TrimSpace(c.Schedule),
		Workers:  c.Workers,
		Text:     strings.TrimSpace(c.Text),
	}
	var err error
	if out.Cooldown, err = duration("broadcast.cooldown", c.Cooldown, DefaultCooldown); err != nil {
		return Broadcast{}, err
	}
	if out.InterSendDelay, err = duration("broadcast.inter_send_delay", c.InterSendDelay, DefaultInterSendDelay); err != nil {
		return Broadcast{}, err
	}
	if out.SendTimeout, err = duration("broadcast.send_timeout", c.SendTimeout, DefaultSendTimeout); err != nil {
		return Broadcast{}, err
	}
	if out.FlushTimeout, err = duration("broadcast.flush_timeout", c.FlushTimeout, DefaultFlushTimeout); err != nil {
		return Broadcast{}, err
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.Text == "" {
		out.Text = DefaultBroadcastText
	}
	return out, nil
}

// Resolve tolerates a nil receiver (storage section omitted).
func (c *StorageConfig) Resolve() (Storage, error) {
	if c == nil {
		return Storage{Driver: "memory", LookupTimeout: DefaultLookupTimeout, FlushInterval: DefaultFlushInterval, BusyTimeout: DefaultBusyTimeout}, nil
	}
	out := Storage{Driver: strings.ToLower(strings.TrimSpace(c.Driver))}
	switch out.Driver {
	case "", "none":
		out.Driver = "memory"
	case "memory", "file", "sqlite", "postgres", "dynamodb":
	default:
		return Storage{}, &FieldError{Field: "storage.driver", Value: c.Driver, Err: ErrInvalidDriver}
	}
	var err error
	if out.LookupTimeout, err = duration("storage.lookup_timeout", c.LookupTimeout, DefaultLookupTimeout); err != nil {
		return Storage{}, err
	}
	if out.FlushInterval, err = duration("storage.flush_interval", c.FlushInterval, DefaultFlushInterval); err != nil {
		return Storage{}, err
	}
	if out.BusyTimeout, err = duration("storage.busy_timeout", c.BusyTimeout, DefaultBusyTimeout); err != nil {
		return Storage{}, err
	}
	switch out.Driver {
	case "postgres":
		if strings.TrimSpace(c.DSN) == "" {
			return Storage{}, errors.New("storage.dsn is required for driver postgres")
		}
	case "dynamodb":
		if strings.TrimSpace(c.Table) == "" {
			return Storage{}, errors.New("storage.table is required for driver dynamodb")
		}
	}
	return out, nil
}

// Poll returns the long-poll timeout.
func (c TelegramConfig) Poll() (time.Duration, error) {
	return duration("telegram.poll_timeout", c.PollTimeout, DefaultPollTimeout)
}

// LogChatID parses telegram.log_chat. Empty returns 0.
func (c TelegramConfig) LogChatID() (int64, error) {
	s := strings.TrimSpace(c.LogChat)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &FieldError{Field: "telegram.log_chat", Value: c.LogChat, Err: errors.New("not a numeric chat id")}
	}
	return id, nil
}

// LoadLocation resolves a timezone name. Empty means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

// Validate checks every section the way the app will resolve it at startup
// and on hot reload.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return ErrMissingToken
	}
	if _, err := c.Telegram.Poll(); err != nil {
		return err
	}
	if _, err := c.Telegram.LogChatID(); err != nil {
		return err
	}
	if _, err := c.Calendar.Resolve(); err != nil {
		return err
	}
	if _, err := c.Storage.Resolve(); err != nil {
		return err
	}
	if _, err := c.Broadcast.Resolve(); err != nil {
		return err
	}
	return nil
}
