package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file values when set. Secrets are
// expected to live here rather than in the committed config file.
const (
	EnvBotToken     = "BOT_TOKEN"
	EnvTriggerToken = "TRIGGER_TOKEN"
	EnvDatabaseURL  = "DATABASE_URL"
	EnvAdminUserIDs = "ADMIN_USER_IDS"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are not overwritten. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if v, ok := lookupEnv(EnvBotToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := lookupEnv(EnvTriggerToken); ok {
		cfg.HTTP.TriggerToken = v
	}
	if v, ok := lookupEnv(EnvDatabaseURL); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		cfg.Storage.DSN = v
	}
	if v, ok := lookupEnv(EnvAdminUserIDs); ok {
		ids, err := parseIDList(v)
		if err != nil {
			return err
		}
		cfg.Telegram.AdminUserIDs = ids
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func parseIDList(raw string) ([]int64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, errors.New(EnvAdminUserIDs + ": invalid id " + strconv.Quote(f))
		}
		out = append(out, id)
	}
	return out, nil
}
