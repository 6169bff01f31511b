package app

import (
	"strings"

	"adventbot/internal/config"
	"adventbot/internal/storage"
)

// mapStorageConfig resolves the storage section into the driver config. An
// omitted section maps to the in-memory driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, config.Storage, error) {
	res, err := cfg.Storage.Resolve()
	if err != nil {
		return storage.Config{}, config.Storage{}, err
	}
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: res.Driver}, res, nil
	}
	return storage.Config{
		Driver:      res.Driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		Table:       strings.TrimSpace(sc.Table),
		Region:      strings.TrimSpace(sc.Region),
		Endpoint:    strings.TrimSpace(sc.Endpoint),
		BusyTimeout: res.BusyTimeout,
	}, res, nil
}
