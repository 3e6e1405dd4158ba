package app

import (
	"fmt"
	"strings"
	"time"

	"flowpulse/internal/api"
	"flowpulse/internal/config"
	"flowpulse/internal/dispatch"
	"flowpulse/internal/status"
	"flowpulse/internal/storage"
	logx "flowpulse/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatcher
	timeout, err := config.ParseDurationOrDefault("dispatcher.timeout", dc.Timeout, dispatch.DefaultTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("dispatcher.cooldown", dc.Cooldown, dispatch.DefaultCooldown)
	if err != nil {
		return dispatch.Config{}, err
	}
	if dc.HistorySize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatcher.history_size must be >= 0")
	}
	return dispatch.Config{
		Endpoint:    strings.TrimSpace(dc.Endpoint),
		Timeout:     timeout,
		Cooldown:    cooldown,
		HistorySize: dc.HistorySize,
	}, nil
}

// StatusConfig maps the status section onto a channel config.
func StatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	base, err := config.ParseDurationOrDefault("status.base_delay", sc.BaseDelay, status.DefaultBaseDelay)
	if err != nil {
		return status.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("status.max_delay", sc.MaxDelay, status.DefaultMaxDelay)
	if err != nil {
		return status.Config{}, err
	}
	hb, err := config.ParseDurationOrDefault("status.heartbeat", sc.Heartbeat, status.DefaultHeartbeat)
	if err != nil {
		return status.Config{}, err
	}
	if sc.MaxAttempts < 0 {
		return status.Config{}, fmt.Errorf("status.max_attempts must be >= 0")
	}
	return status.Config{
		URL:         strings.TrimSpace(sc.URL),
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		MaxAttempts: sc.MaxAttempts,
		Heartbeat:   hb,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAPIConfig(cfg *config.Config) api.Config {
	ac := cfg.API
	return api.Config{
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
}

// validate rejects configs that would fail to apply.
func validate(cfg *config.Config) error {
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := StatusConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Dispatcher.Endpoint) == "" {
		return fmt.Errorf("dispatcher.endpoint is required when scheduler.enabled is true")
	}
	return nil
}
