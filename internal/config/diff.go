package config

import (
	"sort"
	"strings"

	logx "flowpulse/pkg/logx"
)

// Summarize returns the changed top-level sections and safe log fields for
// them. Secrets (dispatcher token, storage DSN) are only reported as set/unset.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled))
	}

	od, nd := oldCfg.Dispatcher, newCfg.Dispatcher
	if strings.TrimSpace(od.Endpoint) != strings.TrimSpace(nd.Endpoint) ||
		strings.TrimSpace(od.Timeout) != strings.TrimSpace(nd.Timeout) ||
		strings.TrimSpace(od.Cooldown) != strings.TrimSpace(nd.Cooldown) ||
		od.HistorySize != nd.HistorySize ||
		od.Token != nd.Token {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.endpoint", strings.TrimSpace(nd.Endpoint)),
			logx.String("dispatcher.timeout", strings.TrimSpace(nd.Timeout)),
			logx.String("dispatcher.cooldown", strings.TrimSpace(nd.Cooldown)),
			logx.Bool("dispatcher.token_set", strings.TrimSpace(nd.Token) != ""),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.String("status.url", strings.TrimSpace(newCfg.Status.URL)),
			logx.Int("status.max_attempts", newCfg.Status.MaxAttempts),
		)
	}

	oSt, nSt := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oSt != nSt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nSt.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nSt.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nSt.DSN) != ""),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
