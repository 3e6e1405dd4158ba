package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "30s", "2m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Status     StatusConfig     `json:"status"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	API        APIConfig        `json:"api"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the recurring schedule registry.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
}

// DispatcherConfig controls the execution trigger client.
//
// Token is the session bearer token used for automatic sign-in at startup.
// It is never logged.
type DispatcherConfig struct {
	Endpoint    string `json:"endpoint"`
	Timeout     string `json:"timeout,omitempty"`  // default "30s"
	Cooldown    string `json:"cooldown,omitempty"` // default "2s"
	HistorySize int    `json:"history_size,omitempty"`
	Token       string `json:"token,omitempty"`
}

// StatusConfig controls execution status channels.
type StatusConfig struct {
	URL         string `json:"url"`
	BaseDelay   string `json:"base_delay,omitempty"` // default "1s"
	MaxDelay    string `json:"max_delay,omitempty"`  // default "30s"
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Heartbeat   string `json:"heartbeat,omitempty"` // default "30s"
}

// StorageConfig selects the workflow store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/flowpulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// APIConfig controls the local control API.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // optional bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`
}
