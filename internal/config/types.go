package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
	Scheduling SchedulingConfig `json:"scheduling"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
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

// HTTPConfig controls the API server.
//
// Durations are Go duration strings. WriteTimeout defaults to 0 (disabled).
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug. Read once at startup.
	Pprof bool `json:"pprof,omitempty"`
}

// SchedulingConfig controls where best-time windows come from.
//
// DefaultWindows is the fallback window set, keyed by IANA zone, each list in
// preference order. When omitted the built-in default is used.
//
// Example (YAML):
//
//	scheduling:
//	  default_windows:
//	    Asia/Shanghai: ["Tue 12:00-14:00", "Thu 19:00-21:00"]
//	    America/Vancouver: ["Tue 08:00-10:00", "Wed 12:00-14:00"]
//	  suggest_url: "http://127.0.0.1:9000/windows"
//	  suggest_timeout: "3s"
type SchedulingConfig struct {
	DefaultWindows map[string][]string `json:"default_windows,omitempty"`
	SuggestURL     string              `json:"suggest_url,omitempty"`
	SuggestTimeout string              `json:"suggest_timeout,omitempty"`
}

// DispatchConfig controls the due-post sweep.
//
// Every accepts the same forms as the sweep parser: cron ("*/1 * * * *"),
// "@every 30s", a Go duration ("1m") or HH:MM ("00:05").
//
// Defaults (when fields are omitted/zero):
//   - every: "1m"
//   - batch_size: 50
//   - rate_per_sec: 5
type DispatchConfig struct {
	Enabled    bool   `json:"enabled"`
	Every      string `json:"every,omitempty"`
	Timezone   string `json:"timezone,omitempty"` // IANA TZ for cron specs
	BatchSize  int    `json:"batch_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the post queue persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
