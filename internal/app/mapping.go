package app

import (
	"fmt"
	"strings"
	"time"

	"postsched/internal/config"
	"postsched/internal/dispatch"
	"postsched/internal/httpapi"
	"postsched/internal/metrics"
	"postsched/internal/storage"
	"postsched/internal/suggest"
	logx "postsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./data/postsched.db"
		}
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
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	d := cfg.Dispatch
	return dispatch.Config{
		Enabled:    d.Enabled,
		Every:      d.Every,
		Timezone:   d.Timezone,
		BatchSize:  d.BatchSize,
		RatePerSec: d.RatePerSec,
	}
}

func mapServerConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	return httpapi.ServerConfig{
		Enabled:      h.Enabled,
		Addr:         strings.TrimSpace(h.Addr),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

// buildSource returns the configured windows, fronted by the suggestion
// service when one is configured.
func buildSource(cfg *config.Config, log logx.Logger, m *metrics.Metrics) (suggest.Source, error) {
	static := suggest.NewStatic(cfg.Scheduling.WindowSet())
	url := strings.TrimSpace(cfg.Scheduling.SuggestURL)
	if url == "" {
		return static, nil
	}
	timeout, err := config.ParseDurationOrDefault("scheduling.suggest_timeout", cfg.Scheduling.SuggestTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return suggest.NewFallback(suggest.NewHTTP(url, timeout), static, log, m.SuggestionFallback), nil
}
