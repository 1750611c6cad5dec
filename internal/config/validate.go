package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"postsched/internal/dispatch"
	"postsched/internal/postsched"
)

// Validate rejects configs the service cannot run with: unknown regions in
// default_windows, bad durations, a bad dispatch schedule and unknown
// storage drivers. Malformed
// window strings are not errors (they degrade to "no schedule"); see
// WindowWarnings.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	for _, region := range sortedRegions(cfg.Scheduling.DefaultWindows) {
		if _, err := postsched.Region(region).Location(); err != nil {
			errs = append(errs, fmt.Errorf("scheduling.default_windows: %w", err))
		}
	}

	durations := []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"scheduling.suggest_timeout", cfg.Scheduling.SuggestTimeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if every := strings.TrimSpace(cfg.Dispatch.Every); every != "" {
		if _, err := dispatch.ParseSchedule(every); err != nil {
			errs = append(errs, fmt.Errorf("dispatch.every: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Dispatch.Timezone); tz != "" {
		if _, err := postsched.Region(tz).Location(); err != nil {
			errs = append(errs, fmt.Errorf("dispatch.timezone: %w", err))
		}
	}
	if cfg.Dispatch.BatchSize < 0 || cfg.Dispatch.RatePerSec < 0 {
		errs = append(errs, errors.New("dispatch: batch_size and rate_per_sec must be >= 0"))
	}

	return errors.Join(errs...)
}

// WindowWarnings lists default windows that will never resolve.
func WindowWarnings(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	var out []string
	for _, region := range sortedRegions(cfg.Scheduling.DefaultWindows) {
		for _, w := range cfg.Scheduling.DefaultWindows[region] {
			if _, err := postsched.ParseWindow(w); err != nil {
				out = append(out, fmt.Sprintf("%s: %v", region, err))
			}
		}
	}
	return out
}

// WindowSet converts default_windows into the scheduler's type. It returns
// nil when the section is omitted.
func (c SchedulingConfig) WindowSet() postsched.WindowSet {
	if len(c.DefaultWindows) == 0 {
		return nil
	}
	ws := make(postsched.WindowSet, len(c.DefaultWindows))
	for r, list := range c.DefaultWindows {
		ws[postsched.Region(strings.TrimSpace(r))] = append([]string(nil), list...)
	}
	return ws
}

func sortedRegions(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
