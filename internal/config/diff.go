package config

import (
	"reflect"
	"strings"

	logx "postsched/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for the reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduling, newCfg.Scheduling) {
		changed = append(changed, "scheduling")
		n := 0
		for _, list := range newCfg.Scheduling.DefaultWindows {
			n += len(list)
		}
		attrs = append(attrs,
			logx.Int("scheduling.regions", len(newCfg.Scheduling.DefaultWindows)),
			logx.Int("scheduling.windows", n),
			// The URL may carry a token in its query; only report presence.
			logx.Bool("scheduling.suggest_url_set", strings.TrimSpace(newCfg.Scheduling.SuggestURL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.String("dispatch.every", strings.TrimSpace(newCfg.Dispatch.Every)),
			logx.String("dispatch.timezone", strings.TrimSpace(newCfg.Dispatch.Timezone)),
			logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	return changed, attrs
}
