package config

import (
	"reflect"

	logx "cdecimport/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and
// structured attrs describing their new values for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Importer != newCfg.Importer {
		changed = append(changed, "importer")
		attrs = append(attrs,
			logx.Bool("importer.auto_start", newCfg.Importer.AutoStart),
			logx.Int("importer.max_concurrency", newCfg.Importer.MaxConcurrency),
			logx.Int("importer.max_retries", newCfg.Importer.MaxRetries),
		)
	}

	if oldCfg.Fetch != newCfg.Fetch {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.String("fetch.base_url", newCfg.Fetch.BaseURL),
			logx.String("fetch.timeout", newCfg.Fetch.Timeout),
			logx.Float64("fetch.rate_per_sec", newCfg.Fetch.RatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sensors, newCfg.Sensors) {
		changed = append(changed, "sensors")
		attrs = append(attrs, logx.Int("sensors.count", len(newCfg.Sensors)))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	return changed, attrs
}

// RestartRequired reports whether a change can only take effect on restart.
// Storage and fetch settings are bound at startup.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s == "storage" || s == "fetch" {
			return true
		}
	}
	return false
}
