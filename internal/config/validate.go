package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoSensors = errors.New("no sensors configured")
	ErrSpec      = errors.New("schedule spec is empty")
)

// Validate checks a parsed config. Watch runs it before committing a reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if n := cfg.Importer.MaxConcurrency; n < 0 || n > 10 {
		errs = append(errs, fmt.Errorf("importer.max_concurrency: %d out of range [0, 10]", n))
	}
	if cfg.Importer.MaxRetries < 0 {
		errs = append(errs, errors.New("importer.max_retries must be >= 0"))
	}

	for _, f := range []struct{ path, raw string }{
		{"fetch.timeout", cfg.Fetch.Timeout},
		{"fetch.retry_base", cfg.Fetch.RetryBase},
		{"fetch.retry_max_delay", cfg.Fetch.RetryMaxDelay},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"status.read_timeout", cfg.Status.ReadTimeout},
		{"status.write_timeout", cfg.Status.WriteTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Fetch.RatePerSec < 0 {
		errs = append(errs, errors.New("fetch.rate_per_sec must be >= 0"))
	}
	if j := cfg.Fetch.RetryJitter; j < 0 || j > 1 {
		errs = append(errs, fmt.Errorf("fetch.retry_jitter: %v out of range [0, 1]", j))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "memory", "mem", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	for i, s := range cfg.Sensors {
		if err := validateSensor(fmt.Sprintf("sensors[%d]", i), s); err != nil {
			errs = append(errs, err)
		}
	}

	names := map[string]bool{}
	for i, sc := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if sc.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is empty", path))
		} else if names[sc.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, sc.Name))
		}
		names[sc.Name] = true

		if strings.TrimSpace(sc.Spec) == "" {
			errs = append(errs, fmt.Errorf("%s: %w", path, ErrSpec))
		}
		if _, err := ParseDurationField(path+".lookback", sc.Lookback); err != nil {
			errs = append(errs, err)
		}
		if sc.Timezone != "" {
			if _, err := time.LoadLocation(sc.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("%s.timezone: %w", path, err))
			}
		}
		switch sc.Kind {
		case KindStations:
		case KindTimeSeries, "":
			if len(sc.Sensors) == 0 && len(cfg.Sensors) == 0 {
				errs = append(errs, fmt.Errorf("%s: %w", path, ErrNoSensors))
			}
			for j, s := range sc.Sensors {
				if err := validateSensor(fmt.Sprintf("%s.sensors[%d]", path, j), s); err != nil {
					errs = append(errs, err)
				}
			}
		default:
			errs = append(errs, fmt.Errorf("%s.kind: unknown kind %q", path, sc.Kind))
		}
	}
	return errors.Join(errs...)
}

func validateSensor(path string, s SensorConfig) error {
	switch {
	case s.SensorID <= 0:
		return fmt.Errorf("%s.sensor_id must be positive", path)
	case s.SensorNo <= 0:
		return fmt.Errorf("%s.sensor_no must be positive", path)
	case strings.TrimSpace(s.StationID) == "":
		return fmt.Errorf("%s.station_id is empty", path)
	case strings.TrimSpace(s.Duration) == "":
		return fmt.Errorf("%s.duration is empty", path)
	}
	return nil
}
