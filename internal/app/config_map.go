package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdecimport/internal/cdec"
	"cdecimport/internal/config"
	"cdecimport/internal/fetch"
	"cdecimport/internal/importer"
	"cdecimport/internal/observability/status"
	"cdecimport/internal/storage"
	logx "cdecimport/pkg/logx"
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

func mapImporterConfig(cfg *config.Config) importer.Config {
	return importer.Config{
		AutoStart:      cfg.Importer.AutoStart,
		MaxConcurrency: cfg.Importer.MaxConcurrency,
		MaxRetries:     cfg.Importer.MaxRetries,
	}
}

// mapStorageConfig falls back to the in-memory store when no driver is set.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	fc := cfg.Fetch
	timeout, err := config.ParseDurationOrDefault("fetch.timeout", fc.Timeout, fetch.DefaultTimeout)
	if err != nil {
		return fetch.Config{}, err
	}
	base, err := config.ParseDurationOrDefault("fetch.retry_base", fc.RetryBase, 0)
	if err != nil {
		return fetch.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("fetch.retry_max_delay", fc.RetryMaxDelay, 0)
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		Attempts: fc.Attempts,
		Timeout:  timeout,
		Backoff: fetch.Backoff{
			Base:     base,
			MaxDelay: maxDelay,
			Jitter:   fc.RetryJitter,
		},
		RatePerSec:         fc.RatePerSec,
		Burst:              fc.Burst,
		InsecureSkipVerify: fc.InsecureSkipVerify,
		UserAgent:          fc.UserAgent,
	}, nil
}

func sensorInfo(sc config.SensorConfig) (cdec.SensorInfo, error) {
	d, err := cdec.ParseDuration(sc.Duration)
	if err != nil {
		return cdec.SensorInfo{}, err
	}
	s := cdec.SensorInfo{
		SensorID:  sc.SensorID,
		SensorNo:  sc.SensorNo,
		Acronym:   sc.Acronym,
		Duration:  d,
		StationID: strings.TrimSpace(sc.StationID),
		BasinNum:  sc.BasinNum,
	}
	return s, s.Validate()
}

func sensorInfos(list []config.SensorConfig) ([]cdec.SensorInfo, error) {
	out := make([]cdec.SensorInfo, 0, len(list))
	for _, sc := range list {
		s, err := sensorInfo(sc)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// validateConfig extends config.Validate with the checks that need the
// runtime packages. It gates hot reloads.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	for i, sc := range cfg.Schedules {
		if _, err := zonedSpec(sc.Spec, sc.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d].spec: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	read, err := config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 60*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	return status.Config{
		Enabled:       sc.Enabled,
		Addr:          sc.Addr,
		Token:         sc.Token,
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}
