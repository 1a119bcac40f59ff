package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdecimport/internal/cdec"
	"cdecimport/internal/config"
	"cdecimport/internal/schedule"
	logx "cdecimport/pkg/logx"
)

// DefaultLookback is the window of a time series schedule without lookback.
const DefaultLookback = 7 * 24 * time.Hour

// zonedSpec pins a cron or daily schedule to tz. Intervals ignore the zone.
func zonedSpec(spec, tz string) (string, error) {
	ps, err := schedule.ParseSchedule(spec)
	if err != nil {
		return "", err
	}
	tz = strings.TrimSpace(tz)
	if tz == "" || ps.Kind == schedule.SpecInterval {
		return ps.CronSpec(), nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", err
	}
	return "CRON_TZ=" + tz + " " + ps.CronSpec(), nil
}

// scheduleJob builds the trigger for one configured schedule.
func (a *App) scheduleJob(sc config.ScheduleConfig, defaults []config.SensorConfig) (schedule.Job, error) {
	switch sc.Kind {
	case config.KindStations:
		return func(ctx context.Context) error {
			if err := a.imp.ImportStations(ctx); err != nil {
				return err
			}
			a.imp.Start()
			return nil
		}, nil
	case config.KindTimeSeries, "":
		list := sc.Sensors
		if len(list) == 0 {
			list = defaults
		}
		sensors, err := sensorInfos(list)
		if err != nil {
			return nil, err
		}
		if len(sensors) == 0 {
			return nil, cdec.ErrNoSensors
		}
		lookback, err := config.ParseDurationOrDefault("lookback", sc.Lookback, DefaultLookback)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			end := a.now()
			if err := a.imp.ImportTimeSeries(ctx, end.Add(-lookback), end, sensors...); err != nil {
				return err
			}
			a.imp.Start()
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", sc.Kind)
	}
}

// applySchedules replaces every registered schedule with the ones in cfg.
// A broken entry is skipped and reported; the others stay registered.
func (a *App) applySchedules(cfg *config.Config) error {
	a.cron.Clear()
	var errs []error
	n := 0
	for _, sc := range cfg.Schedules {
		if sc.Disabled {
			continue
		}
		job, err := a.scheduleJob(sc, cfg.Sensors)
		if err == nil {
			var spec string
			if spec, err = zonedSpec(sc.Spec, sc.Timezone); err == nil {
				err = a.cron.Add(sc.Name, spec, job)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sc.Name, err))
			continue
		}
		n++
	}
	a.log.Debug("schedules applied", logx.Int("active", n), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}
