package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cdecimport/internal/cdec"
	"cdecimport/internal/config"
	"cdecimport/internal/eventbus"
	"cdecimport/internal/fetch"
	"cdecimport/internal/importer"
	"cdecimport/internal/observability/status"
	"cdecimport/internal/runtime/supervisor"
	"cdecimport/internal/schedule"
	"cdecimport/internal/storage"
	logx "cdecimport/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  atomic.Pointer[supervisor.Supervisor]

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	fetcher *fetch.HTTPFetcher
	sched   *importer.Scheduler
	imp     *cdec.Importer
	cron    *schedule.Service
	status  *status.Service

	now  func() time.Time
	done chan struct{}
}

type Option func(*App)

// WithClock replaces time.Now for schedule windows.
func WithClock(now func() time.Time) Option {
	return func(a *App) {
		if now != nil {
			a.now = now
		}
	}
}

// launcher runs import jobs on the app supervisor once it exists.
type launcher struct{ a *App }

func (l launcher) Go(name string, fn func(ctx context.Context) error) {
	if sup := l.a.sup.Load(); sup != nil {
		sup.Go(name, fn)
		return
	}
	go func() { _ = fn(context.Background()) }()
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	fc, err := mapFetchConfig(cfg)
	if err != nil {
		return nil, err
	}
	stc, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		fetcher: fetch.New(fc, log),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	a.sched = importer.NewScheduler(mapImporterConfig(cfg),
		importer.WithLogger(log.With(logx.String("comp", "importer"))),
		importer.WithBus(a.bus),
		importer.WithLauncher(launcher{a: a}),
	)
	a.imp = cdec.NewImporter(a.sched, a.fetcher, store, log,
		cdec.WithBaseURL(cfg.Fetch.BaseURL),
		cdec.WithClock(a.now),
	)
	a.cron = schedule.New(log, schedule.WithBusy(a.imp.IsBusy))
	a.status = status.New(stc, a.Status, log)
	if err := a.applySchedules(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// StatusDoc is served at /status.
type StatusDoc struct {
	Importer       importer.Snapshot      `json:"importer"`
	Progress       float64                `json:"progress"`
	ProcessingTime string                 `json:"processing_time"`
	Errors         string                 `json:"errors,omitempty"`
	Jobs           []importer.JobInfo     `json:"jobs"`
	Schedules      []schedule.EntryInfo   `json:"schedules"`
	Goroutines     []supervisor.NameStats `json:"goroutines,omitempty"`
}

func (a *App) Status() any {
	doc := StatusDoc{
		Importer:       a.sched.Snapshot(),
		Progress:       a.imp.Progress(),
		ProcessingTime: a.imp.ProcessingTime().Round(time.Millisecond).String(),
		Jobs:           a.sched.Jobs(),
		Schedules:      a.cron.Entries(),
	}
	if err := a.imp.Err(); err != nil {
		doc.Errors = err.Error()
	}
	if sup := a.sup.Load(); sup != nil {
		doc.Goroutines = sup.Stats()
	}
	return doc
}

func (a *App) Importer() *cdec.Importer { return a.imp }

func (a *App) Schedules() *schedule.Service { return a.cron }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the supervisor context ends, either through Stop or
// after a fatal error.
func (a *App) Done() <-chan struct{} { return a.done }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	sup := a.sup.Load()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	if !a.sup.CompareAndSwap(nil, sup) {
		return errors.New("app already started")
	}
	go func() {
		<-sup.Context().Done()
		close(a.done)
	}()

	a.cron.Start(sup.Context())
	a.status.Start(sup.Context())

	// Debug view of import lifecycle events.
	events, unsub := a.bus.Subscribe(128)
	sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Keep only the latest config of a burst.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))

	sdNotify(a.log, "READY=1")
	a.log.Info("app started", logx.Int("schedules", len(a.cron.Entries())))
	return nil
}

// applyConfig hot-applies importer limits, logging and schedules. Storage
// and fetch changes need a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if config.RestartRequired(sections) {
		a.log.Warn("storage or fetch config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	ic := mapImporterConfig(newCfg)
	a.sched.Configure(ic.AutoStart, ic.MaxConcurrency, ic.MaxRetries)

	if err := a.applySchedules(newCfg); err != nil {
		a.log.Warn("some schedules were not applied", logx.Err(err))
	}

	if stc, err := mapStatusConfig(newCfg); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else if sup := a.sup.Load(); sup != nil {
		a.status.Reconfigure(sup.Context(), stc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: sections})
	a.log.Info("config reloaded", fields...)
}

// OneShot is a single import batch requested from the command line.
type OneShot struct {
	Stations bool
	From, To time.Time
	// StationIDs narrows the configured sensors. Empty means all.
	StationIDs []string
}

// RunOnce runs req to completion and returns the errors of its jobs.
// Station import goes first when both are requested.
func (a *App) RunOnce(ctx context.Context, req OneShot) error {
	if req.Stations {
		if err := a.runBatch(ctx, func() error { return a.imp.ImportStations(ctx) }); err != nil {
			return err
		}
	}
	if req.From.IsZero() && req.To.IsZero() {
		return nil
	}

	sensors, err := a.pickSensors(req.StationIDs)
	if err != nil {
		return err
	}
	from, to := req.From, req.To
	if to.IsZero() {
		to = a.now()
	}
	if from.IsZero() {
		from = to.Add(-DefaultLookback)
	}
	return a.runBatch(ctx, func() error { return a.imp.ImportTimeSeries(ctx, from, to, sensors...) })
}

func (a *App) runBatch(ctx context.Context, submit func() error) error {
	if err := submit(); err != nil {
		return err
	}
	a.imp.Start()
	if err := a.imp.Wait(ctx); err != nil {
		a.imp.Stop()
		return err
	}
	a.log.Info("batch finished",
		logx.Float64("progress", a.imp.Progress()),
		logx.Duration("took", a.imp.ProcessingTime()),
	)
	return a.imp.Err()
}

func (a *App) pickSensors(stationIDs []string) ([]cdec.SensorInfo, error) {
	all, err := sensorInfos(a.cfgm.Get().Sensors)
	if err != nil {
		return nil, err
	}
	if len(stationIDs) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(stationIDs))
	for _, id := range stationIDs {
		want[strings.ToUpper(strings.TrimSpace(id))] = true
	}
	out := all[:0]
	for _, s := range all {
		if want[strings.ToUpper(s.StationID)] {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for stations %s", cdec.ErrNoSensors, strings.Join(stationIDs, ","))
	}
	return out, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	sup := a.sup.Load()
	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, "STOPPING=1")

	sup.Cancel()

	// Each step gets an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("schedule", 2*time.Second, func(c context.Context) error { a.cron.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("importer", 5*time.Second, func(c context.Context) error {
		a.imp.Stop()
		return a.imp.Wait(c)
	})
	step("supervisor", 5*time.Second, func(c context.Context) error { return sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
