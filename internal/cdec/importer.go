package cdec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cdecimport/internal/importer"
	"cdecimport/internal/storage"
	logx "cdecimport/pkg/logx"
)

// StationsProcess is the job name of a station import.
const StationsProcess = "ImportStations"

var (
	ErrNoSensors = errors.New("no sensors to import")
	ErrNoRange   = errors.New("start and end dates are required")
)

// PeriodOfRecordStart is the default start of a period-of-record import.
var PeriodOfRecordStart = time.Date(1900, time.January, 1, 0, 0, 0, 0, Location)

// Importer turns import requests into scheduler jobs.
//
// Only one batch runs at a time: a request while the scheduler is executing
// fails with importer.ErrBusy. Errors of the jobs in the current batch are
// collected and reported by Err.
type Importer struct {
	sched   *importer.Scheduler
	fetcher importer.Fetcher
	store   storage.Store
	baseURL string
	log     logx.Logger
	now     func() time.Time

	mu   sync.Mutex
	errs []error
}

type ImporterOption func(*Importer)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) ImporterOption {
	return func(i *Importer) {
		if u != "" {
			i.baseURL = u
		}
	}
}

func WithClock(now func() time.Time) ImporterOption {
	return func(i *Importer) {
		if now != nil {
			i.now = now
		}
	}
}

func NewImporter(sched *importer.Scheduler, f importer.Fetcher, store storage.Store, log logx.Logger, opts ...ImporterOption) *Importer {
	i := &Importer{
		sched:   sched,
		fetcher: f,
		store:   store,
		baseURL: DefaultBaseURL,
		log:     log.With(logx.String("comp", "cdec")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	sched.OnStatusChanged.Add(i.collect)
	return i
}

func (i *Importer) collect(c importer.StatusChange) {
	if c.Job.Status != importer.StatusError.String() {
		return
	}
	i.mu.Lock()
	i.errs = append(i.errs, fmt.Errorf("%s: %s", c.Job.Name, c.Job.Error))
	i.mu.Unlock()
}

// Scheduler exposes the underlying job scheduler.
func (i *Importer) Scheduler() *importer.Scheduler { return i.sched }

// ImportTimeSeries queues one job per sensor for [start, end]. A reversed
// range is swapped. Without AutoStart the jobs wait for Start.
func (i *Importer) ImportTimeSeries(ctx context.Context, start, end time.Time, sensors ...SensorInfo) error {
	if len(sensors) == 0 {
		return ErrNoSensors
	}
	if start.IsZero() || end.IsZero() {
		return ErrNoRange
	}
	if end.Before(start) {
		start, end = end, start
	}
	jobs := make([]*importer.Job, 0, len(sensors))
	for idx := range sensors {
		s := sensors[idx]
		if err := s.Validate(); err != nil {
			return err
		}
		name, _ := ProcessName(&s)
		jobs = append(jobs, importer.NewJob(name, i.seriesPipeline(s, start, end)))
	}
	if err := i.begin(ctx); err != nil {
		return err
	}

	i.log.Info("time series import requested",
		logx.Int("sensors", len(sensors)),
		logx.Time("start", start),
		logx.Time("end", end),
	)
	return i.submit(jobs)
}

// ImportPeriodOfRecord imports the full history of one sensor. A zero start
// defaults to PeriodOfRecordStart and a zero end to today.
func (i *Importer) ImportPeriodOfRecord(ctx context.Context, sensor SensorInfo, start, end time.Time) error {
	if start.IsZero() {
		start = PeriodOfRecordStart
	}
	if end.IsZero() {
		y, m, d := i.now().In(Location).Date()
		end = time.Date(y, m, d, 0, 0, 0, 0, Location)
	}
	return i.ImportTimeSeries(ctx, start, end, sensor)
}

// ImportStations queues a refresh of the station list.
func (i *Importer) ImportStations(ctx context.Context) error {
	if err := i.begin(ctx); err != nil {
		return err
	}
	job := importer.NewJob(StationsProcess, importer.Pipeline{
		Request: StationRequest{BaseURL: i.baseURL},
		Fetch:   i.fetcher,
		Parse:   StationParser{},
		Merge:   StationMerger{Store: i.store},
	})
	i.log.Info("station import requested")
	return i.submit([]*importer.Job{job})
}

func (i *Importer) seriesPipeline(s SensorInfo, start, end time.Time) importer.Pipeline {
	return importer.Pipeline{
		Request: SeriesRequest{BaseURL: i.baseURL, Sensor: s, Start: start, End: end},
		Fetch:   i.fetcher,
		Parse:   SeriesParser{Sensor: s},
		Merge:   SeriesMerger{Store: i.store, Sensor: s, Start: start, End: end},
	}
}

// begin rejects a request while a batch runs and resets progress otherwise.
func (i *Importer) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if i.IsBusy() {
		return importer.ErrBusy
	}
	if err := i.sched.Reset(); err != nil {
		return err
	}
	i.mu.Lock()
	i.errs = nil
	i.mu.Unlock()
	return nil
}

func (i *Importer) submit(jobs []*importer.Job) error {
	for _, j := range jobs {
		if err := i.sched.Submit(j); err != nil {
			return fmt.Errorf("submit %s: %w", j.Name(), err)
		}
	}
	return nil
}

// Start admits queued jobs when AutoStart is off.
func (i *Importer) Start() { i.sched.Start() }

// Stop cancels the running batch.
func (i *Importer) Stop() { i.sched.Stop() }

// Wait blocks until the current batch completed.
func (i *Importer) Wait(ctx context.Context) error { return i.sched.Wait(ctx) }

func (i *Importer) IsExecuting() bool { return i.sched.IsExecuting() }

// IsBusy also counts a batch that was submitted but not started yet.
func (i *Importer) IsBusy() bool { return i.sched.IsExecuting() || i.sched.HasPending() }

func (i *Importer) Progress() float64 { return i.sched.Progress() }

func (i *Importer) ProcessingTime() time.Duration { return i.sched.ProcessingTime() }

// Err joins the errors of the failed jobs in the last batch.
func (i *Importer) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return errors.Join(i.errs...)
}
