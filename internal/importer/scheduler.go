package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cdecimport/internal/eventbus"
	logx "cdecimport/pkg/logx"
)

const (
	DefaultMaxConcurrency = 1
	MaxConcurrencyLimit   = 10
	DefaultMaxRetries     = 10
)

// Config controls admission and retry.
type Config struct {
	// AutoStart admits jobs as soon as they are submitted.
	AutoStart bool
	// MaxConcurrency is clamped to [1, MaxConcurrencyLimit].
	MaxConcurrency int
	// MaxRetries caps the try count of a job asking for a retry.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxConcurrency > MaxConcurrencyLimit {
		c.MaxConcurrency = MaxConcurrencyLimit
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Launcher starts a named goroutine. *supervisor.Supervisor satisfies it.
type Launcher interface {
	Go(name string, fn func(ctx context.Context) error)
}

type goLauncher struct{}

func (goLauncher) Go(_ string, fn func(ctx context.Context) error) {
	go func() { _ = fn(context.Background()) }()
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	AutoStart      bool          `json:"auto_start"`
	MaxConcurrency int           `json:"max_concurrency"`
	MaxRetries     int           `json:"max_retries"`
	Executing      bool          `json:"executing"`
	Submitted      int           `json:"submitted"`
	Completed      int           `json:"completed"`
	Errored        int           `json:"errored"`
	Dropped        int           `json:"dropped"`
	Retried        int           `json:"retried"`
	InFlight       int           `json:"in_flight"`
	Pending        int           `json:"pending"`
	Progress       float64       `json:"progress"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at"`
	Elapsed        time.Duration `json:"elapsed"`
}

// JobInfo describes one queued or running job.
type JobInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   string        `json:"status"`
	TryCount int           `json:"try_count"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

func infoOf(j *Job) JobInfo {
	return JobInfo{
		ID:       j.ID(),
		Name:     j.Name(),
		Status:   j.Status().String(),
		TryCount: j.TryCount(),
		Error:    j.ErrorMessage(),
		Elapsed:  j.Duration(),
	}
}

// StatusChange is delivered to OnStatusChanged after every job end.
type StatusChange struct {
	Job      JobInfo  `json:"job"`
	Snapshot Snapshot `json:"snapshot"`
}

type running struct {
	job     *Job
	cancel  context.CancelFunc
	stopped bool
}

// Scheduler admits jobs from a FIFO queue up to a concurrency limit.
//
// All state sits behind mu. Listeners are always called without mu held, so
// they may call back into the scheduler.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	launcher Launcher

	pending  []*Job
	inflight map[string]*running

	submitted int
	completed int
	errored   int
	dropped   int
	retried   int

	runActive bool
	startedAt time.Time
	endedAt   time.Time
	idle      chan struct{}

	OnStatusChanged      eventbus.Handler[StatusChange]
	OnExecutionCompleted eventbus.Handler[Snapshot]
	OnLog                eventbus.Handler[LogEvent]
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithBus publishes job lifecycle events on bus.
func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

// WithLauncher runs jobs through l instead of bare goroutines.
func WithLauncher(l Launcher) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.launcher = l
		}
	}
}

func NewScheduler(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		launcher: goLauncher{},
		inflight: map[string]*running{},
		idle:     closedChan(),
	}
	for _, o := range opts {
		o(s)
	}
	s.OnLog.Add(LoggerSink(s.log))
	return s
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Configure replaces the admission settings. A raised limit takes effect
// immediately for an active run. A lowered limit only gates new admissions;
// jobs already in flight above it run to their end.
func (s *Scheduler) Configure(autoStart bool, maxConcurrency, maxRetries int) {
	s.mu.Lock()
	s.cfg = Config{AutoStart: autoStart, MaxConcurrency: maxConcurrency, MaxRetries: maxRetries}.withDefaults()
	cfg := s.cfg
	if s.runActive {
		s.admitLocked()
	}
	s.mu.Unlock()

	s.log.Info("importer configured",
		logx.Bool("auto_start", cfg.AutoStart),
		logx.Int("max_concurrency", cfg.MaxConcurrency),
		logx.Int("max_retries", cfg.MaxRetries),
	)
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Submit queues job. With AutoStart it is admitted right away when capacity allows.
func (s *Scheduler) Submit(job *Job) error {
	if job == nil {
		return ErrNilJob
	}
	if !job.markSubmitted() {
		return ErrJobStarted
	}
	job.args.SetStatus(StatusPending)

	s.mu.Lock()
	s.pending = append(s.pending, job)
	s.submitted++
	if s.cfg.AutoStart {
		s.admitLocked()
	}
	s.mu.Unlock()
	return nil
}

// Start admits queued jobs. It is a no-op on an empty queue.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.admitLocked()
	s.mu.Unlock()
}

// Stop drops queued jobs and cancels running ones. Cancelled jobs are never
// requeued. ExecutionCompleted fires once unless the scheduler was idle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.runActive && len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	for _, j := range s.pending {
		j.args.Fail(StatusCancelled, context.Canceled)
	}
	s.dropped += len(s.pending)
	s.pending = nil
	for _, r := range s.inflight {
		r.stopped = true
		r.cancel()
	}
	idle := s.endRunLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info("importer stopped", logx.Int("in_flight", snap.InFlight), logx.Int("dropped", snap.Dropped))
	if idle != nil {
		s.fireExecutionCompleted(snap, idle)
	}
}

// Reset clears the counters and timings of the last batch. It fails while
// jobs are queued or running.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runActive || len(s.inflight) > 0 || len(s.pending) > 0 {
		return ErrBusy
	}
	s.submitted, s.completed, s.errored, s.dropped, s.retried = 0, 0, 0, 0, 0
	s.startedAt, s.endedAt = time.Time{}, time.Time{}
	return nil
}

// IsBusy reports whether any job is running.
func (s *Scheduler) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight) > 0
}

// HasPending reports whether submitted jobs wait for admission.
func (s *Scheduler) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// IsExecuting reports whether a batch is in progress.
func (s *Scheduler) IsExecuting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runActive
}

// Progress is completed/submitted, 0 when nothing was submitted.
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

// ProcessingTime is the duration of the current or last batch.
func (s *Scheduler) ProcessingTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked(time.Now())
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Jobs lists running jobs followed by queued jobs in admission order.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.inflight)+len(s.pending))
	for _, r := range s.inflight {
		out = append(out, infoOf(r.job))
	}
	for _, j := range s.pending {
		out = append(out, infoOf(j))
	}
	return out
}

// Wait blocks until the current batch completed or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitLocked launches queued jobs while capacity allows. It never blocks.
func (s *Scheduler) admitLocked() {
	for len(s.inflight) < s.cfg.MaxConcurrency && len(s.pending) > 0 {
		job := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]

		if !s.runActive {
			s.runActive = true
			s.startedAt = time.Now()
			s.endedAt = time.Time{}
			s.idle = make(chan struct{})
		}

		ctx, cancel := context.WithCancel(context.Background())
		s.inflight[job.ID()] = &running{job: job, cancel: cancel}

		job.OnStart.Add(s.onJobStart)
		job.OnRetry.Add(s.onJobRetry)
		job.OnEnd.Add(s.onJobEnd)
		job.OnLog.Add(s.OnLog.Fire)

		s.launcher.Go("import."+job.Name(), func(parent context.Context) error {
			stop := context.AfterFunc(parent, cancel)
			defer stop()
			defer cancel()
			job.Run(ctx)
			return nil
		})
	}
}

func (s *Scheduler) onJobStart(job *Job) {
	s.publish(eventbus.TypeJobStarted, infoOf(job))
}

// onJobRetry requeues a clone at the tail unless the job used up its tries or
// was cancelled by Stop. Those two end as Error and Cancelled and are counted
// by the onJobEnd that follows, which also admits the next job.
func (s *Scheduler) onJobRetry(job *Job) {
	s.mu.Lock()
	r := s.inflight[job.ID()]
	stopped := r != nil && r.stopped
	exhausted := job.TryCount() >= s.cfg.MaxRetries
	switch {
	case stopped:
		job.args.Fail(StatusCancelled, context.Canceled)
	case exhausted:
		job.args.Fail(StatusError, fmt.Errorf("retried out after %d tries: %w", job.TryCount(), job.Err()))
	default:
		clone := job.CloneForRetry()
		clone.markSubmitted()
		clone.args.SetStatus(StatusPending)
		s.pending = append(s.pending, clone)
		s.retried++
	}
	s.mu.Unlock()

	info := infoOf(job)
	if exhausted && !stopped {
		s.log.Warn("import retries exhausted", logx.String("job", info.Name), logx.Int("try", info.TryCount), logx.String("err", info.Error))
	}
	s.publish(eventbus.TypeJobRetry, info)
}

func (s *Scheduler) onJobEnd(job *Job) {
	st := job.Status()

	s.mu.Lock()
	delete(s.inflight, job.ID())
	if st != StatusRetry {
		s.completed++
		if st == StatusError {
			s.errored++
		}
	}
	s.admitLocked()
	var idle chan struct{}
	if len(s.pending) == 0 && len(s.inflight) == 0 {
		idle = s.endRunLocked()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	change := StatusChange{Job: infoOf(job), Snapshot: snap}
	s.OnStatusChanged.Fire(change)
	s.publish(eventbus.TypeJobEnded, change.Job)
	s.publish(eventbus.TypeStatusChanged, change)
	if idle != nil {
		s.fireExecutionCompleted(snap, idle)
	}
}

// endRunLocked closes the active run. A non-nil result is the idle channel the
// caller must pass to fireExecutionCompleted.
func (s *Scheduler) endRunLocked() chan struct{} {
	if !s.runActive {
		return nil
	}
	s.runActive = false
	s.endedAt = time.Now()
	return s.idle
}

// fireExecutionCompleted notifies listeners and then releases Wait, so a
// returning Wait has seen every listener of the run.
func (s *Scheduler) fireExecutionCompleted(snap Snapshot, idle chan struct{}) {
	defer close(idle)
	s.log.Info("import execution completed",
		logx.Int("submitted", snap.Submitted),
		logx.Int("completed", snap.Completed),
		logx.Int("errors", snap.Errored),
		logx.Duration("elapsed", snap.Elapsed),
	)
	s.OnExecutionCompleted.Fire(snap)
	s.publish(eventbus.TypeExecutionCompleted, snap)
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (s *Scheduler) progressLocked() float64 {
	if s.submitted == 0 {
		return 0
	}
	p := float64(s.completed) / float64(s.submitted)
	if p > 1 {
		p = 1
	}
	return p
}

func (s *Scheduler) elapsedLocked(now time.Time) time.Duration {
	switch {
	case s.startedAt.IsZero():
		return 0
	case s.runActive:
		return now.Sub(s.startedAt)
	default:
		return s.endedAt.Sub(s.startedAt)
	}
}

func (s *Scheduler) snapshotLocked() Snapshot {
	return Snapshot{
		AutoStart:      s.cfg.AutoStart,
		MaxConcurrency: s.cfg.MaxConcurrency,
		MaxRetries:     s.cfg.MaxRetries,
		Executing:      s.runActive,
		Submitted:      s.submitted,
		Completed:      s.completed,
		Errored:        s.errored,
		Dropped:        s.dropped,
		Retried:        s.retried,
		InFlight:       len(s.inflight),
		Pending:        len(s.pending),
		Progress:       s.progressLocked(),
		StartedAt:      s.startedAt,
		EndedAt:        s.endedAt,
		Elapsed:        s.elapsedLocked(time.Now()),
	}
}
