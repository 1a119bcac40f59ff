package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cdecimport/internal/eventbus"
	logx "cdecimport/pkg/logx"
)

// LogEvent is a log line emitted by a job. The scheduler forwards it to its
// own listeners; LoggerSink writes it to a logx.Logger.
type LogEvent struct {
	Time     time.Time
	Level    logx.Level
	JobID    string
	JobName  string
	TryCount int
	Message  string
	Err      error
}

// Job is one import unit: a named pipeline plus its lifecycle state.
//
// Run is called once per Job. A retry runs a fresh clone from CloneForRetry.
type Job struct {
	id       string
	name     string
	tryCount int
	pipeline Pipeline
	args     *Args

	mu        sync.Mutex
	started   time.Time
	ended     time.Time
	submitted bool

	OnStart eventbus.Handler[*Job]
	OnRetry eventbus.Handler[*Job]
	OnEnd   eventbus.Handler[*Job]
	OnLog   eventbus.Handler[LogEvent]
}

type JobOption func(*Job)

// WithTryCount sets the attempt number of a job. Values below 1 are ignored.
func WithTryCount(n int) JobOption {
	return func(j *Job) {
		if n >= 1 {
			j.tryCount = n
		}
	}
}

func NewJob(name string, p Pipeline, opts ...JobOption) *Job {
	j := &Job{
		id:       uuid.NewString(),
		name:     name,
		tryCount: 1,
		pipeline: p,
		args:     newArgs(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

func (j *Job) ID() string           { return j.id }
func (j *Job) Name() string         { return j.name }
func (j *Job) TryCount() int        { return j.tryCount }
func (j *Job) Status() Status       { return j.args.Status() }
func (j *Job) Err() error           { return j.args.Err() }
func (j *Job) ErrorMessage() string { return j.args.ErrorMessage() }
func (j *Job) String() string       { return fmt.Sprintf("%s#%d", j.name, j.tryCount) }

// Duration is the wall time of the last run, or the time so far while running.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.started.IsZero():
		return 0
	case j.ended.IsZero():
		return time.Since(j.started)
	default:
		return j.ended.Sub(j.started)
	}
}

// CloneForRetry returns a new job with the same name and stages, a new id and
// the try count incremented. Listeners are not copied.
func (j *Job) CloneForRetry() *Job {
	return NewJob(j.name, j.pipeline, WithTryCount(j.tryCount+1))
}

// Run executes the pipeline on the calling goroutine.
//
// OnStart fires before the first stage. OnRetry (when the final status is
// Retry) and OnEnd fire after the last stage, including after a panic. All
// listeners are cleared afterwards.
func (j *Job) Run(ctx context.Context) {
	j.args.reset(StatusImporting)
	j.mu.Lock()
	j.started = time.Now()
	j.ended = time.Time{}
	j.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			j.args.Fail(StatusError, fmt.Errorf("panic: %v", r))
		}
		j.finish()
	}()

	j.OnStart.Fire(j)
	j.log(logx.LevelDebug, "import started", nil)

	for _, st := range j.pipeline.stages() {
		if err := ctx.Err(); err != nil {
			j.args.Fail(StatusCancelled, err)
			break
		}
		if err := st.run(ctx, j.args); err != nil {
			j.args.Fail(statusFor(ctx, err), fmt.Errorf("%s: %w", st.name, err))
		}
		if j.args.Status() != StatusImporting {
			break
		}
	}
	if j.args.Status() == StatusImporting {
		j.args.SetStatus(StatusCompleted)
	}
}

func (j *Job) finish() {
	j.mu.Lock()
	j.ended = time.Now()
	j.mu.Unlock()

	switch st := j.Status(); st {
	case StatusCompleted:
		msg := "import completed"
		if sum := j.args.String(ParamSummary); sum != "" {
			msg += ": " + sum
		}
		j.log(logx.LevelInfo, msg, nil)
	case StatusNotFound:
		j.log(logx.LevelInfo, ErrNotFound.Error(), nil)
	case StatusRetry:
		j.log(logx.LevelInfo, "import will be retried", j.Err())
	case StatusCancelled:
		j.log(logx.LevelInfo, "import cancelled", nil)
	default:
		err := j.Err()
		if err == nil {
			err = errors.New(st.String())
		}
		j.log(logx.LevelWarn, "import failed", err)
	}

	j.args.release()
	if j.Status() == StatusRetry {
		j.OnRetry.Fire(j)
	}
	j.OnEnd.Fire(j)

	j.OnStart.Clear()
	j.OnRetry.Clear()
	j.OnEnd.Clear()
	j.OnLog.Clear()
}

func (j *Job) log(level logx.Level, msg string, err error) {
	j.OnLog.Fire(LogEvent{
		Time:     time.Now(),
		Level:    level,
		JobID:    j.id,
		JobName:  j.name,
		TryCount: j.tryCount,
		Message:  msg,
		Err:      err,
	})
}

// markSubmitted flips the one-shot submission guard.
func (j *Job) markSubmitted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submitted || !j.started.IsZero() {
		return false
	}
	j.submitted = true
	return true
}

// LoggerSink returns a listener that writes job log events to log.
func LoggerSink(log logx.Logger) func(LogEvent) {
	return func(e LogEvent) {
		fields := []logx.Field{
			logx.String("job", e.JobName),
			logx.String("job_id", e.JobID),
			logx.Int("try", e.TryCount),
			logx.Err(e.Err),
		}
		switch {
		case e.Level >= logx.LevelError:
			log.Error(e.Message, fields...)
		case e.Level >= logx.LevelWarn:
			log.Warn(e.Message, fields...)
		case e.Level >= logx.LevelInfo:
			log.Info(e.Message, fields...)
		default:
			log.Debug(e.Message, fields...)
		}
	}
}
