package importer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stageRecorder struct {
	calls []string
}

func (r *stageRecorder) stage(name string, err error) StageFunc {
	return func(ctx context.Context, args *Args) error {
		r.calls = append(r.calls, name)
		return err
	}
}

func TestJobRunCompletesAllStages(t *testing.T) {
	t.Parallel()
	rec := &stageRecorder{}
	job := NewJob("ok", Pipeline{
		Request: StageFunc(func(ctx context.Context, args *Args) error {
			rec.calls = append(rec.calls, "request")
			args.Set(ParamURL, "http://example.invalid/data")
			return nil
		}),
		Fetch: StageFunc(func(ctx context.Context, args *Args) error {
			rec.calls = append(rec.calls, "fetch")
			if args.String(ParamURL) == "" {
				t.Errorf("fetch did not see the URL set by request")
			}
			args.Set(ParamPayload, []byte("[1]"))
			return nil
		}),
		Parse: rec.stage("parse", nil),
		Merge: rec.stage("merge", nil),
	})

	var events []string
	job.OnStart.Add(func(j *Job) { events = append(events, "start:"+j.Status().String()) })
	job.OnRetry.Add(func(*Job) { events = append(events, "retry") })
	job.OnEnd.Add(func(j *Job) { events = append(events, "end:"+j.Status().String()) })

	job.Run(context.Background())

	if got := strings.Join(rec.calls, ","); got != "request,fetch,parse,merge" {
		t.Fatalf("stages = %s", got)
	}
	if got := strings.Join(events, ","); got != "start:Importing,end:Completed" {
		t.Fatalf("events = %s", got)
	}
	if job.Status() != StatusCompleted || job.Err() != nil {
		t.Fatalf("status = %v err = %v", job.Status(), job.Err())
	}
	if job.OnStart.Len()+job.OnEnd.Len()+job.OnRetry.Len()+job.OnLog.Len() != 0 {
		t.Fatal("listeners were not cleared after Run")
	}
	if _, ok := job.args.Get(ParamPayload); ok {
		t.Fatal("payload should be released after Run")
	}
}

func TestJobShortCircuits(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name   string
		fail   string
		err    error
		status Status
		calls  string
	}{
		{name: "request error", fail: "request", err: boom, status: StatusError, calls: "request"},
		{name: "fetch retry", fail: "fetch", err: RetryLater(boom, 0), status: StatusRetry, calls: "request,fetch"},
		{name: "fetch fatal", fail: "fetch", err: NoRetry(boom), status: StatusError, calls: "request,fetch"},
		{name: "parse not found", fail: "parse", err: ErrNotFound, status: StatusNotFound, calls: "request,fetch,parse"},
		{name: "merge error", fail: "merge", err: boom, status: StatusError, calls: "request,fetch,parse,merge"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &stageRecorder{}
			pick := func(name string) StageFunc {
				if name == tt.fail {
					return rec.stage(name, tt.err)
				}
				return rec.stage(name, nil)
			}
			job := NewJob(tt.name, Pipeline{
				Request: pick("request"),
				Fetch:   pick("fetch"),
				Parse:   pick("parse"),
				Merge:   pick("merge"),
			})
			job.Run(context.Background())

			if job.Status() != tt.status {
				t.Fatalf("status = %v, want %v", job.Status(), tt.status)
			}
			if got := strings.Join(rec.calls, ","); got != tt.calls {
				t.Fatalf("stages = %s, want %s", got, tt.calls)
			}
			if !errors.Is(job.Err(), tt.err) {
				t.Fatalf("err = %v, want wrapping %v", job.Err(), tt.err)
			}
			if !strings.HasPrefix(job.ErrorMessage(), tt.fail+":") {
				t.Fatalf("error message %q should name stage %s", job.ErrorMessage(), tt.fail)
			}
		})
	}
}

func TestJobStageMaySetStatus(t *testing.T) {
	t.Parallel()
	merged := false
	job := NewJob("empty", Pipeline{
		Parse: StageFunc(func(ctx context.Context, args *Args) error {
			args.SetStatus(StatusNotFound)
			return nil
		}),
		Merge: StageFunc(func(ctx context.Context, args *Args) error {
			merged = true
			return nil
		}),
	})
	job.Run(context.Background())
	if job.Status() != StatusNotFound {
		t.Fatalf("status = %v", job.Status())
	}
	if merged {
		t.Fatal("merge must not run after NotFound")
	}
}

func TestJobPanicBecomesError(t *testing.T) {
	t.Parallel()
	ended := false
	job := NewJob("panics", Pipeline{
		Parse: StageFunc(func(ctx context.Context, args *Args) error {
			panic("bad payload")
		}),
	})
	job.OnEnd.Add(func(*Job) { ended = true })

	job.Run(context.Background())

	if job.Status() != StatusError {
		t.Fatalf("status = %v", job.Status())
	}
	if !strings.Contains(job.ErrorMessage(), "bad payload") {
		t.Fatalf("error message = %q", job.ErrorMessage())
	}
	if !ended {
		t.Fatal("end event must fire after a panic")
	}
}

func TestJobCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	fetched := false
	job := NewJob("cancel", Pipeline{
		Request: StageFunc(func(ctx context.Context, args *Args) error {
			cancel()
			return nil
		}),
		Fetch: StageFunc(func(ctx context.Context, args *Args) error {
			fetched = true
			return nil
		}),
	})
	job.Run(ctx)
	if job.Status() != StatusCancelled {
		t.Fatalf("status = %v", job.Status())
	}
	if fetched {
		t.Fatal("fetch ran after cancellation")
	}

	// A stage reporting the context error is cancelled too.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	job2 := NewJob("deadline", Pipeline{
		Fetch: StageFunc(func(ctx context.Context, args *Args) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	job2.Run(ctx2)
	if job2.Status() != StatusCancelled {
		t.Fatalf("status = %v", job2.Status())
	}
}

func TestJobRetryFiresBeforeEnd(t *testing.T) {
	t.Parallel()
	job := NewJob("busy source", Pipeline{
		Fetch: StageFunc(func(ctx context.Context, args *Args) error {
			return RetryLater(errors.New("429"), time.Second)
		}),
	})
	var order []string
	job.OnRetry.Add(func(*Job) { order = append(order, "retry") })
	job.OnEnd.Add(func(*Job) { order = append(order, "end") })
	job.Run(context.Background())

	if got := strings.Join(order, ","); got != "retry,end" {
		t.Fatalf("order = %s", got)
	}
	var ra RetryAfterError
	if !errors.As(job.Err(), &ra) || ra.RetryAfter() != time.Second {
		t.Fatalf("retry hint lost: %v", job.Err())
	}
}

func TestCloneForRetry(t *testing.T) {
	t.Parallel()
	job := NewJob("clone me", Pipeline{}, WithTryCount(3))
	job.OnEnd.Add(func(*Job) {})

	clone := job.CloneForRetry()
	if clone.ID() == job.ID() {
		t.Fatal("clone must get a new id")
	}
	if clone.Name() != job.Name() || clone.TryCount() != 4 {
		t.Fatalf("clone = %s", clone)
	}
	if clone.Status() != StatusNotStarted {
		t.Fatalf("clone status = %v", clone.Status())
	}
	if clone.OnEnd.Len() != 0 {
		t.Fatal("clone must not inherit listeners")
	}
	if job.TryCount() != 3 {
		t.Fatal("CloneForRetry must not mutate the original")
	}
}

func TestArgsValue(t *testing.T) {
	t.Parallel()
	a := newArgs()
	a.Set(ParamPayload, []byte("x"))
	a.Set(ParamURL, "u")
	if b, ok := Value[[]byte](a, ParamPayload); !ok || string(b) != "x" {
		t.Fatalf("payload = %q ok=%v", b, ok)
	}
	if _, ok := Value[int](a, ParamURL); ok {
		t.Fatal("type mismatch should report false")
	}
	if a.String(ParamRecords) != "" {
		t.Fatal("missing key should be empty")
	}
}

func TestStatusLabels(t *testing.T) {
	t.Parallel()
	if StatusNotFound.String() != "Not Found" || Status(99).String() != "Unknown" {
		t.Fatal("unexpected labels")
	}
	if StatusRetry.Terminal() || !StatusCancelled.Terminal() {
		t.Fatal("unexpected terminal classification")
	}
}
