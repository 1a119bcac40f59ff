package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	logx "cdecimport/pkg/logx"
)

func TestJobEndLogSeverity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		level string
		msg   string
	}{
		{name: "completed", level: "info", msg: "import completed"},
		{name: "not found", err: ErrNotFound, level: "info", msg: ErrNotFound.Error()},
		{name: "retry", err: RetryLater(errors.New("429"), 0), level: "info", msg: "import will be retried"},
		{name: "error", err: errors.New("bad gateway"), level: "warn", msg: "import failed"},
		{name: "fatal", err: NoRetry(errors.New("404")), level: "warn", msg: "import failed"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			job := NewJob(tt.name, Pipeline{
				Fetch: StageFunc(func(ctx context.Context, args *Args) error { return tt.err }),
			})
			var events []LogEvent
			job.OnLog.Add(func(e LogEvent) { events = append(events, e) })
			job.OnLog.Add(LoggerSink(logx.NewWriter(&buf, "info")))

			job.Run(context.Background())

			// The debug start line is filtered by the writer level.
			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != 1 {
				t.Fatalf("log lines = %q", buf.String())
			}
			var rec map[string]any
			if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
				t.Fatalf("decode %q: %v", lines[0], err)
			}
			if rec["level"] != tt.level || rec["message"] != tt.msg || rec["job"] != tt.name {
				t.Fatalf("record = %v, want level %s message %q", rec, tt.level, tt.msg)
			}
			if _, hasErr := rec["err"]; hasErr != (tt.level == "warn" || tt.name == "retry") {
				t.Fatalf("err field presence wrong: %v", rec)
			}

			if len(events) != 2 || events[0].Level != logx.LevelDebug {
				t.Fatalf("events = %+v", events)
			}
			want := logx.LevelInfo
			if tt.level == "warn" {
				want = logx.LevelWarn
			}
			if events[1].Level != want || events[1].JobID != job.ID() || events[1].TryCount != 1 {
				t.Fatalf("end event = %+v", events[1])
			}
		})
	}
}

func TestJobStartListenerPanicIsContained(t *testing.T) {
	t.Parallel()
	fetched, ended := false, false
	job := NewJob("listener", Pipeline{
		Fetch: StageFunc(func(ctx context.Context, args *Args) error {
			fetched = true
			return nil
		}),
	})
	job.OnStart.Add(func(*Job) { panic("listener broke") })
	job.OnEnd.Add(func(*Job) { ended = true })

	job.Run(context.Background())

	if job.Status() != StatusError || !strings.Contains(job.ErrorMessage(), "listener broke") {
		t.Fatalf("status = %v message = %q", job.Status(), job.ErrorMessage())
	}
	if fetched {
		t.Fatal("stages must not run after a failed start")
	}
	if !ended {
		t.Fatal("end event must fire")
	}
}
