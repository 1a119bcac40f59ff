package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "cdecimport/pkg/logx"
)

func TestAddValidates(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.Add("", "5m", job); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Add("x", "5m", nil); err == nil {
		t.Fatal("nil job accepted")
	}
	if err := s.Add("x", "61 * * * *", job); err == nil {
		t.Fatal("bad cron accepted")
	}
	if err := s.Add("x", "5m", job); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("x", "10m", job); err != nil {
		t.Fatal(err)
	}
	es := s.Entries()
	if len(es) != 1 || es[0].Spec != "@every 10m0s" || !es[0].Next.IsZero() {
		t.Fatalf("entries = %+v", es)
	}
	if !s.Remove("x") || s.Remove("x") {
		t.Fatal("remove")
	}
}

func TestRunNowSkipsWhileBusy(t *testing.T) {
	t.Parallel()
	var busy atomic.Bool
	s := New(logx.Nop(), WithBusy(busy.Load))
	var runs atomic.Int32
	boom := errors.New("boom")
	if err := s.Add("import", "1h", func(context.Context) error {
		runs.Add(1)
		return boom
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow(context.Background(), "import"); !errors.Is(err, boom) {
		t.Fatalf("RunNow = %v", err)
	}
	busy.Store(true)
	if err := s.RunNow(context.Background(), "import"); err != nil {
		t.Fatalf("busy RunNow = %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("missing = %v", err)
	}
}

func TestServiceTriggers(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), WithTimezone("UTC"))
	fired := make(chan struct{}, 8)
	if err := s.Add("tick", "@every 1s", func(ctx context.Context) error {
		if ctx.Err() != nil {
			t.Error("job got a done context")
		}
		fired <- struct{}{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		s.Stop(stopCtx)
	}()

	if es := s.Entries(); len(es) != 1 || es[0].Next.IsZero() {
		t.Fatalf("entries = %+v", es)
	}
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule never fired")
	}

	// Added after Start registers immediately.
	late := make(chan struct{}, 1)
	if err := s.Add("late", "@every 1s", func(context.Context) error {
		select {
		case late <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-late:
	case <-time.After(3 * time.Second):
		t.Fatal("late schedule never fired")
	}
}
