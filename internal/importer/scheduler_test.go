package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func fetchJob(name string, fn func(ctx context.Context) error) *Job {
	return NewJob(name, Pipeline{Fetch: StageFunc(func(ctx context.Context, args *Args) error { return fn(ctx) })})
}

func TestConfigureClamps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		conc, retries         int
		wantConc, wantRetries int
	}{
		{conc: 0, retries: 0, wantConc: 1, wantRetries: 10},
		{conc: -3, retries: -1, wantConc: 1, wantRetries: 10},
		{conc: 4, retries: 2, wantConc: 4, wantRetries: 2},
		{conc: 10, retries: 10, wantConc: 10, wantRetries: 10},
		{conc: 25, retries: 1, wantConc: 10, wantRetries: 1},
	}
	for _, tt := range tests {
		s := NewScheduler(Config{})
		s.Configure(true, tt.conc, tt.retries)
		got := s.Config()
		if got.MaxConcurrency != tt.wantConc || got.MaxRetries != tt.wantRetries || !got.AutoStart {
			t.Fatalf("Configure(%d,%d) = %+v", tt.conc, tt.retries, got)
		}
	}
}

func TestSchedulerConcurrencyBound(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 3, 5} {
		n := n
		t.Run(fmt.Sprintf("max=%d", n), func(t *testing.T) {
			t.Parallel()
			s := NewScheduler(Config{AutoStart: true, MaxConcurrency: n})
			var active, peak atomic.Int32
			s.OnStatusChanged.Add(func(c StatusChange) {
				if c.Snapshot.InFlight > n {
					t.Errorf("in-flight %d exceeds %d", c.Snapshot.InFlight, n)
				}
				if c.Snapshot.Completed > c.Snapshot.Submitted {
					t.Errorf("completed %d > submitted %d", c.Snapshot.Completed, c.Snapshot.Submitted)
				}
				if c.Snapshot.Progress < 0 || c.Snapshot.Progress > 1 {
					t.Errorf("progress %v out of range", c.Snapshot.Progress)
				}
			})

			const total = 12
			for i := 0; i < total; i++ {
				job := fetchJob(fmt.Sprintf("job-%d", i), func(ctx context.Context) error {
					cur := active.Add(1)
					for {
						p := peak.Load()
						if cur <= p || peak.CompareAndSwap(p, cur) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					active.Add(-1)
					return nil
				})
				if err := s.Submit(job); err != nil {
					t.Fatalf("Submit: %v", err)
				}
				if s.Snapshot().InFlight > n {
					t.Fatalf("in-flight exceeds %d after submit", n)
				}
			}
			waitIdle(t, s)

			if p := peak.Load(); p > int32(n) {
				t.Fatalf("peak concurrency %d exceeds %d", p, n)
			}
			snap := s.Snapshot()
			if snap.Completed != total || snap.Submitted != total || snap.Progress != 1 {
				t.Fatalf("snapshot = %+v", snap)
			}
		})
	}
}

func TestSchedulerFIFOWithSingleSlot(t *testing.T) {
	t.Parallel()
	s := NewScheduler(Config{MaxConcurrency: 1})
	var mu sync.Mutex
	var order []string
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("job-%d", i)
		if err := s.Submit(fetchJob(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})); err != nil {
			t.Fatal(err)
		}
	}
	if s.IsExecuting() || s.Snapshot().Pending != 5 {
		t.Fatal("jobs must wait for Start without AutoStart")
	}
	s.Start()
	waitIdle(t, s)

	mu.Lock()
	defer mu.Unlock()
	for i, name := range order {
		if want := fmt.Sprintf("job-%d", i); name != want {
			t.Fatalf("order = %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("ran %d jobs", len(order))
	}
}

func TestSchedulerRetriesUntilMax(t *testing.T) {
	t.Parallel()
	const maxRetries = 4
	s := NewScheduler(Config{AutoStart: true, MaxConcurrency: 2, MaxRetries: maxRetries})

	var mu sync.Mutex
	var tries []int
	var runs atomic.Int32
	s.OnStatusChanged.Add(func(c StatusChange) {
		mu.Lock()
		tries = append(tries, c.Job.TryCount)
		mu.Unlock()
		want := StatusRetry
		if c.Job.TryCount == maxRetries {
			want = StatusError
		}
		if c.Job.Status != want.String() {
			t.Errorf("try %d status = %s, want %s", c.Job.TryCount, c.Job.Status, want)
		}
	})

	job := fetchJob("always busy", func(context.Context) error {
		runs.Add(1)
		return RetryLater(errors.New("source busy"), 0)
	})
	if err := s.Submit(job); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s)

	if runs.Load() != maxRetries {
		t.Fatalf("runs = %d, want %d", runs.Load(), maxRetries)
	}
	waitFor(t, "status changes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tries) == maxRetries
	})
	mu.Lock()
	sort.Ints(tries)
	for i, n := range tries {
		if n != i+1 {
			t.Fatalf("try counts = %v", tries)
		}
	}
	mu.Unlock()

	snap := s.Snapshot()
	if snap.Submitted != 1 || snap.Completed != 1 || snap.Errored != 1 || snap.Retried != maxRetries-1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSchedulerRetrySucceedsOnClone(t *testing.T) {
	t.Parallel()
	s := NewScheduler(Config{AutoStart: true})
	var runs atomic.Int32
	job := fetchJob("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return RetryLater(errors.New("429"), 0)
		}
		return nil
	})
	if err := s.Submit(job); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s)

	snap := s.Snapshot()
	if runs.Load() != 3 || snap.Completed != 1 || snap.Errored != 0 || snap.Progress != 1 {
		t.Fatalf("runs = %d snapshot = %+v", runs.Load(), snap)
	}
}

func TestExecutionCompletedFiresOncePerBatch(t *testing.T) {
	t.Parallel()
	s := NewScheduler(Config{MaxConcurrency: 3})
	done := make(chan Snapshot, 4)
	s.OnExecutionCompleted.Add(func(snap Snapshot) { done <- snap })

	// Idle scheduler never fires.
	s.Start()
	s.Stop()
	select {
	case <-done:
		t.Fatal("ExecutionCompleted fired on an idle scheduler")
	case <-time.After(20 * time.Millisecond):
	}

	for batch := 1; batch <= 2; batch++ {
		if err := s.Reset(); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		for i := 0; i < 7; i++ {
			status := error(nil)
			if i%3 == 0 {
				status = errors.New("fatal")
			}
			if err := s.Submit(fetchJob(fmt.Sprintf("b%d-%d", batch, i), func(context.Context) error {
				time.Sleep(time.Millisecond)
				return status
			})); err != nil {
				t.Fatal(err)
			}
		}
		s.Start()
		select {
		case snap := <-done:
			if snap.Completed != 7 || snap.Errored != 3 || snap.Executing {
				t.Fatalf("batch %d snapshot = %+v", batch, snap)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("batch %d never completed", batch)
		}
		select {
		case <-done:
			t.Fatalf("batch %d fired twice", batch)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestThreeJobsTwoSlots(t *testing.T) {
	t.Parallel()
	s := NewScheduler(Config{AutoStart: true, MaxConcurrency: 2})
	gate := make(chan struct{})
	var started sync.Map

	for _, name := range []string{"one", "two", "three"} {
		name := name
		if err := s.Submit(fetchJob(name, func(context.Context) error {
			started.Store(name, true)
			<-gate
			return nil
		})); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "two jobs started", func() bool {
		_, a := started.Load("one")
		_, b := started.Load("two")
		return a && b
	})
	if _, ok := started.Load("three"); ok {
		t.Fatal("third job started while two were running")
	}
	snap := s.Snapshot()
	if snap.InFlight != 2 || snap.Pending != 1 || !s.IsBusy() {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := s.Reset(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Reset while busy = %v, want ErrBusy", err)
	}

	close(gate)
	waitIdle(t, s)
	if snap := s.Snapshot(); snap.Completed != 3 || snap.InFlight != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if s.ProcessingTime() <= 0 {
		t.Fatal("processing time should be recorded")
	}
}

func TestStopCancelsRunningAndDropsQueued(t *testing.T) {
	t.Parallel()
	s := NewScheduler(Config{AutoStart: true, MaxConcurrency: 1})
	fired := make(chan Snapshot, 4)
	s.OnExecutionCompleted.Add(func(snap Snapshot) { fired <- snap })

	running := make(chan struct{})
	var reruns atomic.Int32
	blocker := fetchJob("blocker", func(ctx context.Context) error {
		reruns.Add(1)
		close(running)
		<-ctx.Done()
		// A retry request from a cancelled job must not be requeued.
		return RetryLater(ctx.Err(), 0)
	})
	if err := s.Submit(blocker); err != nil {
		t.Fatal(err)
	}
	queued := fetchJob("queued", func(context.Context) error { return nil })
	if err := s.Submit(queued); err != nil {
		t.Fatal(err)
	}
	<-running

	s.Stop()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("Stop did not fire ExecutionCompleted")
	}
	waitFor(t, "in-flight job to end", func() bool { return !s.IsBusy() })

	snap := s.Snapshot()
	if snap.Dropped != 1 || snap.Pending != 0 || snap.Completed != 1 || snap.Errored != 0 || snap.Retried != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if queued.Status() != StatusCancelled {
		t.Fatalf("queued job status = %v", queued.Status())
	}
	if reruns.Load() != 1 {
		t.Fatalf("blocker ran %d times", reruns.Load())
	}
	select {
	case <-fired:
		t.Fatal("ExecutionCompleted fired twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubmitRejectsNilAndReusedJobs(t *testing.T) {
	t.Parallel()
	s := NewScheduler(Config{})
	if err := s.Submit(nil); !errors.Is(err, ErrNilJob) {
		t.Fatalf("Submit(nil) = %v", err)
	}
	job := fetchJob("once", func(context.Context) error { return nil })
	if err := s.Submit(job); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(job); !errors.Is(err, ErrJobStarted) {
		t.Fatalf("second Submit = %v", err)
	}
	if job.Status() != StatusPending {
		t.Fatalf("queued job status = %v", job.Status())
	}
	if got := s.Jobs(); len(got) != 1 || got[0].Status != "Pending" {
		t.Fatalf("Jobs() = %+v", got)
	}
	if s.Progress() != 0 {
		t.Fatalf("progress = %v", s.Progress())
	}
}

type recordingLauncher struct {
	names []string
	mu    sync.Mutex
}

func (l *recordingLauncher) Go(name string, fn func(ctx context.Context) error) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
	go func() { _ = fn(context.Background()) }()
}

func TestSchedulerUsesLauncher(t *testing.T) {
	t.Parallel()
	l := &recordingLauncher{}
	s := NewScheduler(Config{AutoStart: true}, WithLauncher(l))
	if err := s.Submit(fetchJob("named", func(context.Context) error { return nil })); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, s)
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.names) != 1 || l.names[0] != "import.named" {
		t.Fatalf("launched = %v", l.names)
	}
}

func TestResetRefusedWhileJobsPending(t *testing.T) {
	t.Parallel()
	s := NewScheduler(Config{MaxConcurrency: 2})
	for i := 0; i < 3; i++ {
		if err := s.Submit(fetchJob(fmt.Sprintf("job-%d", i), func(context.Context) error { return nil })); err != nil {
			t.Fatal(err)
		}
	}
	if !s.HasPending() || s.IsExecuting() {
		t.Fatal("jobs must stay queued until Start")
	}
	if err := s.Reset(); !errors.Is(err, ErrBusy) {
		t.Fatalf("Reset with queued jobs = %v, want ErrBusy", err)
	}

	s.Start()
	waitIdle(t, s)

	snap := s.Snapshot()
	if snap.Completed > snap.Submitted || snap.Submitted != 3 || snap.Progress != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if s.HasPending() {
		t.Fatal("queue not drained")
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset after batch = %v", err)
	}
	if snap := s.Snapshot(); snap.Submitted != 0 || snap.Completed != 0 {
		t.Fatalf("counters not cleared: %+v", snap)
	}
}
