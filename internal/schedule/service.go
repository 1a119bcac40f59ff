package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "cdecimport/pkg/logx"
)

var (
	ErrUnknown  = errors.New("unknown schedule")
	ErrNotReady = errors.New("schedule service not started")
)

// Job is what a schedule triggers.
type Job func(ctx context.Context) error

// EntryInfo describes a registered schedule.
type EntryInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
}

type def struct {
	name    string
	spec    string
	job     Job
	entryID cron.EntryID
}

// Service registers named schedules on a robfig/cron instance.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	parser cron.Parser
	tz     string
	loc    *time.Location
	busy   func() bool

	c    *cron.Cron
	ctx  context.Context
	defs map[string]*def
}

type Option func(*Service)

// WithTimezone evaluates cron expressions in tz. Empty means Local.
func WithTimezone(tz string) Option { return func(s *Service) { s.tz = strings.TrimSpace(tz) } }

// WithBusy skips triggers while fn reports true.
func WithBusy(fn func() bool) Option { return func(s *Service) { s.busy = fn } }

func New(log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log.With(logx.String("comp", "schedule")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers or replaces the schedule called name.
func (s *Service) Add(name, spec string, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	cronSpec := ps.CronSpec()
	if _, err := s.parser.Parse(cronSpec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: cronSpec, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", cronSpec), logx.String("next", s.previewLocked(cronSpec, 3)))
	}
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

// Clear removes every schedule.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.defs {
		s.removeLocked(name)
	}
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *def) error {
	name := d.name
	id, err := s.c.AddFunc(d.spec, func() { s.trigger(name) })
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", d.spec), logx.Err(err))
		return err
	}
	d.entryID = id
	return nil
}

// Start begins triggering. Jobs get ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.loc = s.location()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		_ = s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// SetTimezone restarts a running service in the new zone.
func (s *Service) SetTimezone(tz string) {
	tz = strings.TrimSpace(tz)
	s.mu.Lock()
	if tz == s.tz {
		s.mu.Unlock()
		return
	}
	s.tz = tz
	running := s.c != nil
	ctx := s.ctx
	s.mu.Unlock()

	if running {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(stopCtx)
		cancel()
		s.Start(ctx)
	}
}

// RunNow triggers name immediately on the calling goroutine.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return s.run(ctx, d.name, d.job)
}

func (s *Service) trigger(name string) {
	s.mu.Lock()
	d, ok := s.defs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok || ctx == nil {
		return
	}
	if err := s.run(ctx, name, d.job); err != nil {
		s.log.Warn("scheduled import failed", logx.String("name", name), logx.Err(err))
	}
}

func (s *Service) run(ctx context.Context, name string, job Job) error {
	if s.busy != nil && s.busy() {
		s.log.Info("schedule skipped; importer busy", logx.String("name", name))
		return nil
	}
	start := time.Now()
	err := job(ctx)
	s.log.Debug("schedule fired", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// Entries lists the registered schedules sorted by name. Next and Prev are
// only set while the service runs.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.defs))
	for _, d := range s.defs {
		e := EntryInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			ce := s.c.Entry(d.entryID)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) location() *time.Location {
	if s.tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked lists the next n run times of spec for debug logs.
func (s *Service) previewLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func kv(keysAndValues []any) []logx.Field {
	out := make([]logx.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kv(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kv(keysAndValues), logx.Err(err))...)
}
