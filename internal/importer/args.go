package importer

import "sync"

// Param names a value threaded between pipeline stages.
type Param string

const (
	ParamURL         Param = "url"
	ParamPayload     Param = "payload"
	ParamContentType Param = "content_type"
	ParamRecords     Param = "records"
	// ParamSummary is a short result line appended to the completion log.
	ParamSummary Param = "summary"
)

// Args is the mutable per-job context handed to every stage.
//
// Stages run on the job's goroutine, but the status is also read by the
// scheduler while the job runs, so access is locked.
type Args struct {
	mu     sync.RWMutex
	status Status
	err    error
	params map[Param]any
}

func newArgs() *Args { return &Args{params: map[Param]any{}} }

func (a *Args) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Args) SetStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Fail sets a terminal status together with its cause.
func (a *Args) Fail(s Status, err error) {
	a.mu.Lock()
	a.status = s
	a.err = err
	a.mu.Unlock()
}

func (a *Args) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// ErrorMessage returns the error text, or "" when the job has none.
func (a *Args) ErrorMessage() string {
	if err := a.Err(); err != nil {
		return err.Error()
	}
	return ""
}

func (a *Args) Set(k Param, v any) {
	a.mu.Lock()
	a.params[k] = v
	a.mu.Unlock()
}

func (a *Args) Get(k Param) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.params[k]
	return v, ok
}

// String returns the string stored under k, or "".
func (a *Args) String(k Param) string {
	s, _ := Value[string](a, k)
	return s
}

// Value returns the value under k when it has type T.
func Value[T any](a *Args, k Param) (T, bool) {
	var zero T
	v, ok := a.Get(k)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

func (a *Args) reset(s Status) {
	a.mu.Lock()
	a.status = s
	a.err = nil
	a.params = map[Param]any{}
	a.mu.Unlock()
}

// release drops stage payloads once the job ended; status and error stay.
func (a *Args) release() {
	a.mu.Lock()
	a.params = map[Param]any{}
	a.mu.Unlock()
}
