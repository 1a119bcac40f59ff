package importer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrBusy       = errors.New("importer is executing")
	ErrNilJob     = errors.New("nil job")
	ErrJobStarted = errors.New("job already submitted or run")
	ErrNotFound   = errors.New("no data found")
)

// NoRetry marks an error as permanent.
//
// Stages wrap validation errors or other permanent failures with NoRetry so
// inner retry loops stop immediately.
//
//	return importer.NoRetry(fmt.Errorf("bad request: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryLater asks the scheduler to requeue the job instead of failing it.
//
// Fetchers return it when the data source explicitly asks the client to back
// off (e.g. HTTP 429). after is the source's hint and may be zero.
func RetryLater(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryLaterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// IsRetryLater reports whether err is wrapped with RetryLater.
func IsRetryLater(err error) bool {
	var e retryLaterError
	return errors.As(err, &e)
}

type retryLaterError struct {
	err   error
	after time.Duration
}

func (e retryLaterError) Error() string {
	return fmt.Sprintf("retry-after(%s): %v", e.after, e.err)
}
func (e retryLaterError) Unwrap() error             { return e.err }
func (e retryLaterError) RetryAfter() time.Duration { return e.after }

// statusFor maps a stage error onto the job status it implies.
func statusFor(ctx context.Context, err error) Status {
	switch {
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case IsRetryLater(err):
		return StatusRetry
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return StatusCancelled
	default:
		return StatusError
	}
}
