package importer

// Status is the lifecycle state of a job.
type Status int

const (
	StatusNotStarted Status = iota
	StatusPending
	StatusImporting
	StatusCompleted
	StatusNotFound
	StatusError
	StatusRetry
	StatusCancelled
)

var statusLabels = [...]string{
	StatusNotStarted: "Not Started",
	StatusPending:    "Pending",
	StatusImporting:  "Importing",
	StatusCompleted:  "Completed",
	StatusNotFound:   "Not Found",
	StatusError:      "Error",
	StatusRetry:      "Retry",
	StatusCancelled:  "Cancelled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusLabels) {
		return "Unknown"
	}
	return statusLabels[s]
}

// Terminal reports whether a job in this status will not run again.
// Retry is not terminal: the scheduler decides whether a clone runs.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNotFound, StatusError, StatusCancelled:
		return true
	}
	return false
}
