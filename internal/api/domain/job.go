package domain

import (
	"errors"
	"slices"

	scheduler "github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// Statuses a job can be listed by
var JobStatuses = []string{
	scheduler.JobStatusPending,
	scheduler.JobStatusRunning,
	scheduler.JobStatusDeferred,
	scheduler.JobStatusAborted,
}

var (
	ErrJobNotFound = scheduler.ErrJobNotFound

	// ErrJobNotAbortable is returned when aborting a job that already ended
	ErrJobNotAbortable = errors.New("job is not abortable")

	// ErrInvalidCursor is returned for a page cursor that does not decode
	ErrInvalidCursor = errors.New("invalid cursor")
)

// ValidStatus reports whether status filters jobs. An empty status lists all.
func ValidStatus(status string) bool {
	return status == "" || slices.Contains(JobStatuses, status)
}

// Abortable reports whether a job in status can still be aborted
func Abortable(status string) bool {
	return status == scheduler.JobStatusPending || status == scheduler.JobStatusDeferred
}
