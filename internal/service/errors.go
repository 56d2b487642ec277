package service

import (
	"errors"
	"fmt"

	"github.com/timmy/sitexport/internal/domain"
)

var (
	ErrCapacityExceeded   = errors.New("export capacity exceeded")
	ErrSiteNotAllowed     = errors.New("site is not allowed")
	ErrAlreadyRunning     = errors.New("export already running for site")
	ErrInvalidOptions     = errors.New("invalid export options")
	ErrJobNotFound        = errors.New("job not found")
	ErrQueuedNotFound     = errors.New("queued request not found")
	ErrBulkRunActive      = errors.New("bulk run already active")
	ErrBulkRunNotFound    = errors.New("bulk run not found")
	ErrBulkRunNotFinished = errors.New("bulk run not finished")
	ErrArchiveBuild       = errors.New("archive build failed")
	ErrSupervisorClosed   = errors.New("supervisor is shutting down")
)

// CapacityError is returned when every worker slot is busy. QueuedID is set
// when the request was placed on the export queue.
type CapacityError struct {
	Running  int
	Capacity int
	QueuedID string
}

func (e *CapacityError) Error() string {
	if e.QueuedID != "" {
		return fmt.Sprintf("%s (%d/%d running, queued as %s)", ErrCapacityExceeded, e.Running, e.Capacity, e.QueuedID)
	}
	return fmt.Sprintf("%s (%d/%d running)", ErrCapacityExceeded, e.Running, e.Capacity)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// AlreadyRunningError identifies the job that already owns the site.
type AlreadyRunningError struct {
	Site  string
	JobID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s %s (job %s)", ErrAlreadyRunning, e.Site, e.JobID)
}

func (e *AlreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

// BulkRunActiveError carries the active run so callers can reattach to it.
type BulkRunActiveError struct {
	Active domain.BulkRunSnapshot
}

func (e *BulkRunActiveError) Error() string {
	return fmt.Sprintf("%s: %s", ErrBulkRunActive, e.Active.ID)
}

func (e *BulkRunActiveError) Unwrap() error { return ErrBulkRunActive }
