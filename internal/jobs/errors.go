package jobs

import (
	"errors"
	"fmt"
)

// Sentinel errors for job operations.
// These can be checked with errors.Is().
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrFileNotFound      = errors.New("file not found")
	ErrInvalidJobID      = errors.New("invalid job id")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrJobNotRunning     = errors.New("job is not running")
)

// jobNotFoundError returns a wrapped error for a missing job.
func jobNotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// fileNotFoundError returns a wrapped error for an unknown file id.
func fileNotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrFileNotFound, id)
}

// invalidTransitionError returns a wrapped error for an illegal state change.
func invalidTransitionError(id string, from, to Stage) error {
	return fmt.Errorf("%w (%s -> %s): %s", ErrInvalidTransition, from, to, id)
}

// jobNotRunningError returns a wrapped error for a job that has no active run.
func jobNotRunningError(id string, status Status) error {
	return fmt.Errorf("%w (status: %s): %s", ErrJobNotRunning, status, id)
}
