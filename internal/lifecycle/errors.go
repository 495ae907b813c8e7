package lifecycle

import "errors"

// Operation errors.
var (
	ErrInvalidDecision     = errors.New("decision must be approve, reject or revise")
	ErrNotWaitingManual    = errors.New("task is not waiting for an author decision")
	ErrPromotionNotAllowed = errors.New("round promotion requires max_rounds > 1 and auto_merge off")
	ErrNoSnapshot          = errors.New("round has no snapshot")
	ErrSandboxUnavailable  = errors.New("sandbox mode requires a sandbox manager")
	ErrClosed              = errors.New("lifecycle manager is closed")
)

// errNotRunning aborts a run's status write after an operator already moved
// the task out of running.
var errNotRunning = errors.New("task is no longer running")
