package task

import "errors"

// Validation errors.
var (
	ErrEmptyTitle         = errors.New("title is required")
	ErrTitleTooLong       = errors.New("title exceeds maximum length")
	ErrEmptyWorkspace     = errors.New("workspace_path is required")
	ErrMissingAuthor      = errors.New("author is required")
	ErrNoReviewers        = errors.New("at least one reviewer is required")
	ErrReviewerIsAuthor   = errors.New("reviewers must not include the author")
	ErrDuplicateReviewer  = errors.New("duplicate reviewer")
	ErrInvalidMaxRounds   = errors.New("max_rounds must be at least 1")
	ErrInvalidRepairMode  = errors.New("invalid repair_mode")
	ErrInvalidEvolveUntil = errors.New("evolve_until must be in the future")
)

// Lifecycle errors.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrRoundNotFound     = errors.New("round not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotTerminal       = errors.New("task is not in a terminal state")
)
