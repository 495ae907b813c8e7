package sandbox

import (
	"errors"
	"fmt"
)

// Promotion guard reasons, in the order they are checked.
const (
	ReasonBranchNotAllowed = "branch_not_allowed"
	ReasonWorktreeNotClean = "worktree_not_clean"
	ReasonHeadSHAMismatch  = "head_sha_mismatch"
	ReasonEvidenceMissing  = "evidence_missing"
)

var (
	ErrResumeGuardMismatch = errors.New("workspace changed since sandbox was created")
	ErrBranchNotAllowed    = errors.New("target branch is not in the allow-list")
	ErrWorktreeNotClean    = errors.New("target worktree has uncommitted changes")
	ErrHeadSHAMismatch     = errors.New("target head moved since round start")
	ErrEvidenceMissing     = errors.New("no evidence bundle for round")
	ErrOutsideRoot         = errors.New("path is outside the sandbox root")
	ErrNoManifest          = errors.New("sandbox manifest not found")
)

// BlockedError reports a promotion refused by a guard. Nothing was written.
type BlockedError struct {
	Reason string
	Detail string
}

func (e *BlockedError) Error() string {
	if e.Detail == "" {
		return "promotion blocked: " + e.Reason
	}
	return fmt.Sprintf("promotion blocked: %s: %s", e.Reason, e.Detail)
}

// Unwrap maps the reason to its sentinel so callers can use errors.Is.
func (e *BlockedError) Unwrap() error {
	switch e.Reason {
	case ReasonBranchNotAllowed:
		return ErrBranchNotAllowed
	case ReasonWorktreeNotClean:
		return ErrWorktreeNotClean
	case ReasonHeadSHAMismatch:
		return ErrHeadSHAMismatch
	case ReasonEvidenceMissing:
		return ErrEvidenceMissing
	}
	return nil
}

func blocked(reason, format string, args ...any) error {
	return &BlockedError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// BlockedReason extracts the guard reason from err.
func BlockedReason(err error) (string, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be.Reason, true
	}
	return "", false
}
