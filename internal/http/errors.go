package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/policy"
	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

var (
	notFound = []error{
		task.ErrTaskNotFound,
		task.ErrRoundNotFound,
	}
	conflict = []error{
		task.ErrTaskExists,
		task.ErrInvalidTransition,
		task.ErrNotTerminal,
		lifecycle.ErrNotWaitingManual,
		lifecycle.ErrPromotionNotAllowed,
		lifecycle.ErrNoSnapshot,
		sandbox.ErrResumeGuardMismatch,
	}
	badRequest = []error{
		task.ErrEmptyTitle,
		task.ErrTitleTooLong,
		task.ErrEmptyWorkspace,
		task.ErrMissingAuthor,
		task.ErrNoReviewers,
		task.ErrReviewerIsAuthor,
		task.ErrDuplicateReviewer,
		task.ErrInvalidMaxRounds,
		task.ErrInvalidRepairMode,
		task.ErrInvalidEvolveUntil,
		participant.ErrInvalidRef,
		policy.ErrInvalidPolicy,
		lifecycle.ErrInvalidDecision,
	}
	unavailable = []error{
		lifecycle.ErrClosed,
		lifecycle.ErrSandboxUnavailable,
	}
)

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// statusFor maps a lifecycle error to an HTTP status code.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case matchesAny(err, notFound):
		return http.StatusNotFound
	case matchesAny(err, badRequest):
		return http.StatusBadRequest
	case matchesAny(err, conflict):
		return http.StatusConflict
	case matchesAny(err, unavailable):
		return http.StatusServiceUnavailable
	}
	if _, ok := sandbox.BlockedReason(err); ok {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes err as an ErrorResponse. Internal errors are logged and their
// text is not returned.
func (s *Server) fail(c echo.Context, err error) error {
	code := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			resp.Error = msg
		}
	}
	if reason, ok := sandbox.BlockedReason(err); ok {
		resp.Reason = reason
	}
	if code == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		resp.Error = http.StatusText(code)
	}
	return c.JSON(code, resp)
}
