package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"
	"github.com/cloveric/awe-agentforge-sub000/internal/store"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	tasks, err := s.manager.List(c.Request().Context(), store.ListFilter{})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok", Counts: CountByStatus(tasks)})
}

func (s *Server) handleCreate(c echo.Context) error {
	var req lifecycle.CreateRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, echo.NewHTTPError(http.StatusBadRequest, "invalid request body"))
	}
	t, err := s.manager.Create(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

// handleList accepts ?status=queued,running and ?limit=N.
func (s *Server) handleList(c echo.Context) error {
	var f store.ListFilter
	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := task.Status(strings.TrimSpace(part))
			if !st.Valid() {
				return s.fail(c, echo.NewHTTPError(http.StatusBadRequest, "unknown status "+strconv.Quote(string(st))))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return s.fail(c, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer"))
		}
		f.Limit = n
	}
	tasks, err := s.manager.List(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks})
}

func (s *Server) handleGet(c echo.Context) error {
	t, err := s.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleDelete(c echo.Context) error {
	if err := s.manager.ClearHistory(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleEvents accepts ?after_seq=N to page through the log.
func (s *Server) handleEvents(c echo.Context) error {
	var after int64
	if raw := c.QueryParam("after_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return s.fail(c, echo.NewHTTPError(http.StatusBadRequest, "after_seq must be a non-negative integer"))
		}
		after = n
	}
	evs, err := s.manager.Events(c.Request().Context(), c.Param("id"), after)
	if err != nil {
		return s.fail(c, err)
	}
	resp := EventListResponse{Events: evs, LastSeq: after}
	if len(evs) > 0 {
		resp.LastSeq = evs[len(evs)-1].Seq
	} else {
		resp.Events = []events.Event{}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRounds(c echo.Context) error {
	rounds, err := s.manager.Rounds(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if rounds == nil {
		rounds = []*task.Round{}
	}
	return c.JSON(http.StatusOK, RoundListResponse{Rounds: rounds})
}

// handleStart replies 202 when the start was deferred by the concurrency
// limit and 200 otherwise.
func (s *Server) handleStart(c echo.Context) error {
	t, err := s.manager.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	code := http.StatusOK
	if t.Status == task.StatusQueued {
		code = http.StatusAccepted
	}
	return c.JSON(code, t)
}

func (s *Server) handleCancel(c echo.Context) error {
	t, err := s.manager.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleForceFail(c echo.Context) error {
	var req ForceFailRequest
	if err := bindOptional(c, &req); err != nil {
		return s.fail(c, err)
	}
	t, err := s.manager.ForceFail(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, echo.NewHTTPError(http.StatusBadRequest, "invalid request body"))
	}
	t, err := s.manager.AuthorDecision(c.Request().Context(), c.Param("id"),
		lifecycle.Decision(strings.ToLower(req.Decision)), req.Note, req.AutoStart)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handlePromote(c echo.Context) error {
	var req PromoteRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, echo.NewHTTPError(http.StatusBadRequest, "invalid request body"))
	}
	if req.Round < 1 {
		return s.fail(c, echo.NewHTTPError(http.StatusBadRequest, "round must be at least 1"))
	}
	res, err := s.manager.PromoteRound(c.Request().Context(), c.Param("id"), req.Round, req.Target)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleResubmit(c echo.Context) error {
	var req StartRequest
	if err := bindOptional(c, &req); err != nil {
		return s.fail(c, err)
	}
	t, err := s.manager.Resubmit(c.Request().Context(), c.Param("id"), req.AutoStart)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

// bindOptional binds a body when one was sent.
func bindOptional(c echo.Context, dst any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}
