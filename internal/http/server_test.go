package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	"github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"
	"github.com/cloveric/awe-agentforge-sub000/internal/logging"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
	"github.com/cloveric/awe-agentforge-sub000/internal/store"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

func agreeable() *participant.Scripted {
	return participant.NewScripted(func(req participant.Request) participant.Result {
		if req.Role == participant.RoleAuthor {
			return participant.Succeeded(req.Phase + " done")
		}
		return participant.Succeeded("VERDICT: NO_BLOCKER")
	})
}

type testServer struct {
	*Server
	logs *logging.TestLogger
}

func setupTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	m := lifecycle.New(lifecycle.DefaultConfig(), store.NewMemory(), agreeable(),
		lifecycle.WithRunner(evidence.NewRunner(t.TempDir())))
	t.Cleanup(func() { _ = m.Close() })

	tl := logging.NewTestLogger()
	s, err := NewServer(m, tl.Logger, nil, opts...)
	require.NoError(t, err)
	return &testServer{Server: s, logs: tl}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createBody(t *testing.T) lifecycle.CreateRequest {
	return lifecycle.CreateRequest{
		Title:                "Fix flaky upload test",
		Author:               participant.Ref{Provider: "claude", Alias: "author"},
		Reviewers:            []participant.Ref{{Provider: "codex", Alias: "r1"}},
		SelfLoopMode:         true,
		MaxRounds:            1,
		WorkspacePath:        t.TempDir(),
		VerificationCommands: []string{"true"},
	}
}

func (s *testServer) create(t *testing.T) *task.Task {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/tasks", createBody(t))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*task.Task](t, rec)
}

func (s *testServer) waitStatus(t *testing.T, id string, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		got = decode[*task.Task](t, rec)
		return got.Status == want
	}, 10*time.Second, 10*time.Millisecond)
	return got
}

func TestNewServer(t *testing.T) {
	m := lifecycle.New(lifecycle.DefaultConfig(), store.NewMemory(), agreeable())
	t.Cleanup(func() { _ = m.Close() })

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(m, logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:8787", s.config.Addr())
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(m, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when manager is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "manager cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestTasks_CreateGetList(t *testing.T) {
	s := setupTestServer(t)
	created := s.create(t)
	assert.Equal(t, task.StatusQueued, created.Status)
	assert.NotEmpty(t, created.ID)

	rec := s.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Title, decode[*task.Task](t, rec).Title)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[TaskListResponse](t, rec).Tasks, 1)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[TaskListResponse](t, rec).Tasks)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, 1, status.Counts[task.StatusQueued])
	assert.Equal(t, 0, status.Counts[task.StatusPassed])
}

func TestTasks_CreateValidation(t *testing.T) {
	s := setupTestServer(t)

	body := createBody(t)
	body.Title = ""
	rec := s.do(t, http.MethodPost, "/api/v1/tasks", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "title is required")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	raw := httptest.NewRecorder()
	s.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestTasks_NotFound(t *testing.T) {
	s := setupTestServer(t)
	for _, path := range []string{"/api/v1/tasks/missing", "/api/v1/tasks/missing/events", "/api/v1/tasks/missing/rounds"} {
		rec := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := s.do(t, http.MethodPost, "/api/v1/tasks/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTasks_StartRunsToPass(t *testing.T) {
	s := setupTestServer(t)
	created := s.create(t)

	rec := s.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/start", nil)
	require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code, rec.Body.String())

	done := s.waitStatus(t, created.ID, task.StatusPassed)
	assert.Equal(t, 1, done.RoundsCompleted)

	// task_finished is appended right after the status change.
	var all EventListResponse
	require.Eventually(t, func() bool {
		rec := s.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID+"/events", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		all = decode[EventListResponse](t, rec)
		n := len(all.Events)
		return n > 0 && all.Events[n-1].Type == events.TypeTaskFinished
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, events.CheckContiguous(all.Events))
	assert.Equal(t, events.TypeTaskCreated, all.Events[0].Type)
	assert.Equal(t, all.Events[len(all.Events)-1].Seq, all.LastSeq)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s/events?after_seq=%d", created.ID, all.LastSeq-1), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tail := decode[EventListResponse](t, rec)
	require.Len(t, tail.Events, 1)
	assert.Equal(t, events.TypeTaskFinished, tail.Events[0].Type)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%s/events?after_seq=%d", created.ID, all.LastSeq), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[EventListResponse](t, rec).Events)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID+"/events?after_seq=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID+"/rounds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rounds := decode[RoundListResponse](t, rec).Rounds
	require.Len(t, rounds, 1)
	assert.True(t, rounds[0].Passed)
}

func TestTasks_CancelAndConflicts(t *testing.T) {
	s := setupTestServer(t)
	created := s.create(t)
	path := "/api/v1/tasks/" + created.ID

	rec := s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "queued tasks cannot be cleared")

	rec = s.do(t, http.MethodPost, path+"/promote", PromoteRequest{Round: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/decision", DecisionRequest{Decision: "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/decision", DecisionRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	canceled := decode[*task.Task](t, rec)
	assert.Equal(t, task.StatusCanceled, canceled.Status)

	rec = s.do(t, http.MethodPost, path+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/promote", PromoteRequest{Round: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path+"/promote", PromoteRequest{Round: 1})
	assert.Equal(t, http.StatusConflict, rec.Code, "single-round tasks have no round promotion")

	rec = s.do(t, http.MethodPost, path+"/resubmit", StartRequest{})
	require.Equal(t, http.StatusCreated, rec.Code)
	again := decode[*task.Task](t, rec)
	assert.NotEqual(t, created.ID, again.ID)
	assert.Equal(t, task.StatusQueued, again.Status)

	rec = s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTasks_ForceFail(t *testing.T) {
	s := setupTestServer(t)
	created := s.create(t)
	path := "/api/v1/tasks/" + created.ID

	rec := s.do(t, http.MethodPost, path+"/force-fail", ForceFailRequest{Reason: "operator_abort"})
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decode[*task.Task](t, rec)
	assert.Equal(t, task.StatusFailedSystem, failed.Status)
	assert.Equal(t, "operator_abort", failed.LastGateReason)

	rec = s.do(t, http.MethodPost, path+"/force-fail", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	created = s.create(t)
	rec = s.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID+"/force-fail", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, task.DefaultForceFailReason, decode[*task.Task](t, rec).LastGateReason)
}

func TestRequestID_PropagatesToLogs(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-42")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(echo.HeaderXRequestID))
	s.logs.AssertLogged(t, zapcore.InfoLevel, "http request")
	s.logs.AssertField(t, "http request", "request.id", "req-42")
	s.logs.AssertField(t, "http request", "task.id", "missing")
	s.logs.AssertField(t, "http request", "route", "/api/v1/tasks/:id")
}

func TestMetrics_Endpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := setupTestServer(t, WithRegistry(reg))

	s.do(t, http.MethodGet, "/health", nil)
	s.do(t, http.MethodGet, "/api/v1/tasks/missing", nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `agentforge_http_requests_total{method="GET",route="/health",status="200"} 1`)
	assert.Contains(t, body, `agentforge_http_requests_total{method="GET",route="/api/v1/tasks/:id",status="404"} 1`)
	assert.Contains(t, body, "agentforge_http_request_duration_seconds_bucket")
	assert.NotContains(t, body, "missing")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("get: %w", task.ErrTaskNotFound), http.StatusNotFound},
		{"round not found", task.ErrRoundNotFound, http.StatusNotFound},
		{"transition", fmt.Errorf("%w: cancel from passed", task.ErrInvalidTransition), http.StatusConflict},
		{"not terminal", task.ErrNotTerminal, http.StatusConflict},
		{"promotion not allowed", lifecycle.ErrPromotionNotAllowed, http.StatusConflict},
		{"guard blocked", &sandbox.BlockedError{Reason: sandbox.ReasonWorktreeNotClean}, http.StatusConflict},
		{"validation", task.ErrNoReviewers, http.StatusBadRequest},
		{"bad ref", participant.ErrInvalidRef, http.StatusBadRequest},
		{"decision", lifecycle.ErrInvalidDecision, http.StatusBadRequest},
		{"closed", lifecycle.ErrClosed, http.StatusServiceUnavailable},
		{"http error", echo.NewHTTPError(http.StatusTeapot, "x"), http.StatusTeapot},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestFail_BlockedReasonAndInternal(t *testing.T) {
	s := setupTestServer(t)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	require.NoError(t, s.fail(c, &sandbox.BlockedError{Reason: sandbox.ReasonHeadSHAMismatch, Detail: "moved"}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, sandbox.ReasonHeadSHAMismatch, resp.Reason)

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	require.NoError(t, s.fail(c, errors.New("sqlite: disk I/O error")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sqlite")
	s.logs.AssertLogged(t, zapcore.ErrorLevel, "request failed")
}

func TestCountByStatus(t *testing.T) {
	counts := CountByStatus([]*task.Task{
		{Status: task.StatusPassed},
		{Status: task.StatusPassed},
		{Status: task.StatusCanceled},
	})
	assert.Equal(t, 2, counts[task.StatusPassed])
	assert.Equal(t, 1, counts[task.StatusCanceled])
	assert.Contains(t, counts, task.StatusRunning)
	assert.Len(t, counts, 7)
}
