package http

import (
	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status string       `json:"status"`
	Counts StatusCounts `json:"counts"`
}

// StatusCounts holds the number of tasks in each status.
type StatusCounts map[task.Status]int

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	// Reason is the promotion guard that refused a promotion.
	Reason string `json:"reason,omitempty"`
}

// TaskListResponse is the response body for GET /api/v1/tasks.
type TaskListResponse struct {
	Tasks []*task.Task `json:"tasks"`
}

// RoundListResponse is the response body for GET /api/v1/tasks/:id/rounds.
type RoundListResponse struct {
	Rounds []*task.Round `json:"rounds"`
}

// EventListResponse is the response body for GET /api/v1/tasks/:id/events.
type EventListResponse struct {
	Events  []events.Event `json:"events"`
	LastSeq int64          `json:"last_seq"`
}

// StartRequest is the optional body of the resubmit endpoint.
type StartRequest struct {
	AutoStart bool `json:"auto_start"`
}

// ForceFailRequest is the body for POST /api/v1/tasks/:id/force-fail.
type ForceFailRequest struct {
	Reason string `json:"reason"`
}

// DecisionRequest is the body for POST /api/v1/tasks/:id/decision.
type DecisionRequest struct {
	Decision  string `json:"decision"`
	Note      string `json:"note,omitempty"`
	AutoStart bool   `json:"auto_start"`
}

// PromoteRequest is the body for POST /api/v1/tasks/:id/promote.
type PromoteRequest struct {
	Round  int    `json:"round"`
	Target string `json:"target,omitempty"`
}
