// Package store persists tasks, rounds and events.
//
// Two implementations share one contract: Memory for tests and ephemeral
// runs, and SQLite for durable single-instance deployments. Both guarantee
// atomic read-modify-write on task records and atomic sequence reservation
// on event appends.
package store

import (
	"context"
	"errors"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// ErrConflict is returned when a compare-and-swap update keeps losing to
// concurrent writers.
var ErrConflict = errors.New("concurrent update conflict")

// ListFilter narrows ListTasks.
type ListFilter struct {
	Statuses []task.Status
	Limit    int
}

func (f ListFilter) matches(t *task.Task) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// Store is the persistence contract the lifecycle manager depends on.
//
// UpdateTask loads the task, applies fn and writes the result atomically. If
// fn returns an error nothing is written and the error is returned as is.
type Store interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f ListFilter) ([]*task.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error)

	// DeleteTask removes the task with its rounds and events.
	DeleteTask(ctx context.Context, id string) error

	SaveRound(ctx context.Context, r *task.Round) error
	GetRound(ctx context.Context, taskID string, number int) (*task.Round, error)
	ListRounds(ctx context.Context, taskID string) ([]*task.Round, error)

	Events() events.Log
	Close() error
}

type withLog struct {
	Store
	log events.Log
}

func (s withLog) Events() events.Log { return s.log }

// WithEventLog returns st with its event log replaced by log, typically a
// events.Fanout over st.Events() that also publishes each append.
func WithEventLog(st Store, log events.Log) Store {
	return withLog{Store: st, log: log}
}
