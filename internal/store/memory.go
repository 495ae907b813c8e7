package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// Memory is an in-process Store. Records are cloned on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	rounds map[string]map[int]*task.Round
	log    *events.MemoryLog
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		tasks:  make(map[string]*task.Task),
		rounds: make(map[string]map[int]*task.Round),
		log:    events.NewMemoryLog(),
	}
}

func (m *Memory) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", task.ErrTaskExists, t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

func (m *Memory) ListTasks(_ context.Context, f ListFilter) ([]*task.Task, error) {
	m.mu.RLock()
	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if f.matches(t) {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateTask(_ context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	m.tasks[id] = next
	return next.Clone(), nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.tasks[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	delete(m.tasks, id)
	delete(m.rounds, id)
	m.mu.Unlock()
	return m.log.DeleteTask(ctx, id)
}

func (m *Memory) SaveRound(_ context.Context, r *task.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[r.TaskID]; !ok {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, r.TaskID)
	}
	byNum, ok := m.rounds[r.TaskID]
	if !ok {
		byNum = make(map[int]*task.Round)
		m.rounds[r.TaskID] = byNum
	}
	byNum[r.Number] = r.Clone()
	return nil
}

func (m *Memory) GetRound(_ context.Context, taskID string, number int) (*task.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rounds[taskID][number]
	if !ok {
		return nil, fmt.Errorf("%w: %s round %d", task.ErrRoundNotFound, taskID, number)
	}
	return r.Clone(), nil
}

func (m *Memory) ListRounds(_ context.Context, taskID string) ([]*task.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*task.Round, 0, len(m.rounds[taskID]))
	for _, r := range m.rounds[taskID] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) Events() events.Log { return m.log }

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
