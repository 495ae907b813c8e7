// Package admission bounds how many tasks run at once and makes task starts
// single-flight.
package admission

import (
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxRunning is used when a non-positive limit is configured.
const DefaultMaxRunning = 4

// Errors returned by Admit.
var (
	ErrLimitReached   = errors.New("admission: concurrency limit reached")
	ErrAlreadyRunning = errors.New("admission: task already in flight")
)

// Controller hands out run tickets. At most limit tickets are outstanding and
// at most one per task id.
type Controller struct {
	limit int64
	sem   *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*Ticket
}

// New creates a controller admitting at most maxRunning concurrent tasks.
func New(maxRunning int) *Controller {
	if maxRunning <= 0 {
		maxRunning = DefaultMaxRunning
	}
	return &Controller{
		limit:    int64(maxRunning),
		sem:      semaphore.NewWeighted(int64(maxRunning)),
		inflight: make(map[string]*Ticket),
	}
}

// Admit claims a run slot for taskID. If the task is already in flight the
// existing ticket is returned with ErrAlreadyRunning. If every slot is taken
// it returns ErrLimitReached and nothing is claimed.
func (c *Controller) Admit(taskID string) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.inflight[taskID]; ok {
		return t, ErrAlreadyRunning
	}
	if !c.sem.TryAcquire(1) {
		return nil, ErrLimitReached
	}
	t := &Ticket{taskID: taskID, c: c, done: make(chan struct{})}
	c.inflight[taskID] = t
	return t, nil
}

// Lookup returns the in-flight ticket for taskID, if any.
func (c *Controller) Lookup(taskID string) (*Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.inflight[taskID]
	return t, ok
}

// Running returns the number of outstanding tickets.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Limit returns the configured bound.
func (c *Controller) Limit() int {
	return int(c.limit)
}

// Ticket is a claimed run slot.
type Ticket struct {
	taskID string
	c      *Controller
	once   sync.Once
	done   chan struct{}
}

// TaskID returns the task the ticket was issued for.
func (t *Ticket) TaskID() string { return t.taskID }

// Done is closed when the ticket is released.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Release frees the slot. It is safe to call more than once.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.c.mu.Lock()
		if t.c.inflight[t.taskID] == t {
			delete(t.c.inflight, t.taskID)
		}
		t.c.mu.Unlock()
		t.c.sem.Release(1)
		close(t.done)
	})
}
