package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNilPayload is returned by Append when no payload is given.
var ErrNilPayload = errors.New("event payload is required")

// Log is an append-only event store. Append reserves the next sequence number
// for the task atomically; concurrent appends for one task never produce
// duplicate or out-of-order sequence numbers.
type Log interface {
	Append(ctx context.Context, taskID string, round int, p Payload) (Event, error)
	List(ctx context.Context, taskID string, afterSeq int64) ([]Event, error)
	DeleteTask(ctx context.Context, taskID string) error
}

// Publisher fans appended events out to observers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// MemoryLog is a thread-safe in-process Log.
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string]*stream
	now     func() time.Time
}

type stream struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*stream),
		now:     time.Now,
	}
}

func (l *MemoryLog) stream(taskID string) *stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[taskID]
	if !ok {
		s = &stream{}
		l.streams[taskID] = s
	}
	return s
}

// Append records p as the task's next event.
func (l *MemoryLog) Append(_ context.Context, taskID string, round int, p Payload) (Event, error) {
	if p == nil {
		return Event{}, ErrNilPayload
	}
	s := l.stream(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Event{
		TaskID:    taskID,
		Seq:       int64(len(s.events)) + 1,
		Type:      p.Type(),
		Round:     round,
		Payload:   p,
		CreatedAt: l.now().UTC(),
	}
	s.events = append(s.events, e)
	return e, nil
}

// List returns the task's events with Seq > afterSeq, in order.
func (l *MemoryLog) List(_ context.Context, taskID string, afterSeq int64) ([]Event, error) {
	l.mu.Lock()
	s, ok := l.streams[taskID]
	l.mu.Unlock()
	if !ok {
		return []Event{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(s.events)) {
		return []Event{}, nil
	}
	out := make([]Event, len(s.events)-int(afterSeq))
	copy(out, s.events[afterSeq:])
	return out, nil
}

// DeleteTask drops the task's stream.
func (l *MemoryLog) DeleteTask(_ context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.streams, taskID)
	return nil
}

// Fanout appends to a Log and then hands each event to publishers. Publisher
// failures are logged and never fail the append. Appends to one task are
// serialized through publishing, so publishers see a task's events in seq
// order.
type Fanout struct {
	log        Log
	publishers []Publisher
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]*taskLock
}

// taskLock is held across one task's append and publish. refs counts the
// callers holding or waiting for it.
type taskLock struct {
	sync.Mutex
	refs int
}

// NewFanout wraps log with publishers.
func NewFanout(log Log, logger *zap.Logger, publishers ...Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		log:        log,
		publishers: publishers,
		logger:     logger.Named("events"),
		locks:      make(map[string]*taskLock),
	}
}

func (f *Fanout) lock(taskID string) func() {
	f.mu.Lock()
	l, ok := f.locks[taskID]
	if !ok {
		l = &taskLock{}
		f.locks[taskID] = l
	}
	l.refs++
	f.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		f.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(f.locks, taskID)
		}
		f.mu.Unlock()
	}
}

// Append implements Log.
func (f *Fanout) Append(ctx context.Context, taskID string, round int, p Payload) (Event, error) {
	unlock := f.lock(taskID)
	defer unlock()

	e, err := f.log.Append(ctx, taskID, round, p)
	if err != nil {
		return Event{}, err
	}
	for _, pub := range f.publishers {
		if err := pub.Publish(ctx, e); err != nil {
			f.logger.Warn("publish event failed",
				zap.String("task.id", taskID),
				zap.Int64("seq", e.Seq),
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
		}
	}
	return e, nil
}

// List implements Log.
func (f *Fanout) List(ctx context.Context, taskID string, afterSeq int64) ([]Event, error) {
	return f.log.List(ctx, taskID, afterSeq)
}

// DeleteTask implements Log.
func (f *Fanout) DeleteTask(ctx context.Context, taskID string) error {
	return f.log.DeleteTask(ctx, taskID)
}

// CheckContiguous verifies that evs carry sequence numbers 1..n in order.
func CheckContiguous(evs []Event) error {
	for i, e := range evs {
		if want := int64(i) + 1; e.Seq != want {
			return fmt.Errorf("event %d has seq %d, want %d", i, e.Seq, want)
		}
	}
	return nil
}

// Count returns how many events in evs have type t.
func Count(evs []Event, t Type) int {
	n := 0
	for _, e := range evs {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Last returns the last event of type t.
func Last(evs []Event, t Type) (Event, bool) {
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == t {
			return evs[i], true
		}
	}
	return Event{}, false
}
