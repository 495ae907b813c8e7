package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const (
	casAttempts    = 3
	appendAttempts = 3
	timeLayout     = time.RFC3339Nano
)

// SQLite is a durable Store backed by a single SQLite file.
//
// All access goes through one connection, which serializes writers inside the
// process. Task updates additionally compare the row version, and event
// appends are protected by UNIQUE(task_id, seq).
type SQLite struct {
	db     *sql.DB
	log    *sqliteLog
	logger *zap.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &SQLite{db: db, logger: logger.Named("store"), now: time.Now}
	s.log = &sqliteLog{s: s}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	s.logger.Info("sqlite store opened", zap.String("path", path))
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT    PRIMARY KEY,
			status     TEXT    NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1,
			data       TEXT    NOT NULL,
			created_at TEXT    NOT NULL,
			updated_at TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status  ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS rounds (
			task_id TEXT    NOT NULL,
			number  INTEGER NOT NULL,
			data    TEXT    NOT NULL,
			PRIMARY KEY (task_id, number),
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS events (
			task_id    TEXT    NOT NULL,
			seq        INTEGER NOT NULL,
			type       TEXT    NOT NULL,
			round      INTEGER NOT NULL DEFAULT 0,
			payload    TEXT    NOT NULL,
			created_at TEXT    NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_seq ON events(task_id, seq);
	`)
	return err
}

func (s *SQLite) CreateTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, version, data, created_at, updated_at) VALUES (?, ?, 1, ?, ?, ?)`,
		t.ID, string(t.Status), string(data), t.CreatedAt.UTC().Format(timeLayout), t.UpdatedAt.UTC().Format(timeLayout),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", task.ErrTaskExists, t.ID)
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, _, err := s.loadTask(ctx, s.db, id)
	return t, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) loadTask(ctx context.Context, q queryer, id string) (*task.Task, int64, error) {
	var (
		data    string
		version int64
	)
	err := q.QueryRowContext(ctx, `SELECT data, version FROM tasks WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load task: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, 0, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, version, nil
}

func (s *SQLite) ListTasks(ctx context.Context, f ListFilter) ([]*task.Task, error) {
	query := `SELECT data FROM tasks`
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []*task.Task{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t task.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateTask(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		t, ok, err := s.tryUpdate(ctx, id, fn)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
		s.logger.Debug("task update lost compare-and-swap, retrying",
			zap.String("task.id", id), zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("%w: task %s", ErrConflict, id)
}

func (s *SQLite) tryUpdate(ctx context.Context, id string, fn func(*task.Task) error) (*task.Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, version, err := s.loadTask(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if err := fn(t); err != nil {
		return nil, false, err
	}
	t.ID = id
	data, err := json.Marshal(t)
	if err != nil {
		return nil, false, fmt.Errorf("encode task: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, data = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		string(t.Status), string(data), t.UpdatedAt.UTC().Format(timeLayout), id, version,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}
	return t, true, nil
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rounds WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete rounds: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) SaveRound(ctx context.Context, r *task.Round) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode round: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rounds (task_id, number, data) VALUES (?, ?, ?)
		 ON CONFLICT(task_id, number) DO UPDATE SET data = excluded.data`,
		r.TaskID, r.Number, string(data),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("%w: %s", task.ErrTaskNotFound, r.TaskID)
		}
		return fmt.Errorf("save round: %w", err)
	}
	return nil
}

func (s *SQLite) GetRound(ctx context.Context, taskID string, number int) (*task.Round, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM rounds WHERE task_id = ? AND number = ?`, taskID, number,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s round %d", task.ErrRoundNotFound, taskID, number)
	}
	if err != nil {
		return nil, fmt.Errorf("load round: %w", err)
	}
	var r task.Round
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode round: %w", err)
	}
	return &r, nil
}

func (s *SQLite) ListRounds(ctx context.Context, taskID string) ([]*task.Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM rounds WHERE task_id = ? ORDER BY number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()
	out := []*task.Round{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r task.Round
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode round: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLite) Events() events.Log { return s.log }

// sqliteLog implements events.Log on the events table.
type sqliteLog struct {
	s *SQLite
}

func (l *sqliteLog) Append(ctx context.Context, taskID string, round int, p events.Payload) (events.Event, error) {
	if p == nil {
		return events.Event{}, events.ErrNilPayload
	}
	payload, err := events.Encode(p)
	if err != nil {
		return events.Event{}, err
	}
	for attempt := 0; attempt < appendAttempts; attempt++ {
		e, err := l.tryAppend(ctx, taskID, round, p, payload)
		if isUniqueViolation(err) {
			continue
		}
		return e, err
	}
	return events.Event{}, fmt.Errorf("%w: event seq for task %s", ErrConflict, taskID)
}

// tryAppend reserves MAX(seq)+1 and inserts inside one transaction.
func (l *sqliteLog) tryAppend(ctx context.Context, taskID string, round int, p events.Payload, payload []byte) (events.Event, error) {
	tx, err := l.s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.Event{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE task_id = ?`, taskID,
	).Scan(&seq); err != nil {
		return events.Event{}, fmt.Errorf("reserve seq: %w", err)
	}
	e := events.Event{
		TaskID:    taskID,
		Seq:       seq,
		Type:      p.Type(),
		Round:     round,
		Payload:   p,
		CreatedAt: l.s.now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (task_id, seq, type, round, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, seq, string(e.Type), round, string(payload), e.CreatedAt.Format(timeLayout),
	); err != nil {
		return events.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return events.Event{}, fmt.Errorf("commit transaction: %w", err)
	}
	return e, nil
}

func (l *sqliteLog) List(ctx context.Context, taskID string, afterSeq int64) ([]events.Event, error) {
	rows, err := l.s.db.QueryContext(ctx,
		`SELECT seq, type, round, payload, created_at FROM events WHERE task_id = ? AND seq > ? ORDER BY seq`,
		taskID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []events.Event{}
	for rows.Next() {
		var (
			e         events.Event
			typ       string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &typ, &e.Round, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.TaskID = taskID
		e.Type = events.Type(typ)
		if e.Payload, err = events.Decode(e.Type, []byte(payload)); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *sqliteLog) DeleteTask(ctx context.Context, taskID string) error {
	_, err := l.s.db.ExecContext(ctx, `DELETE FROM events WHERE task_id = ?`, taskID)
	return err
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLite)(nil)
