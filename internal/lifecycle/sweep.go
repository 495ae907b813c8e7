package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/store"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// Sweep retries starts deferred by admission control, oldest first, until
// the limit is reached again. It returns how many runs it launched.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	queued, err := m.store.ListTasks(ctx, store.ListFilter{Statuses: []task.Status{task.StatusQueued}})
	if err != nil {
		return 0, err
	}
	started := 0
	for _, t := range queued {
		if t.LastGateReason != task.ReasonConcurrencyLimit {
			continue
		}
		if m.admission.Running() >= m.admission.Limit() {
			break
		}
		got, err := m.Start(ctx, t.ID)
		if err != nil {
			m.logger.Warn("sweep start failed", zap.String("task.id", t.ID), zap.Error(err))
			continue
		}
		if got.Status == task.StatusRunning {
			started++
		}
	}
	return started, nil
}

// RunSweeper calls Sweep every interval until ctx is done. A non-positive
// interval uses the configured one.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.SweepInterval
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("deferred tasks started", zap.Int("count", n))
			}
		}
	}
}
