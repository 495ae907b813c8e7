package http

import "github.com/cloveric/awe-agentforge-sub000/internal/task"

// CountByStatus counts tasks per status. Every known status appears in the
// result, with zero when no task has it.
func CountByStatus(tasks []*task.Task) StatusCounts {
	counts := StatusCounts{
		task.StatusQueued:        0,
		task.StatusRunning:       0,
		task.StatusWaitingManual: 0,
		task.StatusPassed:        0,
		task.StatusFailedGate:    0,
		task.StatusFailedSystem:  0,
		task.StatusCanceled:      0,
	}
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts
}
