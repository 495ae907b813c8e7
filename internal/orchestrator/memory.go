package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// ToolCaller abstracts a memory service reached through named tool calls.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)
}

// Memory is one recalled learning.
type Memory struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// MemoryHooks connects rounds to an external memory service. Recall runs
// before proposal negotiation and before each round's discussion phase;
// Persist after the gate.
type MemoryHooks interface {
	Recall(ctx context.Context, t *task.Task, limit int) ([]Memory, error)
	Persist(ctx context.Context, t *task.Task, res *RoundResult) error
}

// ToolMemory implements MemoryHooks with memory_search and memory_record
// tool calls.
type ToolMemory struct {
	client ToolCaller
}

// NewToolMemory creates memory hooks backed by client.
func NewToolMemory(client ToolCaller) *ToolMemory {
	return &ToolMemory{client: client}
}

// Recall searches memory for learnings relevant to t.
func (m *ToolMemory) Recall(ctx context.Context, t *task.Task, limit int) ([]Memory, error) {
	args := map[string]interface{}{
		"project_id": projectID(t),
		"query":      strings.TrimSpace(t.Title + "\n" + t.Description),
		"limit":      limit,
	}

	result, err := m.client.CallTool(ctx, "memory_search", args)
	if err != nil {
		return nil, fmt.Errorf("failed to search memory: %w", err)
	}

	results := records(result)
	memories := make([]Memory, 0, len(results))
	for _, r := range results {
		memories = append(memories, Memory{
			ID:      getString(r, "id"),
			Content: getString(r, "content"),
			Score:   getFloat64(r, "score"),
		})
	}
	return memories, nil
}

// Persist records the round's outcome and any gate violations.
func (m *ToolMemory) Persist(ctx context.Context, t *task.Task, res *RoundResult) error {
	var content strings.Builder
	fmt.Fprintf(&content, "Task: %s\n", t.Title)
	fmt.Fprintf(&content, "Round %d: ", res.Number)
	if res.Passed {
		content.WriteString("passed\n")
	} else {
		fmt.Fprintf(&content, "failed (%s)\n", res.GateReason)
	}
	if len(res.Violations) > 0 {
		content.WriteString("\nViolations encountered:\n")
		for _, v := range res.Violations {
			fmt.Fprintf(&content, "- [%s] %s: %s\n", v.Severity, v.Type, v.Description)
		}
	}
	if res.ImplementationSummary != "" {
		fmt.Fprintf(&content, "\nImplementation summary:\n%s\n", truncate(res.ImplementationSummary, 2000))
	}

	tags := []string{"agentforge", "round"}
	outcome := "success"
	if res.Passed {
		tags = append(tags, "success")
	} else {
		outcome = "failure"
		tags = append(tags, "failure", res.GateReason)
	}

	args := map[string]interface{}{
		"project_id": projectID(t),
		"title":      fmt.Sprintf("%s (round %d)", t.Title, res.Number),
		"content":    content.String(),
		"outcome":    outcome,
		"tags":       tags,
	}
	if _, err := m.client.CallTool(ctx, "memory_record", args); err != nil {
		return fmt.Errorf("failed to record round: %w", err)
	}
	return nil
}

// GuardedMemory wraps MemoryHooks so that memory failures are logged and never
// reach the round.
type GuardedMemory struct {
	inner  MemoryHooks
	logger *zap.Logger
}

// NewGuardedMemory wraps inner. A nil inner makes every call a no-op.
func NewGuardedMemory(inner MemoryHooks, logger *zap.Logger) *GuardedMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardedMemory{inner: inner, logger: logger.Named("memory")}
}

// Recall returns recalled memories, or nil when the service fails.
func (g *GuardedMemory) Recall(ctx context.Context, t *task.Task, limit int) ([]Memory, error) {
	if g == nil || g.inner == nil || limit <= 0 {
		return nil, nil
	}
	mems, err := g.inner.Recall(ctx, t, limit)
	if err != nil {
		g.logger.Warn("memory recall failed", zap.String("task.id", t.ID), zap.Error(err))
		return nil, nil
	}
	return mems, nil
}

// Persist records res, logging any failure.
func (g *GuardedMemory) Persist(ctx context.Context, t *task.Task, res *RoundResult) error {
	if g == nil || g.inner == nil {
		return nil
	}
	if err := g.inner.Persist(ctx, t, res); err != nil {
		g.logger.Warn("memory persist failed",
			zap.String("task.id", t.ID),
			zap.Int("round", res.Number),
			zap.Error(err),
		)
	}
	return nil
}

// records extracts result rows from a memory_search reply. Replies are
// either a bare list or an object with a "memories" list.
func records(result interface{}) []map[string]interface{} {
	switch v := result.(type) {
	case []map[string]interface{}:
		return v
	case map[string]interface{}:
		return records(v["memories"])
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

// projectID names the memory project after the workspace directory.
func projectID(t *task.Task) string {
	if t.WorkspacePath == "" {
		return "default"
	}
	base := filepath.Base(filepath.Clean(t.WorkspacePath))
	if base == "." || base == string(filepath.Separator) {
		return "default"
	}
	return base
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat64(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
