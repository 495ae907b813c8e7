package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveric/awe-agentforge-sub000/internal/task"
	"github.com/cloveric/awe-agentforge-sub000/internal/telemetry"
)

func TestRun_EmitsSpans(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	m := newTestManager(t, agreeable(), WithTracer(tt.Tracer(InstrumentationName)))
	tk := mustCreate(t, m, selfLoop(t, "true"))

	_, err := m.Start(context.Background(), tk.ID)
	require.NoError(t, err)
	waitStatus(t, m, tk.ID, task.StatusPassed)
	m.Wait()

	tt.AssertSpanExists(t, "lifecycle.start")
	tt.AssertSpanAttribute(t, "lifecycle.start", "task.id", tk.ID)
	tt.AssertSpanAttribute(t, "lifecycle.start", "start.result", "started")
	tt.AssertSpanAttribute(t, "lifecycle.run", "task.manual", false)
	tt.AssertSpanAttribute(t, "lifecycle.round", "round", int64(1))
	tt.AssertSpanAttribute(t, "lifecycle.round", "round.gate_reason", string(task.ReasonGatePassed))
	assert.Len(t, tt.SpansByName("lifecycle.round"), 1)
}
