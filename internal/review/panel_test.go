package review

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
)

func TestPanel_EvaluateRunsConcurrentlyAndDowngrades(t *testing.T) {
	var inFlight, peak atomic.Int32
	adapter := participant.AdapterFunc(func(_ context.Context, req participant.Request) participant.Result {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, participant.RoleReviewer, req.Role)
		switch req.Participant.Alias {
		case "down":
			return participant.Failed(participant.ReasonCommandTimeout, "slow")
		case "block":
			return participant.Succeeded("VERDICT: BLOCKER\nissue: no tests")
		}
		return participant.Succeeded("VERDICT: NO_BLOCKER")
	})

	reviewers := []participant.Ref{
		{Provider: "codex", Alias: "ok"},
		{Provider: "codex", Alias: "down"},
		{Provider: "gemini", Alias: "block"},
	}
	outcomes := Panel{Adapter: adapter}.Evaluate(context.Background(), reviewers, func(r participant.Ref) participant.Request {
		return participant.Request{Phase: "review", Prompt: "review " + r.Alias}
	})

	require.Len(t, outcomes, 3)
	assert.Equal(t, NoBlocker, outcomes[0].Verdict)
	assert.Equal(t, Unknown, outcomes[1].Verdict)
	assert.Equal(t, participant.ReasonCommandTimeout, outcomes[1].Failure)
	assert.Equal(t, Blocker, outcomes[2].Verdict)
	assert.Equal(t, "no tests", outcomes[2].Issue)
	assert.Greater(t, peak.Load(), int32(1), "reviewers should overlap")

	down := Downgraded(outcomes)
	require.Len(t, down, 1)
	assert.Equal(t, "down", down[0].Reviewer.Alias)
	assert.Equal(t, Blocker, Aggregate(outcomes).Verdict)
}
