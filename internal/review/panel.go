package review

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
)

// Panel invokes a set of reviewers concurrently. Reviewer outcomes are
// independent until aggregated, so one slow or failing reviewer never
// prevents the others from answering.
type Panel struct {
	Adapter participant.Adapter
}

// Evaluate sends one request per reviewer, built by build, and returns the
// outcomes in reviewer order. Failed invocations come back as Unknown with
// the failure reason set.
func (p Panel) Evaluate(ctx context.Context, reviewers []participant.Ref, build func(participant.Ref) participant.Request) []Outcome {
	outcomes := make([]Outcome, len(reviewers))
	var g errgroup.Group
	for i, r := range reviewers {
		g.Go(func() error {
			req := build(r)
			req.Participant = r
			req.Role = participant.RoleReviewer
			outcomes[i] = FromResult(r, p.Adapter.Invoke(ctx, req))
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Downgraded returns the outcomes whose invocation failed.
func Downgraded(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if o.Failure != "" {
			out = append(out, o)
		}
	}
	return out
}
