// Package deadloop recognizes rounds that keep failing the same way.
package deadloop

import (
	"crypto/sha256"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/review"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// DefaultMaxStrategyShifts is how many strategy shifts are tried on one
// signature before the task is stopped.
const DefaultMaxStrategyShifts = 2

// Observation is what a failed round leaves behind.
type Observation struct {
	GateReason            string
	ImplementationSummary string
	ReviewText            string
}

// Signature digests the gate reason with normalized hashes of the
// implementation summary and review text.
func Signature(o Observation) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", o.GateReason, review.Hash(o.ImplementationSummary), review.Hash(o.ReviewText))
	return fmt.Sprintf("sha256:%x", h.Sum(nil))
}

// Decision is the detector's response to one observation.
type Decision struct {
	Signature  string
	Repeated   bool
	Shifts     int
	Stop       bool
	RepairMode task.RepairMode
	Hint       string
}

// Detector tracks consecutive identical round signatures for one task run.
// It is not safe for concurrent use; rounds of a task run sequentially.
type Detector struct {
	maxShifts int
	last      string
	shifts    int
	logger    *zap.Logger
}

// New creates a detector. maxShifts <= 0 selects the default.
func New(maxShifts int, logger *zap.Logger) *Detector {
	if maxShifts <= 0 {
		maxShifts = DefaultMaxStrategyShifts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{maxShifts: maxShifts, logger: logger.Named("deadloop")}
}

// Seed replays signatures of earlier failed rounds, oldest first, so that a
// resumed task continues counting where it stopped.
func (d *Detector) Seed(signatures ...string) {
	for _, sig := range signatures {
		if sig == "" {
			continue
		}
		if sig == d.last {
			d.shifts++
			continue
		}
		d.last, d.shifts = sig, 0
	}
}

// Observe records a failed round. A repeat of the previous signature
// escalates the repair mode and produces a hint for the next round; repeats
// past the shift bound stop the task.
func (d *Detector) Observe(o Observation, current task.RepairMode) Decision {
	sig := Signature(o)
	dec := Decision{Signature: sig, RepairMode: current}
	if sig != d.last {
		d.last, d.shifts = sig, 0
		return dec
	}

	d.shifts++
	dec.Repeated = true
	dec.Shifts = d.shifts
	if d.shifts > d.maxShifts {
		dec.Stop = true
		d.logger.Warn("round signature keeps repeating, stopping",
			zap.String("signature", sig),
			zap.Int("shifts", d.shifts),
		)
		return dec
	}
	dec.RepairMode = current.Escalate()
	dec.Hint = Hint(o.GateReason, dec.RepairMode, d.shifts)
	d.logger.Info("strategy shifted",
		zap.String("signature", sig),
		zap.Int("shifts", d.shifts),
		zap.String("repair_mode", string(dec.RepairMode)),
	)
	return dec
}

// Hint is the strategy note injected into the next round's prompts.
func Hint(gateReason string, mode task.RepairMode, shift int) string {
	var approach string
	switch mode {
	case task.RepairStructural:
		approach = "Step back and restructure the solution. Question the assumptions behind the previous attempts and change the design, not just the code that failed."
	case task.RepairBalanced:
		approach = "Change the approach. Address the root cause of the failure instead of patching its symptoms."
	default:
		approach = "Make the smallest change that addresses the failure."
	}
	return fmt.Sprintf("Strategy shift %d: the last rounds failed the same way (%s). %s", shift, gateReason, approach)
}
