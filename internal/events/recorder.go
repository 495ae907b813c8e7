package events

import "context"

// Redactor scrubs secrets from free text before it is persisted.
type Redactor interface {
	Redact(text string) (string, int)
}

// Redactable is implemented by payloads that carry participant-produced text.
type Redactable interface {
	RedactText(fn func(string) string)
}

// Recorder appends events for a single task, redacting free text on the way.
type Recorder struct {
	log      Log
	taskID   string
	redactor Redactor
}

// NewRecorder binds log to taskID. redactor may be nil.
func NewRecorder(log Log, taskID string, redactor Redactor) *Recorder {
	return &Recorder{log: log, taskID: taskID, redactor: redactor}
}

// TaskID returns the task the recorder appends to.
func (r *Recorder) TaskID() string { return r.taskID }

// Record appends p under round.
func (r *Recorder) Record(ctx context.Context, round int, p Payload) (Event, error) {
	if rp, ok := p.(Redactable); ok && r.redactor != nil {
		rp.RedactText(func(s string) string {
			out, _ := r.redactor.Redact(s)
			return out
		})
	}
	return r.log.Append(ctx, r.taskID, round, p)
}

// RedactText implements Redactable.
func (p *PhaseCompleted) RedactText(fn func(string) string) { p.Output = fn(p.Output) }

// RedactText implements Redactable.
func (p *ParticipantOutput) RedactText(fn func(string) string) { p.Text = fn(p.Text) }

// RedactText implements Redactable.
func (p *AuthorConfirmationRequired) RedactText(fn func(string) string) {
	p.Proposal = fn(p.Proposal)
}

// RedactText implements Redactable.
func (p *ProposalReview) RedactText(fn func(string) string) {
	for i := range p.Outcomes {
		p.Outcomes[i].Issue = fn(p.Outcomes[i].Issue)
	}
}

// RedactText implements Redactable.
func (p *ReviewVerdict) RedactText(fn func(string) string) {
	for i := range p.Outcomes {
		p.Outcomes[i].Issue = fn(p.Outcomes[i].Issue)
	}
}

// RedactText implements Redactable.
func (p *SystemFailure) RedactText(fn func(string) string) { p.Error = fn(p.Error) }
