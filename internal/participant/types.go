// Package participant defines the contract the orchestrator uses to invoke
// external author and reviewer agents.
//
// Every invocation returns a Result. Runtime failures are never raised as Go
// errors; they are reported as a closed set of FailureReason values so that the
// caller can decide between a hard gate, a reviewer downgrade or a retry.
package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the part a participant plays in a task.
type Role string

const (
	RoleAuthor   Role = "author"
	RoleReviewer Role = "reviewer"
)

// FailureReason classifies why an invocation did not produce output.
type FailureReason string

const (
	ReasonCommandNotFound FailureReason = "command_not_found"
	ReasonCommandTimeout  FailureReason = "command_timeout"
	ReasonProviderLimit   FailureReason = "provider_limit"
	ReasonNonzeroExit     FailureReason = "nonzero_exit"
	ReasonOther           FailureReason = "other"
)

// Ref identifies a participant by provider and alias, e.g. "claude#author-A".
type Ref struct {
	Provider string `json:"provider"`
	Alias    string `json:"alias,omitempty"`
}

// ErrInvalidRef is returned when a participant reference cannot be parsed.
var ErrInvalidRef = errors.New("invalid participant reference")

// ParseRef parses "provider" or "provider#alias".
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	provider, alias, _ := strings.Cut(s, "#")
	provider = strings.ToLower(strings.TrimSpace(provider))
	alias = strings.TrimSpace(alias)
	if provider == "" {
		return Ref{}, fmt.Errorf("%w: %q has no provider", ErrInvalidRef, s)
	}
	if strings.ContainsAny(provider, " \t/") {
		return Ref{}, fmt.Errorf("%w: provider %q", ErrInvalidRef, provider)
	}
	return Ref{Provider: provider, Alias: alias}, nil
}

// String renders the reference in its canonical "provider#alias" form.
func (r Ref) String() string {
	if r.Alias == "" {
		return r.Provider
	}
	return r.Provider + "#" + r.Alias
}

// Equal reports whether both references name the same participant.
func (r Ref) Equal(other Ref) bool {
	return strings.EqualFold(r.Provider, other.Provider) && r.Alias == other.Alias
}

// Chunk is one piece of streamed output from a running invocation.
type Chunk struct {
	Seq    int    `json:"seq"`
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// Sink receives streamed chunks for every invocation of a task, tagged with
// the phase and participant that produced them.
type Sink func(phase string, who Ref, c Chunk)

// Bind returns an OnChunk callback for one invocation, or nil when s is nil.
func (s Sink) Bind(phase string, who Ref) func(Chunk) {
	if s == nil {
		return nil
	}
	return func(c Chunk) { s(phase, who, c) }
}

// Request describes a single phase invocation.
type Request struct {
	Participant Ref
	Role        Role
	Phase       string
	Prompt      string
	Timeout     time.Duration
	WorkDir     string

	// OnChunk, when set, receives streamed output in order. Delivery never
	// extends the invocation beyond Timeout.
	OnChunk func(Chunk)
}

// Result is the tagged outcome of an invocation: either OK with output, or
// failed with a reason.
type Result struct {
	OK       bool          `json:"ok"`
	Output   string        `json:"output,omitempty"`
	Reason   FailureReason `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Succeeded builds an ok result.
func Succeeded(output string) Result {
	return Result{OK: true, Output: output}
}

// Failed builds a failed result.
func Failed(reason FailureReason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Err converts a failed result into an error, or nil when the result is ok.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &InvocationError{Reason: r.Reason, Detail: r.Detail}
}

// InvocationError wraps a failed Result for callers that prefer errors.
type InvocationError struct {
	Reason FailureReason
	Detail string
}

func (e *InvocationError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Adapter invokes one external agent for one phase.
type Adapter interface {
	Invoke(ctx context.Context, req Request) Result
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req Request) Result

// Invoke calls f.
func (f AdapterFunc) Invoke(ctx context.Context, req Request) Result {
	return f(ctx, req)
}
