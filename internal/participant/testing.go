package participant

import (
	"context"
	"sync"
)

// Scripted is an in-process Adapter for tests. Each call is recorded and
// answered by the handler; a nil handler answers every call with an empty ok
// result.
type Scripted struct {
	mu      sync.Mutex
	handler func(Request) Result
	calls   []Request
}

// NewScripted returns a Scripted adapter driven by handler.
func NewScripted(handler func(Request) Result) *Scripted {
	return &Scripted{handler: handler}
}

// Invoke records req and returns the handler's answer.
func (s *Scripted) Invoke(_ context.Context, req Request) Result {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	h := s.handler
	s.mu.Unlock()

	if h == nil {
		return Succeeded("")
	}
	res := h(req)
	if req.OnChunk != nil && res.OK && res.Output != "" {
		req.OnChunk(Chunk{Seq: 1, Stream: "stdout", Text: res.Output})
	}
	return res
}

// Calls returns a copy of every recorded request.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsFor returns recorded requests for one phase.
func (s *Scripted) CallsFor(phase string) []Request {
	var out []Request
	for _, c := range s.Calls() {
		if c.Phase == phase {
			out = append(out, c)
		}
	}
	return out
}
