package participant

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pacing configures a per-provider token bucket.
type Pacing struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimited paces invocations per provider. A request that cannot obtain a
// token within its own timeout fails with provider_limit instead of waiting
// indefinitely; nothing is retried.
type RateLimited struct {
	next     Adapter
	pacing   map[string]Pacing
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimited wraps next with the given per-provider pacing. Providers
// without an entry are not paced.
func NewRateLimited(next Adapter, pacing map[string]Pacing) *RateLimited {
	return &RateLimited{
		next:     next,
		pacing:   pacing,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimited) limiter(provider string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[provider]; ok {
		return l
	}
	p, ok := r.pacing[provider]
	if !ok || p.RequestsPerSecond <= 0 {
		return nil
	}
	burst := p.Burst
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(p.RequestsPerSecond), burst)
	r.limiters[provider] = l
	return l
}

// Invoke waits for a token, then delegates.
func (r *RateLimited) Invoke(ctx context.Context, req Request) Result {
	if l := r.limiter(req.Participant.Provider); l != nil {
		waitCtx := ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}
		if err := l.Wait(waitCtx); err != nil {
			return Failed(ReasonProviderLimit, "pacing: "+err.Error())
		}
	}
	return r.next.Invoke(ctx, req)
}
