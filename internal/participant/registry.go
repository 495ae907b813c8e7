package participant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry selects an Adapter by provider key. It is itself an Adapter, so the
// orchestrator only ever sees one invocation surface.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger.Named("participant"),
	}
}

// Register binds an adapter to a provider key, replacing any previous binding.
func (r *Registry) Register(provider string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = adapter
}

// Lookup returns the adapter registered for provider.
func (r *Registry) Lookup(provider string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// Providers returns the registered provider keys in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Invoke dispatches to the adapter registered for req.Participant.Provider.
// An unknown provider is reported as command_not_found.
func (r *Registry) Invoke(ctx context.Context, req Request) Result {
	adapter, ok := r.Lookup(req.Participant.Provider)
	if !ok {
		return Failed(ReasonCommandNotFound, fmt.Sprintf("provider %q not registered", req.Participant.Provider))
	}

	start := time.Now()
	res := adapter.Invoke(ctx, req)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}

	fields := []zap.Field{
		zap.String("participant", req.Participant.String()),
		zap.String("role", string(req.Role)),
		zap.String("phase", req.Phase),
		zap.Duration("duration", res.Duration),
	}
	if res.OK {
		r.logger.Debug("invocation completed", fields...)
	} else {
		r.logger.Warn("invocation failed", append(fields,
			zap.String("reason", string(res.Reason)),
			zap.String("detail", res.Detail),
		)...)
	}
	return res
}
