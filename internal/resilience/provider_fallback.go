package resilience

import (
	"context"

	"github.com/voxscribe/voxscribe/pkg/recognizer"
)

// ProviderFallback implements [recognizer.Provider] with automatic failover
// across multiple recognition backends. Each backend has its own circuit
// breaker, so a backend that keeps refusing streams is skipped until its
// cooldown elapses.
type ProviderFallback struct {
	group *FallbackGroup[recognizer.Provider]
}

// Compile-time interface assertion.
var _ recognizer.Provider = (*ProviderFallback)(nil)

// NewProviderFallback creates a [ProviderFallback] with primary as the
// preferred backend.
func NewProviderFallback(primary recognizer.Provider, primaryName string, cfg FallbackConfig) *ProviderFallback {
	return &ProviderFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognition provider as a fallback.
func (f *ProviderFallback) AddFallback(name string, provider recognizer.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a recognition session against the first healthy backend.
// If the primary fails to start the stream, subsequent fallbacks are tried.
// Sessions already running on a backend are unaffected by later failovers.
func (f *ProviderFallback) StartStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.Session, error) {
	return ExecuteWithResult(f.group, func(p recognizer.Provider) (recognizer.Session, error) {
		return p.StartStream(ctx, cfg)
	})
}
