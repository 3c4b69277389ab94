package resilience

import (
	"context"

	"github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription"
)

// TranscriptionFallback implements [transcription.Provider] with automatic
// failover across multiple ASR/translation backends. Each backend has its
// own circuit breaker, so a provider outage does not affect the others.
type TranscriptionFallback struct {
	group *FallbackGroup[transcription.Provider]
}

var _ transcription.Provider = (*TranscriptionFallback)(nil)

// NewTranscriptionFallback creates a [TranscriptionFallback] with primary as
// the preferred backend.
func NewTranscriptionFallback(primary transcription.Provider, primaryName string, cfg FallbackConfig) *TranscriptionFallback {
	return &TranscriptionFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcription provider as a fallback,
// tried after the primary and any previously-added fallbacks.
func (f *TranscriptionFallback) AddFallback(name string, provider transcription.Provider) {
	f.group.AddFallback(name, provider)
}

// Name identifies this composite provider for logging; the active backend
// for a given stream is recorded separately once StartStream succeeds.
func (f *TranscriptionFallback) Name() string { return "fallback" }

// Healthy reports true if any entry in the group has a closed or half-open
// circuit breaker. Individual entry health is enforced per-call by
// StartStream, not pre-filtered here.
func (f *TranscriptionFallback) Healthy() bool {
	for i := range f.group.entries {
		if f.group.entries[i].breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// StartStream opens a stream against the first healthy provider in order.
// If the primary's circuit breaker is open or StartStream fails, the next
// fallback is tried.
func (f *TranscriptionFallback) StartStream(ctx context.Context, cfg transcription.StreamConfig) (transcription.StreamHandle, error) {
	return ExecuteWithResult(f.group, func(p transcription.Provider) (transcription.StreamHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
