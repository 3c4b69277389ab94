// Package audiorouter implements the per-session AudioRouter: a short
// ring buffer of recent PCM audio plus fan-out of every incoming chunk to
// the TranscriptionManager and to Apps subscribed to raw audio.
package audiorouter

import (
	"sync"
	"time"

	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

// ringHorizon is how much audio the recent-audio ring retains, ~10s.
const ringHorizon = 10 * time.Second

// TranscriptionFeeder receives every audio chunk for provider streaming.
type TranscriptionFeeder interface {
	FeedAudio(chunk []byte)
}

// RawAudioSink receives raw audio chunks for Apps subscribed to the raw
// audio stream key, rather than transcription.
type RawAudioSink interface {
	Send(pkg string, frame types.AudioFrame) error
}

// RawAudioSubscribers resolves which packages are subscribed to raw audio.
type RawAudioSubscribers interface {
	Subscribers(effectiveKey string) []string
}

// RawAudioKey is the subscription key for raw (untranscribed) audio.
const RawAudioKey = "raw_audio"

// ringEntry is one buffered chunk with its arrival time.
type ringEntry struct {
	frame types.AudioFrame
	at    time.Time
}

// Router fans out incoming audio to the TranscriptionManager and to
// raw-audio subscribers, and retains the last ~10s for late subscribers /
// diagnostics.
type Router struct {
	feeder TranscriptionFeeder
	subs   RawAudioSubscribers
	sink   RawAudioSink

	mu    sync.Mutex
	ring  []ringEntry
	ready bool
}

// New creates a [Router]. sink/subs may be nil if raw audio fan-out isn't
// needed (transcription-only sessions).
func New(feeder TranscriptionFeeder, subs RawAudioSubscribers, sink RawAudioSink) *Router {
	return &Router{feeder: feeder, subs: subs, sink: sink}
}

// SetReady marks the router as accepting frames; before this, Route drops
// frames instead of buffering them (backpressure: no stream is
// READY yet, so there's nowhere useful to send audio).
func (r *Router) SetReady(ready bool) {
	r.mu.Lock()
	r.ready = ready
	r.mu.Unlock()
}

// Route delivers frame to the TranscriptionManager and any raw-audio
// subscribers, and appends it to the recent-audio ring.
func (r *Router) Route(frame types.AudioFrame) {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()
	if !ready {
		return
	}

	r.feeder.FeedAudio(frame.PCM)

	if r.subs != nil && r.sink != nil {
		for _, pkg := range r.subs.Subscribers(RawAudioKey) {
			_ = r.sink.Send(pkg, frame)
		}
	}

	r.append(frame)
}

func (r *Router) append(frame types.AudioFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.ring = append(r.ring, ringEntry{frame: frame, at: now})

	cutoff := now.Add(-ringHorizon)
	i := 0
	for i < len(r.ring) && r.ring[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.ring = r.ring[i:]
	}
}

// Recent returns every buffered frame newer than the ring horizon, oldest
// first.
func (r *Router) Recent() []types.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.AudioFrame, len(r.ring))
	for i, e := range r.ring {
		out[i] = e.frame
	}
	return out
}
