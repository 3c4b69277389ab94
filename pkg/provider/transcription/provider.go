// Package transcription defines the Provider abstraction used by the
// TranscriptionManager for real-time speech recognition and translation.
//
// Two concrete shapes exist in production: an Azure-like provider that opens
// a duplex push-stream and emits session lifecycle events before any
// recognition result, and a Soniox-like provider that opens a duplex
// message stream and emits tokenised interim/final results directly. Both
// are expressed through the same StreamHandle interface so the
// TranscriptionManager and its failover logic never need to know which
// backend is live.
//
// Implementations must be safe for concurrent use. A single Provider value
// may back many concurrent StreamHandle sessions (one per subscription key).
package transcription

import (
	"context"
	"errors"

	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

// ErrNotSupported is returned by optional StreamHandle operations that a
// given backend does not implement.
var ErrNotSupported = errors.New("transcription: operation not supported by this provider")

// StreamKind distinguishes a plain transcription stream from a translation
// stream, since the two use different provider-side session parameters.
type StreamKind int

const (
	KindTranscription StreamKind = iota
	KindTranslation
)

// StreamConfig describes the audio format and language parameters for a new
// provider stream.
type StreamConfig struct {
	Kind StreamKind

	// SampleRate is the PCM sample rate in Hz (session-declared, pass-through).
	SampleRate int

	// Transcribe is the BCP-47 source language tag, e.g. "en-US".
	Transcribe string

	// Translate is the BCP-47 target language tag. Empty unless Kind ==
	// KindTranslation.
	Translate string

	// FastStart requests the lowest-latency initialisation path available
	// (used by the VAD silent→speaking fast-start, see ). Providers
	// that cannot shorten their init path ignore this hint.
	FastStart bool
}

// StreamHandle represents one open provider-backed recognition or
// translation session. It corresponds 1:1 to a StreamInstance owned by the
// TranscriptionManager.
//
// All methods must be safe for concurrent use. Callers must call Close when
// the stream is no longer needed.
type StreamHandle interface {
	// SendAudio delivers a chunk of PCM audio to the provider. Returns an
	// error if the underlying transport has already failed or been closed;
	// callers should treat any error as a signal to stop writing and await
	// the Errors channel.
	SendAudio(chunk []byte) error

	// Results delivers both interim and final transcripts as they arrive.
	// Ordering within a single StreamHandle is the order the provider
	// produced them. The channel is closed when the
	// stream ends, whether cleanly or due to an error.
	Results() <-chan types.Transcript

	// Errors delivers a single terminal error (if any) describing why the
	// stream ended, then is closed. A clean Close does not send a value.
	Errors() <-chan error

	// FinalizePending forces the provider to flush any internally buffered
	// tokens into final results (used on a VAD speaking→silent transition).
	// Providers that always emit finals immediately may treat this as a
	// no-op and return nil.
	FinalizePending(ctx context.Context) error

	// Close tears down the stream and releases provider resources. Safe to
	// call more than once; subsequent calls return nil.
	Close() error
}

// Provider is the abstraction over one ASR/translation backend.
//
// Implementations must be safe for concurrent use; StartStream may be called
// concurrently for many subscription keys.
type Provider interface {
	// Name identifies the backend for logging, metrics and failover
	// bookkeeping (e.g. "azure", "soniox", "whispercpp").
	Name() string

	// StartStream opens a new provider-backed stream. Returns an error if
	// the provider cannot establish the session (auth failure, unsupported
	// language, ctx already cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)

	// Healthy reports whether the provider currently believes it can accept
	// new streams (e.g. to reflect a provider-reported outage banner).
	Healthy() bool
}

// RetryClass classifies a stream error for the TranscriptionManager's retry
// and failover policy.
type RetryClass int

const (
	// RetryClassTransient covers network errors, generic 5xx and timeouts:
	// the TranscriptionManager waits a doubled-linear backoff and then
	// reopens the stream through its provider. No alternate provider is
	// tried before the backoff.
	RetryClassTransient RetryClass = iota

	// RetryClassRateLimited covers 429-style responses: exponential backoff
	// with a 60s cap, then the stream is reopened through the same
	// provider. No alternate provider is tried before the backoff.
	RetryClassRateLimited

	// RetryClassFatal covers authentication and invalid-argument errors:
	// never retried. The stream is closed and the failure is logged; the
	// App subscription stays in place and no failure event is sent.
	RetryClassFatal
)

// ClassifiedError pairs a provider error with its retry classification.
// Providers that want precise retry behaviour return this type from
// StreamHandle.Errors(); a plain error is treated as RetryClassTransient.
type ClassifiedError struct {
	Err   error
	Class RetryClass
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify extracts the RetryClass from err, defaulting to
// RetryClassTransient for plain errors.
func Classify(err error) RetryClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return RetryClassTransient
}
