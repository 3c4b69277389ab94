// Package mock provides test doubles for the transcription package
// interfaces, used throughout the TranscriptionManager's tests (provider
// failover, VAD buffering, retry backoff) without a live backend.
package mock

import (
	"context"
	"sync"

	"github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg transcription.StreamConfig
}

// Provider is a mock implementation of transcription.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name(). Defaults to "mock".
	NameValue string

	// Stream is the StreamHandle returned by StartStream. If nil,
	// StartStream builds a new default Stream with buffered channels.
	Stream transcription.StreamHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// HealthyValue is returned by Healthy(). The zero value reports false.
	HealthyValue bool

	StartStreamCalls []StartStreamCall
}

var _ transcription.Provider = (*Provider)(nil)

func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HealthyValue
}

func (p *Provider) StartStream(ctx context.Context, cfg transcription.StreamConfig) (transcription.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return &Stream{
		ResultsCh: make(chan types.Transcript, 16),
		ErrorsCh:  make(chan error, 1),
	}, nil
}

// Calls returns a snapshot of recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartStreamCall, len(p.StartStreamCalls))
	copy(out, p.StartStreamCalls)
	return out
}

// Stream is a mock implementation of transcription.StreamHandle. Callers
// own ResultsCh/ErrorsCh: populate and close them to drive test scenarios.
type Stream struct {
	mu sync.Mutex

	ResultsCh chan types.Transcript
	ErrorsCh  chan error

	SendAudioErr error
	CloseErr     error

	SendAudioCalls       [][]byte
	FinalizePendingCalls int
	CloseCallCount       int
}

var _ transcription.StreamHandle = (*Stream)(nil)

func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

func (s *Stream) Results() <-chan types.Transcript { return s.ResultsCh }

func (s *Stream) Errors() <-chan error { return s.ErrorsCh }

func (s *Stream) FinalizePending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinalizePendingCalls++
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Stream) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}
