// Package whispercpp implements a transcription.Provider backed by the
// whisper.cpp CGO bindings, used as the on-device fallback when no network
// provider is reachable. It is a batch engine wearing a streaming interface:
// audio is buffered with an energy-based silence detector and each completed
// utterance is run through a fresh whisper.cpp context, then emitted as a
// single final result (no true partials are possible).
//
// The whisper.cpp static library and headers must be available at link time
// via LIBRARY_PATH and C_INCLUDE_PATH.
package whispercpp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

const (
	bitsPerSample = 16

	// defaultRMSThreshold is the RMS energy level (16-bit PCM units) below
	// which audio is considered silent.
	defaultRMSThreshold = 300.0

	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

var _ transcription.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithSilenceThresholdMs sets the consecutive-silence duration (ms) that
// triggers a flush of the buffered utterance. Defaults to 500ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs bounds how much audio may accumulate before a
// forced flush, regardless of silence. Defaults to 10000ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// Provider implements transcription.Provider using a whisper.cpp model
// loaded once and shared across all concurrently-running streams. Each
// stream creates its own whisper.cpp context, which is not itself
// thread-safe but can be created concurrently from the shared model.
type Provider struct {
	model whisperlib.Model

	silenceThresholdMs  int
	maxBufferDurationMs int

	mu      sync.Mutex
	healthy bool
}

// New loads the whisper.cpp model at modelPath and returns a Provider backed
// by it. The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}
	p := &Provider{
		model:               model,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		healthy:             true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return "whispercpp" }

func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Close releases the whisper.cpp model. Must be called once, at process
// shutdown, after every stream has been closed.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new on-device recognition session. Translation is not
// supported: whisper.cpp's translate mode only targets English, which does
// not fit the arbitrary source/target pairing the spec requires, so this
// provider is only ever selected for plain transcription subscriptions.
func (p *Provider) StartStream(ctx context.Context, cfg transcription.StreamConfig) (transcription.StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}
	if cfg.Kind == transcription.KindTranslation {
		return nil, fmt.Errorf("whispercpp: %w: translation", transcription.ErrNotSupported)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	s := &stream{
		model:               p.model,
		language:            cfg.Transcribe,
		sampleRate:          sampleRate,
		silenceThresholdMs:  p.silenceThresholdMs,
		maxBufferDurationMs: p.maxBufferDurationMs,

		audio:    make(chan []byte, 256),
		results:  make(chan types.Transcript, 16),
		errorsCh: make(chan error, 1),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

type stream struct {
	model               whisperlib.Model
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int

	audio    chan []byte
	results  chan types.Transcript
	errorsCh chan error

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ transcription.StreamHandle = (*stream)(nil)

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whispercpp: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("whispercpp: stream is closed")
	}
}

func (s *stream) Results() <-chan types.Transcript { return s.results }

func (s *stream) Errors() <-chan error { return s.errorsCh }

// FinalizePending triggers an immediate flush of whatever utterance is
// currently buffered, bypassing the silence-duration wait. whisper.cpp has
// no notion of a partial result to force, so this is the closest analogue.
func (s *stream) FinalizePending(ctx context.Context) error {
	select {
	case <-s.done:
		return errors.New("whispercpp: stream is closed")
	case s.audio <- nil: // nil chunk signals "flush now" to processLoop
		return nil
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *stream) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	var (
		buffer    []byte
		hadSpeech bool
		silenceMs int
	)

	bytesPerMs := s.sampleRate * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.maxBufferDurationMs * bytesPerMs

	doFlush := func() {
		if len(buffer) == 0 || !hadSpeech {
			buffer, hadSpeech, silenceMs = nil, false, 0
			return
		}
		pcm := buffer
		buffer, hadSpeech, silenceMs = nil, false, 0

		text, err := s.infer(pcm)
		if err != nil {
			slog.Error("whispercpp inference failed", "error", err)
			select {
			case s.errorsCh <- &transcription.ClassifiedError{
				Err:   fmt.Errorf("whispercpp: infer: %w", err),
				Class: transcription.RetryClassTransient,
			}:
			default:
			}
			return
		}
		if text == "" {
			return
		}
		select {
		case s.results <- types.Transcript{Text: text, IsFinal: true}:
		case <-s.done:
		}
	}

	for {
		select {
		case <-ctx.Done():
			doFlush()
			return

		case <-s.done:
			doFlush()
			return

		case chunk, ok := <-s.audio:
			if !ok {
				doFlush()
				return
			}
			if chunk == nil {
				doFlush()
				continue
			}

			rms := computeRMS(chunk)
			chunkMs := chunkDurationMs(chunk, s.sampleRate)

			if rms < defaultRMSThreshold {
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= s.silenceThresholdMs {
						doFlush()
					}
				}
			} else {
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					doFlush()
				}
			}
		}
	}
}

func (s *stream) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32(pcm)

	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	if s.language != "" {
		if err := wctx.SetLanguage(s.language); err != nil {
			slog.Warn("whispercpp: failed to set language, using default", "language", s.language, "error", err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// pcmToFloat32 converts 16-bit signed little-endian mono PCM to float32
// samples normalised to [-1.0, 1.0].
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func chunkDurationMs(chunk []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * (bitsPerSample / 8)
	return len(chunk) * 1000 / bytesPerSec
}
