// Package soniox implements a transcription.Provider backed by a Soniox-like
// streaming recognition API: a single duplex WebSocket carrying both audio
// frames (outbound) and tokenised JSON results (inbound), with explicit
// end-of-utterance finalisation on request.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

const defaultEndpoint = "wss://stt-rt.soniox.com/transcribe-websocket"

// Option configures a Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint (used in tests to point at a
// local fake server).
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// Provider implements transcription.Provider backed by the Soniox streaming API.
type Provider struct {
	apiKey   string
	endpoint string

	mu      sync.Mutex
	healthy bool
}

// New creates a Soniox Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{apiKey: apiKey, endpoint: defaultEndpoint, healthy: true}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return "soniox" }

func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// RecordFailure marks the provider unhealthy, as reported by Healthy.
// Cleared the next time a stream starts successfully.
func (p *Provider) RecordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = false
}

// StartStream opens a new Soniox streaming session and sends the initial
// configuration message.
func (p *Provider) StartStream(ctx context.Context, cfg transcription.StreamConfig) (transcription.StreamHandle, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("soniox: dial: %w", err)
	}

	init := sonioxInit{
		APIKey:         p.apiKey,
		Model:          "stt-rt-v3",
		AudioFormat:    "pcm_s16le",
		SampleRate:     cfg.SampleRate,
		NumChannels:    1,
		Language:       cfg.Transcribe,
		EnableEndpoint: true,
	}
	if cfg.Kind == transcription.KindTranslation {
		init.TranslationTarget = cfg.Translate
	}
	payload, err := json.Marshal(init)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal init")
		return nil, fmt.Errorf("soniox: marshal init: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "write init")
		return nil, fmt.Errorf("soniox: write init: %w", err)
	}

	s := &stream{
		conn:      conn,
		results:   make(chan types.Transcript, 64),
		errorsCh:  make(chan error, 1),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
		finalized: make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	p.mu.Lock()
	p.healthy = true
	p.mu.Unlock()

	return s, nil
}

type sonioxInit struct {
	APIKey            string `json:"api_key"`
	Model             string `json:"model"`
	AudioFormat       string `json:"audio_format"`
	SampleRate        int    `json:"sample_rate"`
	NumChannels       int    `json:"num_channels"`
	Language          string `json:"language,omitempty"`
	TranslationTarget string `json:"translation_target,omitempty"`
	EnableEndpoint    bool   `json:"enable_endpoint"`
}

// sonioxToken is a single recognised token in a Soniox result frame.
type sonioxToken struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Speaker    string  `json:"speaker,omitempty"`
}

type sonioxResponse struct {
	Tokens    []sonioxToken `json:"tokens"`
	ErrorCode int           `json:"error_code,omitempty"`
	ErrorMsg  string        `json:"error_message,omitempty"`
	Finished  bool          `json:"finished,omitempty"`
}

type stream struct {
	conn *websocket.Conn

	results  chan types.Transcript
	errorsCh chan error
	audio    chan []byte

	done      chan struct{}
	finalized chan struct{}
	once      sync.Once
	finOnce   sync.Once
	wg        sync.WaitGroup
}

var _ transcription.StreamHandle = (*stream)(nil)

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("soniox: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("soniox: stream is closed")
	}
}

func (s *stream) Results() <-chan types.Transcript { return s.results }

func (s *stream) Errors() <-chan error { return s.errorsCh }

// FinalizePending sends Soniox's {"type":"finalize"} control message, which
// forces the buffered recognizer to emit final tokens for everything heard
// so far.
func (s *stream) FinalizePending(ctx context.Context) error {
	select {
	case <-s.done:
		return errors.New("soniox: stream is closed")
	default:
	}
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"finalize"}`)); err != nil {
		return fmt.Errorf("soniox: finalize: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"close"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				select {
				case s.errorsCh <- fmt.Errorf("soniox: read: %w", err):
				default:
				}
			}
			close(s.errorsCh)
			return
		}

		var resp sonioxResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.ErrorCode != 0 {
			cls := transcription.RetryClassTransient
			switch resp.ErrorCode {
			case 401, 403:
				cls = transcription.RetryClassFatal
			case 429:
				cls = transcription.RetryClassRateLimited
			}
			select {
			case s.errorsCh <- &transcription.ClassifiedError{
				Err:   fmt.Errorf("soniox: %s", resp.ErrorMsg),
				Class: cls,
			}:
			default:
			}
			close(s.errorsCh)
			return
		}

		for _, tok := range resp.Tokens {
			t := types.Transcript{
				Text:       tok.Text,
				IsFinal:    tok.IsFinal,
				Confidence: tok.Confidence,
				SpeakerID:  tok.Speaker,
				Timestamp:  time.Duration(tok.StartMs) * time.Millisecond,
			}
			select {
			case s.results <- t:
			case <-s.done:
				return
			}
		}
	}
}
