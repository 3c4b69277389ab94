// Package azure implements a transcription.Provider backed by an Azure-like
// streaming speech API: a duplex push-stream that first emits a session
// lifecycle event ("session started") before any recognition event, and
// surfaces "recognizing" (interim) / "recognized" (final) / "canceled"
// events afterward. This lifecycle handshake is what makes the Azure-like
// shape distinct from the Soniox-like shape, which emits tokens directly.
package azure

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

const defaultEndpoint = "wss://%s.stt.speech.microsoft.com/speech/universal/v2"

// Option configures a Provider.
type Option func(*Provider)

// WithEndpoint overrides the full WebSocket endpoint (tests point this at a
// local fake server instead of a region-templated Azure URL).
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// Provider implements transcription.Provider backed by the Azure Speech
// streaming API.
type Provider struct {
	subscriptionKey string
	region          string
	endpoint        string

	mu      sync.Mutex
	healthy bool
}

// New creates an azure Provider for the given region and subscription key.
func New(region, subscriptionKey string, opts ...Option) (*Provider, error) {
	if subscriptionKey == "" {
		return nil, errors.New("azure: subscriptionKey must not be empty")
	}
	p := &Provider{
		subscriptionKey: subscriptionKey,
		region:          region,
		endpoint:        fmt.Sprintf(defaultEndpoint, region),
		healthy:         true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return "azure" }

func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *Provider) RecordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = false
}

// StartStream opens a new Azure-style recognition session and blocks until
// the provider confirms the session has started (or ctx expires), matching
// the real handshake a push-stream-based client must perform.
func (p *Provider) StartStream(ctx context.Context, cfg transcription.StreamConfig) (transcription.StreamHandle, error) {
	headers := http.Header{}
	headers.Set("Ocp-Apim-Subscription-Key", p.subscriptionKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("azure: dial: %w", err)
	}

	speechCfg := speechConfigEvent{
		Type:     "speech.config",
		Language: cfg.Transcribe,
		Format:   "simple",
	}
	if cfg.Kind == transcription.KindTranslation {
		speechCfg.TranslateTo = []string{cfg.Translate}
	}
	payload, err := json.Marshal(speechCfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal config")
		return nil, fmt.Errorf("azure: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		conn.Close(websocket.StatusInternalError, "write config")
		return nil, fmt.Errorf("azure: write config: %w", err)
	}

	s := &stream{
		conn:     conn,
		results:  make(chan types.Transcript, 64),
		errorsCh: make(chan error, 1),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
		started:  make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop(ctx)

	// Block until the provider's "session started" lifecycle event arrives,
	// or the stream failed before emitting one.
	select {
	case <-s.started:
	case <-s.errorsCh:
		s.Close()
		return nil, fmt.Errorf("azure: session failed to start")
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}

	p.mu.Lock()
	p.healthy = true
	p.mu.Unlock()

	return s, nil
}

// speechConfigEvent is the initial configuration message sent on connect.
type speechConfigEvent struct {
	Type        string   `json:"type"`
	Language    string   `json:"language"`
	Format      string   `json:"format"`
	TranslateTo []string `json:"translateTo,omitempty"`
}

// lifecycleEvent is the envelope for every inbound Azure-style event.
type lifecycleEvent struct {
	Type   string `json:"type"` // "session.started" | "recognizing" | "recognized" | "canceled"
	Result struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		OffsetMs   int64   `json:"offsetMs"`
		Translated string  `json:"translated,omitempty"`
	} `json:"result"`
	Reason     string `json:"reason,omitempty"`     // canceled reason
	ErrorCode  int    `json:"errorCode,omitempty"`
	ErrorText  string `json:"errorText,omitempty"`
}

type stream struct {
	conn *websocket.Conn

	results  chan types.Transcript
	errorsCh chan error
	audio    chan []byte

	done    chan struct{}
	started chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

var _ transcription.StreamHandle = (*stream)(nil)

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("azure: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("azure: stream is closed")
	}
}

func (s *stream) Results() <-chan types.Transcript { return s.results }

func (s *stream) Errors() <-chan error { return s.errorsCh }

// FinalizePending is a no-op: the Azure-like protocol always emits
// "recognized" events as soon as an utterance boundary is detected, it does
// not buffer tokens awaiting an explicit flush the way Soniox does.
func (s *stream) FinalizePending(ctx context.Context) error {
	return nil
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"speech.end"}`))
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

func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	startedClosed := false
	closeStarted := func() {
		if !startedClosed {
			close(s.started)
			startedClosed = true
		}
	}

	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
			default:
				select {
				case s.errorsCh <- fmt.Errorf("azure: read: %w", err):
				default:
				}
			}
			close(s.errorsCh)
			closeStarted()
			return
		}

		var ev lifecycleEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "session.started":
			closeStarted()

		case "recognizing", "recognized":
			text := ev.Result.Text
			if ev.Result.Translated != "" {
				text = ev.Result.Translated
			}
			t := types.Transcript{
				Text:       text,
				IsFinal:    ev.Type == "recognized",
				Confidence: ev.Result.Confidence,
				Timestamp:  time.Duration(ev.Result.OffsetMs) * time.Millisecond,
			}
			select {
			case s.results <- t:
			case <-s.done:
				return
			}

		case "canceled":
			cls := transcription.RetryClassTransient
			switch ev.Reason {
			case "AuthenticationFailure", "Forbidden":
				cls = transcription.RetryClassFatal
			case "TooManyRequests":
				cls = transcription.RetryClassRateLimited
			}
			select {
			case s.errorsCh <- &transcription.ClassifiedError{
				Err:   fmt.Errorf("azure: canceled (%s): %s", ev.Reason, ev.ErrorText),
				Class: cls,
			}:
			default:
			}
			close(s.errorsCh)
			closeStarted()
			return
		}
	}
}
