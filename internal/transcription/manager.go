// Package transcription implements the per-session TranscriptionManager:
// owns one provider-backed StreamInstance per subscribed transcription or
// translation key, diffs subscription changes into stream starts/stops,
// retries and fails over on provider errors, and fans out results to
// subscribed Apps.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/observe"
	tp "github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

// State is a StreamInstance's lifecycle stage.
type State int

const (
	StateInitializing State = iota
	StateReady
	StateActive
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AppSender is the narrow outbound interface used to fan transcripts out to
// subscribed Apps, implemented by [appmanager.AppManager].
type AppSender interface {
	Send(ctx context.Context, packageName string, payload any) error
}

// SubscriberLookup resolves which packages are subscribed to an effective
// stream key, implemented by [subscription.Index].
type SubscriberLookup interface {
	Subscribers(effectiveKey string) []string
}

// StreamInstance is one open provider-backed recognition or translation
// session, keyed by its effective subscription key.
type StreamInstance struct {
	Key       string
	Provider  string
	State     State
	CreatedAt time.Time
	ReadyAt   time.Time

	mu             sync.Mutex
	lastActivity   time.Time
	consecutiveErr int
	handle         tp.StreamHandle
	cancel         context.CancelFunc
}

func (s *StreamInstance) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *StreamInstance) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Config groups the constructor arguments for [New].
type Config struct {
	SessionID       string
	Provider        tp.Provider
	Subscribers     SubscriberLookup
	Sender          AppSender
	Budget          *Budget
	SampleRate      int
	IdleTimeout     time.Duration
	BufferCapacity  int
	ForceFlushEvery time.Duration
	Metrics         *observe.Metrics
	Logger          *slog.Logger
}

// Manager owns every open StreamInstance for one user session.
type Manager struct {
	sessionID   string
	provider    tp.Provider
	subs        SubscriberLookup
	sender      AppSender
	budget      *Budget
	sampleRate  int
	idleTimeout time.Duration
	bufferCap   int
	metrics     *observe.Metrics
	log         *slog.Logger

	mu       sync.Mutex
	streams  map[string]*StreamInstance
	disposed bool

	// speaking holds the most recent glasses-reported vad{status:bool}
	// signal. It is set externally via SetSpeaking,
	// never computed from PCM.
	speaking bool

	initOnce sync.Once
	initErr  error
	initDone chan struct{}
}

// New creates a [Manager] for one user session. The provider is typically a
// [resilience.TranscriptionFallback] composing several backends.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}
	bufCap := cfg.BufferCapacity
	if bufCap <= 0 {
		bufCap = 50
	}
	m := &Manager{
		sessionID:   cfg.SessionID,
		provider:    cfg.Provider,
		subs:        cfg.Subscribers,
		sender:      cfg.Sender,
		budget:      cfg.Budget,
		sampleRate:  cfg.SampleRate,
		idleTimeout: idle,
		bufferCap:   bufCap,
		metrics:     metrics,
		log:         logger,
		streams:     make(map[string]*StreamInstance),
		initDone:    make(chan struct{}),
	}
	return m
}

// ensureInitialized is a one-shot readiness barrier: the manager is usable
// the moment it's constructed (the provider is passed in already built), so
// this simply closes initDone. It exists as the documented hook future
// async provider warm-up would block on.
func (m *Manager) ensureInitialized() error {
	m.initOnce.Do(func() {
		close(m.initDone)
	})
	return m.initErr
}

// isSpeaking reports the most recent glasses-reported vad signal, used to
// fast-start a stream opened while the wearer is already mid-utterance.
func (m *Manager) isSpeaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// SetSpeaking records the glasses-reported vad{status:bool} signal. A
// speaking→silent transition flushes every active
// stream's buffered partial results into finals via OnSpeechEnd; a
// silent→speaking transition is read by the next startStream's FastStart so
// a freshly opened stream replays buffered audio.
func (m *Manager) SetSpeaking(ctx context.Context, speaking bool) {
	m.mu.Lock()
	was := m.speaking
	m.speaking = speaking
	m.mu.Unlock()

	if was && !speaking {
		m.OnSpeechEnd(ctx)
	}
}

// parseKey extracts a [tp.StreamConfig] from an effective subscription key
// such as "transcription:en-US" or "translation:es-to-en".
func parseKey(key string, sampleRate int, fastStart bool) (tp.StreamConfig, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return tp.StreamConfig{}, fmt.Errorf("transcription: malformed subscription key %q", key)
	}
	switch parts[0] {
	case "transcription":
		return tp.StreamConfig{Kind: tp.KindTranscription, SampleRate: sampleRate, Transcribe: parts[1], FastStart: fastStart}, nil
	case "translation":
		langs := strings.SplitN(parts[1], "-to-", 2)
		if len(langs) != 2 {
			return tp.StreamConfig{}, fmt.Errorf("transcription: malformed translation key %q", key)
		}
		return tp.StreamConfig{Kind: tp.KindTranslation, SampleRate: sampleRate, Transcribe: langs[0], Translate: langs[1], FastStart: fastStart}, nil
	default:
		return tp.StreamConfig{}, fmt.Errorf("transcription: unknown subscription kind %q", parts[0])
	}
}

// UpdateSubscriptions diffs desiredKeys against currently open streams,
// starting new StreamInstances and closing ones no longer subscribed.
func (m *Manager) UpdateSubscriptions(ctx context.Context, desiredKeys []string) error {
	if err := m.ensureInitialized(); err != nil {
		return err
	}

	desired := make(map[string]struct{}, len(desiredKeys))
	for _, k := range desiredKeys {
		desired[k] = struct{}{}
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return errors.New("transcription: manager disposed")
	}
	var toStart []string
	for k := range desired {
		if _, ok := m.streams[k]; !ok {
			toStart = append(toStart, k)
		}
	}
	var toStop []*StreamInstance
	for k, s := range m.streams {
		if _, ok := desired[k]; !ok {
			toStop = append(toStop, s)
			delete(m.streams, k)
		}
	}
	m.mu.Unlock()

	for _, s := range toStop {
		m.closeStream(s)
	}

	var errs []error
	for _, k := range toStart {
		if err := m.startStream(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) startStream(ctx context.Context, key string) error {
	if m.budget != nil && !m.budget.Acquire() {
		return fmt.Errorf("transcription: stream budget exhausted, key %q", key)
	}

	cfg, err := parseKey(key, m.sampleRate, m.isSpeaking())
	if err != nil {
		if m.budget != nil {
			m.budget.Release()
		}
		return err
	}

	start := time.Now()
	handle, err := m.provider.StartStream(ctx, cfg)
	m.metrics.TranscriptionStreamInitDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if m.budget != nil {
			m.budget.Release()
		}
		m.metrics.RecordProviderError(ctx, "unknown", "start_failed")
		return fmt.Errorf("transcription: start stream %q: %w", key, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	inst := &StreamInstance{
		Key:          key,
		State:        StateReady,
		CreatedAt:    start,
		ReadyAt:      time.Now(),
		lastActivity: time.Now(),
		handle:       handle,
		cancel:       cancel,
	}

	m.mu.Lock()
	m.streams[key] = inst
	m.mu.Unlock()

	m.metrics.ActiveTranscriptionStreams.Add(ctx, 1)
	go m.readLoop(streamCtx, key, inst)
	go m.idleLoop(streamCtx, key, inst)

	return nil
}

func (m *Manager) readLoop(ctx context.Context, key string, inst *StreamInstance) {
	for {
		select {
		case <-ctx.Done():
			return
		case transcript, ok := <-inst.handle.Results():
			if !ok {
				return
			}
			inst.mu.Lock()
			inst.State = StateActive
			inst.mu.Unlock()
			inst.touch()
			m.publish(ctx, key, transcript)
		case err, ok := <-inst.handle.Errors():
			if !ok {
				return
			}
			m.handleStreamError(ctx, key, inst, err)
			return
		}
	}
}

func (m *Manager) publish(ctx context.Context, key string, transcript types.Transcript) {
	for _, pkg := range m.subs.Subscribers(key) {
		if err := m.sender.Send(ctx, pkg, transcript); err != nil {
			m.log.Warn("failed to deliver transcript", "package", pkg, "key", key, "err", err)
		}
	}
}

// handleStreamError classifies err and either restarts the stream (on
// transient or rate-limited classes) or gives up (fatal), removing it from
// the active set.
func (m *Manager) handleStreamError(ctx context.Context, key string, inst *StreamInstance, err error) {
	class := tp.Classify(err)
	m.metrics.RecordProviderError(ctx, inst.Provider, classLabel(class))

	m.mu.Lock()
	if m.disposed || m.streams[key] != inst {
		m.mu.Unlock()
		return
	}
	inst.mu.Lock()
	inst.consecutiveErr++
	attempts := inst.consecutiveErr
	inst.State = StateError
	inst.mu.Unlock()
	m.mu.Unlock()

	if class == tp.RetryClassFatal || attempts > 5 {
		m.log.Warn("transcription stream failed permanently", "key", key, "err", err)
		m.removeStream(key, inst)
		return
	}

	delay := backoffForClass(class, attempts)
	m.log.Warn("transcription stream error, retrying", "key", key, "class", class, "attempt", attempts, "delay", delay, "err", err)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		m.removeStream(key, inst)
		return
	}

	m.removeStream(key, inst)
	if startErr := m.startStream(ctx, key); startErr != nil {
		m.log.Error("transcription stream restart failed", "key", key, "err", startErr)
	}
}

func classLabel(c tp.RetryClass) string {
	switch c {
	case tp.RetryClassTransient:
		return "transient"
	case tp.RetryClassRateLimited:
		return "rate_limited"
	case tp.RetryClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// backoffForClass implements retry policy: doubled-linear (2s per attempt)
// for transient errors, exponential capped at 60s for rate limiting, and
// linear (1s per attempt) for any other class.
func backoffForClass(class tp.RetryClass, attempt int) time.Duration {
	switch class {
	case tp.RetryClassRateLimited:
		d := time.Second * time.Duration(1<<uint(attempt))
		if d > 60*time.Second {
			d = 60 * time.Second
		}
		return d
	case tp.RetryClassTransient:
		return time.Duration(attempt*2) * time.Second
	default:
		return time.Duration(attempt) * time.Second
	}
}

func (m *Manager) removeStream(key string, inst *StreamInstance) {
	m.mu.Lock()
	if m.streams[key] == inst {
		delete(m.streams, key)
	}
	m.mu.Unlock()
	m.closeStream(inst)
}

func (m *Manager) closeStream(inst *StreamInstance) {
	inst.cancel()
	_ = inst.handle.Close()
	inst.mu.Lock()
	inst.State = StateClosed
	inst.mu.Unlock()
	if m.budget != nil {
		m.budget.Release()
	}
	m.metrics.ActiveTranscriptionStreams.Add(context.Background(), -1)
}

// idleLoop closes inst once it has seen no activity for longer than
// idleTimeout.
func (m *Manager) idleLoop(ctx context.Context, key string, inst *StreamInstance) {
	ticker := time.NewTicker(m.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if inst.idleSince() > m.idleTimeout {
				m.log.Info("closing idle transcription stream", "key", key)
				m.removeStream(key, inst)
				return
			}
		}
	}
}

// FeedAudio writes chunk to every open stream. Errors from individual
// streams are logged, not returned, so one bad provider doesn't stop audio
// delivery to the others. Speaking/silent state is driven externally by
// [Manager.SetSpeaking], not computed from chunk.
func (m *Manager) FeedAudio(chunk []byte) {
	m.mu.Lock()
	streams := make([]*StreamInstance, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		if err := s.handle.SendAudio(chunk); err != nil {
			m.log.Warn("send audio failed", "key", s.Key, "err", err)
			continue
		}
		s.touch()
	}
}

// OnSpeechEnd forces every active stream to flush buffered partial results
// into finals, used on a VAD speaking→silent transition.
func (m *Manager) OnSpeechEnd(ctx context.Context) {
	m.mu.Lock()
	streams := make([]*StreamInstance, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		if err := s.handle.FinalizePending(ctx); err != nil && !errors.Is(err, tp.ErrNotSupported) {
			m.log.Warn("finalize pending failed", "key", s.Key, "err", err)
		}
	}
}

// ActiveStreamCount returns the number of currently open streams.
func (m *Manager) ActiveStreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Dispose closes every open stream. Safe to call more than once.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	streams := m.streams
	m.streams = make(map[string]*StreamInstance)
	m.mu.Unlock()

	for _, s := range streams {
		m.closeStream(s)
	}
}
