package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
)

// ErrStreamNotActive is returned by StopStream when no managed stream is
// running for the session.
var ErrStreamNotActive = errors.New("media: no managed stream active")

// CloudIngest is the external managed-streaming provider: it accepts a
// room/track identity and returns ingest endpoint details, and must be
// pinged periodically to keep the relay alive. Implemented by the cloud
// ingest provider, out of scope here.
type CloudIngest interface {
	StartIngest(ctx context.Context, identity RoomIdentity) (ingestURL string, err error)
	KeepAlive(ctx context.Context, ingestURL string) error
	StopIngest(ctx context.Context, ingestURL string) error
}

// ManagedStreamingExtension owns the single managed RTMP/cloud-ingest
// stream for one session: starting it, running its keep-alive loop, and
// tearing it down. Only one managed stream is active per
// session at a time.
type ManagedStreamingExtension struct {
	ingest         CloudIngest
	keepAliveEvery time.Duration
	log            *slog.Logger

	mu        sync.Mutex
	ingestURL string
	cancel    context.CancelFunc
}

// NewManagedStreamingExtension creates a [ManagedStreamingExtension].
// keepAliveEvery defaults to 10s if non-positive.
func NewManagedStreamingExtension(ingest CloudIngest, keepAliveEvery time.Duration, logger *slog.Logger) *ManagedStreamingExtension {
	if keepAliveEvery <= 0 {
		keepAliveEvery = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ManagedStreamingExtension{ingest: ingest, keepAliveEvery: keepAliveEvery, log: logger}
}

// StartStream starts a managed stream for userID and begins its keep-alive
// loop. Starting a second stream while one is active replaces it.
func (m *ManagedStreamingExtension) StartStream(ctx context.Context, userID string) (string, error) {
	identity := NewRoomIdentity(userID)
	url, err := m.ingest.StartIngest(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("media: start managed stream: %w", err)
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.ingestURL = url
	m.cancel = cancel
	m.mu.Unlock()

	go m.keepAliveLoop(loopCtx, url)
	return url, nil
}

func (m *ManagedStreamingExtension) keepAliveLoop(ctx context.Context, url string) {
	ticker := time.NewTicker(m.keepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.ingest.KeepAlive(ctx, url); err != nil {
				m.log.Warn("managed stream keep-alive failed", "url", url, "err", err)
			}
		}
	}
}

// StopStream tears down the active managed stream, if any.
func (m *ManagedStreamingExtension) StopStream(ctx context.Context) error {
	m.mu.Lock()
	url := m.ingestURL
	cancel := m.cancel
	m.ingestURL = ""
	m.cancel = nil
	m.mu.Unlock()

	if url == "" {
		return ErrStreamNotActive
	}
	if cancel != nil {
		cancel()
	}
	return m.ingest.StopIngest(ctx, url)
}

// Active reports whether a managed stream is currently running.
func (m *ManagedStreamingExtension) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ingestURL != ""
}

// PublishedTracks reports which track types the managed stream publishes:
// the microphone audio track always, camera video only while VideoManager
// currently grants it.
func (m *ManagedStreamingExtension) PublishedTracks(videoActive bool) []livekit.TrackType {
	kinds := []livekit.TrackType{livekit.TrackType_AUDIO}
	if videoActive {
		kinds = append(kinds, livekit.TrackType_VIDEO)
	}
	return kinds
}
