package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/appmanager"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/audiorouter"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/display"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/media"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/subscription"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/transcription"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

// GlassesLink is the outbound half of the glasses duplex connection.
type GlassesLink interface {
	Send(ctx context.Context, v any) error
	Close(code types.CloseCode, reason string) error
}

// UserSession is the root object for one user's glasses connection: it
// owns the App lifecycle manager, subscription index, transcription
// manager, and audio router for that user, plus the glasses link itself.
type UserSession struct {
	UserID    string
	StartTime time.Time

	Apps          *appmanager.AppManager
	Subscriptions *subscription.Index
	Transcription *transcription.Manager
	Audio         *audiorouter.Router
	Display       *display.DisplayManager
	Dashboard     *display.DashboardManager
	Video         *media.VideoManager
	Photo         *media.PhotoManager
	Stream        *media.ManagedStreamingExtension

	mu             sync.Mutex
	glassesLink    GlassesLink
	disconnectedAt *time.Time
	cleanupTimer   *time.Timer

	closers  []func()
	disposed bool
}

// Deps groups the already-constructed per-session collaborators that
// [NewSession] wires together. These are built by the caller (typically
// Registry's session factory) since each depends on session-scoped
// configuration (provider stack, catalog, webhook client, etc).
type Deps struct {
	UserID        string
	Link          GlassesLink
	Apps          *appmanager.AppManager
	Subscriptions *subscription.Index
	Transcription *transcription.Manager
	Audio         *audiorouter.Router
	Display       *display.DisplayManager
	Dashboard     *display.DashboardManager
	Video         *media.VideoManager
	Photo         *media.PhotoManager
	Stream        *media.ManagedStreamingExtension
	Closers       []func()
}

// NewSession constructs a [UserSession] from already-built collaborators.
func NewSession(d Deps) *UserSession {
	return &UserSession{
		UserID:        d.UserID,
		StartTime:     time.Now(),
		Apps:          d.Apps,
		Subscriptions: d.Subscriptions,
		Transcription: d.Transcription,
		Audio:         d.Audio,
		Display:       d.Display,
		Dashboard:     d.Dashboard,
		Video:         d.Video,
		Photo:         d.Photo,
		Stream:        d.Stream,
		glassesLink:   d.Link,
		closers:       d.Closers,
	}
}

// GlassesLink returns the current outbound glasses connection, or nil if
// disconnected.
func (s *UserSession) GlassesLink() GlassesLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.glassesLink
}

// Reconnect installs a new glasses link and cancels any pending cleanup
// timer, clearing the disconnected state.
func (s *UserSession) Reconnect(link GlassesLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.glassesLink = link
	s.disconnectedAt = nil
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
}

// MarkDisconnected clears the glasses link and records the disconnect time.
// The caller (Registry) is responsible for scheduling the cleanup sweep.
func (s *UserSession) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.glassesLink = nil
	now := time.Now()
	s.disconnectedAt = &now
}

// DisconnectedSince reports how long the session has been without a
// glasses link, or false if currently connected.
func (s *UserSession) DisconnectedSince() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnectedAt == nil {
		return 0, false
	}
	return time.Since(*s.disconnectedAt), true
}

func (s *UserSession) setCleanupTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupTimer = t
}

// Dispose tears down every subordinate collaborator in reverse
// registration order. Safe to call more than once.
func (s *UserSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	link := s.glassesLink
	s.glassesLink = nil
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
	closers := s.closers
	s.mu.Unlock()

	s.Apps.Dispose()
	s.Transcription.Dispose()
	if s.Stream != nil && s.Stream.Active() {
		_ = s.Stream.StopStream(context.Background())
	}

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}

	if link != nil {
		_ = link.Close(types.CloseGoingAway, "session ended")
	}
}
