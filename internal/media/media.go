// Package media implements the thin arbitration shims for C7
// (VideoManager/PhotoManager/ManagedStreamingExtension): single-holder
// camera arbitration, one-shot photo request correlation, and the
// keep-alive loop around a managed RTMP/cloud-ingest stream. The camera
// hardware, RTMP relay topology and cloud ingest provider are external
// collaborators out of scope here; this package only owns the arbitration
// and fan-out logic around them.
package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	"golang.org/x/time/rate"
)

// ErrCameraBusy is returned when a second App requests video while another
// App already holds the camera.
var ErrCameraBusy = errors.New("media: camera already held by another app")

// ErrNotHolder is returned when a package tries to stop video it does not
// hold.
var ErrNotHolder = errors.New("media: package does not hold the camera")

// ErrPhotoRateLimited is returned when a package requests a photo faster
// than the camera can reasonably service it.
var ErrPhotoRateLimited = errors.New("media: photo request rate limit exceeded")

// PhotoRequestBurst is the number of photo requests a package may make in
// quick succession before [PhotoManager] starts rejecting them with
// [ErrPhotoRateLimited].
const PhotoRequestBurst = 3

const photoRequestRate rate.Limit = 1
const photoRequestBurst = PhotoRequestBurst

// VideoManager arbitrates exclusive access to the camera: at most one App
// may stream video at a time.
type VideoManager struct {
	mu     sync.Mutex
	holder string
}

// NewVideoManager creates a [VideoManager].
func NewVideoManager() *VideoManager {
	return &VideoManager{}
}

// RequestVideo grants pkg exclusive camera access, or returns
// [ErrCameraBusy] if another package already holds it.
func (v *VideoManager) RequestVideo(pkg string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.holder != "" && v.holder != pkg {
		return ErrCameraBusy
	}
	v.holder = pkg
	return nil
}

// StopVideo releases pkg's hold on the camera. Returns [ErrNotHolder] if
// pkg does not currently hold it.
func (v *VideoManager) StopVideo(pkg string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.holder != pkg {
		return ErrNotHolder
	}
	v.holder = ""
	return nil
}

// Holder returns the package currently holding the camera, or "".
func (v *VideoManager) Holder() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.holder
}

// ReleaseApp releases the camera if pkg holds it, used when an App stops.
func (v *VideoManager) ReleaseApp(pkg string) {
	_ = v.StopVideo(pkg)
}

// PhotoRequest is one in-flight photo capture request, correlated by a
// generated request ID since photo capture is fire-and-forget from the
// requesting App's perspective (the result arrives later as a
// photo_response, keyed by this ID).
type PhotoRequest struct {
	RequestID   string
	PackageName string
	CreatedAt   time.Time
}

// PhotoCapturer takes a photo and returns the captured asset's URL,
// implemented by the glasses-side camera bridge (out of scope here).
type PhotoCapturer interface {
	Capture(ctx context.Context) (url string, err error)
}

// PhotoManager tracks in-flight photo requests by correlation ID so a
// late-arriving result can be routed back to the requesting App.
type PhotoManager struct {
	capturer PhotoCapturer
	log      *slog.Logger

	mu       sync.Mutex
	pending  map[string]PhotoRequest
	limiters map[string]*rate.Limiter
}

// NewPhotoManager creates a [PhotoManager].
func NewPhotoManager(capturer PhotoCapturer, logger *slog.Logger) *PhotoManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhotoManager{
		capturer: capturer,
		log:      logger,
		pending:  make(map[string]PhotoRequest),
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow reports whether pkg may make another photo request right now,
// lazily creating its token bucket on first use.
func (p *PhotoManager) allow(pkg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[pkg]
	if !ok {
		l = rate.NewLimiter(photoRequestRate, photoRequestBurst)
		p.limiters[pkg] = l
	}
	return l.Allow()
}

// RequestPhoto registers a new photo request for pkg and returns its
// correlation ID immediately; the capture itself runs in the background.
// Returns "" if pkg has exceeded its photo request rate limit.
func (p *PhotoManager) RequestPhoto(ctx context.Context, pkg string) string {
	if !p.allow(pkg) {
		p.log.Warn("photo request rate limited", "package", pkg)
		return ""
	}
	req := PhotoRequest{RequestID: uuid.NewString(), PackageName: pkg, CreatedAt: time.Now()}

	p.mu.Lock()
	p.pending[req.RequestID] = req
	p.mu.Unlock()

	go p.capture(ctx, req)
	return req.RequestID
}

// RegisterPending records a photo request whose capture happens entirely
// on the glasses side (the caller forwards PHOTO_REQUEST over the glasses
// link itself); the returned request's ID correlates the eventual
// photo_response, looked up via [PhotoManager.Resolve]. Returns
// [ErrPhotoRateLimited] if pkg has exceeded its photo request rate.
func (p *PhotoManager) RegisterPending(pkg string) (PhotoRequest, error) {
	if !p.allow(pkg) {
		return PhotoRequest{}, ErrPhotoRateLimited
	}
	req := PhotoRequest{RequestID: uuid.NewString(), PackageName: pkg, CreatedAt: time.Now()}
	p.mu.Lock()
	p.pending[req.RequestID] = req
	p.mu.Unlock()
	return req, nil
}

func (p *PhotoManager) capture(ctx context.Context, req PhotoRequest) {
	defer func() {
		p.mu.Lock()
		delete(p.pending, req.RequestID)
		p.mu.Unlock()
	}()

	if p.capturer == nil {
		return
	}
	if _, err := p.capturer.Capture(ctx); err != nil {
		p.log.Warn("photo capture failed", "package", req.PackageName, "request_id", req.RequestID, "err", err)
	}
}

// Pending reports whether requestID still has a capture in flight.
func (p *PhotoManager) Pending(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[requestID]
	return ok
}

// Resolve looks up the pending request for requestID without removing it,
// used to route a late-arriving photo_response (from the glasses-side
// camera bridge) back to the requesting App by package name.
func (p *PhotoManager) Resolve(requestID string) (PhotoRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.pending[requestID]
	return req, ok
}

// Complete removes requestID from the pending set once its result has been
// delivered to the requesting App.
func (p *PhotoManager) Complete(requestID string) {
	p.mu.Lock()
	delete(p.pending, requestID)
	p.mu.Unlock()
}

// RoomIdentity names the LiveKit room and local participant identity a
// session's managed stream publishes into. Modeled on the MentraOS
// cloud-livekit-bridge's per-user room convention: one room per session,
// named after the user ID.
type RoomIdentity struct {
	Room     *livekit.Room
	Identity string
}

// NewRoomIdentity builds the [RoomIdentity] for a session's managed
// stream: room name and local participant identity both derive from
// userID, matching the one-room-per-user convention the bridge relies on
// to route StreamAudio/JoinRoom calls back to the right session.
func NewRoomIdentity(userID string) RoomIdentity {
	return RoomIdentity{
		Room:     &livekit.Room{Name: "session-" + userID},
		Identity: userID,
	}
}

// TrackKind maps a managed-stream track to LiveKit's track type, used when
// publishing camera video alongside the existing microphone audio track.
func TrackKind(video bool) livekit.TrackType {
	if video {
		return livekit.TrackType_VIDEO
	}
	return livekit.TrackType_AUDIO
}
