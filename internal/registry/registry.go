// Package registry implements the SessionRegistry: the single map of every
// active [UserSession], keyed by user ID, with reconnect-aware acquisition
// and a timed sweep that disposes sessions left disconnected too long.
package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Factory builds a brand-new [UserSession] for userID the first time it is
// acquired. It's supplied by the caller (main) since a session needs a
// catalog, provider stack, and webhook client that outlive any one session.
type Factory func(userID string, link GlassesLink) *UserSession

// Registry is the single-writer map of active sessions.
type Registry struct {
	factory         Factory
	cleanupInterval time.Duration
	log             *slog.Logger

	mu       sync.Mutex
	sessions map[string]*UserSession
}

// New creates an empty [Registry]. cleanupInterval is how long a
// disconnected session is kept before being disposed (default 60s per
// config.SessionConfig.DisconnectCleanupInterval).
func New(factory Factory, cleanupInterval time.Duration, logger *slog.Logger) *Registry {
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:         factory,
		cleanupInterval: cleanupInterval,
		log:             logger,
		sessions:        make(map[string]*UserSession),
	}
}

// Acquire returns the session for userID, creating one via the factory if
// none exists. If a session already exists, link replaces its glasses
// connection and any pending cleanup sweep is cancelled — this is the
// reconnect path.
func (r *Registry) Acquire(userID string, link GlassesLink) (sess *UserSession, reconnected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[userID]; ok {
		existing.Reconnect(link)
		return existing, true
	}

	sess = r.factory(userID, link)
	r.sessions[userID] = sess
	return sess, false
}

// Get returns the session for userID without creating one.
func (r *Registry) Get(userID string) (*UserSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Remove disposes and removes the session for userID, if present.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	if ok {
		sess.Dispose()
	}
}

// NotifyDisconnected marks userID's session as disconnected and schedules a
// cleanup sweep after the configured interval. If the session reconnects
// before the sweep fires (Reconnect cancels the timer), the sweep becomes a
// no-op.
func (r *Registry) NotifyDisconnected(userID string) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	r.mu.Unlock()
	if !ok {
		return
	}

	sess.MarkDisconnected()
	timer := time.AfterFunc(r.cleanupInterval, func() {
		r.sweep(userID)
	})
	sess.setCleanupTimer(timer)
}

// sweep removes userID's session if it is still disconnected past the
// cleanup interval. Guards against the race where the session reconnected
// (or a new session under the same user ID was installed) between the
// timer firing and this running.
func (r *Registry) sweep(userID string) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	since, disconnected := sess.DisconnectedSince()
	if !disconnected || since < r.cleanupInterval {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	r.mu.Unlock()

	r.log.Info("disposing session after disconnect cleanup interval", "user_id", userID, "disconnected_for", since)
	sess.Dispose()
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Range calls fn for every active session, stopping early if fn returns
// false. Used by the admin HTTP surface to list sessions.
func (r *Registry) Range(fn func(userID string, sess *UserSession) bool) {
	r.mu.Lock()
	snapshot := make(map[string]*UserSession, len(r.sessions))
	for k, v := range r.sessions {
		snapshot[k] = v
	}
	r.mu.Unlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// DisposeAll disposes every active session, used on process shutdown.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*UserSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Dispose()
	}
}
