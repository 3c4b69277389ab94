// Package appmanager implements per-session App lifecycle management: the
// RUNNING/GRACE_PERIOD/RESURRECTING/STOPPING/DISCONNECTED state machine for
// each installed App, webhook-based App startup, at-most-once message
// delivery, and resurrection of a disconnected App on the next message sent
// to it.
package appmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/config"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/observe"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
	"golang.org/x/sync/errgroup"
)

// State is the connection state of a single installed App within a session.
type State int

const (
	StateDisconnected State = iota
	StateResurrecting
	StateRunning
	StateGracePeriod
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateResurrecting:
		return "RESURRECTING"
	case StateRunning:
		return "RUNNING"
	case StateGracePeriod:
		return "GRACE_PERIOD"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Errors returned by AppManager operations.
var (
	ErrAppNotInstalled  = errors.New("appmanager: app not installed for this session")
	ErrAlreadyRunning   = errors.New("appmanager: app already running")
	ErrWebhookFailed    = errors.New("appmanager: webhook delivery failed")
	ErrDisposed         = errors.New("appmanager: manager disposed")
	ErrNoConnection     = errors.New("appmanager: app has no active connection")
)

// Link is the outbound half of an App's duplex connection, implemented by
// the App WebSocket endpoint.
type Link interface {
	Send(ctx context.Context, v any) error
	Close(code types.CloseCode, reason string) error
}

// AppRecord describes one App as known to the installed-App catalog.
type AppRecord struct {
	PackageName string
	PublicURL   string
	IsSystemApp bool
	// Settings holds the App's declared default settings (app
	// record "settings[]"). A user's per-App override, if any, is merged
	// on top of these in the CONNECTION_ACK sent on HandleAppInit.
	Settings map[string]any
}

// Catalog resolves package names to App metadata (webhook URL etc).
type Catalog interface {
	Lookup(packageName string) (AppRecord, bool)
}

// Webhook delivers the App-start webhook call.
type Webhook interface {
	Deliver(ctx context.Context, url string, payload StartPayload) error
}

// RunningAppsStore is the persisted-state boundary for the user record:
// which packages are currently running and each package's
// effective settings override. The storage engine behind it is out of
// scope; [MemoryRunningAppsStore] is the in-process default.
type RunningAppsStore interface {
	AddRunningApp(userID, packageName string) error
	RemoveRunningApp(userID, packageName string) error
	RunningApps(userID string) ([]string, error)
	GetAppSettings(userID, packageName string) (map[string]any, error)
}

// MemoryRunningAppsStore is the default in-process [RunningAppsStore], used
// when no external user-record store is configured.
type MemoryRunningAppsStore struct {
	mu       sync.Mutex
	running  map[string]map[string]struct{}
	settings map[string]map[string]map[string]any
}

// NewMemoryRunningAppsStore creates an empty [MemoryRunningAppsStore].
func NewMemoryRunningAppsStore() *MemoryRunningAppsStore {
	return &MemoryRunningAppsStore{
		running:  make(map[string]map[string]struct{}),
		settings: make(map[string]map[string]map[string]any),
	}
}

func (s *MemoryRunningAppsStore) AddRunningApp(userID, packageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[userID] == nil {
		s.running[userID] = make(map[string]struct{})
	}
	s.running[userID][packageName] = struct{}{}
	return nil
}

func (s *MemoryRunningAppsStore) RemoveRunningApp(userID, packageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running[userID], packageName)
	return nil
}

func (s *MemoryRunningAppsStore) RunningApps(userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkgs := make([]string, 0, len(s.running[userID]))
	for pkg := range s.running[userID] {
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

func (s *MemoryRunningAppsStore) GetAppSettings(userID, packageName string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[userID][packageName], nil
}

// SetAppSettings installs a user's per-App settings override, used by the
// (out-of-scope) settings HTTP surface to seed what HandleAppInit merges
// into CONNECTION_ACK.
func (s *MemoryRunningAppsStore) SetAppSettings(userID, packageName string, settings map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings[userID] == nil {
		s.settings[userID] = make(map[string]map[string]any)
	}
	s.settings[userID][packageName] = settings
}

var _ RunningAppsStore = (*MemoryRunningAppsStore)(nil)

// GlassesSender is the narrow interface AppManager uses to push
// APP_STATE_CHANGE notifications to the glasses link. It
// is supplied as a getter rather than a live reference so AppManager can be
// constructed before the UserSession that owns the glasses link exists
// (mirrors [registry.LinkRenderer]'s getter pattern).
type GlassesSender interface {
	Send(ctx context.Context, v any) error
}

// ConnectionAck is sent to an App immediately after HandleAppInit with the
// user's effective settings for that App.
type ConnectionAck struct {
	Type     string         `json:"type"`
	Settings map[string]any `json:"settings"`
}

// AppStateChange is broadcast to the glasses link whenever an App's
// lifecycle state changes.
type AppStateChange struct {
	Type        string `json:"type"`
	PackageName string `json:"packageName"`
	State       string `json:"state"`
}

// StartPayload is the body sent to an App's webhook on startApp.
type StartPayload struct {
	UserID        string `json:"userId"`
	PackageName   string `json:"packageName"`
	SessionID     string `json:"sessionId"`
	CorrelationID string `json:"correlationId"`
}

// PendingConnection tracks a single in-flight startApp call so that
// concurrent callers for the same package piggyback on one webhook attempt
// instead of issuing duplicates.
type PendingConnection struct {
	Package       string
	CorrelationID string
	StartTime     time.Time
	Timeout       time.Duration

	mu      sync.Mutex
	waiters []chan error
	done    bool
}

func newPendingConnection(pkg string, timeout time.Duration) *PendingConnection {
	return &PendingConnection{Package: pkg, CorrelationID: uuid.NewString(), StartTime: time.Now(), Timeout: timeout}
}

// wait registers the caller as a waiter and blocks until the pending
// connection resolves or ctx is cancelled.
func (p *PendingConnection) wait(ctx context.Context) error {
	ch := make(chan error, 1)
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil
	}
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve delivers err to every registered waiter exactly once.
func (p *PendingConnection) resolve(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	for _, ch := range p.waiters {
		ch <- err
		close(ch)
	}
}

type appEntry struct {
	record  AppRecord
	state   State
	link    Link
	pending *PendingConnection

	graceTimer *time.Timer
	cancel     context.CancelFunc
}

// AppManager owns the lifecycle of every installed App for a single
// UserSession.
type AppManager struct {
	userID    string
	catalog   Catalog
	webhook   Webhook
	cfg       config.WebhookConfig
	grace     time.Duration
	metrics   *observe.Metrics
	log       *slog.Logger
	store     RunningAppsStore
	glassesFn func() GlassesSender

	mu       sync.Mutex
	apps     map[string]*appEntry
	disposed bool
}

// Config groups the constructor arguments for [New].
type Config struct {
	UserID      string
	Catalog     Catalog
	Webhook     Webhook
	WebhookCfg  config.WebhookConfig
	GracePeriod time.Duration
	Metrics     *observe.Metrics
	Logger      *slog.Logger

	// Store persists which Apps are running and their settings overrides.
	// Defaults to an in-process [MemoryRunningAppsStore].
	Store RunningAppsStore

	// GlassesLinkFunc returns the current glasses link to notify of
	// APP_STATE_CHANGE events, or nil if disconnected. Optional.
	GlassesLinkFunc func() GlassesSender
}

// New creates an [AppManager] for one user session.
func New(cfg Config) *AppManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryRunningAppsStore()
	}
	return &AppManager{
		userID:    cfg.UserID,
		catalog:   cfg.Catalog,
		webhook:   cfg.Webhook,
		cfg:       cfg.WebhookCfg,
		grace:     grace,
		metrics:   metrics,
		log:       logger,
		store:     store,
		glassesFn: cfg.GlassesLinkFunc,
		apps:      make(map[string]*appEntry),
	}
}

// notifyGlasses best-effort sends v to the current glasses link, if any is
// configured and connected. Errors are logged, not returned: glasses
// notification is advisory and must never block App delivery.
func (m *AppManager) notifyGlasses(ctx context.Context, v any) {
	if m.glassesFn == nil {
		return
	}
	link := m.glassesFn()
	if link == nil {
		return
	}
	if err := link.Send(ctx, v); err != nil {
		m.log.Warn("glasses notification failed", "err", err)
	}
}

// effectiveSettings merges record's App-declared defaults with the user's
// persisted per-App override, the override winning on conflicting keys.
func (m *AppManager) effectiveSettings(record AppRecord) map[string]any {
	settings := make(map[string]any, len(record.Settings))
	for k, v := range record.Settings {
		settings[k] = v
	}
	if m.store != nil {
		if override, err := m.store.GetAppSettings(m.userID, record.PackageName); err == nil {
			for k, v := range override {
				settings[k] = v
			}
		}
	}
	return settings
}

// State reports the current connection state of packageName, or
// StateDisconnected with ok=false if the App was never started.
func (m *AppManager) State(packageName string) (state State, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.apps[packageName]
	if !found {
		return StateDisconnected, false
	}
	return e.state, true
}

// StartApp launches packageName via its webhook and blocks until the App
// connects (HandleAppInit) or the timeout elapses. Concurrent callers for
// the same package piggyback on a single webhook attempt.
func (m *AppManager) StartApp(ctx context.Context, packageName string) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	record, found := m.catalog.Lookup(packageName)
	if !found {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAppNotInstalled, packageName)
	}

	if e, exists := m.apps[packageName]; exists {
		switch e.state {
		case StateRunning:
			m.mu.Unlock()
			return ErrAlreadyRunning
		case StateResurrecting:
			pending := e.pending
			m.mu.Unlock()
			return pending.wait(ctx)
		}
	}

	overall := m.cfg.OverallTimeout
	if overall <= 0 {
		overall = 5 * time.Second
	}
	pending := newPendingConnection(packageName, overall)
	e := &appEntry{record: record, state: StateResurrecting, pending: pending}
	m.apps[packageName] = e
	m.mu.Unlock()

	go m.runWebhook(packageName, record, pending, overall)

	return pending.wait(ctx)
}

// runWebhook performs up to MaxAttempts webhook deliveries with exponential
// backoff (1s, 2s), bounded by overall, then resolves pending with the
// final outcome.
func (m *AppManager) runWebhook(packageName string, record AppRecord, pending *PendingConnection, overall time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), overall)
	defer cancel()

	perAttempt := m.cfg.PerAttemptTimeout
	if perAttempt <= 0 {
		perAttempt = 10 * time.Second
	}
	maxAttempts := m.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, attemptCancel := context.WithTimeout(ctx, perAttempt)
		err := m.webhook.Deliver(attemptCtx, record.PublicURL, StartPayload{
			UserID:        m.userID,
			PackageName:   packageName,
			SessionID:     m.userID,
			CorrelationID: pending.CorrelationID,
		})
		attemptCancel()

		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		m.metrics.RecordWebhookAttempt(ctx, outcome)

		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		m.log.Warn("webhook attempt failed", "package", packageName, "attempt", attempt, "err", err)

		if attempt < maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
			backoff *= 2
		}
	}

	if lastErr != nil {
		m.mu.Lock()
		delete(m.apps, packageName)
		m.mu.Unlock()
		pending.resolve(fmt.Errorf("%w: %v", ErrWebhookFailed, lastErr))
		return
	}

	// Wait out the remaining budget, then fail pending (a no-op if
	// HandleAppInit already resolved it) and drop an entry still RESURRECTING.
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		m.mu.Lock()
		if e, ok := m.apps[packageName]; ok && e.state == StateResurrecting {
			delete(m.apps, packageName)
		}
		m.mu.Unlock()
		pending.resolve(fmt.Errorf("%w: App did not connect before timeout", ErrNoConnection))
	}
}

// HandleAppInit registers link as the connection for packageName and
// transitions it to RUNNING, resolving any StartApp waiters. It then sends
// the App a CONNECTION_ACK with its effective settings, records the
// package in the user's persisted running-apps set, and broadcasts
// APP_STATE_CHANGE to the glasses link.
func (m *AppManager) HandleAppInit(packageName string, link Link) error {
	m.mu.Lock()
	e, ok := m.apps[packageName]
	if !ok {
		record, found := m.catalog.Lookup(packageName)
		if !found {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAppNotInstalled, packageName)
		}
		e = &appEntry{record: record}
		m.apps[packageName] = e
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.link = link
	e.state = StateRunning
	pending := e.pending
	e.pending = nil
	record := e.record
	m.mu.Unlock()

	if pending != nil {
		pending.resolve(nil)
	}

	ctx := context.Background()
	if err := link.Send(ctx, ConnectionAck{Type: "connection_ack", Settings: m.effectiveSettings(record)}); err != nil {
		m.log.Warn("connection_ack send failed", "package", packageName, "err", err)
	}
	if m.store != nil {
		if err := m.store.AddRunningApp(m.userID, packageName); err != nil {
			m.log.Warn("failed to persist running app", "package", packageName, "err", err)
		}
	}
	m.notifyGlasses(ctx, AppStateChange{Type: "app_state_change", PackageName: packageName, State: StateRunning.String()})
	return nil
}

// SendResult reports what SendMessageToApp did.
type SendResult struct {
	Delivered   bool
	Resurrected bool
}

// SendMessageToApp delivers payload to packageName's active link. If the
// App is disconnected, this triggers resurrection (a fresh StartApp)
// instead of queueing the message. A synchronous send failure while RUNNING
// drops the link and falls through to the same resurrection path. GRACE_
// PERIOD and STOPPING reject outright with no send attempt and no
// resurrection, since the App is mid-transition either way. Delivery is
// always at-most-once.
func (m *AppManager) SendMessageToApp(ctx context.Context, packageName string, payload any) (SendResult, error) {
	m.mu.Lock()
	e, ok := m.apps[packageName]
	if !ok || e.state == StateDisconnected {
		m.mu.Unlock()
		return m.resurrect(ctx, packageName)
	}
	state := e.state
	link := e.link
	m.mu.Unlock()

	switch state {
	case StateRunning:
		if link == nil {
			m.dropLink(packageName)
			return m.resurrect(ctx, packageName)
		}
		if err := link.Send(ctx, payload); err != nil {
			m.log.Warn("send to app failed, dropping link", "package", packageName, "err", err)
			m.dropLink(packageName)
			return m.resurrect(ctx, packageName)
		}
		return SendResult{Delivered: true}, nil
	case StateGracePeriod:
		return SendResult{}, fmt.Errorf("appmanager: app %s is in its grace period, message dropped", packageName)
	case StateStopping:
		return SendResult{}, fmt.Errorf("appmanager: app %s is stopping, message dropped", packageName)
	case StateResurrecting:
		return SendResult{}, fmt.Errorf("appmanager: app %s is already resurrecting, message dropped", packageName)
	default:
		return m.resurrect(ctx, packageName)
	}
}

// resurrect triggers a fresh StartApp for packageName and reports the
// resulting SendResult.
func (m *AppManager) resurrect(ctx context.Context, packageName string) (SendResult, error) {
	if err := m.StartApp(ctx, packageName); err != nil {
		return SendResult{}, err
	}
	return SendResult{Resurrected: true}, nil
}

// dropLink marks packageName disconnected after a synchronous send failure,
// clearing its stale link so the subsequent resurrection starts clean.
func (m *AppManager) dropLink(packageName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.apps[packageName]; ok && e.state == StateRunning {
		e.state = StateDisconnected
		e.link = nil
	}
}

// Send delivers payload to packageName, discarding the resurrection detail
// in [SendResult]. It satisfies the narrow AppSender interface that the
// subscription and transcription packages depend on, so they need not
// import this package directly.
func (m *AppManager) Send(ctx context.Context, packageName string, payload any) error {
	_, err := m.SendMessageToApp(ctx, packageName, payload)
	return err
}

// HandleClose transitions packageName to GRACE_PERIOD on an unexpected App
// link disconnect and starts the grace timer; if it fires before a
// reconnect, the App is moved to DISCONNECTED and removed from the
// persisted running-apps set. Use [AppManager.StopApp] for an explicit
// user-requested stop, which skips the grace period entirely.
func (m *AppManager) HandleClose(packageName string) {
	m.mu.Lock()
	e, ok := m.apps[packageName]
	if !ok || e.state != StateRunning {
		m.mu.Unlock()
		return
	}
	e.state = StateGracePeriod
	e.link = nil
	e.graceTimer = time.AfterFunc(m.grace, func() { m.expireGracePeriod(packageName) })
	m.mu.Unlock()
}

func (m *AppManager) expireGracePeriod(packageName string) {
	m.mu.Lock()
	cur, ok := m.apps[packageName]
	if ok && cur.state == StateGracePeriod {
		cur.state = StateDisconnected
		cur.graceTimer = nil
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok && m.store != nil {
		if err := m.store.RemoveRunningApp(m.userID, packageName); err != nil {
			m.log.Warn("failed to remove running app after grace period expiry", "package", packageName, "err", err)
		}
	}
}

// StopApp explicitly stops packageName: RUNNING transitions to STOPPING,
// the link is closed with a normal close code, and the package is removed
// from the manager's tracked set and the persisted running-apps set. Unlike
// [AppManager.HandleClose], this never enters GRACE_PERIOD and the App is
// never resurrected.
func (m *AppManager) StopApp(packageName string) {
	m.mu.Lock()
	e, ok := m.apps[packageName]
	if !ok || e.state != StateRunning {
		m.mu.Unlock()
		return
	}
	e.state = StateStopping
	link := e.link
	e.link = nil
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	m.mu.Unlock()

	if link != nil {
		_ = link.Close(types.CloseNormal, "app stopped")
	}

	m.mu.Lock()
	delete(m.apps, packageName)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.RemoveRunningApp(m.userID, packageName); err != nil {
			m.log.Warn("failed to remove running app on stop", "package", packageName, "err", err)
		}
	}
}

// PreviouslyRunningApps returns the packages persisted as running for this
// user, for the caller to pass to [AppManager.StartPreviouslyRunningApps] on
// a fresh (non-reconnect) glasses connection.
func (m *AppManager) PreviouslyRunningApps() ([]string, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.RunningApps(m.userID)
}

// StartPreviouslyRunningApps re-launches every package in pkgs concurrently,
// used on session resurrection.
func (m *AppManager) StartPreviouslyRunningApps(ctx context.Context, pkgs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, pkg := range pkgs {
		pkg := pkg
		g.Go(func() error {
			if err := m.StartApp(gctx, pkg); err != nil {
				m.log.Warn("failed to resurrect app", "package", pkg, "err", err)
				return nil // best-effort: one App's failure shouldn't abort the rest
			}
			return nil
		})
	}
	return g.Wait()
}

// Dispose stops every App, closing its link with CloseNormal and cancelling
// outstanding timers and pending connections. Safe to call more than once.
func (m *AppManager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	entries := m.apps
	m.apps = make(map[string]*appEntry)
	m.mu.Unlock()

	for pkg, e := range entries {
		if e.graceTimer != nil {
			e.graceTimer.Stop()
		}
		if e.pending != nil {
			e.pending.resolve(ErrDisposed)
		}
		if e.link != nil {
			_ = e.link.Close(types.CloseNormal, "session disposed")
		}
		_ = pkg
	}
}
