package appmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/config"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

type fakeCatalog struct {
	records map[string]AppRecord
}

func (c *fakeCatalog) Lookup(pkg string) (AppRecord, bool) {
	r, ok := c.records[pkg]
	return r, ok
}

type fakeWebhook struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (w *fakeWebhook) Deliver(ctx context.Context, url string, payload StartPayload) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.err
}

type fakeLink struct {
	mu     sync.Mutex
	sent   []any
	closed bool
	sendErr error
}

func (l *fakeLink) Send(ctx context.Context, v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent = append(l.sent, v)
	return nil
}

func (l *fakeLink) Close(code types.CloseCode, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type fakeGlassesSender struct {
	mu   sync.Mutex
	got  []any
}

func (g *fakeGlassesSender) Send(ctx context.Context, v any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.got = append(g.got, v)
	return nil
}

func (g *fakeGlassesSender) messages() []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]any, len(g.got))
	copy(out, g.got)
	return out
}

func newTestManager(t *testing.T, wh Webhook) *AppManager {
	t.Helper()
	return New(Config{
		UserID:      "user-1",
		Catalog:     &fakeCatalog{records: map[string]AppRecord{"com.example.app": {PackageName: "com.example.app", PublicURL: "http://example.invalid/start"}}},
		Webhook:     wh,
		WebhookCfg:  config.WebhookConfig{PerAttemptTimeout: 200 * time.Millisecond, OverallTimeout: time.Second, MaxAttempts: 2},
		GracePeriod: 50 * time.Millisecond,
	})
}

// newTestManagerWithOpts builds a manager the same way as [newTestManager]
// but also wires in a [RunningAppsStore] and [GlassesSender], used by the
// tests covering handleAppInit side effects.
func newTestManagerWithOpts(t *testing.T, wh Webhook, store RunningAppsStore, sender GlassesSender) *AppManager {
	t.Helper()
	return New(Config{
		UserID:      "user-1",
		Catalog:     &fakeCatalog{records: map[string]AppRecord{"com.example.app": {PackageName: "com.example.app", PublicURL: "http://example.invalid/start", Settings: map[string]any{"lang": "en-US"}}}},
		Webhook:     wh,
		WebhookCfg:  config.WebhookConfig{PerAttemptTimeout: 200 * time.Millisecond, OverallTimeout: time.Second, MaxAttempts: 2},
		GracePeriod: 50 * time.Millisecond,
		Store:       store,
		GlassesLinkFunc: func() GlassesSender {
			if sender == nil {
				return nil
			}
			return sender
		},
	})
}

func TestStartApp_UnknownPackage(t *testing.T) {
	m := newTestManager(t, &fakeWebhook{})
	if err := m.StartApp(context.Background(), "com.unknown"); err == nil {
		t.Fatal("expected error for unknown package")
	}
}

func TestStartApp_WaitsForHandleAppInit(t *testing.T) {
	wh := &fakeWebhook{}
	m := newTestManager(t, wh)

	done := make(chan error, 1)
	go func() {
		done <- m.StartApp(context.Background(), "com.example.app")
	}()

	// Give the webhook goroutine a moment to be dispatched, then simulate
	// the App connecting back.
	time.Sleep(20 * time.Millisecond)
	if err := m.HandleAppInit("com.example.app", &fakeLink{}); err != nil {
		t.Fatalf("HandleAppInit: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartApp returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("StartApp did not return after HandleAppInit")
	}

	state, ok := m.State("com.example.app")
	if !ok || state != StateRunning {
		t.Fatalf("state = %v, ok = %v, want RUNNING", state, ok)
	}
}

func TestStartApp_ConcurrentCallsPiggyback(t *testing.T) {
	wh := &fakeWebhook{}
	m := newTestManager(t, wh)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.StartApp(context.Background(), "com.example.app")
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	_ = m.HandleAppInit("com.example.app", &fakeLink{})
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}

	wh.mu.Lock()
	calls := wh.calls
	wh.mu.Unlock()
	if calls != 1 {
		t.Errorf("webhook delivered %d times, want 1 (piggybacked)", calls)
	}
}

func TestSendMessageToApp_DeliversWhenRunning(t *testing.T) {
	m := newTestManager(t, &fakeWebhook{})
	link := &fakeLink{}
	_ = m.HandleAppInit("com.example.app", link)

	res, err := m.SendMessageToApp(context.Background(), "com.example.app", map[string]string{"type": "hello"})
	if err != nil {
		t.Fatalf("SendMessageToApp: %v", err)
	}
	if !res.Delivered {
		t.Error("expected Delivered = true")
	}
	// HandleAppInit already sent one CONNECTION_ACK; this is the payload on top of it.
	if len(link.sent) != 2 {
		t.Errorf("link received %d messages, want 2 (CONNECTION_ACK + payload)", len(link.sent))
	}
}

func TestSendMessageToApp_ResurrectsWhenDisconnected(t *testing.T) {
	wh := &fakeWebhook{}
	m := newTestManager(t, wh)

	done := make(chan SendResult, 1)
	go func() {
		res, err := m.SendMessageToApp(context.Background(), "com.example.app", map[string]string{"type": "hi"})
		if err != nil {
			t.Errorf("SendMessageToApp: %v", err)
		}
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	_ = m.HandleAppInit("com.example.app", &fakeLink{})

	select {
	case res := <-done:
		if !res.Resurrected {
			t.Error("expected Resurrected = true")
		}
	case <-time.After(time.Second):
		t.Fatal("SendMessageToApp did not return")
	}
}

func TestHandleClose_TransitionsThroughGracePeriod(t *testing.T) {
	m := newTestManager(t, &fakeWebhook{})
	_ = m.HandleAppInit("com.example.app", &fakeLink{})

	m.HandleClose("com.example.app")
	state, _ := m.State("com.example.app")
	if state != StateGracePeriod {
		t.Fatalf("state = %v, want GRACE_PERIOD", state)
	}

	time.Sleep(100 * time.Millisecond)
	state, _ = m.State("com.example.app")
	if state != StateDisconnected {
		t.Fatalf("state after grace period = %v, want DISCONNECTED", state)
	}
}

func TestHandleClose_ReconnectCancelsGraceTimer(t *testing.T) {
	m := newTestManager(t, &fakeWebhook{})
	_ = m.HandleAppInit("com.example.app", &fakeLink{})
	m.HandleClose("com.example.app")

	_ = m.HandleAppInit("com.example.app", &fakeLink{})
	time.Sleep(100 * time.Millisecond)

	state, _ := m.State("com.example.app")
	if state != StateRunning {
		t.Fatalf("state = %v, want RUNNING (grace timer should have been cancelled)", state)
	}
}

func TestDispose_ClosesLinksAndIsIdempotent(t *testing.T) {
	m := newTestManager(t, &fakeWebhook{})
	link := &fakeLink{}
	_ = m.HandleAppInit("com.example.app", link)

	m.Dispose()
	m.Dispose() // must not panic

	link.mu.Lock()
	closed := link.closed
	link.mu.Unlock()
	if !closed {
		t.Error("expected link to be closed on Dispose")
	}

	if err := m.StartApp(context.Background(), "com.example.app"); err != ErrDisposed {
		t.Errorf("StartApp after Dispose: got %v, want ErrDisposed", err)
	}
}

func TestHandleAppInit_SendsConnectionAckPersistsAndBroadcasts(t *testing.T) {
	store := NewMemoryRunningAppsStore()
	store.SetAppSettings("user-1", "com.example.app", map[string]any{"lang": "es-ES"})
	glassesLink := &fakeGlassesSender{}
	m := newTestManagerWithOpts(t, &fakeWebhook{}, store, glassesLink)

	link := &fakeLink{}
	if err := m.HandleAppInit("com.example.app", link); err != nil {
		t.Fatalf("HandleAppInit: %v", err)
	}

	link.mu.Lock()
	sent := link.sent
	link.mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("link received %d messages, want 1 (CONNECTION_ACK)", len(sent))
	}
	ack, ok := sent[0].(ConnectionAck)
	if !ok {
		t.Fatalf("sent message = %T, want ConnectionAck", sent[0])
	}
	if ack.Settings["lang"] != "es-ES" {
		t.Errorf("CONNECTION_ACK settings[lang] = %v, want user override es-ES", ack.Settings["lang"])
	}

	running, _ := store.RunningApps("user-1")
	if len(running) != 1 || running[0] != "com.example.app" {
		t.Errorf("RunningApps = %v, want [com.example.app]", running)
	}

	msgs := glassesLink.messages()
	if len(msgs) != 1 {
		t.Fatalf("glasses received %d messages, want 1 (APP_STATE_CHANGE)", len(msgs))
	}
	change, ok := msgs[0].(AppStateChange)
	if !ok || change.State != StateRunning.String() {
		t.Errorf("glasses message = %+v, want APP_STATE_CHANGE{state: RUNNING}", msgs[0])
	}
}

func TestSendMessageToApp_SyncSendFailureDropsLinkAndResurrects(t *testing.T) {
	wh := &fakeWebhook{}
	m := newTestManager(t, wh)
	link := &fakeLink{sendErr: errors.New("connection reset")}
	_ = m.HandleAppInit("com.example.app", link)

	done := make(chan SendResult, 1)
	go func() {
		res, err := m.SendMessageToApp(context.Background(), "com.example.app", map[string]string{"type": "hi"})
		if err != nil {
			t.Errorf("SendMessageToApp: %v", err)
		}
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	_ = m.HandleAppInit("com.example.app", &fakeLink{})

	select {
	case res := <-done:
		if !res.Resurrected {
			t.Error("expected Resurrected = true after a synchronous send failure")
		}
	case <-time.After(time.Second):
		t.Fatal("SendMessageToApp did not return")
	}
}

func TestSendMessageToApp_RejectsDuringGracePeriodWithoutResurrecting(t *testing.T) {
	wh := &fakeWebhook{}
	m := newTestManager(t, wh)
	_ = m.HandleAppInit("com.example.app", &fakeLink{})
	m.HandleClose("com.example.app")

	res, err := m.SendMessageToApp(context.Background(), "com.example.app", map[string]string{"type": "hi"})
	if err == nil {
		t.Fatal("expected an error while the app is in its grace period")
	}
	if res.Delivered || res.Resurrected {
		t.Errorf("SendResult = %+v, want both false (no send, no resurrection)", res)
	}

	wh.mu.Lock()
	calls := wh.calls
	wh.mu.Unlock()
	if calls != 0 {
		t.Errorf("webhook delivered %d times, want 0 (grace period must not resurrect)", calls)
	}
}

func TestSendMessageToApp_RejectsWhileResurrecting(t *testing.T) {
	wh := &fakeWebhook{}
	m := newTestManager(t, wh)

	go func() { _ = m.StartApp(context.Background(), "com.example.app") }()
	time.Sleep(20 * time.Millisecond)

	res, err := m.SendMessageToApp(context.Background(), "com.example.app", map[string]string{"type": "hi"})
	if err == nil {
		t.Fatal("expected an error while the app is already resurrecting")
	}
	if res.Delivered || res.Resurrected {
		t.Errorf("SendResult = %+v, want both false", res)
	}
	_ = m.HandleAppInit("com.example.app", &fakeLink{})
}

func TestStopApp_ClosesLinkRemovesFromTrackingAndPersistedSet(t *testing.T) {
	store := NewMemoryRunningAppsStore()
	m := newTestManagerWithOpts(t, &fakeWebhook{}, store, nil)
	link := &fakeLink{}
	_ = m.HandleAppInit("com.example.app", link)

	m.StopApp("com.example.app")

	link.mu.Lock()
	closed := link.closed
	link.mu.Unlock()
	if !closed {
		t.Error("expected link to be closed by StopApp")
	}

	if _, ok := m.State("com.example.app"); ok {
		t.Error("expected no tracked state for com.example.app after StopApp")
	}

	running, _ := store.RunningApps("user-1")
	if len(running) != 0 {
		t.Errorf("RunningApps after StopApp = %v, want empty (explicit stop, no grace period)", running)
	}
}

func TestHandleClose_GracePeriodExpiryRemovesFromPersistedRunningApps(t *testing.T) {
	store := NewMemoryRunningAppsStore()
	m := newTestManagerWithOpts(t, &fakeWebhook{}, store, nil)
	_ = m.HandleAppInit("com.example.app", &fakeLink{})

	m.HandleClose("com.example.app")
	time.Sleep(100 * time.Millisecond)

	state, _ := m.State("com.example.app")
	if state != StateDisconnected {
		t.Fatalf("state after grace period = %v, want DISCONNECTED", state)
	}
	running, _ := store.RunningApps("user-1")
	if len(running) != 0 {
		t.Errorf("RunningApps after grace period expiry = %v, want empty", running)
	}
}

func TestStartPreviouslyRunningApps_RunsConcurrently(t *testing.T) {
	wh := &fakeWebhook{}
	m := newTestManager(t, wh)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.HandleAppInit("com.example.app", &fakeLink{})
	}()

	if err := m.StartPreviouslyRunningApps(context.Background(), []string{"com.example.app"}); err != nil {
		t.Fatalf("StartPreviouslyRunningApps: %v", err)
	}
}
