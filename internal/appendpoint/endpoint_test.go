package appendpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/appmanager"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/audiorouter"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/display"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/media"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/registry"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/subscription"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/transcription"
	tpmock "github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription/mock"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

type fakeCatalog struct{ installed map[string]appmanager.AppRecord }

func (c *fakeCatalog) Lookup(pkg string) (appmanager.AppRecord, bool) {
	r, ok := c.installed[pkg]
	return r, ok
}

type fakeWebhook struct{}

func (fakeWebhook) Deliver(ctx context.Context, url string, payload appmanager.StartPayload) error {
	return nil
}

type fakeGlassesLink struct{}

func (fakeGlassesLink) Send(ctx context.Context, v any) error           { return nil }
func (fakeGlassesLink) Close(code types.CloseCode, reason string) error { return nil }

type fakeIngest struct{}

func (fakeIngest) StartIngest(ctx context.Context, identity media.RoomIdentity) (string, error) {
	return "rtmp://ingest/" + identity.Identity, nil
}
func (fakeIngest) KeepAlive(ctx context.Context, url string) error { return nil }
func (fakeIngest) StopIngest(ctx context.Context, url string) error { return nil }

func newTestRegistry() *registry.Registry {
	factory := func(userID string, link registry.GlassesLink) *registry.UserSession {
		var sess *registry.UserSession
		renderer := registry.NewLinkRenderer(func() registry.GlassesLink { return sess.GlassesLink() })

		apps := appmanager.New(appmanager.Config{
			UserID:  userID,
			Catalog: &fakeCatalog{installed: map[string]appmanager.AppRecord{"com.example.app": {PackageName: "com.example.app"}}},
			Webhook: fakeWebhook{},
			GlassesLinkFunc: func() appmanager.GlassesSender {
				if sess == nil {
					return nil
				}
				return sess.GlassesLink()
			},
		})
		subIdx := subscription.New(apps, nil)
		trMgr := transcription.New(transcription.Config{
			SessionID:   userID,
			Provider:    &tpmock.Provider{},
			Subscribers: subIdx,
			Sender:      apps,
			Budget:      transcription.NewBudget(0),
		})
		router := audiorouter.New(trMgr, subIdx, nil)
		sess = registry.NewSession(registry.Deps{
			UserID:        userID,
			Link:          link,
			Apps:          apps,
			Subscriptions: subIdx,
			Transcription: trMgr,
			Audio:         router,
			Display:       display.NewDisplayManager(renderer),
			Dashboard:     display.NewDashboardManager(renderer),
			Video:         media.NewVideoManager(),
			Photo:         media.NewPhotoManager(nil, nil),
			Stream:        media.NewManagedStreamingExtension(fakeIngest{}, time.Second, nil),
		})
		return sess
	}
	return registry.New(factory, time.Minute, nil)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestHandshake_SessionIDJoinsExistingSession(t *testing.T) {
	reg := newTestRegistry()
	reg.Acquire("user-1", fakeGlassesLink{})

	srv := httptest.NewServer(NewServer(Config{Registry: reg}))
	defer srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init, _ := json.Marshal(envelope{Type: TypeConnectionInit, Body: mustJSON(connectionInitBody{PackageName: "com.example.app", SessionID: "user-1"})})
	if err := conn.Write(ctx, websocket.MessageText, init); err != nil {
		t.Fatalf("write CONNECTION_INIT: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	sess, ok := reg.Get("user-1")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if state, ok := sess.Apps.State("com.example.app"); !ok || state != appmanager.StateRunning {
		t.Errorf("app state = %v (ok=%v), want Running", state, ok)
	}
}

func TestHandshake_UnknownSessionRejected(t *testing.T) {
	reg := newTestRegistry()
	srv := httptest.NewServer(NewServer(Config{Registry: reg}))
	defer srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init, _ := json.Marshal(envelope{Type: TypeConnectionInit, Body: mustJSON(connectionInitBody{PackageName: "com.example.app", SessionID: "no-such-session"})})
	_ = conn.Write(ctx, websocket.MessageText, init)

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close the connection for an unknown session")
	}
}

func TestHandshake_NonInitFirstMessageRejected(t *testing.T) {
	reg := newTestRegistry()
	srv := httptest.NewServer(NewServer(Config{Registry: reg}))
	defer srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	other, _ := json.Marshal(envelope{Type: TypeDisplayRequest})
	_ = conn.Write(ctx, websocket.MessageText, other)

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the server to close the connection for a non-init first message")
	}
}

func TestDispatch_DisplayRequestForwardedToGlasses(t *testing.T) {
	reg := newTestRegistry()
	sent := &capturingLink{}
	reg.Acquire("user-1", sent)

	srv := httptest.NewServer(NewServer(Config{Registry: reg}))
	defer srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init, _ := json.Marshal(envelope{Type: TypeConnectionInit, Body: mustJSON(connectionInitBody{PackageName: "com.example.app", SessionID: "user-1"})})
	_ = conn.Write(ctx, websocket.MessageText, init)

	req, _ := json.Marshal(envelope{Type: TypeDisplayRequest, Body: mustJSON(displayRequestBody{Layout: "card"})})
	_ = conn.Write(ctx, websocket.MessageText, req)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sent.countRenders() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the display_request to be forwarded to the glasses link")
}

func TestDispatch_RTMPStreamRequestStartsManagedStream(t *testing.T) {
	reg := newTestRegistry()
	sent := &capturingLink{}
	reg.Acquire("user-1", sent)

	srv := httptest.NewServer(NewServer(Config{Registry: reg}))
	defer srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init, _ := json.Marshal(envelope{Type: TypeConnectionInit, Body: mustJSON(connectionInitBody{PackageName: "com.example.app", SessionID: "user-1"})})
	_ = conn.Write(ctx, websocket.MessageText, init)

	req, _ := json.Marshal(envelope{Type: TypeRTMPStreamRequest})
	_ = conn.Write(ctx, websocket.MessageText, req)

	sess, _ := reg.Get("user-1")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sess.Stream.Active() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the managed stream to become active")
}

func TestDispatch_PhotoRequestRegistersPendingCorrelation(t *testing.T) {
	reg := newTestRegistry()
	sent := &capturingLink{}
	reg.Acquire("user-1", sent)

	srv := httptest.NewServer(NewServer(Config{Registry: reg}))
	defer srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init, _ := json.Marshal(envelope{Type: TypeConnectionInit, Body: mustJSON(connectionInitBody{PackageName: "com.example.app", SessionID: "user-1"})})
	_ = conn.Write(ctx, websocket.MessageText, init)

	req, _ := json.Marshal(envelope{Type: TypePhotoRequest})
	_ = conn.Write(ctx, websocket.MessageText, req)

	sess, _ := reg.Get("user-1")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if id, ok := sent.lastPhotoRequestID(); ok {
			if !sess.Photo.Pending(id) {
				t.Fatalf("photo request %q not tracked as pending", id)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a photo_request to be forwarded to the glasses link")
}

func TestDispatch_PhotoRequestRateLimitedSkipsGlassesForward(t *testing.T) {
	reg := newTestRegistry()
	sent := &capturingLink{}
	reg.Acquire("user-1", sent)

	srv := httptest.NewServer(NewServer(Config{Registry: reg}))
	defer srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init, _ := json.Marshal(envelope{Type: TypeConnectionInit, Body: mustJSON(connectionInitBody{PackageName: "com.example.app", SessionID: "user-1"})})
	_ = conn.Write(ctx, websocket.MessageText, init)

	req, _ := json.Marshal(envelope{Type: TypePhotoRequest})
	for i := 0; i < media.PhotoRequestBurst+2; i++ {
		_ = conn.Write(ctx, websocket.MessageText, req)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sent.countPhotoRequests() >= media.PhotoRequestBurst {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := sent.countPhotoRequests(); got > media.PhotoRequestBurst {
		t.Errorf("forwarded %d photo_request messages, want at most %d (burst)", got, media.PhotoRequestBurst)
	}
}

func TestDispatch_DashboardUpdateMergesWidget(t *testing.T) {
	reg := newTestRegistry()
	reg.Acquire("user-1", &capturingLink{})

	srv := httptest.NewServer(NewServer(Config{Registry: reg}))
	defer srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init, _ := json.Marshal(envelope{Type: TypeConnectionInit, Body: mustJSON(connectionInitBody{PackageName: "com.example.app", SessionID: "user-1"})})
	_ = conn.Write(ctx, websocket.MessageText, init)

	req, _ := json.Marshal(envelope{Type: "dashboard_content_update", Body: mustJSON(dashboardBody{Content: "hello"})})
	_ = conn.Write(ctx, websocket.MessageText, req)

	sess, _ := reg.Get("user-1")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sess.Dashboard.Widgets()) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the dashboard widget to be merged in")
}

func TestDispatch_DisplayRequestRejectsEmptyLayout(t *testing.T) {
	reg := newTestRegistry()
	sent := &capturingLink{}
	reg.Acquire("user-1", sent)

	srv := httptest.NewServer(NewServer(Config{Registry: reg}))
	defer srv.Close()

	conn := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	init, _ := json.Marshal(envelope{Type: TypeConnectionInit, Body: mustJSON(connectionInitBody{PackageName: "com.example.app", SessionID: "user-1"})})
	_ = conn.Write(ctx, websocket.MessageText, init)

	req, _ := json.Marshal(envelope{Type: TypeDisplayRequest, Body: mustJSON(displayRequestBody{})})
	_ = conn.Write(ctx, websocket.MessageText, req)

	time.Sleep(50 * time.Millisecond)
	sess, _ := reg.Get("user-1")
	if sess.Display.Current() != nil {
		t.Error("expected an empty-layout display_request to be rejected, not applied")
	}
	if sent.countRenders() != 0 {
		t.Errorf("expected no render to be forwarded for a rejected request, got %d", sent.countRenders())
	}
}

type capturingLink struct {
	mu  sync.Mutex
	got []any
}

func (l *capturingLink) Send(ctx context.Context, v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, v)
	return nil
}

func (l *capturingLink) Close(code types.CloseCode, reason string) error { return nil }

func (l *capturingLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.got)
}

// countPhotoRequests counts the photo_request messages sent to the link.
func (l *capturingLink) countPhotoRequests() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, v := range l.got {
		if msg, ok := v.(map[string]any); ok && msg["type"] == TypePhotoRequest {
			n++
		}
	}
	return n
}

// countRenders counts the display render commands sent to the link.
func (l *capturingLink) countRenders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, v := range l.got {
		if _, ok := v.(display.RenderCommand); ok {
			n++
		}
	}
	return n
}

func (l *capturingLink) lastPhotoRequestID() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.got) - 1; i >= 0; i-- {
		msg, ok := l.got[i].(map[string]any)
		if !ok || msg["type"] != TypePhotoRequest {
			continue
		}
		id, ok := msg["requestId"].(string)
		return id, ok
	}
	return "", false
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

var _ http.Handler = (*Server)(nil)
