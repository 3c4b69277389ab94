package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/appmanager"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/audiorouter"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/health"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/registry"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/subscription"
	"github.com/rajeevrajeshuni/glasses-cloud/internal/transcription"
	tpmock "github.com/rajeevrajeshuni/glasses-cloud/pkg/provider/transcription/mock"
	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

type fakeCatalog struct{}

func (fakeCatalog) Lookup(pkg string) (appmanager.AppRecord, bool) { return appmanager.AppRecord{}, false }

type fakeWebhook struct{}

func (fakeWebhook) Deliver(ctx context.Context, url string, payload appmanager.StartPayload) error {
	return nil
}

type fakeLink struct{}

func (fakeLink) Send(ctx context.Context, v any) error           { return nil }
func (fakeLink) Close(code types.CloseCode, reason string) error { return nil }

func newTestRegistry() *registry.Registry {
	factory := func(userID string, link registry.GlassesLink) *registry.UserSession {
		apps := appmanager.New(appmanager.Config{UserID: userID, Catalog: fakeCatalog{}, Webhook: fakeWebhook{}})
		subIdx := subscription.New(apps, nil)
		trMgr := transcription.New(transcription.Config{
			SessionID:   userID,
			Provider:    &tpmock.Provider{},
			Subscribers: subIdx,
			Sender:      apps,
			Budget:      transcription.NewBudget(0),
		})
		router := audiorouter.New(trMgr, subIdx, nil)
		return registry.NewSession(registry.Deps{
			UserID: userID, Link: link, Apps: apps, Subscriptions: subIdx, Transcription: trMgr, Audio: router,
		})
	}
	return registry.New(factory, time.Minute, nil)
}

func TestHealthz_RoutedThroughAdminRouter(t *testing.T) {
	reg := newTestRegistry()
	r := NewRouter(Config{Health: health.New(), Registry: reg})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSessions_ListsActiveSessions(t *testing.T) {
	reg := newTestRegistry()
	reg.Acquire("user-1", fakeLink{})
	reg.Acquire("user-2", fakeLink{})

	r := NewRouter(Config{Health: health.New(), Registry: reg})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()

	var got []sessionSummary
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len(sessions) = %d, want 2", len(got))
	}
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	reg := newTestRegistry()
	r := NewRouter(Config{Health: health.New(), Registry: reg})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
