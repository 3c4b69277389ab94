package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPCloudIngest_StartKeepAliveStop(t *testing.T) {
	var startCalls, keepAliveCalls, stopCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ingest/start":
			startCalls++
			_ = json.NewEncoder(w).Encode(startIngestResponse{IngestURL: "rtmp://ingest/room-1"})
		case "/ingest/keepalive":
			keepAliveCalls++
			w.WriteHeader(http.StatusNoContent)
		case "/ingest/stop":
			stopCalls++
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ingest := NewHTTPCloudIngest(srv.URL, nil)
	identity := NewRoomIdentity("user-1")

	url, err := ingest.StartIngest(context.Background(), identity)
	if err != nil {
		t.Fatalf("StartIngest: %v", err)
	}
	if url != "rtmp://ingest/room-1" {
		t.Errorf("StartIngest url = %q, want rtmp://ingest/room-1", url)
	}
	if err := ingest.KeepAlive(context.Background(), url); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	if err := ingest.StopIngest(context.Background(), url); err != nil {
		t.Fatalf("StopIngest: %v", err)
	}

	if startCalls != 1 || keepAliveCalls != 1 || stopCalls != 1 {
		t.Errorf("calls = start:%d keepalive:%d stop:%d, want 1 each", startCalls, keepAliveCalls, stopCalls)
	}
}

func TestHTTPCloudIngest_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ingest := NewHTTPCloudIngest(srv.URL, nil)
	if _, err := ingest.StartIngest(context.Background(), NewRoomIdentity("user-1")); err == nil {
		t.Error("expected an error for a non-2xx response")
	}
}
