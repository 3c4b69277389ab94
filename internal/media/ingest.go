package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPCloudIngest is the production [CloudIngest] implementation: three
// POSTs against the cloud video-ingest provider's control endpoint,
// mirroring the same request/response shape as appmanager's HTTPWebhook.
type HTTPCloudIngest struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPCloudIngest returns an [HTTPCloudIngest] targeting baseURL, using
// client or http.DefaultClient when client is nil.
func NewHTTPCloudIngest(baseURL string, client *http.Client) *HTTPCloudIngest {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCloudIngest{BaseURL: baseURL, Client: client}
}

type startIngestRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

type startIngestResponse struct {
	IngestURL string `json:"ingestUrl"`
}

func (h *HTTPCloudIngest) StartIngest(ctx context.Context, identity RoomIdentity) (string, error) {
	body, err := json.Marshal(startIngestRequest{Room: identity.Room.Name, Identity: identity.Identity})
	if err != nil {
		return "", err
	}

	resp, err := h.post(ctx, "/ingest/start", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out startIngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("media: decode start ingest response: %w", err)
	}
	return out.IngestURL, nil
}

func (h *HTTPCloudIngest) KeepAlive(ctx context.Context, ingestURL string) error {
	body, _ := json.Marshal(map[string]string{"ingestUrl": ingestURL})
	resp, err := h.post(ctx, "/ingest/keepalive", body)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (h *HTTPCloudIngest) StopIngest(ctx context.Context, ingestURL string) error {
	body, _ := json.Marshal(map[string]string{"ingestUrl": ingestURL})
	resp, err := h.post(ctx, "/ingest/stop", body)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (h *HTTPCloudIngest) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("cloud ingest returned status %d", resp.StatusCode)
	}
	return resp, nil
}

var _ CloudIngest = (*HTTPCloudIngest)(nil)
