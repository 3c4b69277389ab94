package appmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPWebhook is the production [Webhook] implementation: a single POST
// with a JSON body, honoring ctx for cancellation/timeout.
type HTTPWebhook struct {
	Client *http.Client
}

// NewHTTPWebhook returns an [HTTPWebhook] using client, or http.DefaultClient
// when client is nil.
func NewHTTPWebhook(client *http.Client) *HTTPWebhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPWebhook{Client: client}
}

func (w *HTTPWebhook) Deliver(ctx context.Context, url string, payload StartPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
