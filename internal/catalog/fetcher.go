package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/appmanager"
)

// HTTPFetcher fetches the App catalog from an App-store HTTP endpoint that
// returns a JSON array of app records.
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string
}

// NewHTTPFetcher returns an [HTTPFetcher] that GETs baseURL for the catalog
// listing, using client (or [http.DefaultClient] if nil).
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{Client: client, BaseURL: baseURL}
}

type appRecordDTO struct {
	PackageName string         `json:"packageName"`
	PublicURL   string         `json:"publicUrl"`
	IsSystemApp bool           `json:"isSystemApp"`
	Settings    map[string]any `json:"settings"`
}

// FetchCatalog implements [Fetcher].
func (f *HTTPFetcher) FetchCatalog(ctx context.Context) ([]appmanager.AppRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: fetch: unexpected status %d", resp.StatusCode)
	}

	var dtos []appRecordDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	records := make([]appmanager.AppRecord, len(dtos))
	for i, d := range dtos {
		records[i] = appmanager.AppRecord{
			PackageName: d.PackageName,
			PublicURL:   d.PublicURL,
			IsSystemApp: d.IsSystemApp,
			Settings:    d.Settings,
		}
	}
	return records, nil
}

var _ Fetcher = (*HTTPFetcher)(nil)
