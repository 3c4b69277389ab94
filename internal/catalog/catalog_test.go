package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/appmanager"
)

type fakeFetcher struct {
	records []appmanager.AppRecord
	err     error
}

func (f *fakeFetcher) FetchCatalog(ctx context.Context) ([]appmanager.AppRecord, error) {
	return f.records, f.err
}

func TestRefresh_PopulatesLookup(t *testing.T) {
	fetcher := &fakeFetcher{records: []appmanager.AppRecord{
		{PackageName: "com.example.app", PublicURL: "http://example.invalid/start"},
	}}
	c := New(fetcher, "", nil)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	rec, ok := c.Lookup("com.example.app")
	if !ok {
		t.Fatal("expected lookup to succeed after refresh")
	}
	if rec.PublicURL != "http://example.invalid/start" {
		t.Errorf("PublicURL = %q, want http://example.invalid/start", rec.PublicURL)
	}
}

func TestRefresh_PersistsAndReloadsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	fetcher := &fakeFetcher{records: []appmanager.AppRecord{
		{PackageName: "com.example.app", PublicURL: "http://example.invalid/start", IsSystemApp: true},
	}}
	c1 := New(fetcher, path, nil)
	if err := c1.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// A fresh Catalog pointed at the same snapshot path should see the
	// persisted record without any fetch happening.
	c2 := New(&fakeFetcher{}, path, nil)
	rec, ok := c2.Lookup("com.example.app")
	if !ok {
		t.Fatal("expected snapshot to be loaded on construction")
	}
	if !rec.IsSystemApp {
		t.Error("expected IsSystemApp to round-trip through the snapshot")
	}
}

func TestLookup_UnknownPackage(t *testing.T) {
	c := New(&fakeFetcher{}, "", nil)
	if _, ok := c.Lookup("com.unknown"); ok {
		t.Error("expected lookup of unknown package to fail")
	}
}
