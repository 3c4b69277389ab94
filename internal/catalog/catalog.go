// Package catalog implements the installed-App catalog: a periodically
// refreshed list of App metadata (webhook URLs, system-app flags) durably
// cached to disk so the control plane can serve Lookup calls immediately on
// restart, before the first refresh completes.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/rajeevrajeshuni/glasses-cloud/internal/appmanager"
)

// Fetcher retrieves the current App catalog from its upstream source (an
// App store / registry service).
type Fetcher interface {
	FetchCatalog(ctx context.Context) ([]appmanager.AppRecord, error)
}

// Catalog is a [Fetcher]-backed, disk-cached App catalog. It implements
// [appmanager.Catalog].
type Catalog struct {
	fetcher      Fetcher
	snapshotPath string
	log          *slog.Logger

	mu      sync.RWMutex
	records map[string]appmanager.AppRecord
}

var _ appmanager.Catalog = (*Catalog)(nil)

// New creates a [Catalog]. snapshotPath may be empty to disable the
// on-disk cache (the catalog will simply start empty until the first
// refresh completes).
func New(fetcher Fetcher, snapshotPath string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		fetcher:      fetcher,
		snapshotPath: snapshotPath,
		log:          logger,
		records:      make(map[string]appmanager.AppRecord),
	}
	c.loadSnapshot()
	return c
}

// Lookup implements [appmanager.Catalog].
func (c *Catalog) Lookup(packageName string) (appmanager.AppRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[packageName]
	return r, ok
}

// Refresh fetches the current catalog and atomically persists it.
func (c *Catalog) Refresh(ctx context.Context) error {
	records, err := c.fetcher.FetchCatalog(ctx)
	if err != nil {
		return fmt.Errorf("catalog: refresh: %w", err)
	}

	byPackage := make(map[string]appmanager.AppRecord, len(records))
	for _, r := range records {
		byPackage[r.PackageName] = r
	}

	c.mu.Lock()
	c.records = byPackage
	c.mu.Unlock()

	return c.saveSnapshot(byPackage)
}

// Run refreshes the catalog on a fixed interval until ctx is cancelled. The
// first refresh runs immediately.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("initial catalog refresh failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Warn("catalog refresh failed", "err", err)
			}
		}
	}
}

func (c *Catalog) loadSnapshot() {
	if c.snapshotPath == "" {
		return
	}
	data, err := os.ReadFile(c.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("failed to read catalog snapshot", "path", c.snapshotPath, "err", err)
		}
		return
	}
	var records []appmanager.AppRecord
	if err := json.Unmarshal(data, &records); err != nil {
		c.log.Warn("failed to parse catalog snapshot", "path", c.snapshotPath, "err", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		c.records[r.PackageName] = r
	}
}

// saveSnapshot durably persists records to snapshotPath using renameio's
// fsync-then-rename pattern, so a crash mid-write never leaves a corrupt or
// partially-written catalog on disk.
func (c *Catalog) saveSnapshot(byPackage map[string]appmanager.AppRecord) error {
	if c.snapshotPath == "" {
		return nil
	}

	records := make([]appmanager.AppRecord, 0, len(byPackage))
	for _, r := range byPackage {
		records = append(records, r)
	}

	pendingFile, err := renameio.NewPendingFile(c.snapshotPath)
	if err != nil {
		return fmt.Errorf("catalog: create pending snapshot file: %w", err)
	}
	defer func() {
		if cerr := pendingFile.Cleanup(); cerr != nil {
			c.log.Debug("cleanup pending catalog snapshot", "err", cerr)
		}
	}()

	if err := json.NewEncoder(pendingFile).Encode(records); err != nil {
		return fmt.Errorf("catalog: encode snapshot: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("catalog: replace snapshot file: %w", err)
	}
	return nil
}
