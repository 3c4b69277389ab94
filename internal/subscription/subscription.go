// Package subscription implements the per-session SubscriptionIndex: which
// Apps have subscribed to which data streams, effective-key normalization,
// and cached last-value replay for location and calendar streams so a
// freshly (re)subscribing App sees current state immediately. No datetime
// value is cached or replayed.
package subscription

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

// Well-known stream key prefixes.
const (
	KeyTranscription = "transcription"
	KeyTranslation    = "translation"
	KeyLocation       = "location_update"
	KeyCalendar       = "calendar_event"
	KeyCustomMessage  = "custom_message"
	KeyCoreStatus     = "core_status_update"

	defaultTranscriptionLanguage = "en-US"
)

// EffectiveKey normalizes a raw subscription key: a bare
// "transcription" subscription defaults to "transcription:en-US"; a bare
// "translation" subscription is invalid without explicit "<src>-to-<dst>"
// and is returned unchanged for the caller to reject.
func EffectiveKey(raw string) string {
	if raw == KeyTranscription {
		return KeyTranscription + ":" + defaultTranscriptionLanguage
	}
	return raw
}

// IsTranscriptionKey reports whether key (already normalized) is a
// transcription or translation stream key.
func IsTranscriptionKey(key string) bool {
	return strings.HasPrefix(key, KeyTranscription+":") || strings.HasPrefix(key, KeyTranslation+":")
}

// AppSender is the narrow outbound interface the index uses to replay
// cached values to newly subscribed Apps, implemented by
// [appmanager.AppManager].
type AppSender interface {
	Send(ctx context.Context, packageName string, payload any) error
}

// Index tracks per-package subscriptions for one session and replays cached
// last-known values for location and calendar keys; custom_message
// subscriptions get no replay.
type Index struct {
	sender AppSender

	mu   sync.RWMutex
	subs map[string]map[string]struct{} // package -> effective key -> struct{}

	cache Cache
}

// New creates an empty [Index]. cache may be nil, in which case an
// in-memory cache is used.
func New(sender AppSender, cache Cache) *Index {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Index{
		sender: sender,
		subs:   make(map[string]map[string]struct{}),
		cache:  cache,
	}
}

// Update replaces packageName's subscription set with the normalized form
// of keys, returning the set of keys added and removed so callers (the
// TranscriptionManager) can diff provider streams.
func (idx *Index) Update(packageName string, keys []string) (added, removed []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	next := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		next[EffectiveKey(k)] = struct{}{}
	}

	existing := idx.subs[packageName]
	for k := range next {
		if _, ok := existing[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range existing {
		if _, ok := next[k]; !ok {
			removed = append(removed, k)
		}
	}
	idx.subs[packageName] = next
	return added, removed
}

// Remove clears all subscriptions for packageName (used on App stop).
func (idx *Index) Remove(packageName string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.subs, packageName)
}

// Subscribers returns every package subscribed to effectiveKey.
func (idx *Index) Subscribers(effectiveKey string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []string
	for pkg, keys := range idx.subs {
		if _, ok := keys[effectiveKey]; ok {
			out = append(out, pkg)
		}
	}
	return out
}

// HasAnySubscribers reports whether any package subscribes to effectiveKey.
func (idx *Index) HasAnySubscribers(effectiveKey string) bool {
	return len(idx.Subscribers(effectiveKey)) > 0
}

// AllTranscriptionKeys returns the union of all transcription/translation
// effective keys currently subscribed across every package, used by the
// TranscriptionManager to decide which provider streams must exist.
func (idx *Index) AllTranscriptionKeys() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, keys := range idx.subs {
		for k := range keys {
			if IsTranscriptionKey(k) {
				seen[k] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

// CacheLocation stores loc as the session's last-known location and replays
// it to every currently subscribed package.
func (idx *Index) CacheLocation(ctx context.Context, loc types.Location) {
	idx.cache.SetLocation(loc)
	for _, pkg := range idx.Subscribers(KeyLocation) {
		_ = idx.sender.Send(ctx, pkg, loc)
	}
}

// CacheCalendarEvent stores ev and replays it to every subscribed package.
func (idx *Index) CacheCalendarEvent(ctx context.Context, ev types.CalendarEvent) {
	idx.cache.AddCalendarEvent(ev)
	for _, pkg := range idx.Subscribers(KeyCalendar) {
		_ = idx.sender.Send(ctx, pkg, ev)
	}
}

// CoreSettings returns the session's current persisted core settings.
func (idx *Index) CoreSettings() map[string]any {
	return idx.cache.GetCoreSettings()
}

// UpdateCoreSettings merges newSettings on top of the session's persisted
// core settings, persists the result, and notifies every package subscribed
// to [KeyCoreStatus] of only the keys whose value actually changed.
func (idx *Index) UpdateCoreSettings(ctx context.Context, newSettings map[string]any) {
	old := idx.cache.GetCoreSettings()

	merged := make(map[string]any, len(old)+len(newSettings))
	for k, v := range old {
		merged[k] = v
	}
	var changed []string
	for k, v := range newSettings {
		merged[k] = v
		if !reflect.DeepEqual(old[k], v) {
			changed = append(changed, k)
		}
	}
	if len(changed) == 0 {
		return
	}
	idx.cache.SetCoreSettings(merged)

	diff := make(map[string]any, len(changed))
	for _, k := range changed {
		diff[k] = merged[k]
	}
	for _, pkg := range idx.Subscribers(KeyCoreStatus) {
		_ = idx.sender.Send(ctx, pkg, diff)
	}
}

// ReplayCachedValues sends every cached value relevant to packageName's
// newly added subscription keys, used right after a subscription_update so
// a freshly subscribed App doesn't wait for the next live event.
func (idx *Index) ReplayCachedValues(ctx context.Context, packageName string, addedKeys []string) {
	for _, k := range addedKeys {
		switch k {
		case KeyLocation:
			if loc, ok := idx.cache.GetLocation(); ok {
				_ = idx.sender.Send(ctx, packageName, loc)
			}
		case KeyCalendar:
			for _, ev := range idx.cache.GetCalendarEvents() {
				_ = idx.sender.Send(ctx, packageName, ev)
			}
		}
	}
}
