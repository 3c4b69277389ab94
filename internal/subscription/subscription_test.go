package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rajeevrajeshuni/glasses-cloud/pkg/types"
)

type recordingSender struct {
	mu  sync.Mutex
	msgs map[string][]any
}

func newRecordingSender() *recordingSender {
	return &recordingSender{msgs: make(map[string][]any)}
}

func (s *recordingSender) Send(ctx context.Context, packageName string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[packageName] = append(s.msgs[packageName], payload)
	return nil
}

func TestEffectiveKey_NormalizesBareTranscription(t *testing.T) {
	if got := EffectiveKey("transcription"); got != "transcription:en-US" {
		t.Errorf("EffectiveKey(transcription) = %q, want transcription:en-US", got)
	}
	if got := EffectiveKey("translation:es-to-en"); got != "translation:es-to-en" {
		t.Errorf("EffectiveKey passthrough changed: %q", got)
	}
}

func TestUpdate_ReportsAddedAndRemoved(t *testing.T) {
	idx := New(newRecordingSender(), nil)

	added, removed := idx.Update("com.example.app", []string{"transcription", KeyLocation})
	if len(removed) != 0 {
		t.Errorf("first update should have no removals, got %v", removed)
	}
	wantAdded := map[string]bool{"transcription:en-US": true, KeyLocation: true}
	for _, a := range added {
		if !wantAdded[a] {
			t.Errorf("unexpected added key %q", a)
		}
		delete(wantAdded, a)
	}
	if len(wantAdded) != 0 {
		t.Errorf("missing added keys: %v", wantAdded)
	}

	added, removed = idx.Update("com.example.app", []string{KeyLocation})
	if len(added) != 0 {
		t.Errorf("second update should add nothing, got %v", added)
	}
	if len(removed) != 1 || removed[0] != "transcription:en-US" {
		t.Errorf("removed = %v, want [transcription:en-US]", removed)
	}
}

func TestSubscribers_ReturnsOnlyMatchingPackages(t *testing.T) {
	idx := New(newRecordingSender(), nil)
	idx.Update("pkg.a", []string{KeyLocation})
	idx.Update("pkg.b", []string{KeyCalendar})

	subs := idx.Subscribers(KeyLocation)
	if len(subs) != 1 || subs[0] != "pkg.a" {
		t.Errorf("Subscribers(location) = %v, want [pkg.a]", subs)
	}
}

func TestCacheLocation_ReplaysToSubscribers(t *testing.T) {
	sender := newRecordingSender()
	idx := New(sender, nil)
	idx.Update("pkg.a", []string{KeyLocation})

	loc := types.Location{Lat: 1, Lng: 2, Timestamp: time.Now()}
	idx.CacheLocation(context.Background(), loc)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs["pkg.a"]) != 1 {
		t.Fatalf("pkg.a received %d messages, want 1", len(sender.msgs["pkg.a"]))
	}
}

func TestReplayCachedValues_SendsLastLocationOnNewSubscription(t *testing.T) {
	sender := newRecordingSender()
	idx := New(sender, nil)

	loc := types.Location{Lat: 1, Lng: 2, Timestamp: time.Now()}
	idx.CacheLocation(context.Background(), loc) // no subscribers yet

	added, _ := idx.Update("pkg.a", []string{KeyLocation})
	idx.ReplayCachedValues(context.Background(), "pkg.a", added)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.msgs["pkg.a"]) != 1 {
		t.Fatalf("pkg.a received %d replayed messages, want 1", len(sender.msgs["pkg.a"]))
	}
}

func TestAllTranscriptionKeys_UnionsAcrossPackages(t *testing.T) {
	idx := New(newRecordingSender(), nil)
	idx.Update("pkg.a", []string{"transcription"})
	idx.Update("pkg.b", []string{"translation:es-to-en"})

	keys := idx.AllTranscriptionKeys()
	if len(keys) != 2 {
		t.Fatalf("AllTranscriptionKeys = %v, want 2 entries", keys)
	}
}

func TestRemove_ClearsSubscriptions(t *testing.T) {
	idx := New(newRecordingSender(), nil)
	idx.Update("pkg.a", []string{KeyLocation})
	idx.Remove("pkg.a")

	if subs := idx.Subscribers(KeyLocation); len(subs) != 0 {
		t.Errorf("Subscribers after Remove = %v, want empty", subs)
	}
}

func TestUpdateCoreSettings_NotifiesOnlyChangedKeys(t *testing.T) {
	sender := newRecordingSender()
	idx := New(sender, nil)
	idx.Update("pkg.a", []string{KeyCoreStatus})

	idx.UpdateCoreSettings(context.Background(), map[string]any{"brightness": float64(50), "mute": false})
	idx.UpdateCoreSettings(context.Background(), map[string]any{"brightness": float64(80), "mute": false})

	if got := len(sender.msgs["pkg.a"]); got != 2 {
		t.Fatalf("pkg.a received %d core_status_update messages, want 2", got)
	}
	second := sender.msgs["pkg.a"][1].(map[string]any)
	if _, ok := second["mute"]; ok {
		t.Errorf("second notification = %v, should not include the unchanged mute key", second)
	}
	if second["brightness"] != float64(80) {
		t.Errorf("second notification brightness = %v, want 80", second["brightness"])
	}
}

func TestUpdateCoreSettings_SkipsNotifyWhenNothingChanged(t *testing.T) {
	sender := newRecordingSender()
	idx := New(sender, nil)
	idx.Update("pkg.a", []string{KeyCoreStatus})

	idx.UpdateCoreSettings(context.Background(), map[string]any{"brightness": float64(50)})
	idx.UpdateCoreSettings(context.Background(), map[string]any{"brightness": float64(50)})

	if got := len(sender.msgs["pkg.a"]); got != 1 {
		t.Fatalf("pkg.a received %d messages, want 1 (second update was a no-op)", got)
	}
}

func TestCoreSettings_ReturnsPersistedValues(t *testing.T) {
	idx := New(newRecordingSender(), nil)
	idx.UpdateCoreSettings(context.Background(), map[string]any{"brightness": float64(50)})

	if got := idx.CoreSettings(); got["brightness"] != float64(50) {
		t.Errorf("CoreSettings() = %v, want brightness=50", got)
	}
}
